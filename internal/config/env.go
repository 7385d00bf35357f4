package config

import (
	"errors"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "NOTIFYSYNC_"

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment. Variables already set win. A missing file is not an error.
func LoadEnvFile(path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return godotenv.Load(path)
}

// envBindings maps variable suffixes to the secret fields they override.
func envBindings(cfg *Config) map[string]*string {
	return map[string]*string{
		"TELEGRAM_BOT_TOKEN":     &cfg.Telegram.BotToken,
		"TELEGRAM_CHAT_ID":       &cfg.Telegram.ChatID,
		"TELEGRAM_LOG_CHAT_ID":   &cfg.Logging.Telegram.ChatID,
		"WHATSAPP_ACCOUNT_SID":   &cfg.WhatsApp.AccountSID,
		"WHATSAPP_AUTH_TOKEN":    &cfg.WhatsApp.AuthToken,
		"WHATSAPP_FROM_NUMBER":   &cfg.WhatsApp.FromNumber,
		"WHATSAPP_TO_NUMBER":     &cfg.WhatsApp.ToNumber,
		"PUSH_DEVICE_TOKEN":      &cfg.Push.DeviceToken,
		"PUSH_CREDENTIALS_FILE":  &cfg.Push.CredentialsFile,
		"IMAP_USERNAME":          &cfg.Email.IMAP.Username,
		"IMAP_PASSWORD":          &cfg.Email.IMAP.Password,
		"GMAIL_CREDENTIALS_FILE": &cfg.Email.Gmail.CredentialsFile,
		"GMAIL_TOKEN_FILE":       &cfg.Email.Gmail.TokenFile,
		"HTTP_TOKEN":             &cfg.HTTP.Token,
	}
}

// ApplyEnv overrides secrets from the environment. lookup is os.LookupEnv in
// production; empty values are ignored.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if cfg == nil || lookup == nil {
		return
	}
	for suffix, dst := range envBindings(cfg) {
		if v, ok := lookup(EnvPrefix + suffix); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
}
