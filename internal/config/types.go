package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings ("500ms", "10s", "2h").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Email    EmailConfig    `json:"email"`
	Filter   FilterConfig   `json:"filter"`
	Tracking TrackingConfig `json:"tracking"`
	Notifier NotifierConfig `json:"notifier"`
	Telegram TelegramConfig `json:"telegram"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Push     PushConfig     `json:"push"`
	Channels ChannelsConfig `json:"channels"`
	HTTP     HTTPConfig     `json:"http"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram forwards warn+ log lines through the notification bot to
// ChatID, an operator chat that must differ from telegram.chat_id.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ChatID     string `json:"chat_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// EmailConfig controls mailbox polling and the notification budget.
//
// Defaults (when omitted/zero):
//   - provider: "gmail"
//   - max_emails_per_fetch: 10
//   - max_notifications_per_day: 20
//   - thread_deduplication_window_hours: 2
//   - check_interval: "300s" (also accepts cron expressions, see scheduler.ParseSchedule)
//   - run_on_start: true
type EmailConfig struct {
	Provider                       string `json:"provider"`
	MaxEmailsPerFetch              int    `json:"max_emails_per_fetch"`
	MaxNotificationsPerDay         int    `json:"max_notifications_per_day"`
	ThreadDeduplicationWindowHours int    `json:"thread_deduplication_window_hours"`
	CheckInterval                  string `json:"check_interval"`
	// Timezone used for the daily counter boundary and cron schedules.
	Timezone   string `json:"timezone,omitempty"`
	RunOnStart *bool  `json:"run_on_start,omitempty"`

	Gmail GmailConfig `json:"gmail"`
	IMAP  IMAPConfig  `json:"imap"`
}

type GmailConfig struct {
	CredentialsFile string `json:"credentials_file"`
	TokenFile       string `json:"token_file"`
	User            string `json:"user,omitempty"` // default "me"
	Timeout         string `json:"timeout,omitempty"`
}

type IMAPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"` // prefer NOTIFYSYNC_IMAP_PASSWORD
	TLS      *bool  `json:"tls,omitempty"`
	Mailbox  string `json:"mailbox,omitempty"`
	// SinceDays bounds the UID search window.
	SinceDays   int `json:"since_days,omitempty"`
	DialRetries int `json:"dial_retries,omitempty"`
}

// FilterConfig holds the classifier rules. Hot-reloadable.
type FilterConfig struct {
	ImportantDomains  []string `json:"important_domains"`
	ImportantKeywords []string `json:"important_keywords"`
	RecencyHours      int      `json:"recency_hours"`
	AllowedCategories []string `json:"allowed_categories,omitempty"`
}

// TrackingConfig controls the processed-message store.
//
// Driver values: "file" (JSON document), "sqlite", "none" (memory only).
type TrackingConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	FlushEvery  int    `json:"flush_every,omitempty"`
	SweepEvery  int    `json:"sweep_every,omitempty"`
	Retention   string `json:"retention,omitempty"`
}

// NotifierConfig controls delivery retries and per-channel throttling.
type NotifierConfig struct {
	RatePerSec    int    `json:"rate_per_sec"`
	RetryMax      int    `json:"retry_max"`
	RetryBase     string `json:"retry_base"`
	RetryMaxDelay string `json:"retry_max_delay"`
	SendTimeout   string `json:"send_timeout"`
	HistorySize   int    `json:"history_size,omitempty"`
}

type TelegramConfig struct {
	BotToken    string `json:"bot_token"`
	ChatID      string `json:"chat_id"`
	BotUsername string `json:"bot_username,omitempty"`
}

type WhatsAppConfig struct {
	Enabled    bool   `json:"enabled"`
	AccountSID string `json:"account_sid"`
	AuthToken  string `json:"auth_token"`
	FromNumber string `json:"from_number"`
	ToNumber   string `json:"to_number"`
	BaseURL    string `json:"base_url,omitempty"`
}

type PushConfig struct {
	Enabled         bool   `json:"enabled"`
	CredentialsFile string `json:"credentials_file"`
	DeviceToken     string `json:"device_token"`
}

// ChannelsConfig fixes the dispatch order. Unknown names are rejected.
type ChannelsConfig struct {
	Order []string `json:"order,omitempty"`
}

// HTTPConfig controls the status/control API.
//
// Security note: prefer a loopback addr. A non-loopback addr requires a token.
type HTTPConfig struct {
	Enabled      bool   `json:"enabled"`
	Addr         string `json:"addr,omitempty"`
	Token        string `json:"token,omitempty"`
	Pprof        bool   `json:"pprof,omitempty"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
}
