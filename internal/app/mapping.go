package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"notifysync/internal/channel"
	"notifysync/internal/classifier"
	"notifysync/internal/config"
	"notifysync/internal/httpapi"
	"notifysync/internal/mail"
	"notifysync/internal/mail/gmail"
	"notifysync/internal/mail/imap"
	"notifysync/internal/notifier"
	"notifysync/internal/processor"
	"notifysync/internal/scheduler"
	"notifysync/internal/storage"
	"notifysync/internal/tracking"
	logx "notifysync/pkg/logx"
)

const (
	defaultCheckInterval = "300s"
	defaultTrackingPath  = "processed_emails.json"
)

func mapLogging(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	}
}

func mapLocation(cfg *config.Config) (*time.Location, error) {
	tz := strings.TrimSpace(cfg.Email.Timezone)
	if tz == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("email.timezone: invalid %q: %w", tz, err)
	}
	return loc, nil
}

func mapStorage(cfg *config.Config) (storage.Config, error) {
	tc := cfg.Tracking
	driver := strings.ToLower(strings.TrimSpace(tc.Driver))
	if driver == "" {
		driver = "file"
	}
	if !storage.ValidDriver(driver) {
		return storage.Config{}, fmt.Errorf("unknown tracking.driver: %s", tc.Driver)
	}
	path := strings.TrimSpace(tc.Path)
	switch driver {
	case "file", "json":
		if path == "" {
			path = defaultTrackingPath
		}
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, errors.New("tracking.path is required when tracking.driver=sqlite")
		}
	}
	busy, err := config.ParseDurationOrDefault("tracking.busy_timeout", tc.BusyTimeout, time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, nil
}

func mapTracking(cfg *config.Config) (tracking.Options, error) {
	tc := cfg.Tracking
	if tc.FlushEvery < 0 || tc.SweepEvery < 0 {
		return tracking.Options{}, errors.New("tracking.flush_every and tracking.sweep_every must be >= 0")
	}
	ret, err := config.ParseDurationField("tracking.retention", tc.Retention)
	if err != nil {
		return tracking.Options{}, err
	}
	return tracking.Options{FlushEvery: tc.FlushEvery, SweepEvery: tc.SweepEvery, Retention: ret}, nil
}

func mapNotifier(cfg *config.Config) (notifier.Config, error) {
	nc := cfg.Notifier
	if nc.RatePerSec < 0 || nc.RetryMax < 0 || nc.HistorySize < 0 {
		return notifier.Config{}, errors.New("notifier: rate_per_sec, retry_max and history_size must be >= 0")
	}
	base, err := config.ParseDurationField("notifier.retry_base", nc.RetryBase)
	if err != nil {
		return notifier.Config{}, err
	}
	maxDelay, err := config.ParseDurationField("notifier.retry_max_delay", nc.RetryMaxDelay)
	if err != nil {
		return notifier.Config{}, err
	}
	timeout, err := config.ParseDurationField("notifier.send_timeout", nc.SendTimeout)
	if err != nil {
		return notifier.Config{}, err
	}
	return notifier.Config{
		RatePerSec:    nc.RatePerSec,
		RetryMax:      nc.RetryMax,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		SendTimeout:   timeout,
		HistorySize:   nc.HistorySize,
	}, nil
}

func mapCategories(cfg *config.Config) (mail.Categories, error) {
	cats, err := mail.NewCategories(cfg.Filter.AllowedCategories)
	if err != nil {
		return nil, fmt.Errorf("filter.allowed_categories: %w", err)
	}
	return cats, nil
}

func mapRules(cfg *config.Config) (classifier.Rules, error) {
	if cfg.Filter.RecencyHours < 0 {
		return classifier.Rules{}, errors.New("filter.recency_hours must be >= 0")
	}
	cats, err := mapCategories(cfg)
	if err != nil {
		return classifier.Rules{}, err
	}
	return classifier.Rules{
		ImportantDomains:  cfg.Filter.ImportantDomains,
		ImportantKeywords: cfg.Filter.ImportantKeywords,
		Recency:           time.Duration(cfg.Filter.RecencyHours) * time.Hour,
		AllowedCategories: cats,
	}, nil
}

func mapProcessor(cfg *config.Config) (processor.Config, error) {
	ec := cfg.Email
	if ec.MaxEmailsPerFetch < 0 || ec.MaxNotificationsPerDay < 0 || ec.ThreadDeduplicationWindowHours < 0 {
		return processor.Config{}, errors.New("email limits must be >= 0")
	}
	cats, err := mapCategories(cfg)
	if err != nil {
		return processor.Config{}, err
	}
	return processor.Config{
		MaxPerFetch:       ec.MaxEmailsPerFetch,
		MaxPerDay:         ec.MaxNotificationsPerDay,
		ThreadWindow:      time.Duration(ec.ThreadDeduplicationWindowHours) * time.Hour,
		AllowedCategories: cats,
	}, nil
}

func mapSchedule(cfg *config.Config, loc *time.Location) (scheduler.Config, error) {
	raw := strings.TrimSpace(cfg.Email.CheckInterval)
	if raw == "" {
		raw = defaultCheckInterval
	}
	if _, err := scheduler.Parse(raw); err != nil {
		return scheduler.Config{}, fmt.Errorf("email.check_interval: %w", err)
	}
	runOnStart := true
	if cfg.Email.RunOnStart != nil {
		runOnStart = *cfg.Email.RunOnStart
	}
	return scheduler.Config{Schedule: raw, Location: loc, RunOnStart: runOnStart}, nil
}

func mapHTTP(cfg *config.Config) (httpapi.Config, error) {
	hc := cfg.HTTP
	rt, err := config.ParseDurationField("http.read_timeout", hc.ReadTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	wt, err := config.ParseDurationField("http.write_timeout", hc.WriteTimeout)
	if err != nil {
		return httpapi.Config{}, err
	}
	return httpapi.Config{
		Addr:         hc.Addr,
		Token:        hc.Token,
		Pprof:        hc.Pprof,
		ReadTimeout:  rt,
		WriteTimeout: wt,
	}, nil
}

func providerName(cfg *config.Config) string {
	p := strings.ToLower(strings.TrimSpace(cfg.Email.Provider))
	if p == "" {
		return "gmail"
	}
	return p
}

func mapGmail(cfg *config.Config) (gmail.Config, error) {
	gc := cfg.Email.Gmail
	timeout, err := config.ParseDurationOrDefault("email.gmail.timeout", gc.Timeout, 30*time.Second)
	if err != nil {
		return gmail.Config{}, err
	}
	creds := strings.TrimSpace(gc.CredentialsFile)
	if creds == "" {
		creds = "credentials.json"
	}
	token := strings.TrimSpace(gc.TokenFile)
	if token == "" {
		token = "tokens/token.json"
	}
	return gmail.Config{CredentialsFile: creds, TokenFile: token, User: gc.User, Timeout: timeout}, nil
}

func mapIMAP(cfg *config.Config) imap.Config {
	ic := cfg.Email.IMAP
	useTLS := true
	if ic.TLS != nil {
		useTLS = *ic.TLS
	}
	return imap.Config{
		Host:        strings.TrimSpace(ic.Host),
		Port:        ic.Port,
		Username:    ic.Username,
		Password:    ic.Password,
		TLS:         useTLS,
		Mailbox:     ic.Mailbox,
		SinceDays:   ic.SinceDays,
		DialRetries: ic.DialRetries,
	}
}

// validate rejects configs the app cannot run with. It is used at startup
// and before a hot reload is committed.
func validate(cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config is empty")
	}
	if lvl := strings.TrimSpace(cfg.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		return fmt.Errorf("logging.level: invalid %q", lvl)
	}
	if lvl := strings.TrimSpace(cfg.Logging.Telegram.MinLevel); lvl != "" && !logx.ValidLevel(lvl) {
		return fmt.Errorf("logging.telegram.min_level: invalid %q", lvl)
	}
	if lt := cfg.Logging.Telegram; lt.Enabled {
		chat := strings.TrimSpace(lt.ChatID)
		if chat == "" {
			return errors.New("logging.telegram.chat_id: required when logging.telegram.enabled")
		}
		if chat == strings.TrimSpace(cfg.Telegram.ChatID) {
			return errors.New("logging.telegram.chat_id: must differ from telegram.chat_id")
		}
	}
	loc, err := mapLocation(cfg)
	if err != nil {
		return err
	}
	switch providerName(cfg) {
	case "gmail":
		if _, err := mapGmail(cfg); err != nil {
			return err
		}
	case "imap":
		ic := mapIMAP(cfg)
		if ic.Host == "" || ic.Username == "" {
			return errors.New("email.imap.host and email.imap.username are required when email.provider=imap")
		}
	default:
		return fmt.Errorf("email.provider: unknown %q (want gmail or imap)", cfg.Email.Provider)
	}
	if _, err := mapSchedule(cfg, loc); err != nil {
		return err
	}
	if _, err := mapProcessor(cfg); err != nil {
		return err
	}
	if _, err := mapRules(cfg); err != nil {
		return err
	}
	if _, err := mapStorage(cfg); err != nil {
		return err
	}
	if _, err := mapTracking(cfg); err != nil {
		return err
	}
	if _, err := mapNotifier(cfg); err != nil {
		return err
	}
	for _, n := range cfg.Channels.Order {
		if _, err := channel.ParseType(n); err != nil {
			return fmt.Errorf("channels.order: %w", err)
		}
	}
	if _, err := mapHTTP(cfg); err != nil {
		return err
	}
	return nil
}
