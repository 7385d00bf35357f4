package config

import (
	"reflect"
	"sort"
	"strings"

	logx "notifysync/pkg/logx"
)

// Sections that take effect only after a restart.
var restartSections = map[string]bool{
	"email.source":   true,
	"email.schedule": true,
	"tracking":       true,
	"telegram":       true,
	"whatsapp":       true,
	"push":           true,
	"channels":       true,
	"http":           true,
}

// SummarizeConfigChange returns the sorted list of changed sections and safe
// structured fields for logging. Secrets are reported only as *_set booleans.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	o, n := oldCfg.Email, newCfg.Email
	if o.MaxEmailsPerFetch != n.MaxEmailsPerFetch ||
		o.MaxNotificationsPerDay != n.MaxNotificationsPerDay ||
		o.ThreadDeduplicationWindowHours != n.ThreadDeduplicationWindowHours {
		changed = append(changed, "email.limits")
		attrs = append(attrs,
			logx.Int("email.max_emails_per_fetch", n.MaxEmailsPerFetch),
			logx.Int("email.max_notifications_per_day", n.MaxNotificationsPerDay),
			logx.Int("email.thread_deduplication_window_hours", n.ThreadDeduplicationWindowHours),
		)
	}
	if strings.TrimSpace(o.CheckInterval) != strings.TrimSpace(n.CheckInterval) ||
		strings.TrimSpace(o.Timezone) != strings.TrimSpace(n.Timezone) ||
		!reflect.DeepEqual(o.RunOnStart, n.RunOnStart) {
		changed = append(changed, "email.schedule")
		attrs = append(attrs, logx.String("email.check_interval", strings.TrimSpace(n.CheckInterval)))
	}
	if o.Provider != n.Provider || !reflect.DeepEqual(o.Gmail, n.Gmail) || !reflect.DeepEqual(o.IMAP, n.IMAP) {
		changed = append(changed, "email.source")
		attrs = append(attrs, logx.String("email.provider", n.Provider))
	}

	if !reflect.DeepEqual(oldCfg.Filter, newCfg.Filter) {
		changed = append(changed, "filter")
		attrs = append(attrs,
			logx.Int("filter.domains", len(newCfg.Filter.ImportantDomains)),
			logx.Int("filter.keywords", len(newCfg.Filter.ImportantKeywords)),
			logx.Int("filter.recency_hours", newCfg.Filter.RecencyHours),
		)
	}
	if !reflect.DeepEqual(oldCfg.Tracking, newCfg.Tracking) {
		changed = append(changed, "tracking")
		attrs = append(attrs, logx.String("tracking.driver", newCfg.Tracking.Driver))
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		attrs = append(attrs,
			logx.Int("notifier.rate_per_sec", newCfg.Notifier.RatePerSec),
			logx.Int("notifier.retry_max", newCfg.Notifier.RetryMax),
		)
	}
	if oldCfg.Telegram != newCfg.Telegram {
		changed = append(changed, "telegram")
		attrs = append(attrs,
			logx.Bool("telegram.token_set", strings.TrimSpace(newCfg.Telegram.BotToken) != ""),
			logx.Bool("telegram.chat_set", strings.TrimSpace(newCfg.Telegram.ChatID) != ""),
		)
	}
	if oldCfg.WhatsApp != newCfg.WhatsApp {
		changed = append(changed, "whatsapp")
		attrs = append(attrs, logx.Bool("whatsapp.enabled", newCfg.WhatsApp.Enabled))
	}
	if oldCfg.Push != newCfg.Push {
		changed = append(changed, "push")
		attrs = append(attrs, logx.Bool("push.enabled", newCfg.Push.Enabled))
	}
	if !reflect.DeepEqual(oldCfg.Channels, newCfg.Channels) {
		changed = append(changed, "channels")
		attrs = append(attrs, logx.Strings("channels.order", newCfg.Channels.Order))
	}
	if oldCfg.HTTP != newCfg.HTTP {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", newCfg.HTTP.Addr),
			logx.Bool("http.token_set", strings.TrimSpace(newCfg.HTTP.Token) != ""),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}

// RestartRequired filters sections to those that are not hot-applied.
func RestartRequired(sections []string) []string {
	var out []string
	for _, s := range sections {
		if restartSections[s] {
			out = append(out, s)
		}
	}
	return out
}
