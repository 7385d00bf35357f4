package notifier

import (
	"time"

	"notifysync/internal/channel"
)

type Config struct {
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	SendTimeout   time.Duration
	HistorySize   int
}

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)

// Attempt is the outcome of delivering one message over one channel.
type Attempt struct {
	ID        string       `json:"id"`
	MessageID string       `json:"message_id"`
	Channel   channel.Type `json:"channel"`
	Priority  int          `json:"priority"`
	Status    Status       `json:"status"`
	Tries     int          `json:"tries"`
	At        time.Time    `json:"at"`
	Error     string       `json:"error,omitempty"`
}

// AnySent reports whether at least one attempt was accepted.
func AnySent(attempts []Attempt) bool {
	for _, a := range attempts {
		if a.Status == StatusSent {
			return true
		}
	}
	return false
}

// NotificationEvent is the payload of notify.* bus events.
type NotificationEvent struct {
	AttemptID string       `json:"attempt_id"`
	MessageID string       `json:"message_id"`
	Channel   channel.Type `json:"channel"`
	Tries     int          `json:"tries"`
	At        time.Time    `json:"at"`
	Error     string       `json:"error,omitempty"`
}
