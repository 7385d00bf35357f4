package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage. An empty Driver means "none".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ProcessedRecord remembers that a message was handled. Records are never
// mutated after insertion.
type ProcessedRecord struct {
	MessageID     string    `json:"message_id"`
	ThreadID      string    `json:"thread_id,omitempty"`
	Subject       string    `json:"subject,omitempty"`
	SenderAddress string    `json:"sender,omitempty"`
	ProcessedAt   time.Time `json:"processed_at"`
	Important     bool      `json:"important"`
	Notified      bool      `json:"notified"`
}

// FeedbackRecord is one relevance vote. Records are grouped by sender.
type FeedbackRecord struct {
	MessageID string    `json:"message_id"`
	At        time.Time `json:"at"`
	Relevant  bool      `json:"relevant"`
}

// Snapshot is the full persisted state.
type Snapshot struct {
	Processed map[string]ProcessedRecord  `json:"processed_emails"`
	Feedback  map[string][]FeedbackRecord `json:"user_feedback"`
}

func NewSnapshot() Snapshot {
	return Snapshot{
		Processed: map[string]ProcessedRecord{},
		Feedback:  map[string][]FeedbackRecord{},
	}
}

// Backend loads and replaces whole snapshots.
type Backend interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, s Snapshot) error
	Close() error
}
