// Package mail defines the message model shared by mail transports and the
// processing pipeline, plus RFC 5322 decoding helpers.
package mail

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// Message is one fetched mail item. Everything except Important is fixed at
// fetch time.
type Message struct {
	ID            string
	ThreadID      string
	Subject       string
	SenderName    string
	SenderAddress string
	Body          string
	// ReceivedAt is zero when the transport could not determine it.
	ReceivedAt time.Time

	// Category is a transport hint; the authoritative answer comes from a
	// CategoryLookup.
	Category        Category
	MessageIDHeader string

	// Important is set by the processor from the classifier verdict.
	Important bool

	// DecodeWarnings lists non-fatal decoding problems (for logging only).
	DecodeWarnings []string
}

// Sender renders "Name <addr>" or just the address.
func (m *Message) Sender() string {
	if m == nil {
		return ""
	}
	if n := strings.TrimSpace(m.SenderName); n != "" && n != m.SenderAddress {
		return fmt.Sprintf("%s <%s>", n, m.SenderAddress)
	}
	return m.SenderAddress
}

// NormalizeAddress is the key form of a sender address: trimmed and case
// folded, so "Straße@X.de" and "strasse@x.de" compare equal.
func NormalizeAddress(addr string) string {
	return cases.Fold().String(strings.TrimSpace(addr))
}

// Transport fetches the most recent messages from a mailbox.
type Transport interface {
	FetchRecent(ctx context.Context, max int) ([]*Message, error)
}

// CategoryLookup resolves the mailbox category of a message id.
type CategoryLookup interface {
	Category(ctx context.Context, id string) (Category, error)
}

// StaticCategory answers every lookup with the same category. Used by
// mailboxes without inbox categories.
type StaticCategory Category

func (s StaticCategory) Category(context.Context, string) (Category, error) {
	return Category(s), nil
}
