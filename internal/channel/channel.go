// Package channel defines delivery channels for notifications and the
// ordered registry the dispatcher walks.
package channel

import (
	"context"
	"fmt"
	"strings"

	"notifysync/internal/mail"
)

type Type string

const (
	TypeTelegram Type = "telegram"
	TypeWhatsApp Type = "whatsapp"
	TypePush     Type = "push"
)

// DefaultOrder is the registry order used when none is configured.
var DefaultOrder = []Type{TypeTelegram, TypeWhatsApp, TypePush}

func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case TypeTelegram, TypeWhatsApp, TypePush:
		return t, nil
	}
	return "", fmt.Errorf("unknown channel type %q", s)
}

// Channel delivers one message. Send returns nil once the provider has
// accepted the message; each channel formats the message itself.
type Channel interface {
	Type() Type
	Available() bool
	Send(ctx context.Context, m *mail.Message) error
}

type Status struct {
	Type      Type `json:"type"`
	Available bool `json:"available"`
	Priority  int  `json:"priority"`
}

// Registry is a fixed, ordered channel list. Position is priority (1-based).
type Registry struct {
	channels []Channel
}

// NewRegistry keeps the first channel of every type and drops nils.
func NewRegistry(chs ...Channel) *Registry {
	r := &Registry{}
	seen := map[Type]bool{}
	for _, c := range chs {
		if c == nil || seen[c.Type()] {
			continue
		}
		seen[c.Type()] = true
		r.channels = append(r.channels, c)
	}
	return r
}

// Ordered arranges chs by names. Types missing from names are appended in
// DefaultOrder.
func Ordered(chs map[Type]Channel, names []string) (*Registry, error) {
	var list []Channel
	used := map[Type]bool{}
	for _, n := range names {
		t, err := ParseType(n)
		if err != nil {
			return nil, err
		}
		if c, ok := chs[t]; ok && !used[t] {
			list = append(list, c)
			used[t] = true
		}
	}
	for _, t := range DefaultOrder {
		if c, ok := chs[t]; ok && !used[t] {
			list = append(list, c)
			used[t] = true
		}
	}
	return NewRegistry(list...), nil
}

func (r *Registry) Channels() []Channel {
	if r == nil {
		return nil
	}
	return append([]Channel(nil), r.channels...)
}

func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.channels)
}

func (r *Registry) Statuses() []Status {
	if r == nil {
		return nil
	}
	out := make([]Status, 0, len(r.channels))
	for i, c := range r.channels {
		out = append(out, Status{Type: c.Type(), Available: c.Available(), Priority: i + 1})
	}
	return out
}

// AnyAvailable reports whether at least one channel can deliver.
func (r *Registry) AnyAvailable() bool {
	for _, c := range r.Channels() {
		if c.Available() {
			return true
		}
	}
	return false
}
