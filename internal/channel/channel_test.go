package channel

import (
	"context"
	"strings"
	"testing"
	"time"

	"notifysync/internal/mail"
)

type stub struct {
	t  Type
	ok bool
}

func (s stub) Type() Type                                { return s.t }
func (s stub) Available() bool                           { return s.ok }
func (s stub) Send(context.Context, *mail.Message) error { return nil }

func TestOrderedRegistry(t *testing.T) {
	chs := map[Type]Channel{
		TypeTelegram: stub{TypeTelegram, true},
		TypeWhatsApp: stub{TypeWhatsApp, false},
		TypePush:     stub{TypePush, true},
	}
	r, err := Ordered(chs, []string{"push", "Telegram"})
	if err != nil {
		t.Fatalf("Ordered: %v", err)
	}
	st := r.Statuses()
	if len(st) != 3 {
		t.Fatalf("statuses = %+v", st)
	}
	want := []Type{TypePush, TypeTelegram, TypeWhatsApp}
	for i, s := range st {
		if s.Type != want[i] || s.Priority != i+1 {
			t.Fatalf("status[%d] = %+v", i, s)
		}
	}
	if st[2].Available {
		t.Fatal("whatsapp should be unavailable")
	}
	if !r.AnyAvailable() {
		t.Fatal("AnyAvailable = false")
	}
	if _, err := Ordered(chs, []string{"pager"}); err == nil {
		t.Fatal("expected unknown channel error")
	}
}

func TestRegistryDropsDuplicates(t *testing.T) {
	r := NewRegistry(stub{TypeTelegram, false}, nil, stub{TypeTelegram, true})
	if r.Len() != 1 || r.Statuses()[0].Available {
		t.Fatalf("registry = %+v", r.Statuses())
	}
}

func TestPreview(t *testing.T) {
	if got := Preview("a\n\n  b\tc", 100); got != "a b c" {
		t.Fatalf("Preview = %q", got)
	}
	long := strings.Repeat("é", 600)
	got := Preview(long, PreviewLimit)
	if n := len([]rune(got)); n != PreviewLimit || !strings.HasSuffix(got, "...") {
		t.Fatalf("Preview len = %d", n)
	}
}

func TestReceivedAt(t *testing.T) {
	if ReceivedAt(time.Time{}, nil) != "unknown" {
		t.Fatal("zero time should be unknown")
	}
	ts := time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC)
	if got := ReceivedAt(ts, time.UTC); got != "2024-03-01 08:30 UTC" {
		t.Fatalf("ReceivedAt = %q", got)
	}
}
