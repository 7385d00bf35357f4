package classifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"notifysync/internal/mail"
	"notifysync/internal/storage"
	"notifysync/internal/tracking"
	logx "notifysync/pkg/logx"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type feedbackMap map[string][2]int

func (f feedbackMap) FeedbackStats(sender string) (int, int) {
	v := f[sender]
	return v[0], v[1]
}

type failingLookup struct{}

func (failingLookup) Category(context.Context, string) (mail.Category, error) {
	return mail.CategoryUnknown, errors.New("labels unavailable")
}

func msg(subject, from string) *mail.Message {
	return &mail.Message{
		ID:            "m",
		Subject:       subject,
		SenderAddress: from,
		ReceivedAt:    now.Add(-time.Hour),
		Category:      mail.CategoryPrimary,
	}
}

func TestExplain(t *testing.T) {
	rules := Rules{
		ImportantDomains:  []string{"acme.com", "  ", "@Partner.io"},
		ImportantKeywords: []string{"Invoice", ""},
	}
	fb := feedbackMap{
		"trusted@x.io":    {8, 10},
		"borderline@x.io": {7, 10},
	}
	c := New(rules, nil, fb, WithClock(func() time.Time { return now }))

	tests := []struct {
		name   string
		m      func() *mail.Message
		want   bool
		reason Reason
	}{
		{"urgent word", func() *mail.Message { return msg("URGENT: server down", "x@y.z") }, true, ReasonUrgent},
		{"action required", func() *mail.Message { return msg("Action   Required today", "x@y.z") }, true, ReasonUrgent},
		{"urgency needs whole word", func() *mail.Message { return msg("Alerting pipeline notes", "x@y.z") }, false, ReasonNone},
		{"domain exact", func() *mail.Message { return msg("hello", "bob@acme.com") }, true, ReasonDomain},
		{"domain subdomain", func() *mail.Message { return msg("hello", "bob@mail.ACME.com") }, true, ReasonDomain},
		{"domain lookalike", func() *mail.Message { return msg("hello", "bob@notacme.com") }, false, ReasonNone},
		{"domain with at prefix", func() *mail.Message { return msg("hello", "eve@partner.io") }, true, ReasonDomain},
		{"subject keyword folded", func() *mail.Message { return msg("your INVOICE", "x@y.z") }, true, ReasonSubjectKeyword},
		{"body keyword", func() *mail.Message {
			m := msg("hello", "x@y.z")
			m.Body = "attached is the invoice"
			return m
		}, true, ReasonBodyKeyword},
		{"feedback above threshold", func() *mail.Message { return msg("hello", "Trusted@x.io") }, true, ReasonFeedback},
		{"feedback at threshold", func() *mail.Message { return msg("hello", "borderline@x.io") }, false, ReasonNone},
		{"reply in thread", func() *mail.Message {
			m := msg("Re: lunch", "x@y.z")
			m.ThreadID = "t"
			return m
		}, true, ReasonReply},
		{"reply without thread", func() *mail.Message { return msg("Re: lunch", "x@y.z") }, false, ReasonNone},
		{"chinese reply prefix", func() *mail.Message {
			m := msg("回复: 周报", "x@y.z")
			m.ThreadID = "t"
			return m
		}, true, ReasonReply},
		{"promotions blocked", func() *mail.Message {
			m := msg("URGENT sale", "bob@acme.com")
			m.Category = mail.CategoryPromotions
			return m
		}, false, ReasonCategory},
		{"stale", func() *mail.Message {
			m := msg("URGENT", "bob@acme.com")
			m.ReceivedAt = now.Add(-25 * time.Hour)
			return m
		}, false, ReasonStale},
		{"missing date", func() *mail.Message {
			m := msg("URGENT", "bob@acme.com")
			m.ReceivedAt = time.Time{}
			return m
		}, false, ReasonStale},
		{"plain", func() *mail.Message { return msg("weekly digest", "news@y.z") }, false, ReasonNone},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := c.Explain(context.Background(), tt.m())
			if v.Important != tt.want || v.Reason != tt.reason {
				t.Fatalf("Explain = %+v, want important=%v reason=%s", v, tt.want, tt.reason)
			}
		})
	}
}

func TestCategoryLookupErrorIsNotAllowed(t *testing.T) {
	c := New(Rules{}, failingLookup{}, nil, WithClock(func() time.Time { return now }))
	v := c.Explain(context.Background(), msg("URGENT", "a@b.c"))
	if v.Important || v.Reason != ReasonCategoryError {
		t.Fatalf("Explain = %+v", v)
	}
}

func TestLookupOverridesHint(t *testing.T) {
	c := New(Rules{}, mail.StaticCategory(mail.CategorySocial), nil, WithClock(func() time.Time { return now }))
	if c.Classify(context.Background(), msg("URGENT", "a@b.c")) {
		t.Fatal("social category should be blocked")
	}
}

func TestSetRules(t *testing.T) {
	c := New(Rules{}, nil, nil, WithClock(func() time.Time { return now }))
	m := msg("quarterly report", "x@y.z")
	if c.Classify(context.Background(), m) {
		t.Fatal("no keyword yet")
	}
	c.SetRules(Rules{ImportantKeywords: []string{"report"}, Recency: 2 * time.Hour})
	if !c.Classify(context.Background(), m) {
		t.Fatal("keyword rule not applied")
	}
	if got := c.Rules().Recency; got != 2*time.Hour {
		t.Fatalf("Rules().Recency = %v", got)
	}
}

func TestFeedbackFromTrackerWithNonASCIISender(t *testing.T) {
	ctx := context.Background()
	store := tracking.Open(ctx, nil, tracking.Options{}, logx.Nop())
	for i, id := range []string{"f1", "f2", "f3"} {
		store.RecordProcessed(storage.ProcessedRecord{MessageID: id, SenderAddress: "Jürgen.Straße@Beispiel.de"})
		if err := store.RecordFeedback(ctx, id, true); err != nil {
			t.Fatalf("vote %d: %v", i, err)
		}
	}
	c := New(Rules{}, nil, store, WithClock(func() time.Time { return now }))

	for _, from := range []string{"jürgen.straße@beispiel.de", "JÜRGEN.STRASSE@beispiel.de"} {
		v := c.Explain(ctx, msg("weekly notes", from))
		if !v.Important || v.Reason != ReasonFeedback {
			t.Fatalf("%s: verdict = %+v, want sender_feedback", from, v)
		}
	}
}
