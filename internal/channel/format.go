package channel

import (
	"strings"
	"time"
	"unicode"
)

const (
	// PreviewLimit bounds the body excerpt in a notification.
	PreviewLimit = 500

	Title      = "New Important Email"
	TimeLayout = "2006-01-02 15:04 MST"
)

// Preview collapses whitespace runs and truncates to limit runes.
func Preview(body string, limit int) string {
	body = strings.Join(strings.FieldsFunc(body, unicode.IsSpace), " ")
	return Truncate(body, limit)
}

// Truncate cuts s to at most limit runes, marking the cut with "...".
func Truncate(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	rs := []rune(s)
	if len(rs) <= limit {
		return s
	}
	if limit <= 3 {
		return string(rs[:limit])
	}
	return string(rs[:limit-3]) + "..."
}

// ReceivedAt renders t in loc, or "unknown" for the zero time.
func ReceivedAt(t time.Time, loc *time.Location) string {
	if t.IsZero() {
		return "unknown"
	}
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format(TimeLayout)
}

// SubjectOrPlaceholder keeps notifications readable for empty subjects.
func SubjectOrPlaceholder(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(no subject)"
	}
	return s
}
