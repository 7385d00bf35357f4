// Package classifier decides whether a message deserves a notification.
package classifier

import (
	"context"
	"regexp"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/text/cases"

	"notifysync/internal/mail"
)

const DefaultRecency = 24 * time.Hour

var (
	urgencyRe = regexp.MustCompile(`(?i)\b(urgent|immediate|asap|important|critical|priority|alert|action\s+required)\b`)

	replyPrefixes = []string{"re:", "fw:", "fwd:", "aw:", "wg:", "sv:", "tr:", "回复:", "回复：", "转发:", "转发："}
)

// feedbackThreshold is the share of positive votes above which a sender is
// trusted.
const feedbackThreshold = 0.7

// FeedbackSource reports relevance votes for a sender.
type FeedbackSource interface {
	FeedbackStats(sender string) (positive, total int)
}

type Rules struct {
	ImportantDomains  []string
	ImportantKeywords []string
	Recency           time.Duration
	AllowedCategories mail.Categories
}

type Reason string

const (
	ReasonCategory       Reason = "category_not_allowed"
	ReasonCategoryError  Reason = "category_lookup_failed"
	ReasonStale          Reason = "not_recent"
	ReasonUrgent         Reason = "urgent_subject"
	ReasonDomain         Reason = "important_domain"
	ReasonSubjectKeyword Reason = "subject_keyword"
	ReasonBodyKeyword    Reason = "body_keyword"
	ReasonFeedback       Reason = "sender_feedback"
	ReasonReply          Reason = "thread_reply"
	ReasonNone           Reason = "no_match"
)

type Verdict struct {
	Important bool
	Reason    Reason
	// Detail names what matched (domain, keyword, category...).
	Detail string
}

type compiled struct {
	domains  []string
	keywords []string
	recency  time.Duration
	allowed  mail.Categories
	source   Rules
}

type Option func(*Classifier)

func WithClock(now func() time.Time) Option {
	return func(c *Classifier) {
		if now != nil {
			c.now = now
		}
	}
}

type Classifier struct {
	rules      atomic.Pointer[compiled]
	categories mail.CategoryLookup
	feedback   FeedbackSource
	now        func() time.Time
}

// New builds a classifier. categories and feedback may be nil: a nil
// lookup trusts the message's own Category hint and nil feedback never
// votes.
func New(rules Rules, categories mail.CategoryLookup, feedback FeedbackSource, opts ...Option) *Classifier {
	c := &Classifier{categories: categories, feedback: feedback, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	c.SetRules(rules)
	return c
}

// SetRules swaps the rule set; in-flight decisions finish with the old one.
func (c *Classifier) SetRules(r Rules) {
	fold := cases.Fold()
	cr := &compiled{recency: r.Recency, allowed: r.AllowedCategories, source: r}
	if cr.recency <= 0 {
		cr.recency = DefaultRecency
	}
	if cr.allowed == nil {
		cr.allowed = mail.DefaultCategories()
	}
	for _, d := range r.ImportantDomains {
		d = strings.TrimPrefix(strings.TrimSpace(d), "@")
		if d == "" {
			continue
		}
		cr.domains = append(cr.domains, fold.String(d))
	}
	for _, k := range r.ImportantKeywords {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		cr.keywords = append(cr.keywords, fold.String(k))
	}
	c.rules.Store(cr)
}

func (c *Classifier) Rules() Rules { return c.rules.Load().source }

func (c *Classifier) Classify(ctx context.Context, m *mail.Message) bool {
	return c.Explain(ctx, m).Important
}

// Explain runs the decision chain and reports the first rule that decided.
func (c *Classifier) Explain(ctx context.Context, m *mail.Message) Verdict {
	if m == nil {
		return Verdict{Reason: ReasonNone}
	}
	r := c.rules.Load()

	cat := m.Category
	if c.categories != nil {
		got, err := c.categories.Category(ctx, m.ID)
		if err != nil {
			return Verdict{Reason: ReasonCategoryError, Detail: err.Error()}
		}
		cat = got
	}
	if !r.allowed.Allowed(cat) {
		return Verdict{Reason: ReasonCategory, Detail: string(cat)}
	}

	if m.ReceivedAt.IsZero() || c.now().Sub(m.ReceivedAt) > r.recency {
		return Verdict{Reason: ReasonStale}
	}

	if loc := urgencyRe.FindString(m.Subject); loc != "" {
		return Verdict{Important: true, Reason: ReasonUrgent, Detail: loc}
	}

	fold := cases.Fold()
	addr := mail.NormalizeAddress(m.SenderAddress)
	for _, d := range r.domains {
		if strings.HasSuffix(addr, "@"+d) || strings.HasSuffix(addr, "."+d) {
			return Verdict{Important: true, Reason: ReasonDomain, Detail: d}
		}
	}

	subject := fold.String(m.Subject)
	for _, k := range r.keywords {
		if strings.Contains(subject, k) {
			return Verdict{Important: true, Reason: ReasonSubjectKeyword, Detail: k}
		}
	}
	if len(r.keywords) > 0 && m.Body != "" {
		body := fold.String(m.Body)
		for _, k := range r.keywords {
			if strings.Contains(body, k) {
				return Verdict{Important: true, Reason: ReasonBodyKeyword, Detail: k}
			}
		}
	}

	if c.feedback != nil && addr != "" {
		pos, total := c.feedback.FeedbackStats(addr)
		if total >= 1 && float64(pos)/float64(total) > feedbackThreshold {
			return Verdict{Important: true, Reason: ReasonFeedback}
		}
	}

	if m.ThreadID != "" && isReply(subject) {
		return Verdict{Important: true, Reason: ReasonReply}
	}
	return Verdict{Reason: ReasonNone}
}

// isReply expects a folded subject.
func isReply(subject string) bool {
	s := strings.TrimSpace(subject)
	for _, p := range replyPrefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
