// Package processor runs the fetch, classify and notify cycle.
package processor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/xid"

	"notifysync/internal/channel"
	"notifysync/internal/classifier"
	"notifysync/internal/eventbus"
	"notifysync/internal/mail"
	"notifysync/internal/notifier"
	"notifysync/internal/storage"
	logx "notifysync/pkg/logx"
)

var ErrNoTransport = errors.New("processor: no mail transport configured")

const (
	DefaultMaxPerFetch  = 10
	DefaultMaxPerDay    = 20
	DefaultThreadWindow = 2 * time.Hour
)

type Tracker interface {
	IsProcessed(id string) bool
	RecordProcessed(rec storage.ProcessedRecord) bool
	WasThreadRecentlyNotified(threadID string, lookback time.Duration) bool
}

type Classifier interface {
	Explain(ctx context.Context, m *mail.Message) classifier.Verdict
}

type Dispatcher interface {
	Dispatch(ctx context.Context, m *mail.Message) []notifier.Attempt
	Registry() *channel.Registry
}

type Config struct {
	MaxPerFetch       int
	MaxPerDay         int
	ThreadWindow      time.Duration
	AllowedCategories mail.Categories
}

func (c Config) withDefaults() Config {
	if c.MaxPerFetch <= 0 {
		c.MaxPerFetch = DefaultMaxPerFetch
	}
	if c.MaxPerDay <= 0 {
		c.MaxPerDay = DefaultMaxPerDay
	}
	if c.ThreadWindow <= 0 {
		c.ThreadWindow = DefaultThreadWindow
	}
	if c.AllowedCategories == nil {
		c.AllowedCategories = mail.DefaultCategories()
	}
	return c
}

// Summary describes one cycle. Processed counts messages newly recorded by
// the cycle; Error holds the abort cause for logs and is never serialized.
type Summary struct {
	CycleID      string        `json:"cycle_id"`
	Trigger      string        `json:"trigger"`
	StartedAt    time.Time     `json:"started_at"`
	Duration     time.Duration `json:"duration"`
	Fetched      int           `json:"fetched"`
	Processed    int           `json:"processed"`
	Duplicates   int           `json:"duplicates"`
	Filtered     int           `json:"filtered"`
	Suppressed   int           `json:"suppressed"`
	NotImportant int           `json:"not_important"`
	Important    int           `json:"important"`
	Notified     int           `json:"notified"`
	CapReached   int           `json:"cap_reached"`
	Failed       int           `json:"failed"`
	Errors       int           `json:"errors"`
	Aborted      bool          `json:"aborted,omitempty"`
	Error        string        `json:"-"`
}

type Option func(*Processor)

func WithClock(now func() time.Time) Option {
	return func(p *Processor) {
		if now != nil {
			p.now = now
		}
	}
}

func WithBus(b eventbus.Bus) Option { return func(p *Processor) { p.bus = b } }

func WithLocation(loc *time.Location) Option {
	return func(p *Processor) {
		if loc != nil {
			p.loc = loc
		}
	}
}

// Processor is safe for concurrent use; cycles are serialized.
type Processor struct {
	cycleMu sync.Mutex

	cfgMu sync.RWMutex
	cfg   Config

	transport  mail.Transport
	categories mail.CategoryLookup
	tracker    Tracker
	classifier Classifier
	dispatcher Dispatcher
	counter    *DailyCounter

	log logx.Logger
	bus eventbus.Bus
	now func() time.Time
	loc *time.Location

	lastMu sync.Mutex
	last   *Summary
}

// New wires a processor. A nil categories lookup trusts each message's own
// Category hint.
func New(cfg Config, transport mail.Transport, categories mail.CategoryLookup, tracker Tracker, cls Classifier, disp Dispatcher, log logx.Logger, opts ...Option) *Processor {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Processor{
		cfg:        cfg.withDefaults(),
		transport:  transport,
		categories: categories,
		tracker:    tracker,
		classifier: cls,
		dispatcher: disp,
		log:        log.With(logx.String("comp", "processor")),
		now:        time.Now,
		loc:        time.Local,
	}
	for _, o := range opts {
		o(p)
	}
	p.counter = NewDailyCounter(p.now(), p.loc)
	return p
}

// Apply swaps limits; the next cycle picks them up.
func (p *Processor) Apply(cfg Config) {
	p.cfgMu.Lock()
	p.cfg = cfg.withDefaults()
	p.cfgMu.Unlock()
}

func (p *Processor) config() Config {
	p.cfgMu.RLock()
	defer p.cfgMu.RUnlock()
	return p.cfg
}

// RunCycle performs one scheduled cycle.
func (p *Processor) RunCycle(ctx context.Context) (Summary, error) {
	return p.run(ctx, "schedule")
}

// TriggerNow runs a cycle immediately, waiting for any running cycle first.
func (p *Processor) TriggerNow(ctx context.Context) (Summary, error) {
	p.log.Info("manual cycle requested")
	return p.run(ctx, "manual")
}

func (p *Processor) ChannelStatuses() []channel.Status {
	if p.dispatcher == nil {
		return nil
	}
	return p.dispatcher.Registry().Statuses()
}

func (p *Processor) run(ctx context.Context, trigger string) (Summary, error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	cfg := p.config()
	start := p.now()
	sum := Summary{CycleID: xid.New().String(), Trigger: trigger, StartedAt: start}
	log := p.log.With(logx.String("cycle", sum.CycleID))

	if prev, reset := p.counter.ResetIfDue(start); reset {
		_, next := p.counter.Snapshot()
		log.Info("daily notification counter reset", logx.Int("previous", prev), logx.Time("next_reset", next))
		eventbus.Publish(p.bus, eventbus.CounterReset, map[string]any{"previous": prev, "next_reset": next})
	}

	if p.transport == nil {
		return p.fail(log, sum, ErrNoTransport)
	}
	msgs, err := p.transport.FetchRecent(ctx, cfg.MaxPerFetch)
	if err != nil {
		return p.fail(log, sum, fmt.Errorf("fetch: %w", err))
	}
	sum.Fetched = len(msgs)

	for _, m := range msgs {
		if ctx.Err() != nil {
			break
		}
		p.processOne(ctx, log, cfg, m, &sum)
	}

	sum.Duration = p.now().Sub(start)
	sent, _ := p.counter.Snapshot()
	log.Info("cycle completed",
		logx.String("trigger", trigger),
		logx.Int("fetched", sum.Fetched),
		logx.Int("processed", sum.Processed),
		logx.Int("important", sum.Important),
		logx.Int("notified", sum.Notified),
		logx.Int("suppressed", sum.Suppressed),
		logx.Int("cap_reached", sum.CapReached),
		logx.Int("errors", sum.Errors),
		logx.Int("daily_sent", sent),
		logx.Duration("took", sum.Duration),
	)
	eventbus.Publish(p.bus, eventbus.CycleCompleted, sum)
	p.setLast(sum)
	return sum, ctx.Err()
}

func (p *Processor) fail(log logx.Logger, sum Summary, err error) (Summary, error) {
	sum.Duration = p.now().Sub(sum.StartedAt)
	sum.Aborted = true
	sum.Error = err.Error()
	log.Error("cycle aborted", logx.Err(err))
	eventbus.Publish(p.bus, eventbus.CycleFailed, sum)
	p.setLast(sum)
	return sum, err
}

// processOne never lets one message break the cycle. A message that errors
// is left unrecorded so the next cycle retries it.
func (p *Processor) processOne(ctx context.Context, log logx.Logger, cfg Config, m *mail.Message, sum *Summary) {
	if m == nil || m.ID == "" {
		sum.Errors++
		log.Warn("skipping message without id")
		return
	}
	log = log.With(logx.String("message_id", m.ID))
	defer func() {
		if r := recover(); r != nil {
			sum.Errors++
			log.Error("message processing panicked", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()

	if p.tracker.IsProcessed(m.ID) {
		sum.Duplicates++
		return
	}

	cat := m.Category
	if p.categories != nil {
		c, err := p.categories.Category(ctx, m.ID)
		if err != nil {
			sum.Errors++
			log.Warn("category lookup failed; will retry", logx.Err(err))
			return
		}
		cat = c
	}
	if !cfg.AllowedCategories.Allowed(cat) {
		sum.Filtered++
		p.record(m, false, false, sum)
		return
	}

	if p.tracker.WasThreadRecentlyNotified(m.ThreadID, cfg.ThreadWindow) {
		sum.Suppressed++
		log.Debug("thread recently notified; suppressed", logx.String("thread_id", m.ThreadID))
		p.record(m, true, false, sum)
		return
	}

	v := p.classifier.Explain(ctx, m)
	m.Important = v.Important
	log.Debug("classified",
		logx.Bool("important", v.Important),
		logx.String("reason", string(v.Reason)),
		logx.String("detail", v.Detail),
	)
	if !v.Important {
		sum.NotImportant++
		p.record(m, false, false, sum)
		return
	}
	sum.Important++

	if !p.counter.Allow(cfg.MaxPerDay) {
		sum.CapReached++
		log.Info("daily notification limit reached", logx.Int("limit", cfg.MaxPerDay))
		p.record(m, true, false, sum)
		return
	}

	attempts := p.dispatcher.Dispatch(ctx, m)
	if notifier.AnySent(attempts) {
		n := p.counter.Inc()
		sum.Notified++
		log.Debug("daily counter", logx.Int("sent", n), logx.Int("limit", cfg.MaxPerDay))
		p.record(m, true, true, sum)
		return
	}
	if ctx.Err() != nil {
		// Shutdown interrupted delivery; retry next run.
		sum.Errors++
		return
	}
	sum.Failed++
	p.record(m, true, false, sum)
}

func (p *Processor) record(m *mail.Message, important, notified bool, sum *Summary) {
	if p.tracker.RecordProcessed(storage.ProcessedRecord{
		MessageID:     m.ID,
		ThreadID:      m.ThreadID,
		Subject:       m.Subject,
		SenderAddress: m.SenderAddress,
		Important:     important,
		Notified:      notified,
	}) {
		sum.Processed++
	}
}

func (p *Processor) setLast(s Summary) {
	p.lastMu.Lock()
	p.last = &s
	p.lastMu.Unlock()
}

type Daily struct {
	Sent    int       `json:"sent"`
	Limit   int       `json:"limit"`
	ResetAt time.Time `json:"reset_at"`
}

type Status struct {
	Daily     Daily            `json:"daily"`
	LastCycle *Summary         `json:"last_cycle,omitempty"`
	Channels  []channel.Status `json:"channels"`
}

func (p *Processor) Status() Status {
	sent, resetAt := p.counter.Snapshot()
	st := Status{
		Daily:    Daily{Sent: sent, Limit: p.config().MaxPerDay, ResetAt: resetAt},
		Channels: p.ChannelStatuses(),
	}
	p.lastMu.Lock()
	if p.last != nil {
		cp := *p.last
		st.LastCycle = &cp
	}
	p.lastMu.Unlock()
	return st
}
