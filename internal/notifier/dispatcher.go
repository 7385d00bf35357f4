package notifier

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"notifysync/internal/channel"
	"notifysync/internal/eventbus"
	"notifysync/internal/mail"
	logx "notifysync/pkg/logx"
)

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	mu       sync.Mutex
	cfg      Config
	limiters map[channel.Type]*rate.Limiter

	reg *channel.Registry
	log logx.Logger
	bus eventbus.Bus
	now func() time.Time

	hmu     sync.Mutex
	history []Attempt
}

func New(cfg Config, reg *channel.Registry, log logx.Logger, bus eventbus.Bus) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	d := &Dispatcher{
		reg: reg,
		log: log.With(logx.String("comp", "notifier")),
		bus: bus,
		now: time.Now,
	}
	d.Apply(cfg)
	return d
}

func (d *Dispatcher) Registry() *channel.Registry { return d.reg }

// Apply swaps limits and retry policy. Sends in flight keep the old values.
func (d *Dispatcher) Apply(cfg Config) {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 300
	}

	limiters := map[channel.Type]*rate.Limiter{}
	for _, c := range d.reg.Channels() {
		limiters[c.Type()] = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}

	d.mu.Lock()
	d.cfg = cfg
	d.limiters = limiters
	d.mu.Unlock()
}

// Dispatch attempts every available channel in order and returns one
// attempt per available channel. Unavailable channels produce no entry.
// Total failure is visible only through the returned attempts.
func (d *Dispatcher) Dispatch(ctx context.Context, m *mail.Message) []Attempt {
	d.mu.Lock()
	cfg := d.cfg
	limiters := d.limiters
	d.mu.Unlock()

	var out []Attempt
	for i, ch := range d.reg.Channels() {
		if !ch.Available() {
			continue
		}
		a := Attempt{
			ID:        uuid.NewString(),
			MessageID: m.ID,
			Channel:   ch.Type(),
			Priority:  i + 1,
			Status:    StatusPending,
			At:        d.now(),
		}
		err := d.deliver(ctx, cfg, limiters[ch.Type()], ch, m, &a)
		a.At = d.now()
		if err != nil {
			a.Status = StatusFailed
			a.Error = err.Error()
			d.log.Warn("channel send failed",
				logx.String("channel", string(a.Channel)),
				logx.String("message_id", m.ID),
				logx.Int("tries", a.Tries),
				logx.Err(err),
			)
			eventbus.Publish(d.bus, eventbus.NotifyFailed, d.event(a))
		} else {
			a.Status = StatusSent
			d.log.Info("notification sent",
				logx.String("channel", string(a.Channel)),
				logx.String("message_id", m.ID),
				logx.Int("tries", a.Tries),
			)
			eventbus.Publish(d.bus, eventbus.NotifySent, d.event(a))
		}
		d.appendHistory(a)
		out = append(out, a)
	}

	if len(out) > 0 && !AnySent(out) {
		d.log.Error("notification failed on every channel",
			logx.String("message_id", m.ID),
			logx.Int("channels", len(out)),
		)
	}
	return out
}

func (d *Dispatcher) deliver(ctx context.Context, cfg Config, lim *rate.Limiter, ch channel.Channel, m *mail.Message, a *Attempt) error {
	maxAttempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				if lastErr != nil {
					return lastErr
				}
				return err
			}
		}

		a.Tries = attempt
		err := d.sendOnce(ctx, cfg.SendTimeout, ch, m)
		if err == nil {
			return nil
		}
		lastErr = err
		d.log.Debug("channel send attempt failed",
			logx.String("channel", string(ch.Type())),
			logx.Int("attempt", attempt),
			logx.Int("max", maxAttempts),
			logx.Err(err),
		)
		if attempt >= maxAttempts {
			break
		}

		delay := retryDelay(cfg, attempt)
		if delay <= 0 {
			continue
		}
		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return lastErr
		}
	}
	return lastErr
}

func (d *Dispatcher) sendOnce(ctx context.Context, timeout time.Duration, ch channel.Channel, m *mail.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("channel panic",
				logx.String("channel", string(ch.Type())),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())),
			)
			err = fmt.Errorf("channel %s panicked: %v", ch.Type(), r)
		}
	}()
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return ch.Send(cctx, m)
}

func (d *Dispatcher) event(a Attempt) NotificationEvent {
	return NotificationEvent{
		AttemptID: a.ID,
		MessageID: a.MessageID,
		Channel:   a.Channel,
		Tries:     a.Tries,
		At:        a.At,
		Error:     a.Error,
	}
}

// History returns recent attempts, oldest first.
func (d *Dispatcher) History() []Attempt {
	d.hmu.Lock()
	out := append([]Attempt(nil), d.history...)
	d.hmu.Unlock()
	return out
}

func (d *Dispatcher) appendHistory(a Attempt) {
	d.mu.Lock()
	limit := d.cfg.HistorySize
	d.mu.Unlock()

	d.hmu.Lock()
	d.history = append(d.history, a)
	if len(d.history) > limit {
		d.history = d.history[len(d.history)-limit:]
	}
	d.hmu.Unlock()
}

func retryDelay(cfg Config, attempt int) time.Duration {
	// attempt starts at 1; the delay precedes attempt+1.
	base := cfg.RetryBase
	if base <= 0 {
		base = 500 * time.Millisecond
	}
	maxD := cfg.RetryMaxDelay
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxD {
			d = maxD
			break
		}
	}
	// Jitter 0.7..1.3
	j := 0.7 + rand.Float64()*0.6
	d = time.Duration(float64(d) * j)
	if d < 0 {
		return 0
	}
	return min(d, maxD)
}
