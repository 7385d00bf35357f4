// Package scheduler drives the processing cycle on a fixed delay or a cron
// expression.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	rtsup "notifysync/internal/runtime/supervisor"
	logx "notifysync/pkg/logx"
)

// Job is one run. Its error is logged; it never stops the schedule.
type Job func(ctx context.Context) error

type Config struct {
	Schedule   string
	Location   *time.Location
	RunOnStart bool
}

type Snapshot struct {
	Schedule     string        `json:"schedule"`
	Kind         string        `json:"kind"`
	Every        time.Duration `json:"every,omitempty"`
	Running      bool          `json:"running"`
	Runs         uint64        `json:"runs"`
	Next         time.Time     `json:"next,omitempty"`
	LastRunAt    time.Time     `json:"last_run_at,omitempty"`
	LastDuration time.Duration `json:"last_duration,omitempty"`
	LastFailed   bool          `json:"last_failed,omitempty"`
	// LastError is for logs and tests; it is never serialized.
	LastError string `json:"-"`
}

type Service struct {
	log   logx.Logger
	job   Job
	sched Schedule
	cfg   Config

	mu      sync.Mutex
	sup     *rtsup.Supervisor
	c       *cron.Cron
	entry   cron.EntryID
	next    time.Time
	runs    uint64
	lastAt  time.Time
	lastDur time.Duration
	lastErr string
}

func New(cfg Config, job Job, log logx.Logger) (*Service, error) {
	if job == nil {
		return nil, errors.New("scheduler: job required")
	}
	sched, err := Parse(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:   log.With(logx.String("comp", "scheduler")),
		job:   job,
		sched: sched,
		cfg:   cfg,
	}, nil
}

// Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sup != nil {
		return
	}
	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		rtsup.WithCancelOnError(false),
	)

	switch s.sched.Kind {
	case KindInterval:
		s.sup.GoRestart("scheduler.loop", s.loop)
	case KindCron:
		s.c = cron.New(
			cron.WithParser(cronParser),
			cron.WithLocation(s.cfg.Location),
			cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.log})),
		)
		runCtx := s.sup.Context()
		id, err := s.c.AddFunc(s.sched.Cron, func() { s.run(runCtx) })
		if err != nil {
			// Parse already validated the expression.
			s.log.Error("cron registration failed", logx.Err(err))
			return
		}
		s.entry = id
		s.c.Start()
		if s.cfg.RunOnStart {
			s.sup.Go0("scheduler.initial", s.run)
		}
	}
	s.log.Info("scheduler started",
		logx.String("schedule", s.cfg.Schedule),
		logx.String("kind", s.sched.Kind.String()),
		logx.String("tz", s.cfg.Location.String()),
		logx.Bool("run_on_start", s.cfg.RunOnStart),
	)
}

// loop waits the full interval after each run returns, so runs never
// overlap.
func (s *Service) loop(ctx context.Context) error {
	if s.cfg.RunOnStart {
		s.run(ctx)
	}
	for {
		s.setNext(time.Now().Add(s.sched.Every))
		t := time.NewTimer(s.sched.Every)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
		s.run(ctx)
	}
}

func (s *Service) setNext(t time.Time) {
	s.mu.Lock()
	s.next = t
	s.mu.Unlock()
}

func (s *Service) run(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		return s.job(ctx)
	}()
	took := time.Since(start)

	s.mu.Lock()
	s.runs++
	s.lastAt = start
	s.lastDur = took
	if err != nil {
		s.lastErr = err.Error()
	} else {
		s.lastErr = ""
	}
	s.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("scheduled run failed", logx.Duration("took", took), logx.Err(err))
	}
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	sup, c := s.sup, s.c
	s.sup, s.c = nil, nil
	s.mu.Unlock()

	if c != nil {
		select {
		case <-c.Stop().Done():
		case <-ctx.Done():
		}
	}
	if sup != nil {
		if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Warn("scheduler stop incomplete", logx.Err(err))
		}
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		Schedule:     s.cfg.Schedule,
		Kind:         s.sched.Kind.String(),
		Every:        s.sched.Every,
		Running:      s.sup != nil,
		Runs:         s.runs,
		Next:         s.next,
		LastRunAt:    s.lastAt,
		LastDuration: s.lastDur,
		LastFailed:   s.lastErr != "",
		LastError:    s.lastErr,
	}
	if s.c != nil && s.entry != 0 {
		snap.Next = s.c.Entry(s.entry).Next
	}
	return snap
}

// cronLogger adapts logx to cron's logger interface.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, pairs(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(pairs(kv), logx.Err(err))...)
}

func pairs(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
