// Package tracking remembers which messages were processed, which threads
// were recently notified, and what relevance feedback each sender received.
//
// Memory is authoritative; the storage backend receives periodic snapshots.
package tracking

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"notifysync/internal/mail"
	"notifysync/internal/storage"
	logx "notifysync/pkg/logx"
)

var (
	ErrUnknownMessage = errors.New("tracking: unknown message id")
	ErrNoSender       = errors.New("tracking: processed record has no sender")
)

const (
	DefaultFlushEvery = 10
	DefaultSweepEvery = 100
	DefaultRetention  = 30 * 24 * time.Hour

	flushTimeout = 10 * time.Second
)

type Options struct {
	FlushEvery int
	SweepEvery int
	Retention  time.Duration
	Now        func() time.Time
}

func (o Options) withDefaults() Options {
	if o.FlushEvery <= 0 {
		o.FlushEvery = DefaultFlushEvery
	}
	if o.SweepEvery <= 0 {
		o.SweepEvery = DefaultSweepEvery
	}
	if o.Retention <= 0 {
		o.Retention = DefaultRetention
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type threadEntry struct {
	mu           sync.Mutex
	lastNotified time.Time
	// removed is set once Sweep has unlinked the entry from the map.
	removed bool
}

type feedbackList struct {
	mu   sync.Mutex
	recs []storage.FeedbackRecord
}

type Stats struct {
	Processed       int       `json:"processed"`
	NotifiedThreads int       `json:"notified_threads"`
	FeedbackSenders int       `json:"feedback_senders"`
	LastFlushAt     time.Time `json:"last_flush_at,omitempty"`
	FlushFailing    bool      `json:"flush_failing,omitempty"`
	LastFlushError  string    `json:"-"`
}

type Store struct {
	backend storage.Backend
	log     logx.Logger
	opts    Options

	processed sync.Map // id -> storage.ProcessedRecord
	threads   sync.Map // thread id -> *threadEntry
	feedback  sync.Map // sender -> *feedbackList

	count    atomic.Int64
	inserts  atomic.Uint64
	sweeping atomic.Bool
	sweeps   sync.WaitGroup

	flushMu   sync.Mutex
	statsMu   sync.Mutex
	lastFlush time.Time
	lastErr   string
}

// Open loads the persisted snapshot. A backend that cannot be read is
// logged and the store starts empty.
func Open(ctx context.Context, backend storage.Backend, opts Options, log logx.Logger) *Store {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Store{
		backend: backend,
		log:     log.With(logx.String("comp", "tracking")),
		opts:    opts.withDefaults(),
	}
	if backend == nil {
		return s
	}

	snap, err := backend.Load(ctx)
	if err != nil {
		s.log.Warn("tracking state load failed; starting empty", logx.Err(err))
		return s
	}
	for id, rec := range snap.Processed {
		if id == "" {
			continue
		}
		rec.MessageID = id
		s.processed.Store(id, rec)
		s.count.Add(1)
		s.indexThread(rec)
	}
	for sender, list := range snap.Feedback {
		key := senderKey(sender)
		if key == "" || len(list) == 0 {
			continue
		}
		v, _ := s.feedback.LoadOrStore(key, &feedbackList{})
		fl := v.(*feedbackList)
		fl.recs = append(fl.recs, list...)
	}
	removed := s.Sweep(s.opts.Now())
	s.log.Info("tracking state loaded",
		logx.Int64("processed", s.count.Load()),
		logx.Int("feedback_senders", len(snap.Feedback)),
		logx.Int("expired", removed),
	)
	return s
}

func senderKey(s string) string { return mail.NormalizeAddress(s) }

func (s *Store) IsProcessed(id string) bool {
	if id == "" {
		return false
	}
	_, ok := s.processed.Load(id)
	return ok
}

// RecordProcessed stores rec with ProcessedAt set to now. The first record
// for an id wins; later calls return false and change nothing.
func (s *Store) RecordProcessed(rec storage.ProcessedRecord) bool {
	if rec.MessageID == "" {
		return false
	}
	rec.ProcessedAt = s.opts.Now()
	if _, loaded := s.processed.LoadOrStore(rec.MessageID, rec); loaded {
		return false
	}
	s.count.Add(1)
	s.indexThread(rec)

	n := s.inserts.Add(1)
	if n%uint64(s.opts.FlushEvery) == 0 {
		s.flushLogged()
	}
	if n%uint64(s.opts.SweepEvery) == 0 {
		s.sweepAsync()
	}
	return true
}

func (s *Store) indexThread(rec storage.ProcessedRecord) {
	if !rec.Notified || rec.ThreadID == "" {
		return
	}
	for {
		v, _ := s.threads.LoadOrStore(rec.ThreadID, &threadEntry{})
		e := v.(*threadEntry)
		e.mu.Lock()
		if e.removed {
			e.mu.Unlock()
			continue
		}
		if rec.ProcessedAt.After(e.lastNotified) {
			e.lastNotified = rec.ProcessedAt
		}
		e.mu.Unlock()
		return
	}
}

// WasThreadRecentlyNotified reports whether any message of the thread was
// notified within lookback.
func (s *Store) WasThreadRecentlyNotified(threadID string, lookback time.Duration) bool {
	if threadID == "" {
		return false
	}
	v, ok := s.threads.Load(threadID)
	if !ok {
		return false
	}
	e := v.(*threadEntry)
	e.mu.Lock()
	last := e.lastNotified
	e.mu.Unlock()
	if last.IsZero() {
		return false
	}
	return s.opts.Now().Sub(last) <= lookback
}

// RecordFeedback attaches a relevance vote to the sender of a processed
// message and flushes immediately.
func (s *Store) RecordFeedback(ctx context.Context, id string, relevant bool) error {
	v, ok := s.processed.Load(id)
	if !ok {
		s.log.Warn("feedback for unknown message", logx.String("message_id", id))
		return ErrUnknownMessage
	}
	rec := v.(storage.ProcessedRecord)
	key := senderKey(rec.SenderAddress)
	if key == "" {
		s.log.Warn("feedback for message without sender", logx.String("message_id", id))
		return ErrNoSender
	}

	fv, _ := s.feedback.LoadOrStore(key, &feedbackList{})
	fl := fv.(*feedbackList)
	fl.mu.Lock()
	fl.recs = append(fl.recs, storage.FeedbackRecord{
		MessageID: id,
		At:        s.opts.Now(),
		Relevant:  relevant,
	})
	fl.mu.Unlock()

	s.log.Debug("feedback recorded",
		logx.String("message_id", id),
		logx.String("sender", key),
		logx.Bool("relevant", relevant),
	)
	if err := s.Flush(ctx); err != nil {
		s.log.Warn("tracking flush failed", logx.Err(err))
	}
	return nil
}

// FeedbackStats counts votes for sender inside the retention window.
func (s *Store) FeedbackStats(sender string) (positive, total int) {
	v, ok := s.feedback.Load(senderKey(sender))
	if !ok {
		return 0, 0
	}
	cutoff := s.opts.Now().Add(-s.opts.Retention)
	fl := v.(*feedbackList)
	fl.mu.Lock()
	defer fl.mu.Unlock()
	for _, r := range fl.recs {
		if r.At.Before(cutoff) {
			continue
		}
		total++
		if r.Relevant {
			positive++
		}
	}
	return positive, total
}

// Sweep drops records and feedback older than the retention window and
// returns how many entries went away.
func (s *Store) Sweep(now time.Time) int {
	cutoff := now.Add(-s.opts.Retention)
	removed := 0

	s.processed.Range(func(k, v any) bool {
		if v.(storage.ProcessedRecord).ProcessedAt.Before(cutoff) {
			if _, ok := s.processed.LoadAndDelete(k); ok {
				s.count.Add(-1)
				removed++
			}
		}
		return true
	})
	s.threads.Range(func(k, v any) bool {
		e := v.(*threadEntry)
		e.mu.Lock()
		if e.lastNotified.Before(cutoff) && s.threads.CompareAndDelete(k, e) {
			e.removed = true
		}
		e.mu.Unlock()
		return true
	})
	s.feedback.Range(func(_, v any) bool {
		fl := v.(*feedbackList)
		fl.mu.Lock()
		kept := fl.recs[:0]
		for _, r := range fl.recs {
			if r.At.Before(cutoff) {
				removed++
				continue
			}
			kept = append(kept, r)
		}
		fl.recs = kept
		fl.mu.Unlock()
		return true
	})
	return removed
}

func (s *Store) sweepAsync() {
	if !s.sweeping.CompareAndSwap(false, true) {
		return
	}
	s.sweeps.Add(1)
	go func() {
		defer s.sweeps.Done()
		defer s.sweeping.Store(false)
		if n := s.Sweep(s.opts.Now()); n > 0 {
			s.log.Debug("tracking sweep", logx.Int("removed", n))
		}
	}()
}

func (s *Store) flushLogged() {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()
	if err := s.Flush(ctx); err != nil {
		s.log.Warn("tracking flush failed", logx.Err(err))
	}
}

// Snapshot copies the current state.
func (s *Store) Snapshot() storage.Snapshot {
	snap := storage.NewSnapshot()
	s.processed.Range(func(k, v any) bool {
		snap.Processed[k.(string)] = v.(storage.ProcessedRecord)
		return true
	})
	s.feedback.Range(func(k, v any) bool {
		fl := v.(*feedbackList)
		fl.mu.Lock()
		if len(fl.recs) > 0 {
			snap.Feedback[k.(string)] = append([]storage.FeedbackRecord(nil), fl.recs...)
		}
		fl.mu.Unlock()
		return true
	})
	return snap
}

// Flush writes the current state to the backend.
func (s *Store) Flush(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	err := s.backend.Save(ctx, s.Snapshot())

	s.statsMu.Lock()
	if err != nil {
		s.lastErr = err.Error()
	} else {
		s.lastFlush = s.opts.Now()
		s.lastErr = ""
	}
	s.statsMu.Unlock()
	return err
}

// Close waits for a running sweep, flushes and closes the backend.
func (s *Store) Close(ctx context.Context) error {
	s.sweeps.Wait()
	if s.backend == nil {
		return nil
	}
	ferr := s.Flush(ctx)
	cerr := s.backend.Close()
	return errors.Join(ferr, cerr)
}

func (s *Store) Stats() Stats {
	st := Stats{Processed: int(s.count.Load())}
	s.threads.Range(func(_, _ any) bool { st.NotifiedThreads++; return true })
	s.feedback.Range(func(_, v any) bool {
		fl := v.(*feedbackList)
		fl.mu.Lock()
		if len(fl.recs) > 0 {
			st.FeedbackSenders++
		}
		fl.mu.Unlock()
		return true
	})
	s.statsMu.Lock()
	st.LastFlushAt = s.lastFlush
	st.LastFlushError = s.lastErr
	st.FlushFailing = s.lastErr != ""
	s.statsMu.Unlock()
	return st
}
