package tracking

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"notifysync/internal/storage"
	logx "notifysync/pkg/logx"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingBackend struct {
	mu    sync.Mutex
	saves int
	last  storage.Snapshot
	fail  error
}

func (b *countingBackend) Load(context.Context) (storage.Snapshot, error) {
	return storage.NewSnapshot(), nil
}

func (b *countingBackend) Save(_ context.Context, s storage.Snapshot) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.saves++
	b.last = s
	return b.fail
}

func (b *countingBackend) Close() error { return nil }

func (b *countingBackend) Saves() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.saves
}

func newStore(t *testing.T, b storage.Backend, clock *fakeClock) *Store {
	t.Helper()
	return Open(context.Background(), b, Options{Now: clock.Now}, logx.Nop())
}

func TestRecordProcessedFirstInsertWins(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	s := newStore(t, &countingBackend{}, clock)

	if s.IsProcessed("m1") {
		t.Fatal("unexpected processed")
	}
	if !s.RecordProcessed(storage.ProcessedRecord{MessageID: "m1", Subject: "first", Important: true}) {
		t.Fatal("first insert should succeed")
	}
	clock.Advance(time.Minute)
	if s.RecordProcessed(storage.ProcessedRecord{MessageID: "m1", Subject: "second"}) {
		t.Fatal("second insert should be a no-op")
	}
	snap := s.Snapshot()
	if snap.Processed["m1"].Subject != "first" || !snap.Processed["m1"].Important {
		t.Fatalf("record was overwritten: %+v", snap.Processed["m1"])
	}
	if !snap.Processed["m1"].ProcessedAt.Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("processed_at = %v", snap.Processed["m1"].ProcessedAt)
	}
	if s.Stats().Processed != 1 {
		t.Fatalf("stats = %+v", s.Stats())
	}
}

func TestThreadRecentlyNotified(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)}
	s := newStore(t, &countingBackend{}, clock)

	s.RecordProcessed(storage.ProcessedRecord{MessageID: "a", ThreadID: "t1", Notified: true})
	s.RecordProcessed(storage.ProcessedRecord{MessageID: "b", ThreadID: "t2", Notified: false})

	if !s.WasThreadRecentlyNotified("t1", 2*time.Hour) {
		t.Fatal("t1 should be recent")
	}
	if s.WasThreadRecentlyNotified("t2", 2*time.Hour) {
		t.Fatal("t2 was never notified")
	}
	if s.WasThreadRecentlyNotified("", 2*time.Hour) {
		t.Fatal("empty thread id must be false")
	}
	clock.Advance(2*time.Hour + time.Second)
	if s.WasThreadRecentlyNotified("t1", 2*time.Hour) {
		t.Fatal("t1 should have aged out of the window")
	}
}

func TestFlushCadence(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	b := &countingBackend{}
	s := newStore(t, b, clock)
	for i := 0; i < 25; i++ {
		s.RecordProcessed(storage.ProcessedRecord{MessageID: string(rune('a' + i))})
	}
	if got := b.Saves(); got != 2 {
		t.Fatalf("saves = %d, want 2", got)
	}
	// Duplicates do not count toward the cadence.
	for i := 0; i < 10; i++ {
		s.RecordProcessed(storage.ProcessedRecord{MessageID: "a"})
	}
	if got := b.Saves(); got != 2 {
		t.Fatalf("saves = %d after duplicates, want 2", got)
	}
}

func TestRecordFeedback(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	b := &countingBackend{}
	s := newStore(t, b, clock)
	ctx := context.Background()

	if err := s.RecordFeedback(ctx, "missing", true); !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("err = %v, want ErrUnknownMessage", err)
	}
	s.RecordProcessed(storage.ProcessedRecord{MessageID: "nosender"})
	if err := s.RecordFeedback(ctx, "nosender", true); !errors.Is(err, ErrNoSender) {
		t.Fatalf("err = %v, want ErrNoSender", err)
	}
	if b.Saves() != 0 {
		t.Fatal("rejected feedback must not flush")
	}

	s.RecordProcessed(storage.ProcessedRecord{MessageID: "m1", SenderAddress: "Boss@Acme.com"})
	for _, rel := range []bool{true, true, true, false} {
		if err := s.RecordFeedback(ctx, "m1", rel); err != nil {
			t.Fatalf("RecordFeedback: %v", err)
		}
	}
	if b.Saves() != 4 {
		t.Fatalf("feedback should flush each time, saves = %d", b.Saves())
	}
	pos, total := s.FeedbackStats("boss@acme.com")
	if pos != 3 || total != 4 {
		t.Fatalf("stats = %d/%d, want 3/4", pos, total)
	}
	if pos, total := s.FeedbackStats("nobody@x.io"); pos != 0 || total != 0 {
		t.Fatalf("unknown sender stats = %d/%d", pos, total)
	}
}

func TestSweepRetention(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := newStore(t, &countingBackend{}, clock)
	s.RecordProcessed(storage.ProcessedRecord{MessageID: "old", ThreadID: "t", Notified: true, SenderAddress: "a@x.io"})
	_ = s.RecordFeedback(context.Background(), "old", true)

	clock.Advance(31 * 24 * time.Hour)
	s.RecordProcessed(storage.ProcessedRecord{MessageID: "new"})

	removed := s.Sweep(clock.Now())
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if s.IsProcessed("old") || !s.IsProcessed("new") {
		t.Fatal("sweep removed the wrong records")
	}
	if _, total := s.FeedbackStats("a@x.io"); total != 0 {
		t.Fatal("old feedback should be gone")
	}
	st := s.Stats()
	if st.Processed != 1 || st.NotifiedThreads != 0 || st.FeedbackSenders != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

func TestPersistAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processed_emails.json")
	ctx := context.Background()
	open := func() *Store {
		b, err := storage.Open(storage.Config{Driver: "file", Path: path}, logx.Nop())
		if err != nil {
			t.Fatalf("storage.Open: %v", err)
		}
		return Open(ctx, b, Options{}, logx.Nop())
	}

	s := open()
	s.RecordProcessed(storage.ProcessedRecord{MessageID: "m1", ThreadID: "t1", Notified: true, SenderAddress: "a@x.io"})
	if err := s.RecordFeedback(ctx, "m1", true); err != nil {
		t.Fatalf("RecordFeedback: %v", err)
	}
	s.RecordProcessed(storage.ProcessedRecord{MessageID: "m2"})
	if err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s = open()
	defer s.Close(ctx)
	if !s.IsProcessed("m1") || !s.IsProcessed("m2") {
		t.Fatal("records lost across restart")
	}
	if !s.WasThreadRecentlyNotified("t1", time.Hour) {
		t.Fatal("thread index not rebuilt")
	}
	if pos, total := s.FeedbackStats("a@x.io"); pos != 1 || total != 1 {
		t.Fatalf("feedback = %d/%d", pos, total)
	}
}

func TestFlushFailureKeepsMemory(t *testing.T) {
	b := &countingBackend{fail: errors.New("disk full")}
	s := newStore(t, b, &fakeClock{now: time.Now()})
	s.RecordProcessed(storage.ProcessedRecord{MessageID: "m1"})
	if err := s.Flush(context.Background()); err == nil {
		t.Fatal("expected flush error")
	}
	if !s.IsProcessed("m1") {
		t.Fatal("memory must stay authoritative")
	}
	st := s.Stats()
	if st.LastFlushError == "" || !st.FlushFailing {
		t.Fatal("flush error not reported in stats")
	}
}

func TestConcurrentRecordProcessed(t *testing.T) {
	s := newStore(t, &countingBackend{}, &fakeClock{now: time.Now()})
	var wg sync.WaitGroup
	wins := make(chan bool, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wins <- s.RecordProcessed(storage.ProcessedRecord{MessageID: "same"})
		}()
	}
	wg.Wait()
	close(wins)
	n := 0
	for w := range wins {
		if w {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("%d winners, want 1", n)
	}
}

func TestSweepKeepsThreadNotifiedDuringSweep(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	s := newStore(t, &countingBackend{}, clock)
	s.RecordProcessed(storage.ProcessedRecord{MessageID: "old", ThreadID: "t", Notified: true})
	clock.Advance(31 * 24 * time.Hour)

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				s.Sweep(clock.Now())
			}
		}
	}()
	for i := 0; i < 200; i++ {
		s.RecordProcessed(storage.ProcessedRecord{MessageID: "fresh-" + strconv.Itoa(i), ThreadID: "t", Notified: true})
		if !s.WasThreadRecentlyNotified("t", time.Hour) {
			close(stop)
			wg.Wait()
			t.Fatalf("thread lost after fresh notification %d", i)
		}
	}
	close(stop)
	wg.Wait()
}
