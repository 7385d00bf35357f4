package storage

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	logx "notifysync/pkg/logx"
)

func sampleSnapshot() Snapshot {
	at := time.UnixMilli(1_700_000_000_000)
	s := NewSnapshot()
	s.Processed["m1"] = ProcessedRecord{
		MessageID: "m1", ThreadID: "t1", Subject: "Action Required",
		SenderAddress: "alice@acme.com", ProcessedAt: at, Important: true, Notified: true,
	}
	s.Processed["m2"] = ProcessedRecord{MessageID: "m2", ProcessedAt: at.Add(time.Minute)}
	s.Feedback["alice@acme.com"] = []FeedbackRecord{
		{MessageID: "m1", At: at, Relevant: true},
		{MessageID: "m0", At: at.Add(-time.Hour), Relevant: false},
	}
	return s
}

func checkRoundTrip(t *testing.T, b Backend) {
	t.Helper()
	ctx := context.Background()

	empty, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("Load empty: %v", err)
	}
	if len(empty.Processed) != 0 || len(empty.Feedback) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", empty)
	}

	want := sampleSnapshot()
	if err := b.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Processed) != 2 {
		t.Fatalf("processed = %d, want 2", len(got.Processed))
	}
	r := got.Processed["m1"]
	if r.ThreadID != "t1" || r.SenderAddress != "alice@acme.com" || !r.Important || !r.Notified {
		t.Fatalf("unexpected record: %+v", r)
	}
	if !r.ProcessedAt.Equal(want.Processed["m1"].ProcessedAt) {
		t.Fatalf("processed_at = %v", r.ProcessedAt)
	}
	fb := got.Feedback["alice@acme.com"]
	if len(fb) != 2 || !fb[0].Relevant || fb[1].Relevant {
		t.Fatalf("feedback = %+v", fb)
	}

	// A save replaces everything.
	next := NewSnapshot()
	next.Processed["m3"] = ProcessedRecord{MessageID: "m3", ProcessedAt: time.Now()}
	if err := b.Save(ctx, next); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, _ = b.Load(ctx)
	if len(got.Processed) != 1 || len(got.Feedback) != 0 {
		t.Fatalf("save did not replace: %+v", got)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Save(ctx, next); !errors.Is(err, ErrClosed) {
		t.Fatalf("Save after close = %v, want ErrClosed", err)
	}
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "processed_emails.json")
	b, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	checkRoundTrip(t, b)
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temp file left behind: %v", err)
	}
}

func TestFileCorruptDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	b, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	snap, err := b.Load(context.Background())
	if err == nil {
		t.Fatal("expected decode error")
	}
	if snap.Processed == nil || snap.Feedback == nil {
		t.Fatal("failed load should still return usable maps")
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	b, err := Open(Config{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	checkRoundTrip(t, b)
}

func TestSQLiteFilePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracking.db")
	ctx := context.Background()
	b, err := Open(Config{Driver: "sqlite", Path: path, BusyTimeout: 2 * time.Second}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := b.Save(ctx, sampleSnapshot()); err != nil {
		t.Fatalf("Save: %v", err)
	}
	_ = b.Close()

	b, err = Open(Config{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer b.Close()
	got, err := b.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Processed) != 2 || len(got.Feedback["alice@acme.com"]) != 2 {
		t.Fatalf("unexpected snapshot after reopen: %+v", got)
	}
}

func TestOpenDrivers(t *testing.T) {
	b, err := Open(Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("Open none: %v", err)
	}
	if err := b.Save(context.Background(), sampleSnapshot()); err != nil {
		t.Fatalf("none Save: %v", err)
	}
	snap, _ := b.Load(context.Background())
	if len(snap.Processed) != 0 {
		t.Fatal("none driver must not persist")
	}
	if _, err := Open(Config{Driver: "redis"}, logx.Nop()); err == nil {
		t.Fatal("expected unknown driver error")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("expected missing path error")
	}
	if !ValidDriver("SQLite") || ValidDriver("mongo") {
		t.Fatal("ValidDriver mismatch")
	}
}
