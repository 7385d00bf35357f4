package storage

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	logx "notifysync/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db     *sqlx.DB
	log    logx.Logger
	closed atomic.Bool
}

type processedRow struct {
	MessageID   string `db:"message_id"`
	ThreadID    string `db:"thread_id"`
	Subject     string `db:"subject"`
	Sender      string `db:"sender"`
	ProcessedAt int64  `db:"processed_at"`
	Important   bool   `db:"important"`
	Notified    bool   `db:"notified"`
}

type feedbackRow struct {
	Sender    string `db:"sender"`
	MessageID string `db:"message_id"`
	At        int64  `db:"at"`
	Relevant  bool   `db:"relevant"`
}

func openSQLite(cfg Config, log logx.Logger) (Backend, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("tracking.path is required for sqlite driver")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// One connection: writers serialize anyway, and ":memory:" databases are
	// per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("enabling WAL mode: %w", err)
		}
	}
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Load(ctx context.Context) (Snapshot, error) {
	if s.closed.Load() {
		return Snapshot{}, ErrClosed
	}
	snap := NewSnapshot()

	var processed []processedRow
	if err := s.db.SelectContext(ctx, &processed,
		`SELECT message_id, thread_id, subject, sender, processed_at, important, notified FROM processed_emails`,
	); err != nil {
		return snap, fmt.Errorf("loading processed_emails: %w", err)
	}
	for _, r := range processed {
		snap.Processed[r.MessageID] = ProcessedRecord{
			MessageID:     r.MessageID,
			ThreadID:      r.ThreadID,
			Subject:       r.Subject,
			SenderAddress: r.Sender,
			ProcessedAt:   time.UnixMilli(r.ProcessedAt),
			Important:     r.Important,
			Notified:      r.Notified,
		}
	}

	var feedback []feedbackRow
	if err := s.db.SelectContext(ctx, &feedback,
		`SELECT sender, message_id, at, relevant FROM user_feedback ORDER BY id`,
	); err != nil {
		return snap, fmt.Errorf("loading user_feedback: %w", err)
	}
	for _, r := range feedback {
		snap.Feedback[r.Sender] = append(snap.Feedback[r.Sender], FeedbackRecord{
			MessageID: r.MessageID,
			At:        time.UnixMilli(r.At),
			Relevant:  r.Relevant,
		})
	}
	return snap, nil
}

// Save replaces both tables inside one transaction.
func (s *sqliteStore) Save(ctx context.Context, snap Snapshot) error {
	if s.closed.Load() {
		return ErrClosed
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM processed_emails`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM user_feedback`); err != nil {
		return err
	}

	if len(snap.Processed) > 0 {
		stmt, err := tx.PreparexContext(ctx,
			`INSERT INTO processed_emails(message_id, thread_id, subject, sender, processed_at, important, notified)
			 VALUES(?,?,?,?,?,?,?)`)
		if err != nil {
			return fmt.Errorf("preparing insert: %w", err)
		}
		defer stmt.Close()
		for id, r := range snap.Processed {
			if _, err := stmt.ExecContext(ctx,
				id, r.ThreadID, r.Subject, r.SenderAddress, r.ProcessedAt.UnixMilli(), r.Important, r.Notified,
			); err != nil {
				return fmt.Errorf("inserting %s: %w", id, err)
			}
		}
	}

	if len(snap.Feedback) > 0 {
		stmt, err := tx.PreparexContext(ctx,
			`INSERT INTO user_feedback(sender, message_id, at, relevant) VALUES(?,?,?,?)`)
		if err != nil {
			return fmt.Errorf("preparing insert: %w", err)
		}
		defer stmt.Close()
		for sender, list := range snap.Feedback {
			for _, f := range list {
				if _, err := stmt.ExecContext(ctx, sender, f.MessageID, f.At.UnixMilli(), f.Relevant); err != nil {
					return fmt.Errorf("inserting feedback for %s: %w", sender, err)
				}
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing snapshot: %w", err)
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil || s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}
