package storage

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	logx "notifysync/pkg/logx"
)

// Open initializes the configured backend.
func Open(cfg Config, log logx.Logger) (Backend, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driverName(driver)))

	switch driver {
	case "", "none", "memory":
		return &noneBackend{}, nil
	case "file", "json":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}

// ValidDriver reports whether Open accepts d.
func ValidDriver(d string) bool {
	switch strings.ToLower(strings.TrimSpace(d)) {
	case "", "none", "memory", "file", "json", "sqlite", "sqlite3":
		return true
	}
	return false
}

func driverName(d string) string {
	if d == "" {
		return "none"
	}
	return d
}

type noneBackend struct{ closed atomic.Bool }

func (b *noneBackend) Load(context.Context) (Snapshot, error) {
	if b.closed.Load() {
		return Snapshot{}, ErrClosed
	}
	return NewSnapshot(), nil
}

func (b *noneBackend) Save(context.Context, Snapshot) error {
	if b.closed.Load() {
		return ErrClosed
	}
	return nil
}

func (b *noneBackend) Close() error {
	b.closed.Store(true)
	return nil
}
