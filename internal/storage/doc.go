// Package storage persists tracking snapshots.
//
// Drivers:
//   - "file":   a single JSON document, replaced atomically on every save
//   - "sqlite": a SQLite database (modernc.org/sqlite, no cgo)
//   - "none":   nothing is persisted; state lives for the process lifetime
package storage
