// Package storage persists what the scheduler must not forget across
// restarts: one audit record per finished task and the notifier's dedup
// windows.
//
// Drivers:
//   - "file": JSON Lines audit log plus a dedup snapshot and journal
//   - "sqlite": a single SQLite database (modernc.org/sqlite, no cgo)
package storage
