package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": jsonl audit + dedup snapshot/journal next to Path
//   - "sqlite": SQLite database file at Path
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// AuditEntry records how one delegated task ended.
// Keep it compact and schema-stable.
type AuditEntry struct {
	At              time.Time `json:"at"`
	TaskID          string    `json:"task_id"`
	ParentSessionID string    `json:"parent_session_id"`
	ChildSessionID  string    `json:"child_session_id,omitempty"`
	AgentKind       string    `json:"agent_kind"`
	ConcurrencyKey  string    `json:"concurrency_key"`
	Status          string    `json:"status"`
	Error           string    `json:"error,omitempty"`
	DurationMS      int64     `json:"duration_ms"`
	ResultChars     int       `json:"result_chars,omitempty"`
	MetaJSON        string    `json:"meta,omitempty"`
}
