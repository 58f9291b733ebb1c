package notifier

import (
	"time"

	"delegator/internal/task"
)

// Config controls the async notification pipeline.
type Config struct {
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	CallTimeout     time.Duration
	MaxChars        int // excerpt ceiling for results; 0 sends the full text
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Outcome is the part of a finished task the notification is built from.
type Outcome struct {
	TaskID          string
	ParentSessionID string
	AgentKind       string
	Status          task.Status
	Result          string
	Error           string
	Duration        time.Duration
}

// OutcomeOf captures a task's terminal state.
func OutcomeOf(t *task.Task) Outcome {
	s := t.Snapshot()
	return Outcome{
		TaskID:          s.ID,
		ParentSessionID: s.ParentSessionID,
		AgentKind:       s.AgentKind,
		Status:          s.Status,
		Result:          s.Result,
		Error:           s.Error,
		Duration:        s.Duration,
	}
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
type NotificationEvent struct {
	TaskID          string    `json:"task_id"`
	ParentSessionID string    `json:"parent_session_id"`
	Status          string    `json:"status"`
	Key             string    `json:"key"`
	At              time.Time `json:"at"`
	Attempts        int       `json:"attempts,omitempty"`
	Error           string    `json:"error,omitempty"`
}
