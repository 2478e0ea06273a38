package engine

import "time"

// TaskRequest describes one unit of work to hand to the worker CLI.
type TaskRequest struct {
	// ID identifies the task in logs, history and bus events. Required.
	ID string
	// Prompt is the instruction passed to the worker on the first attempt.
	// Retry attempts may rewrite it to include diagnostic context.
	Prompt string
	// SessionID, when set, asks the worker to resume an earlier session.
	SessionID string
	// MaxAttempts overrides Config.MaxAttempts for this task when > 0.
	MaxAttempts int
}

// TaskResult is the final outcome of a task after the whole attempt sequence.
type TaskResult struct {
	OK        bool
	Text      string
	SessionID string
	// Attempts is how many times the worker was actually invoked.
	// 0 means the task was rejected before any invocation.
	Attempts int
	Error    string
	Duration time.Duration
}

// TaskEvent is the payload published on the event bus for task lifecycle events.
type TaskEvent struct {
	ID       string
	Started  time.Time
	Duration time.Duration
	Attempts int
	Error    string
}

// HistoryItem is one completed (or rejected) task in the in-memory ring.
type HistoryItem struct {
	ID       string
	Started  time.Time
	Duration time.Duration
	Attempts int
	Error    string
}
