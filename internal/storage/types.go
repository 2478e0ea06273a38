package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrNotFound = errors.New("job not found")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "file": dependency-free file backend (jsonl journal + snapshot)
//
// If Driver is "none", storage is disabled and the scheduler runs with
// config-sourced jobs only, losing run bookkeeping across restarts.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Job is one schedulable unit of work as persisted. Kind is the normalized
// schedule kind ("cron", "interval", "once"); Schedule keeps the original
// spec string so it can be re-parsed and re-validated on load.
type Job struct {
	ID          string
	Kind        string
	Schedule    string
	Prompt      string
	Enabled     bool
	MaxAttempts int
	// Source records where the definition came from: "config" for jobs
	// seeded from the config file, "runtime" for jobs added while running.
	Source    string
	CreatedAt time.Time
	LastRunAt time.Time // zero means never ran
	NextRunAt time.Time // zero means not yet computed
}

// RunRecord is one completed execution of a job, kept for inspection.
type RunRecord struct {
	JobID    string
	Started  time.Time
	Duration time.Duration
	Attempts int
	OK       bool
	Error    string
}
