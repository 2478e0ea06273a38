package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "aide/pkg/logx"
)

// Store is the persistence API used by the scheduler and heartbeat gate.
type Store interface {
	// ListJobs returns every persisted job, enabled or not.
	ListJobs(ctx context.Context) ([]Job, error)
	// UpsertJob inserts or fully replaces a job definition by ID.
	UpsertJob(ctx context.Context, j Job) error
	// UpdateJobRun writes back the post-execution bookkeeping fields.
	UpdateJobRun(ctx context.Context, id string, lastRunAt, nextRunAt time.Time, enabled bool) error
	DeleteJob(ctx context.Context, id string) error

	RecordRun(ctx context.Context, r RunRecord) error

	// Dedup keys expire at `until`; an expired key reads as absent.
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "file":
		return openFile(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
