package app

import (
	"context"
	"strings"
	"time"

	"aide/internal/config"
	"aide/internal/storage"
	"aide/internal/task/scheduler"
	logx "aide/pkg/logx"
)

// syncConfigJobs merges config-sourced job definitions into the store. Runs
// at startup and again on every hot reload.
//
// Rules:
//   - a config job is upserted by ID with source "config"
//   - run bookkeeping (lastRunAt) survives re-sync; nextRunAt is cleared so
//     a changed schedule is recomputed on the next tick
//   - a once job that already fired stays disabled even if the config still
//     lists it as enabled
//   - a config-sourced job no longer present in the config is disabled, not
//     deleted, so its run history remains inspectable
func syncConfigJobs(ctx context.Context, store storage.Store, jobs []config.JobConfig, log logx.Logger) {
	if store == nil {
		return
	}

	existing := map[string]storage.Job{}
	if prev, err := store.ListJobs(ctx); err != nil {
		log.Warn("job sync: list failed", logx.Err(err))
	} else {
		for _, j := range prev {
			existing[j.ID] = j
		}
	}

	seen := map[string]bool{}
	for _, jc := range jobs {
		id := strings.TrimSpace(jc.ID)
		sched, err := scheduler.Parse(jc.Schedule)
		if err != nil {
			// Validation normally catches this; a job that slips through is
			// skipped rather than written broken.
			log.Error("job sync: invalid schedule", logx.String("job", id), logx.Err(err))
			continue
		}
		seen[id] = true

		enabled := jc.Enabled == nil || *jc.Enabled
		j := storage.Job{
			ID:          id,
			Kind:        sched.Kind.String(),
			Schedule:    jc.Schedule,
			Prompt:      jc.Prompt,
			Enabled:     enabled,
			MaxAttempts: jc.MaxAttempts,
			Source:      "config",
			CreatedAt:   time.Now(),
		}
		if prev, ok := existing[id]; ok {
			j.CreatedAt = prev.CreatedAt
			j.LastRunAt = prev.LastRunAt
			if sched.Kind == scheduler.KindOnce && !prev.LastRunAt.IsZero() {
				j.Enabled = false
			}
		}
		if err := store.UpsertJob(ctx, j); err != nil {
			log.Error("job sync: upsert failed", logx.String("job", id), logx.Err(err))
		}
	}

	for id, j := range existing {
		if j.Source != "config" || seen[id] || !j.Enabled {
			continue
		}
		if err := store.UpdateJobRun(ctx, id, j.LastRunAt, time.Time{}, false); err != nil {
			log.Warn("job sync: disable removed job failed", logx.String("job", id), logx.Err(err))
		} else {
			log.Info("job removed from config, disabled", logx.String("job", id))
		}
	}
}
