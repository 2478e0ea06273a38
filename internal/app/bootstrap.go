package app

import (
	"fmt"
	"strings"
	"time"

	"aide/internal/config"
	"aide/internal/observability/pprof"
	"aide/internal/storage"
	"aide/internal/task/breaker"
	"aide/internal/task/engine"
	"aide/internal/task/runner"
	"aide/internal/task/scheduler"
)

// Mapping helpers translate the string-typed config file into the typed
// component configs. Every helper is also run by the hot-reload validator so
// a bad edit is rejected before it is committed.

func mapRunnerConfig(cfg *config.Config) (runner.Config, error) {
	inactivity, err := config.ParseDurationOrDefault("worker.inactivity_timeout", cfg.Worker.InactivityTimeout, 5*time.Minute)
	if err != nil {
		return runner.Config{}, err
	}
	return runner.Config{
		Binary:            cfg.Worker.Binary,
		Model:             cfg.Worker.Model,
		ExtraArgs:         cfg.Worker.ExtraArgs,
		WorkingDir:        cfg.Worker.WorkingDir,
		InactivityTimeout: inactivity,
		MaxOutputBytes:    cfg.Worker.MaxOutputBytes,
	}, nil
}

func mapEngineConfig(cfg *config.Config) (engine.Config, error) {
	base, err := config.ParseDurationOrDefault("engine.retry_base", cfg.Engine.RetryBase, 2*time.Second)
	if err != nil {
		return engine.Config{}, err
	}
	maxDelay, err := config.ParseDurationOrDefault("engine.retry_max_delay", cfg.Engine.RetryMaxDelay, time.Minute)
	if err != nil {
		return engine.Config{}, err
	}
	if cfg.Engine.MaxAttempts < 0 {
		return engine.Config{}, fmt.Errorf("engine.max_attempts must be >= 0")
	}
	if cfg.Engine.MinFreeMemMB < 0 {
		return engine.Config{}, fmt.Errorf("engine.min_free_mem_mb must be >= 0")
	}
	return engine.Config{
		MaxAttempts:   cfg.Engine.MaxAttempts,
		RetryBase:     base,
		RetryMaxDelay: maxDelay,
		MinFreeMemMB:  cfg.Engine.MinFreeMemMB,
		HistorySize:   cfg.Engine.HistorySize,
	}, nil
}

func mapBreakerConfig(cfg *config.Config) (breaker.Config, error) {
	reset, err := config.ParseDurationOrDefault("breaker.reset_timeout", cfg.Breaker.ResetTimeout, time.Minute)
	if err != nil {
		return breaker.Config{}, err
	}
	if cfg.Breaker.FailureThreshold < 0 || cfg.Breaker.SuccessThreshold < 0 {
		return breaker.Config{}, fmt.Errorf("breaker thresholds must be >= 0")
	}
	return breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		ResetTimeout:     reset,
	}, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tick, err := config.ParseDurationOrDefault("scheduler.tick", cfg.Scheduler.Tick, 30*time.Second)
	if err != nil {
		return scheduler.Config{}, err
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return scheduler.Config{}, fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	return scheduler.Config{Tick: tick, Timezone: strings.TrimSpace(cfg.Scheduler.Timezone)}, nil
}

func mapHeartbeatConfig(cfg *config.Config) (scheduler.HeartbeatConfig, error) {
	interval, err := config.ParseDurationOrDefault("heartbeat.interval", cfg.Heartbeat.Interval, 5*time.Minute)
	if err != nil {
		return scheduler.HeartbeatConfig{}, err
	}
	window, err := config.ParseDurationOrDefault("heartbeat.dedup_window", cfg.Heartbeat.DedupWindow, 24*time.Hour)
	if err != nil {
		return scheduler.HeartbeatConfig{}, err
	}
	from, to, err := scheduler.ParseActiveHours(cfg.Heartbeat.ActiveHours)
	if err != nil {
		return scheduler.HeartbeatConfig{}, fmt.Errorf("heartbeat.active_hours: %w", err)
	}
	return scheduler.HeartbeatConfig{
		Interval:    interval,
		Prompt:      cfg.Heartbeat.Prompt,
		DedupWindow: window,
		ActiveFrom:  from,
		ActiveTo:    to,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		// Storage is on by default; jobs need somewhere to live.
		return storage.Config{Driver: "sqlite", Path: "./aide.db"}, nil
	}
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapPprofConfig(cfg *config.Config) (pprof.Config, error) {
	rt, err := config.ParseDurationOrDefault("pprof.read_timeout", cfg.Pprof.ReadTimeout, 5*time.Second)
	if err != nil {
		return pprof.Config{}, err
	}
	wt, err := config.ParseDurationOrDefault("pprof.write_timeout", cfg.Pprof.WriteTimeout, 0)
	if err != nil {
		return pprof.Config{}, err
	}
	it, err := config.ParseDurationOrDefault("pprof.idle_timeout", cfg.Pprof.IdleTimeout, time.Minute)
	if err != nil {
		return pprof.Config{}, err
	}
	return pprof.Config{
		Enabled:       cfg.Pprof.Enabled,
		Addr:          cfg.Pprof.Addr,
		Prefix:        cfg.Pprof.Prefix,
		Token:         cfg.Pprof.Token,
		AllowInsecure: cfg.Pprof.AllowInsecure,
		ReadTimeout:   rt,
		WriteTimeout:  wt,
		IdleTimeout:   it,
	}, nil
}

// validateConfig is the transactional hot-reload validator: it runs every
// mapping so a broken edit never replaces a working config.
func validateConfig(cfg *config.Config) error {
	if _, err := mapRunnerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapEngineConfig(cfg); err != nil {
		return err
	}
	if _, err := mapBreakerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHeartbeatConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapPprofConfig(cfg); err != nil {
		return err
	}
	return validateJobs(cfg.Jobs)
}

func validateJobs(jobs []config.JobConfig) error {
	seen := map[string]bool{}
	for i, jc := range jobs {
		id := strings.TrimSpace(jc.ID)
		if id == "" {
			return fmt.Errorf("jobs[%d]: id is required", i)
		}
		if seen[id] {
			return fmt.Errorf("jobs[%d]: duplicate id %q", i, id)
		}
		seen[id] = true
		if strings.TrimSpace(jc.Prompt) == "" {
			return fmt.Errorf("jobs[%d] (%s): prompt is required", i, id)
		}
		sched, err := scheduler.Parse(jc.Schedule)
		if err != nil {
			return fmt.Errorf("jobs[%d] (%s): %w", i, id, err)
		}
		if jc.Kind != "" {
			kind, err := scheduler.KindFromString(jc.Kind)
			if err != nil {
				return fmt.Errorf("jobs[%d] (%s): %w", i, id, err)
			}
			if kind != sched.Kind {
				return fmt.Errorf("jobs[%d] (%s): kind %q does not match schedule %q", i, id, jc.Kind, jc.Schedule)
			}
		}
		if jc.MaxAttempts < 0 {
			return fmt.Errorf("jobs[%d] (%s): max_attempts must be >= 0", i, id)
		}
	}
	return nil
}
