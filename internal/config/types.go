package config

// Config is the root configuration for the aide daemon.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m") unless
// noted otherwise.
type Config struct {
	Logging LoggingConfig `json:"logging"`
	Pprof   PprofConfig   `json:"pprof,omitempty"`

	// Worker controls how the external LLM CLI process is spawned.
	Worker WorkerConfig `json:"worker"`

	// Engine controls retries, backoff and the memory admission gate.
	Engine EngineConfig `json:"engine,omitempty"`

	// Breaker controls the circuit breaker guarding the worker binary.
	Breaker BreakerConfig `json:"breaker,omitempty"`

	// Scheduler controls the job tick loop.
	Scheduler SchedulerConfig `json:"scheduler"`

	// Heartbeat controls the periodic status prompt and its dedup gate.
	Heartbeat HeartbeatConfig `json:"heartbeat,omitempty"`

	Storage *StorageConfig `json:"storage,omitempty"`

	// Jobs seeds config-sourced job definitions. They are merged into the
	// job store on load and on hot reload; a config job removed from this
	// list is disabled, not deleted.
	Jobs []JobConfig `json:"jobs,omitempty"`
}

// WorkerConfig controls the external worker process.
//
// Defaults (when fields are omitted/zero):
//   - binary: "claude"
//   - inactivity_timeout: "5m"
//   - max_output_bytes: 4194304 (4 MiB)
type WorkerConfig struct {
	Binary     string   `json:"binary,omitempty"`
	Model      string   `json:"model,omitempty"`
	ExtraArgs  []string `json:"extra_args,omitempty"`
	WorkingDir string   `json:"working_dir,omitempty"`

	// InactivityTimeout kills the worker when no stdout line has been seen
	// for this long. It is not a wall-clock deadline; steady output keeps
	// the process alive indefinitely.
	InactivityTimeout string `json:"inactivity_timeout,omitempty"`

	// MaxOutputBytes stops event parsing once this much stdout has been
	// consumed. The process itself is allowed to run to completion.
	MaxOutputBytes int64 `json:"max_output_bytes,omitempty"`
}

// EngineConfig controls task execution.
//
// Defaults (when fields are omitted/zero):
//   - max_attempts: 3
//   - retry_base: "2s"
//   - retry_max_delay: "1m"
//   - min_free_mem_mb: 0 (gate disabled)
//   - history_size: 200
type EngineConfig struct {
	MaxAttempts   int    `json:"max_attempts,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`

	// MinFreeMemMB skips execution entirely when available system memory
	// drops below this floor. 0 disables the gate.
	MinFreeMemMB int `json:"min_free_mem_mb,omitempty"`

	HistorySize int `json:"history_size,omitempty"`
}

// BreakerConfig controls the circuit breaker.
//
// Defaults: failure_threshold 3, success_threshold 1, reset_timeout "1m".
type BreakerConfig struct {
	FailureThreshold int    `json:"failure_threshold,omitempty"`
	SuccessThreshold int    `json:"success_threshold,omitempty"`
	ResetTimeout     string `json:"reset_timeout,omitempty"`
}

// SchedulerConfig controls the job tick loop.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`

	// Tick is the fixed wall-clock interval between due-job scans.
	// Default "30s".
	Tick string `json:"tick,omitempty"`

	// Timezone is an IANA TZ name used for cron schedules, e.g. "Asia/Jakarta".
	Timezone string `json:"timezone,omitempty"`
}

// HeartbeatConfig controls the periodic status prompt.
//
// Defaults: interval "5m", dedup_window "24h".
type HeartbeatConfig struct {
	Enabled  bool   `json:"enabled"`
	Interval string `json:"interval,omitempty"`
	Prompt   string `json:"prompt,omitempty"`

	// DedupWindow suppresses a heartbeat result when an identical result was
	// already delivered within this window.
	DedupWindow string `json:"dedup_window,omitempty"`

	// ActiveHours restricts delivery to a local-time window, "HH:MM-HH:MM".
	// Empty means always active.
	ActiveHours string `json:"active_hours,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./aide.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// JobConfig is a config-sourced job definition.
type JobConfig struct {
	ID       string `json:"id"`
	Kind     string `json:"kind"` // "cron" | "interval" | "once"
	Schedule string `json:"schedule"`
	Prompt   string `json:"prompt"`

	// Enabled is a pointer so we can distinguish "omitted" (default true)
	// from an explicit false.
	Enabled *bool `json:"enabled,omitempty"`

	// MaxAttempts overrides engine.max_attempts for this job.
	MaxAttempts int `json:"max_attempts,omitempty"`
}

// PprofConfig controls the optional pprof HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type PprofConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0 (disabled)
	// so /profile (which can take 30s+) works reliably.
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}
