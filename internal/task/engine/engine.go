// Package engine executes tasks against the worker CLI with a retry budget,
// exponential backoff, failure classification and circuit-breaker gating.
//
// One call to Execute is one attempt sequence: the breaker is consulted once
// at the start and told about the final outcome once at the end, no matter
// how many attempts happened in between. Memory admission is checked before
// every attempt and aborts the whole sequence when the host is under
// pressure.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"aide/internal/eventbus"
	"aide/internal/sysmem"
	"aide/internal/task/breaker"
	"aide/internal/task/runner"
	logx "aide/pkg/logx"
)

// defaultBreakerName keys the breaker guarding the worker CLI. All tasks share
// it: the downstream dependency is the one binary, not the individual task.
const defaultBreakerName = "worker"

var (
	// ErrLowMemory aborts an attempt sequence when available memory is below
	// the configured floor.
	ErrLowMemory = errors.New("engine: available memory below floor")
)

// Worker runs one prompt against the CLI. Satisfied by *runner.Runner.
type Worker interface {
	Run(ctx context.Context, req runner.Request) (runner.Result, error)
}

// Config carries the retry policy knobs.
type Config struct {
	// MaxAttempts caps worker invocations per Execute call. Default 3.
	MaxAttempts int
	// RetryBase is the first backoff delay; attempt n waits
	// min(RetryBase*2^(n-1), RetryMaxDelay). Defaults 2s / 1m.
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	// MinFreeMemMB rejects new attempts when available memory drops below
	// this floor. 0 disables the gate.
	MinFreeMemMB int
	// HistorySize bounds the in-memory outcome ring. Default 200.
	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 2 * time.Second
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = time.Minute
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Service is the task execution engine.
type Service struct {
	cfg      Config
	worker   Worker
	breakers *breaker.Registry
	log      logx.Logger
	bus      eventbus.Bus

	// Seams for tests.
	availMB func() (int, bool)
	sleep   func(ctx context.Context, d time.Duration) error

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, w Worker, breakers *breaker.Registry, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		cfg:      cfg.withDefaults(),
		worker:   w,
		breakers: breakers,
		log:      log.With(logx.String("component", "engine")),
		bus:      bus,
		availMB:  sysmem.AvailableMB,
		sleep:    sleepCtx,
	}
	return s
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	tmr := time.NewTimer(d)
	defer tmr.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tmr.C:
		return nil
	}
}

// Execute runs req to completion through the retry policy and returns the
// final outcome. It blocks for the whole attempt sequence including backoff
// waits; cancel ctx to give up early.
func (s *Service) Execute(ctx context.Context, req TaskRequest) TaskResult {
	start := time.Now()
	b := s.breakers.Get(defaultBreakerName)

	if err := b.Allow(); err != nil {
		s.log.Warn("task rejected, breaker open", logx.String("task", req.ID), logx.Err(err))
		res := TaskResult{Attempts: 0, Error: err.Error()}
		s.finish(req, start, res, eventbus.TopicTaskSkipped)
		return res
	}

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.MaxAttempts
	}

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TopicTaskStarted, Time: start, Data: TaskEvent{ID: req.ID, Started: start}})
	}

	prompt := req.Prompt
	var lastErr error
	var lastRes runner.Result
	attempts := 0

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if s.cfg.MinFreeMemMB > 0 {
			if mb, ok := s.availMB(); ok && mb < s.cfg.MinFreeMemMB {
				// Abort the whole sequence, not just this attempt: retrying
				// under memory pressure only digs the hole deeper. Not a
				// worker fault, so the breaker is not told.
				s.log.Warn("task aborted, low memory",
					logx.String("task", req.ID), logx.Int("available_mb", mb), logx.Int("floor_mb", s.cfg.MinFreeMemMB))
				res := TaskResult{Attempts: attempts, Error: ErrLowMemory.Error(), Duration: time.Since(start)}
				s.finish(req, start, res, eventbus.TopicTaskFailed)
				return res
			}
		}

		attempts = attempt
		out, err := s.worker.Run(ctx, runner.Request{Prompt: prompt, SessionID: req.SessionID})
		if err == nil {
			b.RecordSuccess()
			res := TaskResult{OK: true, Text: out.Text, SessionID: out.SessionID, Attempts: attempt, Duration: time.Since(start)}
			s.finish(req, start, res, eventbus.TopicTaskFinished)
			return res
		}
		lastErr = err
		lastRes = out

		if isFatalFailure(err) {
			s.log.Error("task failed fatally, not retrying", logx.String("task", req.ID), logx.Err(err), logx.Int("attempt", attempt))
			break
		}
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}
		if attempt >= maxAttempts {
			break
		}

		prompt = repairPrompt(req.Prompt, err)
		delay := backoffDelay(s.cfg, attempt)
		s.log.Debug("task retry scheduled",
			logx.String("task", req.ID), logx.Int("attempt", attempt+1), logx.Duration("delay", delay), logx.Err(err))
		if serr := s.sleep(ctx, delay); serr != nil {
			lastErr = serr
			break
		}
	}

	b.RecordFailure()
	res := TaskResult{
		Text:      lastRes.Text,
		SessionID: lastRes.SessionID,
		Attempts:  attempts,
		Error:     lastErr.Error(),
		Duration:  time.Since(start),
	}
	s.finish(req, start, res, eventbus.TopicTaskFailed)
	return res
}

// History returns a copy of the recent-outcome ring, oldest first.
func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]HistoryItem, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Service) finish(req TaskRequest, start time.Time, res TaskResult, eventType string) {
	if res.OK {
		s.log.Info("task.finished",
			logx.String("task", req.ID), logx.Int("attempts", res.Attempts), logx.Duration("dur", res.Duration))
	} else if eventType == eventbus.TopicTaskFailed {
		s.log.Warn("task.failed",
			logx.String("task", req.ID), logx.Int("attempts", res.Attempts), logx.Duration("dur", res.Duration), logx.String("err", res.Error))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventType, Time: time.Now(), Data: TaskEvent{
			ID: req.ID, Started: start, Duration: res.Duration, Attempts: res.Attempts, Error: res.Error,
		}})
	}

	item := HistoryItem{ID: req.ID, Started: start, Duration: res.Duration, Attempts: res.Attempts, Error: res.Error}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > s.cfg.HistorySize {
		s.history = s.history[len(s.history)-s.cfg.HistorySize:]
	}
	s.hmu.Unlock()
}

// backoffDelay is deterministic so operators can predict retry timing from
// the config alone: attempt n waits min(base*2^(n-1), cap).
func backoffDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cfg.RetryMaxDelay {
			return cfg.RetryMaxDelay
		}
	}
	if d > cfg.RetryMaxDelay {
		return cfg.RetryMaxDelay
	}
	return d
}
