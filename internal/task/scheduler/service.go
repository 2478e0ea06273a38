// Package scheduler drives periodic work: it scans the job store on a fixed
// tick, decides which jobs are due, and hands each one to the execution
// engine. Ticks never overlap; a tick that arrives while the previous one is
// still executing is skipped outright, since schedules are coarse relative
// to the tick interval.
package scheduler

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"aide/internal/eventbus"
	"aide/internal/storage"
	"aide/internal/task/engine"
	logx "aide/pkg/logx"
)

// Executor runs one task to completion. Satisfied by *engine.Service.
type Executor interface {
	Execute(ctx context.Context, req engine.TaskRequest) engine.TaskResult
}

// Config carries the tick loop knobs.
type Config struct {
	// Tick is the wall-clock interval between due-job scans. Default 30s.
	Tick time.Duration
	// Timezone is the IANA location used for cron schedules. Empty means
	// the host's local time.
	Timezone string
}

// JobEvent is the bus payload for job lifecycle events.
type JobEvent struct {
	ID       string
	At       time.Time
	Attempts int
	Error    string
}

// Service is the job scheduler.
type Service struct {
	cfg   Config
	store storage.Store
	exec  Executor
	log   logx.Logger
	bus   eventbus.Bus
	loc   *time.Location

	mu       sync.Mutex
	inFlight bool
	// invalid remembers jobs already flagged for a bad schedule so the log
	// does not repeat every tick.
	invalid map[string]string

	// failLog throttles repeated per-job failure logging across ticks.
	failLog *rate.Limiter

	now func() time.Time
}

func New(cfg Config, store storage.Store, exec Executor, log logx.Logger, bus eventbus.Bus) (*Service, error) {
	if cfg.Tick <= 0 {
		cfg.Tick = 30 * time.Second
	}
	loc := time.Local
	if cfg.Timezone != "" {
		l, err := time.LoadLocation(cfg.Timezone)
		if err != nil {
			return nil, err
		}
		loc = l
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		store:   store,
		exec:    exec,
		log:     log.With(logx.String("component", "scheduler")),
		bus:     bus,
		loc:     loc,
		invalid: map[string]string{},
		failLog: rate.NewLimiter(rate.Every(30*time.Second), 5),
		now:     time.Now,
	}, nil
}

// Run drives the tick loop until ctx is cancelled. Intended to be launched
// under the supervisor.
func (s *Service) Run(ctx context.Context) error {
	tkr := time.NewTicker(s.cfg.Tick)
	defer tkr.Stop()

	s.log.Info("scheduler started", logx.Duration("tick", s.cfg.Tick), logx.String("tz", s.loc.String()))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tkr.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one due-job scan. It returns the number of jobs processed; an
// overlapping call while a previous tick is still executing processes
// nothing and returns immediately.
func (s *Service) Tick(ctx context.Context) int {
	now := s.now().In(s.loc)

	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		s.log.Debug("tick skipped, previous still running")
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TopicTickSkipped, Time: now})
		}
		return 0
	}
	s.inFlight = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	jobs, err := s.store.ListJobs(ctx)
	if err != nil {
		s.log.Error("job scan failed", logx.Err(err))
		return 0
	}

	processed := 0
	for _, j := range jobs {
		if ctx.Err() != nil {
			break
		}
		if !j.Enabled {
			continue
		}
		sched, perr := Parse(j.Schedule)
		if perr != nil {
			s.flagInvalid(ctx, j, perr)
			continue
		}
		delete(s.invalid, j.ID)

		next := j.NextRunAt
		if next.IsZero() {
			next = NextRun(sched, j, now, s.loc)
			if err := s.store.UpdateJobRun(ctx, j.ID, j.LastRunAt, next, j.Enabled); err != nil {
				s.log.Warn("job bookkeeping write failed", logx.String("job", j.ID), logx.Err(err))
			}
		}
		if now.Before(next) {
			continue
		}

		// Job failures are isolated: one bad job never stops the rest of
		// the tick.
		s.runJob(ctx, j, sched, now)
		processed++
	}
	return processed
}

func (s *Service) runJob(ctx context.Context, j storage.Job, sched Schedule, now time.Time) {
	res := s.exec.Execute(ctx, engine.TaskRequest{
		ID:          j.ID,
		Prompt:      j.Prompt,
		MaxAttempts: j.MaxAttempts,
	})

	if err := s.store.RecordRun(ctx, storage.RunRecord{
		JobID:    j.ID,
		Started:  now,
		Duration: res.Duration,
		Attempts: res.Attempts,
		OK:       res.OK,
		Error:    res.Error,
	}); err != nil {
		s.log.Warn("run record write failed", logx.String("job", j.ID), logx.Err(err))
	}

	// Bookkeeping: a once job fires exactly one attempt sequence and is then
	// disabled for good, success or not.
	j.LastRunAt = now
	enabled := j.Enabled
	var next time.Time
	if sched.Kind == KindOnce {
		enabled = false
	} else {
		next = NextRun(sched, j, now, s.loc)
	}
	if err := s.store.UpdateJobRun(ctx, j.ID, j.LastRunAt, next, enabled); err != nil {
		s.log.Warn("job bookkeeping write failed", logx.String("job", j.ID), logx.Err(err))
	}

	if res.OK {
		s.log.Info("job completed", logx.String("job", j.ID), logx.Int("attempts", res.Attempts), logx.Duration("dur", res.Duration))
		if s.bus != nil {
			s.bus.Publish(eventbus.Event{Type: eventbus.TopicJobCompleted, Time: s.now(), Data: JobEvent{ID: j.ID, At: now, Attempts: res.Attempts}})
		}
		return
	}
	if s.failLog.Allow() {
		s.log.Warn("job failed", logx.String("job", j.ID), logx.Int("attempts", res.Attempts), logx.String("err", res.Error))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TopicJobFailed, Time: s.now(), Data: JobEvent{ID: j.ID, At: now, Attempts: res.Attempts, Error: res.Error}})
	}
}

func (s *Service) flagInvalid(ctx context.Context, j storage.Job, perr error) {
	if prev, ok := s.invalid[j.ID]; ok && prev == perr.Error() {
		return
	}
	s.invalid[j.ID] = perr.Error()
	s.log.Error("job has invalid schedule, disabling", logx.String("job", j.ID), logx.String("schedule", j.Schedule), logx.Err(perr))
	// Disable so the broken definition stops being scanned; a config fix
	// re-enables it on the next sync.
	if err := s.store.UpdateJobRun(ctx, j.ID, j.LastRunAt, time.Time{}, false); err != nil {
		s.log.Warn("job disable failed", logx.String("job", j.ID), logx.Err(err))
	}
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TopicJobInvalid, Time: s.now(), Data: JobEvent{ID: j.ID, Error: perr.Error()}})
	}
}
