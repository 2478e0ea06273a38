// Package breaker implements a three-state circuit breaker that isolates a
// repeatedly failing downstream dependency (here: the worker binary).
//
// States:
//   - Closed: calls flow; consecutive failures are counted.
//   - Open: calls are rejected until the reset timeout elapses.
//   - HalfOpen: trial calls probe recovery; one failure reopens immediately.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrOpen is the sentinel matched by errors.Is for rejected calls.
var ErrOpen = errors.New("circuit breaker open")

// OpenError is returned when a call is rejected. RetryAfter is the remaining
// cool-down; callers can surface it instead of retrying blindly.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q open, retry in %s", e.Name, e.RetryAfter.Round(time.Millisecond))
}

func (e *OpenError) Is(target error) bool { return target == ErrOpen }

// Config controls breaker behavior.
//
// Zero fields get defaults: FailureThreshold 3, SuccessThreshold 1,
// ResetTimeout 1m.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	ResetTimeout     time.Duration

	// Transition hooks, fired exactly once per transition (not per call).
	// They run outside the breaker lock and must not block for long.
	OnOpen  func(name string, failures int)
	OnClose func(name string)
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = time.Minute
	}
	return c
}

// Breaker is a single named circuit breaker. Safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config

	mu        sync.Mutex
	state     State
	failures  int // consecutive
	successes int // consecutive, meaningful only in HalfOpen
	openedAt  time.Time

	// Cumulative counters for observability.
	totalCalls     uint64
	totalFailures  uint64
	totalSuccesses uint64

	now func() time.Time
}

func New(name string, cfg Config) *Breaker {
	return &Breaker{
		name:  name,
		cfg:   cfg.withDefaults(),
		state: StateClosed,
		now:   time.Now,
	}
}

func (b *Breaker) Name() string { return b.name }

// Allow reports whether a call may proceed right now. When the breaker is
// Open and its cool-down has elapsed, Allow transitions to HalfOpen and
// admits the call.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return nil
	}
	elapsed := b.now().Sub(b.openedAt)
	if elapsed < b.cfg.ResetTimeout {
		return &OpenError{Name: b.name, RetryAfter: b.cfg.ResetTimeout - elapsed}
	}
	b.state = StateHalfOpen
	b.successes = 0
	return nil
}

// Execute runs fn under breaker protection: rejected immediately when Open,
// otherwise the outcome is recorded.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	if err != nil {
		b.RecordFailure()
	} else {
		b.RecordSuccess()
	}
	return err
}

// RecordSuccess notes a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	b.totalCalls++
	b.totalSuccesses++

	var closed bool
	switch b.state {
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failures = 0
			b.successes = 0
			closed = true
		}
	case StateClosed:
		// A single success forgives prior failures for threshold purposes.
		b.failures = 0
	}
	onClose := b.cfg.OnClose
	b.mu.Unlock()

	if closed && onClose != nil {
		onClose(b.name)
	}
}

// RecordFailure notes a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	b.totalCalls++
	b.totalFailures++
	b.failures++
	b.successes = 0

	var opened bool
	switch b.state {
	case StateHalfOpen:
		// One failure during trial is enough.
		b.state = StateOpen
		b.failures = 1
		b.openedAt = b.now()
		opened = true
	case StateClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.openedAt = b.now()
			opened = true
		}
	}
	failures := b.failures
	onOpen := b.cfg.OnOpen
	b.mu.Unlock()

	if opened && onOpen != nil {
		onOpen(b.name, failures)
	}
}

// IsOpen reports whether calls would be rejected right now, i.e. the state
// is Open and the reset window has not yet elapsed. It does not mutate state.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateOpen && b.now().Sub(b.openedAt) < b.cfg.ResetTimeout
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset forces the breaker back to Closed, clearing all consecutive counters.
// Intended for explicit admin action only.
func (b *Breaker) Reset() {
	b.mu.Lock()
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.openedAt = time.Time{}
	b.mu.Unlock()
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	Name           string
	State          State
	Failures       int
	OpenedAt       time.Time
	TotalCalls     uint64
	TotalFailures  uint64
	TotalSuccesses uint64
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Name:           b.name,
		State:          b.state,
		Failures:       b.failures,
		OpenedAt:       b.openedAt,
		TotalCalls:     b.totalCalls,
		TotalFailures:  b.totalFailures,
		TotalSuccesses: b.totalSuccesses,
	}
}
