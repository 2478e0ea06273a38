package breaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time            { return c.t }
func (c *fakeClock) advance(d time.Duration)   { c.t = c.t.Add(d) }
func newClock() *fakeClock                     { return &fakeClock{t: time.Unix(1700000000, 0)} }
func withClock(b *Breaker, c *fakeClock) *Breaker { b.now = c.now; return b }

var errBoom = errors.New("boom")

func failing(ctx context.Context) error { return errBoom }
func succeeding(ctx context.Context) error { return nil }

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	clk := newClock()
	b := withClock(New("worker", Config{FailureThreshold: 3, ResetTimeout: time.Minute}), clk)

	for i := 0; i < 3; i++ {
		if err := b.Execute(context.Background(), failing); !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: err = %v, want errBoom", i+1, err)
		}
	}
	if !b.IsOpen() {
		t.Fatal("breaker should be open after 3 consecutive failures")
	}

	// Wrapped fn must not be invoked while open.
	called := false
	err := b.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("err = %v, want ErrOpen", err)
	}
	if called {
		t.Fatal("fn called while breaker open")
	}

	var oe *OpenError
	if !errors.As(err, &oe) {
		t.Fatalf("err = %T, want *OpenError", err)
	}
	if oe.RetryAfter <= 0 || oe.RetryAfter > time.Minute {
		t.Fatalf("RetryAfter = %v, want in (0, 1m]", oe.RetryAfter)
	}
}

func TestHalfOpenReopensOnSingleFailure(t *testing.T) {
	t.Parallel()
	clk := newClock()
	b := withClock(New("worker", Config{FailureThreshold: 3, ResetTimeout: time.Minute}), clk)

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), failing)
	}
	clk.advance(time.Minute + time.Second)

	if b.IsOpen() {
		t.Fatal("IsOpen should be false once the reset window elapsed")
	}

	// The next call is admitted (half-open trial) and its failure reopens
	// the breaker immediately.
	called := false
	_ = b.Execute(context.Background(), func(ctx context.Context) error {
		called = true
		return errBoom
	})
	if !called {
		t.Fatal("trial call was not admitted after reset timeout")
	}
	if st := b.State(); st != StateOpen {
		t.Fatalf("state = %v, want open", st)
	}
	if !b.IsOpen() {
		t.Fatal("breaker should reject calls again after half-open failure")
	}
	if snap := b.Snapshot(); snap.Failures != 1 {
		t.Fatalf("consecutive failures = %d, want 1", snap.Failures)
	}
}

func TestHalfOpenClosesOnSuccess(t *testing.T) {
	t.Parallel()
	clk := newClock()
	var closedName string
	b := withClock(New("worker", Config{
		FailureThreshold: 3,
		SuccessThreshold: 1,
		ResetTimeout:     time.Minute,
		OnClose:          func(name string) { closedName = name },
	}), clk)

	for i := 0; i < 3; i++ {
		_ = b.Execute(context.Background(), failing)
	}
	clk.advance(2 * time.Minute)

	if err := b.Execute(context.Background(), succeeding); err != nil {
		t.Fatalf("trial success: %v", err)
	}
	if st := b.State(); st != StateClosed {
		t.Fatalf("state = %v, want closed", st)
	}
	snap := b.Snapshot()
	if snap.Failures != 0 {
		t.Fatalf("failures = %d, want 0 after close", snap.Failures)
	}
	if closedName != "worker" {
		t.Fatalf("OnClose fired with %q, want worker", closedName)
	}
}

func TestSuccessInClosedForgivesFailures(t *testing.T) {
	t.Parallel()
	b := New("worker", Config{FailureThreshold: 3})

	_ = b.Execute(context.Background(), failing)
	_ = b.Execute(context.Background(), failing)
	_ = b.Execute(context.Background(), succeeding)
	_ = b.Execute(context.Background(), failing)
	_ = b.Execute(context.Background(), failing)

	if b.IsOpen() {
		t.Fatal("breaker opened although failures were never 3 in a row")
	}
}

func TestOnOpenFiresOncePerTransition(t *testing.T) {
	t.Parallel()
	opens := 0
	b := New("worker", Config{
		FailureThreshold: 2,
		ResetTimeout:     time.Hour,
		OnOpen:           func(name string, failures int) { opens++ },
	})

	for i := 0; i < 5; i++ {
		_ = b.Execute(context.Background(), failing)
	}
	if opens != 1 {
		t.Fatalf("OnOpen fired %d times, want 1", opens)
	}
}

func TestRegistryLazyAndIsolated(t *testing.T) {
	t.Parallel()
	r := NewRegistry(Config{FailureThreshold: 1})

	a := r.Get("a")
	if r.Get("a") != a {
		t.Fatal("Get should return the same breaker for the same name")
	}
	a.RecordFailure()
	if !a.IsOpen() {
		t.Fatal("breaker a should be open")
	}
	if r.Get("b").IsOpen() {
		t.Fatal("breaker b must not share state with a")
	}
	if n := len(r.Snapshots()); n != 2 {
		t.Fatalf("snapshots = %d, want 2", n)
	}
}
