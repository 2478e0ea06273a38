package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"aide/internal/task/breaker"
	"aide/internal/task/runner"
	logx "aide/pkg/logx"
)

// fakeWorker replays a scripted sequence of outcomes and records the prompts
// it was asked to run.
type fakeWorker struct {
	outcomes []fakeOutcome
	prompts  []string
	calls    int
}

type fakeOutcome struct {
	res runner.Result
	err error
}

func (f *fakeWorker) Run(_ context.Context, req runner.Request) (runner.Result, error) {
	f.prompts = append(f.prompts, req.Prompt)
	i := f.calls
	f.calls++
	if i >= len(f.outcomes) {
		return runner.Result{}, errors.New("unexpected extra call")
	}
	return f.outcomes[i].res, f.outcomes[i].err
}

func newTestService(t *testing.T, cfg Config, w Worker) (*Service, *breaker.Registry, *[]time.Duration) {
	t.Helper()
	reg := breaker.NewRegistry(breaker.Config{FailureThreshold: 3, SuccessThreshold: 1, ResetTimeout: time.Minute})
	s := New(cfg, w, reg, logx.Nop(), nil)
	var delays []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}
	s.availMB = func() (int, bool) { return 8192, true }
	return s, reg, &delays
}

func TestExecuteSucceedsFirstAttempt(t *testing.T) {
	t.Parallel()
	w := &fakeWorker{outcomes: []fakeOutcome{
		{res: runner.Result{OK: true, Text: "done", SessionID: "s1"}},
	}}
	s, reg, delays := newTestService(t, Config{MaxAttempts: 3}, w)

	res := s.Execute(context.Background(), TaskRequest{ID: "t1", Prompt: "do it"})
	if !res.OK || res.Text != "done" || res.SessionID != "s1" || res.Attempts != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(*delays) != 0 {
		t.Fatalf("no backoff expected, got %v", *delays)
	}
	snap := reg.Get("worker").Snapshot()
	if snap.State != breaker.StateClosed || snap.TotalSuccesses != 1 {
		t.Fatalf("breaker not told about success: %+v", snap)
	}
}

func TestExecuteRetriesWithRepairPrompt(t *testing.T) {
	t.Parallel()
	w := &fakeWorker{outcomes: []fakeOutcome{
		{err: &runner.ExitError{Code: 1, Stderr: "tool exploded"}},
		{res: runner.Result{OK: true, Text: "recovered"}},
	}}
	s, reg, _ := newTestService(t, Config{MaxAttempts: 3, RetryBase: 10 * time.Millisecond}, w)

	res := s.Execute(context.Background(), TaskRequest{ID: "t1", Prompt: "original instruction"})
	if !res.OK || res.Attempts != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(w.prompts) != 2 {
		t.Fatalf("want 2 invocations, got %d", len(w.prompts))
	}
	if w.prompts[0] != "original instruction" {
		t.Fatalf("first prompt rewritten: %q", w.prompts[0])
	}
	second := w.prompts[1]
	if !strings.Contains(second, "original instruction") || !strings.Contains(second, "tool exploded") {
		t.Fatalf("retry prompt missing context: %q", second)
	}
	// One success report for the whole sequence, no failure report.
	snap := reg.Get("worker").Snapshot()
	if snap.TotalSuccesses != 1 || snap.TotalFailures != 0 {
		t.Fatalf("breaker counters: %+v", snap)
	}
}

func TestExecuteBackoffIsDeterministic(t *testing.T) {
	t.Parallel()
	fail := fakeOutcome{err: &runner.ExitError{Code: 1}}
	w := &fakeWorker{outcomes: []fakeOutcome{fail, fail, fail, fail}}
	cfg := Config{MaxAttempts: 4, RetryBase: 100 * time.Millisecond, RetryMaxDelay: 250 * time.Millisecond}
	s, _, delays := newTestService(t, cfg, w)

	res := s.Execute(context.Background(), TaskRequest{ID: "t1", Prompt: "p"})
	if res.OK || res.Attempts != 4 {
		t.Fatalf("unexpected result: %+v", res)
	}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 250 * time.Millisecond}
	if len(*delays) != len(want) {
		t.Fatalf("delays = %v, want %v", *delays, want)
	}
	for i, d := range want {
		if (*delays)[i] != d {
			t.Fatalf("delay[%d] = %v, want %v", i, (*delays)[i], d)
		}
	}
}

func TestExecuteFatalExitCodesDoNotRetry(t *testing.T) {
	t.Parallel()
	for _, code := range []int{137, 139, 143} {
		w := &fakeWorker{outcomes: []fakeOutcome{
			{err: &runner.ExitError{Code: code}},
		}}
		s, reg, delays := newTestService(t, Config{MaxAttempts: 5}, w)

		res := s.Execute(context.Background(), TaskRequest{ID: "t1", Prompt: "p"})
		if res.OK {
			t.Fatalf("exit %d reported success", code)
		}
		if res.Attempts != 1 || w.calls != 1 {
			t.Fatalf("exit %d was retried: attempts=%d calls=%d", code, res.Attempts, w.calls)
		}
		if len(*delays) != 0 {
			t.Fatalf("exit %d backed off: %v", code, *delays)
		}
		if snap := reg.Get("worker").Snapshot(); snap.TotalFailures != 1 {
			t.Fatalf("exit %d breaker counters: %+v", code, snap)
		}
	}
}

func TestExecuteRejectsWhenBreakerOpen(t *testing.T) {
	t.Parallel()
	w := &fakeWorker{}
	s, reg, _ := newTestService(t, Config{MaxAttempts: 3}, w)

	b := reg.Get("worker")
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	res := s.Execute(context.Background(), TaskRequest{ID: "t1", Prompt: "p"})
	if res.OK || res.Attempts != 0 || w.calls != 0 {
		t.Fatalf("open breaker did not short-circuit: %+v calls=%d", res, w.calls)
	}
	if res.Error == "" {
		t.Fatal("rejection should carry an error")
	}
}

func TestExecuteAbortsSequenceOnLowMemory(t *testing.T) {
	t.Parallel()
	fail := fakeOutcome{err: &runner.ExitError{Code: 1}}
	w := &fakeWorker{outcomes: []fakeOutcome{fail, fail, fail}}
	s, reg, _ := newTestService(t, Config{MaxAttempts: 3, MinFreeMemMB: 512, RetryBase: time.Millisecond}, w)

	// Plenty of memory for the first attempt, then pressure.
	calls := 0
	s.availMB = func() (int, bool) {
		calls++
		if calls == 1 {
			return 4096, true
		}
		return 100, true
	}
	res := s.Execute(context.Background(), TaskRequest{ID: "t1", Prompt: "p"})
	if res.OK {
		t.Fatalf("unexpected success: %+v", res)
	}
	if w.calls != 1 {
		t.Fatalf("sequence not aborted, worker called %d times", w.calls)
	}
	if res.Error != ErrLowMemory.Error() {
		t.Fatalf("error = %q, want low-memory", res.Error)
	}
	// Admission aborts are a host problem, not a worker fault.
	if snap := reg.Get("worker").Snapshot(); snap.TotalFailures != 0 {
		t.Fatalf("breaker blamed for memory pressure: %+v", snap)
	}
}

func TestExecuteMemoryProbeFailsOpen(t *testing.T) {
	t.Parallel()
	w := &fakeWorker{outcomes: []fakeOutcome{
		{res: runner.Result{OK: true, Text: "ok"}},
	}}
	s, _, _ := newTestService(t, Config{MaxAttempts: 1, MinFreeMemMB: 512}, w)
	s.availMB = func() (int, bool) { return 0, false }

	if res := s.Execute(context.Background(), TaskRequest{ID: "t1", Prompt: "p"}); !res.OK {
		t.Fatalf("unknown memory reading blocked the task: %+v", res)
	}
}

func TestExecuteOneBreakerReportPerSequence(t *testing.T) {
	t.Parallel()
	fail := fakeOutcome{err: &runner.ExitError{Code: 1}}
	w := &fakeWorker{outcomes: []fakeOutcome{fail, fail}}
	s, reg, _ := newTestService(t, Config{MaxAttempts: 2, RetryBase: time.Millisecond}, w)

	res := s.Execute(context.Background(), TaskRequest{ID: "t1", Prompt: "p"})
	if res.OK || res.Attempts != 2 {
		t.Fatalf("unexpected result: %+v", res)
	}
	snap := reg.Get("worker").Snapshot()
	if snap.TotalFailures != 1 {
		t.Fatalf("want exactly one failure report, got %d", snap.TotalFailures)
	}
	if snap.State != breaker.StateClosed {
		t.Fatalf("one sequence should not trip a threshold-3 breaker: %v", snap.State)
	}
}

func TestHistoryRingIsBounded(t *testing.T) {
	t.Parallel()
	s, _, _ := newTestService(t, Config{MaxAttempts: 1, HistorySize: 3}, nil)
	s.worker = &fakeWorker{outcomes: []fakeOutcome{
		{res: runner.Result{OK: true}}, {res: runner.Result{OK: true}},
		{res: runner.Result{OK: true}}, {res: runner.Result{OK: true}},
		{res: runner.Result{OK: true}},
	}}
	for i := 0; i < 5; i++ {
		s.Execute(context.Background(), TaskRequest{ID: "t", Prompt: "p"})
	}
	h := s.History()
	if len(h) != 3 {
		t.Fatalf("history len = %d, want 3", len(h))
	}
}
