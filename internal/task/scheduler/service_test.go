package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"aide/internal/storage"
	"aide/internal/task/engine"
	logx "aide/pkg/logx"
)

// memStore is an in-memory storage.Store for scheduler tests.
type memStore struct {
	mu    sync.Mutex
	jobs  map[string]storage.Job
	runs  []storage.RunRecord
	dedup map[string]time.Time

	listErr error
}

func newMemStore() *memStore {
	return &memStore{jobs: map[string]storage.Job{}, dedup: map[string]time.Time{}}
}

func (m *memStore) ListJobs(context.Context) ([]storage.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	out := make([]storage.Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (m *memStore) UpsertJob(_ context.Context, j storage.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j
	return nil
}

func (m *memStore) UpdateJobRun(_ context.Context, id string, last, next time.Time, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	j.LastRunAt, j.NextRunAt, j.Enabled = last, next, enabled
	m.jobs[id] = j
	return nil
}

func (m *memStore) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *memStore) RecordRun(_ context.Context, r storage.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, r)
	return nil
}

func (m *memStore) PutDedup(_ context.Context, key string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dedup[key] = until
	return nil
}

func (m *memStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.dedup[key]
	return u, ok, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) job(t *testing.T, id string) storage.Job {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		t.Fatalf("job %q not in store", id)
	}
	return j
}

// fakeExec records executed task IDs and can block to simulate a slow worker.
type fakeExec struct {
	mu      sync.Mutex
	ids     []string
	results map[string]engine.TaskResult

	started chan struct{} // closed on first Execute, if set
	release chan struct{} // Execute blocks until closed, if set
}

func (f *fakeExec) Execute(_ context.Context, req engine.TaskRequest) engine.TaskResult {
	f.mu.Lock()
	f.ids = append(f.ids, req.ID)
	started := f.started
	f.started = nil
	f.mu.Unlock()
	if started != nil {
		close(started)
	}
	if f.release != nil {
		<-f.release
	}
	if r, ok := f.results[req.ID]; ok {
		return r
	}
	return engine.TaskResult{OK: true, Text: "ok", Attempts: 1}
}

func (f *fakeExec) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ids...)
}

func newTestScheduler(t *testing.T, st *memStore, ex Executor) *Service {
	t.Helper()
	s, err := New(Config{Tick: time.Second, Timezone: "UTC"}, st, ex, logx.Nop(), nil)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestTickOverlapIsNoOp(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	_ = st.UpsertJob(context.Background(), storage.Job{
		ID: "slow", Kind: "interval", Schedule: "1h", Prompt: "p", Enabled: true,
		NextRunAt: time.Now().Add(-time.Minute),
	})
	ex := &fakeExec{started: make(chan struct{}), release: make(chan struct{})}
	s := newTestScheduler(t, st, ex)

	done := make(chan int, 1)
	go func() { done <- s.Tick(context.Background()) }()
	<-ex.started

	// First tick is still executing the slow job: this one must do nothing.
	if n := s.Tick(context.Background()); n != 0 {
		t.Fatalf("overlapping tick processed %d jobs, want 0", n)
	}
	if got := ex.calls(); len(got) != 1 {
		t.Fatalf("worker invoked %d times during overlap, want 1", len(got))
	}

	close(ex.release)
	if n := <-done; n != 1 {
		t.Fatalf("first tick processed %d jobs, want 1", n)
	}
}

func TestOnceJobRunsExactlyOnce(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	created := time.Now().Add(-time.Hour)
	_ = st.UpsertJob(context.Background(), storage.Job{
		ID: "reminder", Kind: "once", Schedule: "in 20m", Prompt: "p", Enabled: true,
		CreatedAt: created,
	})
	ex := &fakeExec{}
	s := newTestScheduler(t, st, ex)

	if n := s.Tick(context.Background()); n != 1 {
		t.Fatalf("first tick processed %d, want 1", n)
	}
	j := st.job(t, "reminder")
	if j.Enabled {
		t.Fatal("once job still enabled after its run")
	}
	if j.LastRunAt.IsZero() {
		t.Fatal("lastRunAt not recorded")
	}

	// Disabled for good: later ticks never fire it again.
	if n := s.Tick(context.Background()); n != 0 {
		t.Fatalf("second tick processed %d, want 0", n)
	}
	if got := ex.calls(); len(got) != 1 {
		t.Fatalf("worker invoked %d times, want 1", len(got))
	}
}

func TestOnceJobDisabledEvenOnFailure(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	_ = st.UpsertJob(context.Background(), storage.Job{
		ID: "flaky-once", Kind: "once", Schedule: "in 1m", Prompt: "p", Enabled: true,
		CreatedAt: time.Now().Add(-time.Hour),
	})
	ex := &fakeExec{results: map[string]engine.TaskResult{
		"flaky-once": {OK: false, Attempts: 3, Error: "exhausted"},
	}}
	s := newTestScheduler(t, st, ex)

	s.Tick(context.Background())
	if st.job(t, "flaky-once").Enabled {
		t.Fatal("failed once job must still be disabled")
	}
}

func TestJobFailureDoesNotStopTick(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	due := time.Now().Add(-time.Minute)
	_ = st.UpsertJob(context.Background(), storage.Job{
		ID: "a-bad", Kind: "interval", Schedule: "1h", Prompt: "p", Enabled: true, NextRunAt: due,
	})
	_ = st.UpsertJob(context.Background(), storage.Job{
		ID: "b-good", Kind: "interval", Schedule: "1h", Prompt: "p", Enabled: true, NextRunAt: due,
	})
	ex := &fakeExec{results: map[string]engine.TaskResult{
		"a-bad": {OK: false, Attempts: 2, Error: "boom"},
	}}
	s := newTestScheduler(t, st, ex)

	if n := s.Tick(context.Background()); n != 2 {
		t.Fatalf("processed %d jobs, want 2", n)
	}
	st.mu.Lock()
	runs := len(st.runs)
	st.mu.Unlock()
	if runs != 2 {
		t.Fatalf("recorded %d runs, want 2", runs)
	}
}

func TestIntervalBookkeepingAfterRun(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	_ = st.UpsertJob(context.Background(), storage.Job{
		ID: "poll", Kind: "interval", Schedule: "every 2h", Prompt: "p", Enabled: true,
		NextRunAt: fixed.Add(-time.Minute),
	})
	s := newTestScheduler(t, st, &fakeExec{})
	s.now = func() time.Time { return fixed }

	s.Tick(context.Background())
	j := st.job(t, "poll")
	if !j.LastRunAt.Equal(fixed) {
		t.Fatalf("lastRunAt = %v, want %v", j.LastRunAt, fixed)
	}
	if want := fixed.Add(2 * time.Hour); !j.NextRunAt.Equal(want) {
		t.Fatalf("nextRunAt = %v, want %v", j.NextRunAt, want)
	}
	if !j.Enabled {
		t.Fatal("interval job must stay enabled")
	}
}

func TestInvalidScheduleNeverExecutes(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	_ = st.UpsertJob(context.Background(), storage.Job{
		ID: "broken", Kind: "cron", Schedule: "not valid %%", Prompt: "p", Enabled: true,
	})
	ex := &fakeExec{}
	s := newTestScheduler(t, st, ex)

	for i := 0; i < 3; i++ {
		if n := s.Tick(context.Background()); n != 0 {
			t.Fatalf("tick %d processed %d, want 0", i, n)
		}
	}
	if got := ex.calls(); len(got) != 0 {
		t.Fatalf("invalid job reached the worker: %v", got)
	}
}

func TestDisabledJobSkipped(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	_ = st.UpsertJob(context.Background(), storage.Job{
		ID: "off", Kind: "interval", Schedule: "1h", Prompt: "p", Enabled: false,
		NextRunAt: time.Now().Add(-time.Minute),
	})
	ex := &fakeExec{}
	s := newTestScheduler(t, st, ex)
	if n := s.Tick(context.Background()); n != 0 {
		t.Fatalf("processed %d, want 0", n)
	}
}

func TestTickSurvivesStoreError(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	st.listErr = errors.New("db locked")
	s := newTestScheduler(t, st, &fakeExec{})
	if n := s.Tick(context.Background()); n != 0 {
		t.Fatalf("processed %d, want 0", n)
	}
}
