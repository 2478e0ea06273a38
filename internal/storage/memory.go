package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// memoryStore keeps everything in process memory. Used when storage is
// disabled: config-sourced jobs still run and heartbeat dedup still works,
// but nothing survives a restart.
type memoryStore struct {
	mu    sync.Mutex
	jobs  map[string]Job
	runs  []RunRecord
	dedup map[string]time.Time
}

// NewMemory returns a Store backed by process memory only.
func NewMemory() Store {
	return &memoryStore{jobs: map[string]Job{}, dedup: map[string]time.Time{}}
}

func (m *memoryStore) ListJobs(context.Context) ([]Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		out = append(out, j)
	}
	return out, nil
}

func (m *memoryStore) UpsertJob(_ context.Context, j Job) error {
	if strings.TrimSpace(j.ID) == "" {
		return errors.New("job id is required")
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[j.ID] = j
	return nil
}

func (m *memoryStore) UpdateJobRun(_ context.Context, id string, last, next time.Time, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return ErrNotFound
	}
	j.LastRunAt, j.NextRunAt, j.Enabled = last, next, enabled
	m.jobs[id] = j
	return nil
}

func (m *memoryStore) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

func (m *memoryStore) RecordRun(_ context.Context, r RunRecord) error {
	if r.Started.IsZero() {
		r.Started = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, r)
	// Bound the slice; memory storage is for constrained setups.
	if len(m.runs) > 1000 {
		m.runs = m.runs[len(m.runs)-1000:]
	}
	return nil
}

func (m *memoryStore) PutDedup(_ context.Context, key string, until time.Time) error {
	if key == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dedup[key] = until
	now := time.Now()
	for k, v := range m.dedup {
		if v.Before(now) {
			delete(m.dedup, k)
		}
	}
	return nil
}

func (m *memoryStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.dedup[key]
	return u, ok, nil
}

func (m *memoryStore) Close() error { return nil }
