package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "aide/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.jobs.snapshot.json   (full jobs map, rewritten on change)
//   - <prefix>.runs.jsonl           (append-only JSON Lines)
//   - <prefix>.dedup.snapshot.json  (periodic snapshot)
//   - <prefix>.dedup.journal.jsonl  (append-only journal)
//
// The dedup journal is periodically compacted into its snapshot. Jobs are
// few and change rarely, so the whole map is rewritten atomically instead
// of journaled.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	jobsSnapshotPath string
	jobs             map[string]jobRecord

	runsFile *os.File

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli

	dedupWrites int
}

type jobRecord struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Schedule    string `json:"schedule"`
	Prompt      string `json:"prompt"`
	Enabled     bool   `json:"enabled"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
	Source      string `json:"source,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	LastRunAt   int64  `json:"last_run_at,omitempty"`
	NextRunAt   int64  `json:"next_run_at,omitempty"`
}

type runRecord struct {
	JobID    string `json:"job_id"`
	Started  int64  `json:"started"`
	DurMS    int64  `json:"dur_ms"`
	Attempts int    `json:"attempts"`
	OK       bool   `json:"ok"`
	Error    string `json:"err,omitempty"`
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	jobsPath := prefix + ".jobs.snapshot.json"
	runsPath := prefix + ".runs.jsonl"
	snapPath := prefix + ".dedup.snapshot.json"
	journalPath := prefix + ".dedup.journal.jsonl"

	jobs := map[string]jobRecord{}
	_ = loadJobsSnapshot(jobsPath, jobs)

	rf, err := os.OpenFile(runsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	dedup := map[string]int64{}
	_ = loadDedupSnapshot(snapPath, dedup)
	_ = replayDedupJournal(journalPath, dedup)
	pruneExpiredDedup(dedup)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = rf.Close()
		return nil, err
	}

	return &fileStore{
		log:               log,
		jobsSnapshotPath:  jobsPath,
		jobs:              jobs,
		runsFile:          rf,
		dedupSnapshotPath: snapPath,
		dedupJournalFile:  jf,
		dedup:             dedup,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.runsFile != nil {
		err1 = s.runsFile.Close()
		s.runsFile = nil
	}
	if s.dedupJournalFile != nil {
		err2 = s.dedupJournalFile.Close()
		s.dedupJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) ListJobs(ctx context.Context) ([]Job, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, r := range s.jobs {
		out = append(out, jobFromRecord(r))
	}
	return out, nil
}

func (s *fileStore) UpsertJob(ctx context.Context, j Job) error {
	_ = ctx
	if strings.TrimSpace(j.ID) == "" {
		return errors.New("job id is required")
	}
	if j.CreatedAt.IsZero() {
		j.CreatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[j.ID] = recordFromJob(j)
	return s.writeJobsLocked()
}

func (s *fileStore) UpdateJobRun(ctx context.Context, id string, lastRunAt, nextRunAt time.Time, enabled bool) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	r.LastRunAt = milliOrZero(lastRunAt)
	r.NextRunAt = milliOrZero(nextRunAt)
	r.Enabled = enabled
	s.jobs[id] = r
	return s.writeJobsLocked()
}

func (s *fileStore) DeleteJob(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return s.writeJobsLocked()
}

func (s *fileStore) RecordRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	if r.Started.IsZero() {
		r.Started = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return errors.New("runs file closed")
	}
	return json.NewEncoder(s.runsFile).Encode(runRecord{
		JobID:    r.JobID,
		Started:  r.Started.UnixMilli(),
		DurMS:    r.Duration.Milliseconds(),
		Attempts: r.Attempts,
		OK:       r.OK,
		Error:    r.Error,
	})
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return errors.New("dedup journal closed")
	}
	if s.dedup == nil {
		s.dedup = map[string]int64{}
	}
	s.dedup[key] = ms

	enc := json.NewEncoder(s.dedupJournalFile)
	if err := enc.Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%1000 == 0 {
		if err := s.compactDedupLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) writeJobsLocked() error {
	tmp := s.jobsSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.jobs); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.jobsSnapshotPath)
}

func (s *fileStore) compactDedupLocked() error {
	if s.dedup == nil {
		return nil
	}
	pruneExpiredDedup(s.dedup)

	tmp := s.dedupSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.dedup); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.dedupSnapshotPath); err != nil {
		return err
	}
	if err := s.dedupJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.dedupJournalFile.Seek(0, 2)
	return err
}

func loadJobsSnapshot(path string, out map[string]jobRecord) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]jobRecord
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func loadDedupSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]int64) {
	now := time.Now().UnixMilli()
	for k, v := range m {
		if v < now {
			delete(m, k)
		}
	}
}

func recordFromJob(j Job) jobRecord {
	return jobRecord{
		ID:          j.ID,
		Kind:        j.Kind,
		Schedule:    j.Schedule,
		Prompt:      j.Prompt,
		Enabled:     j.Enabled,
		MaxAttempts: j.MaxAttempts,
		Source:      j.Source,
		CreatedAt:   milliOrZero(j.CreatedAt),
		LastRunAt:   milliOrZero(j.LastRunAt),
		NextRunAt:   milliOrZero(j.NextRunAt),
	}
}

func jobFromRecord(r jobRecord) Job {
	return Job{
		ID:          r.ID,
		Kind:        r.Kind,
		Schedule:    r.Schedule,
		Prompt:      r.Prompt,
		Enabled:     r.Enabled,
		MaxAttempts: r.MaxAttempts,
		Source:      r.Source,
		CreatedAt:   timeOrZero(r.CreatedAt),
		LastRunAt:   timeOrZero(r.LastRunAt),
		NextRunAt:   timeOrZero(r.NextRunAt),
	}
}

func milliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeOrZero(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
