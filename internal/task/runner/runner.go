// Package runner spawns the external LLM worker process and turns its
// line-delimited JSON output into a single result.
//
// The runner owns exactly one reliability concern of its own: a resumed call
// that fails on exit is retried once with a fresh session, because a stale
// continuation token is otherwise indistinguishable from a real failure.
// All other retry policy lives in the task engine.
package runner

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	logx "aide/pkg/logx"
)

// ErrNoOutput marks a run that exited cleanly but produced no usable text.
var ErrNoOutput = errors.New("worker produced no usable output")

// Config controls how the worker process is spawned and supervised.
type Config struct {
	Binary     string
	Model      string
	ExtraArgs  []string
	WorkingDir string
	Env        map[string]string

	// InactivityTimeout is reset on every complete stdout line; it is not a
	// wall-clock deadline.
	InactivityTimeout time.Duration

	// MaxOutputBytes bounds how much stdout is parsed. The worker itself is
	// allowed to run on to natural exit once the cap is hit.
	MaxOutputBytes int64

	// KillGrace is how long the process group gets between SIGTERM and
	// SIGKILL.
	KillGrace time.Duration

	// OrphanMarkers are command-line substrings used to recognize leftover
	// worker processes during the post-kill sweep.
	OrphanMarkers []string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.Binary) == "" {
		c.Binary = "claude"
	}
	if c.InactivityTimeout <= 0 {
		c.InactivityTimeout = 5 * time.Minute
	}
	if c.MaxOutputBytes <= 0 {
		c.MaxOutputBytes = 4 << 20
	}
	if c.KillGrace <= 0 {
		c.KillGrace = 5 * time.Second
	}
	if len(c.OrphanMarkers) == 0 {
		c.OrphanMarkers = []string{"stream-json"}
	}
	return c
}

// Request is one worker invocation.
type Request struct {
	Prompt string

	// SessionID resumes a previous worker session when set.
	SessionID string
}

// Result is what a single Run produced. Text and SessionID are filled with
// whatever was extracted even when the run failed.
type Result struct {
	OK        bool
	Text      string
	SessionID string
	ExitCode  int

	BadLines  int  // malformed protocol lines skipped
	Truncated bool // output cap reached before the stream ended
	Stderr    string
}

// Runner executes worker processes. It tracks live process groups so they
// can all be signaled on daemon shutdown.
type Runner struct {
	cfg Config
	log logx.Logger

	mu   sync.Mutex
	live map[int]*proc
	seq  int
}

func New(cfg Config, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{cfg: cfg.withDefaults(), log: log, live: map[int]*proc{}}
}

// Run executes the worker once (twice at most: a failed resume is restarted
// fresh). The returned error is nil only for a usable success.
func (r *Runner) Run(ctx context.Context, req Request) (Result, error) {
	res, err := r.runOnce(ctx, req)
	if err == nil || req.SessionID == "" {
		return res, err
	}

	// A non-zero exit on a resumed call usually means the session is gone
	// on the worker side. One fresh start before giving up.
	var ee *ExitError
	if errors.As(err, &ee) {
		r.log.Warn("resume failed; retrying with a fresh session",
			logx.String("session", req.SessionID), logx.Int("exit_code", ee.Code))
		req.SessionID = ""
		return r.runOnce(ctx, req)
	}
	return res, err
}

func (r *Runner) runOnce(ctx context.Context, req Request) (Result, error) {
	args := []string{"-p", "--output-format", "stream-json", "--verbose"}
	if r.cfg.Model != "" {
		args = append(args, "--model", r.cfg.Model)
	}
	args = append(args, r.cfg.ExtraArgs...)
	if req.SessionID != "" {
		args = append(args, "--resume", req.SessionID)
	}
	args = append(args, "--", req.Prompt)

	p, err := startProc(ctx, r.cfg.Binary, args, r.cfg.WorkingDir, r.cfg.Env)
	if err != nil {
		return Result{}, err
	}
	id := r.track(p)
	defer r.untrack(id)

	r.log.Debug("worker started", logx.Int("pid", p.pid()), logx.Bool("resumed", req.SessionID != ""))

	// Stderr is drained concurrently (bounded) so the worker can't block on
	// a full pipe; the tail is attached to exit errors. The process is not
	// reaped until both readers hit EOF, so buffered output survives a fast
	// exit.
	var readers sync.WaitGroup
	readers.Add(2)
	stderrCh := make(chan string, 1)
	go func() {
		defer readers.Done()
		stderrCh <- drainTail(p.stderr, 8<<10)
	}()

	lineCh := make(chan []byte, 64)
	go func() {
		defer readers.Done()
		readLines(p.stdout, lineCh)
	}()
	go func() {
		readers.Wait()
		p.readersFinished()
	}()

	var (
		res       Result
		sawResult bool
		lastText  string
		consumed  int64
	)

	watchdog := time.NewTimer(r.cfg.InactivityTimeout)
	defer watchdog.Stop()

	lines := lineCh
scan:
	for {
		select {
		case <-ctx.Done():
			go discardLines(lineCh)
			r.terminate(p)
			res.Stderr = <-stderrCh
			return res, ctx.Err()

		case <-watchdog.C:
			r.log.Warn("worker silent; killing process group",
				logx.Int("pid", p.pid()), logx.Duration("window", r.cfg.InactivityTimeout))
			go discardLines(lineCh)
			r.terminate(p)
			res.Stderr = <-stderrCh
			return res, &InactivityError{Window: r.cfg.InactivityTimeout}

		case line, ok := <-lines:
			if !ok {
				// stdout closed; wait for the exit status below.
				break scan
			}
			// A complete line counts as activity even past the output cap.
			if !watchdog.Stop() {
				<-watchdog.C
			}
			watchdog.Reset(r.cfg.InactivityTimeout)

			if res.Truncated {
				continue
			}
			consumed += int64(len(line)) + 1
			if consumed > r.cfg.MaxOutputBytes {
				res.Truncated = true
				r.log.Warn("worker output cap reached; parsing stopped",
					logx.Int64("cap_bytes", r.cfg.MaxOutputBytes))
				continue
			}

			ev, perr := parseStreamEvent(line)
			if perr != nil {
				res.BadLines++
				continue
			}
			if res.SessionID == "" && ev.SessionID != "" {
				res.SessionID = ev.SessionID
			}
			if ev.Kind == EventResult {
				sawResult = true
				res.Text = ev.Text
			} else if ev.Text != "" {
				lastText = ev.Text
			}
		}
	}

	select {
	case <-p.done:
	case <-watchdog.C:
		// Stdout closed but the process lingers; treat as stuck.
		r.terminate(p)
		res.Stderr = <-stderrCh
		return res, &InactivityError{Window: r.cfg.InactivityTimeout}
	}

	res.Stderr = <-stderrCh
	res.ExitCode = p.exitCode()

	if res.ExitCode != 0 {
		if !sawResult && res.Text == "" {
			res.Text = lastText
		}
		return res, &ExitError{Code: res.ExitCode, Stderr: strings.TrimSpace(res.Stderr)}
	}

	if !sawResult {
		// No terminal result event: fall back to the last intermediate text,
		// and never fabricate an empty success.
		if lastText != "" {
			res.OK = true
			res.Text = lastText
			return res, nil
		}
		res.Text = noOutputDiagnostic(res)
		return res, ErrNoOutput
	}

	res.OK = true
	return res, nil
}

// terminate kills the process group, waits for it, and sweeps the process
// table for orphaned descendants that survived the group kill.
func (r *Runner) terminate(p *proc) {
	pgid := p.groupID()
	p.kill(r.cfg.KillGrace)
	_ = p.wait()

	if n := sweepOrphans(r.cfg.Binary, r.cfg.OrphanMarkers, pgid); n > 0 {
		r.log.Warn("killed orphaned worker processes", logx.Int("count", n))
	}
}

// Shutdown signals every live worker process group. Called on daemon stop so
// workers don't leak across restarts.
func (r *Runner) Shutdown() {
	r.mu.Lock()
	procs := make([]*proc, 0, len(r.live))
	for _, p := range r.live {
		procs = append(procs, p)
	}
	r.mu.Unlock()

	for _, p := range procs {
		p.kill(r.cfg.KillGrace)
	}
}

func (r *Runner) track(p *proc) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.live[r.seq] = p
	return r.seq
}

func (r *Runner) untrack(id int) {
	r.mu.Lock()
	delete(r.live, id)
	r.mu.Unlock()
}

// readLines forwards complete stdout lines and closes the channel at EOF.
// The scanner buffers any partial trailing line across reads.
func readLines(rd io.Reader, out chan<- []byte) {
	defer close(out)
	sc := bufio.NewScanner(rd)
	sc.Buffer(make([]byte, 0, 64<<10), 2<<20)
	for sc.Scan() {
		line := make([]byte, len(sc.Bytes()))
		copy(line, sc.Bytes())
		out <- line
	}
}

// discardLines consumes the remainder of a line channel so the stdout reader
// can reach EOF after the scan loop has stopped receiving.
func discardLines(ch <-chan []byte) {
	for range ch {
	}
}

// drainTail consumes rd fully, keeping only the last max bytes.
func drainTail(rd io.Reader, max int) string {
	buf := make([]byte, 0, max)
	tmp := make([]byte, 4096)
	for {
		n, err := rd.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if len(buf) > max {
				buf = buf[len(buf)-max:]
			}
		}
		if err != nil {
			return string(buf)
		}
	}
}

func noOutputDiagnostic(res Result) string {
	var sb strings.Builder
	sb.WriteString("worker finished without emitting a result event")
	if res.BadLines > 0 {
		sb.WriteString("; skipped ")
		sb.WriteString(strconv.Itoa(res.BadLines))
		sb.WriteString(" malformed protocol lines")
	}
	if res.Truncated {
		sb.WriteString("; output cap reached")
	}
	return sb.String()
}
