package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// proc manages one worker process placed in its own process group, so that
// termination reaches grandchildren the worker may have spawned.
type proc struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr io.ReadCloser

	mu   sync.Mutex
	pgid int
	done chan struct{}
	err  error

	readersDone chan struct{}
	readersOnce sync.Once
}

func startProc(ctx context.Context, bin string, args []string, dir string, env map[string]string) (*proc, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	if dir != "" {
		cmd.Dir = dir
	}
	if len(env) > 0 {
		e := append([]string{}, os.Environ()...)
		for k, v := range env {
			e = append(e, k+"="+v)
		}
		cmd.Env = e
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start worker: %w", err)
	}

	p := &proc{
		cmd:         cmd,
		stdout:      stdout,
		stderr:      stderr,
		done:        make(chan struct{}),
		readersDone: make(chan struct{}),
	}
	if cmd.Process != nil {
		p.pgid, _ = syscall.Getpgid(cmd.Process.Pid)
	}

	go func() {
		// Wait closes the stdout/stderr pipes, discarding anything still
		// buffered in them. A fast-exiting worker can have its final result
		// line sitting there, so the reaper holds off until both readers
		// have drained to EOF.
		<-p.readersDone
		err := cmd.Wait()
		p.mu.Lock()
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()

	return p, nil
}

func (p *proc) pid() int {
	if p.cmd != nil && p.cmd.Process != nil {
		return p.cmd.Process.Pid
	}
	return 0
}

func (p *proc) groupID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pgid != 0 {
		return p.pgid
	}
	return p.pid()
}

// readersFinished marks stdout and stderr as fully drained, releasing the
// reaper goroutine to call Wait.
func (p *proc) readersFinished() {
	p.readersOnce.Do(func() { close(p.readersDone) })
}

// wait blocks until the process exits and returns its exit error, if any.
func (p *proc) wait() error {
	<-p.done
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// exitCode returns the POSIX-style exit code after the process has exited.
// Signal deaths map to 128+signal, matching shell conventions.
func (p *proc) exitCode() int {
	p.mu.Lock()
	err := p.err
	p.mu.Unlock()

	if err == nil {
		return 0
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		if ws, ok := ee.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return ee.ExitCode()
	}
	return -1
}

// kill signals the whole process group: SIGTERM first, then SIGKILL if the
// group is still alive after the grace period.
func (p *proc) kill(grace time.Duration) {
	pgid := p.groupID()
	if pgid == 0 {
		return
	}
	_ = syscall.Kill(-pgid, syscall.SIGTERM)

	select {
	case <-p.done:
	case <-time.After(grace):
		_ = syscall.Kill(-pgid, syscall.SIGKILL)
	}
}
