package runner

import (
	"errors"
	"fmt"
	"time"
)

// ErrInactivityTimeout marks a worker killed for producing no output within
// the inactivity window. Matched with errors.Is.
var ErrInactivityTimeout = errors.New("worker inactive")

// InactivityError carries the window that elapsed without output.
type InactivityError struct {
	Window time.Duration
}

func (e *InactivityError) Error() string {
	return fmt.Sprintf("worker produced no output for %s; process group killed", e.Window)
}

func (e *InactivityError) Is(target error) bool { return target == ErrInactivityTimeout }

// ExitError reports a non-zero worker exit. Code follows POSIX conventions:
// 128+signal for signal deaths (137 = SIGKILL, 139 = SIGSEGV, 143 = SIGTERM).
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("worker exited with code %d: %s", e.Code, e.Stderr)
	}
	return fmt.Sprintf("worker exited with code %d", e.Code)
}
