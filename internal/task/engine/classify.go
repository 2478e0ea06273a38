package engine

import (
	"errors"
	"fmt"

	"aide/internal/task/runner"
)

// Exit codes for a process killed by SIGKILL, SIGSEGV and SIGTERM (128+signal).
// A worker that died this way was either OOM-killed, crashed, or shut down by
// the host; re-running the same prompt immediately will not help and can make
// memory pressure worse.
const (
	exitKilled   = 137
	exitSegfault = 139
	exitTerm     = 143
)

func isFatalFailure(err error) bool {
	var ee *runner.ExitError
	if !errors.As(err, &ee) {
		return false
	}
	switch ee.Code {
	case exitKilled, exitSegfault, exitTerm:
		return true
	}
	return false
}

// repairPrompt rewrites the original prompt for a retry attempt so the worker
// sees what went wrong last time instead of blindly repeating itself.
func repairPrompt(original string, lastErr error) string {
	return fmt.Sprintf(
		"The previous attempt at this task failed with: %v\n\nDiagnose what went wrong, correct course, and complete the task:\n\n%s",
		lastErr, original)
}
