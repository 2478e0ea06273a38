//go:build linux

package runner

import (
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// sweepOrphans scans the process table for leftover worker descendants and
// signals them. A killed worker's grandchildren reparent to init when their
// parent dies first, so the process-group kill alone can leak them.
//
// Matching is by command line: the worker binary name plus any of the marker
// substrings we know the worker passes to its own children. Best effort
// throughout; permission errors and races with exiting processes are
// ignored.
func sweepOrphans(binary string, markers []string, skipPgid int) int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return 0
	}

	self := os.Getpid()
	bin := filepath.Base(binary)
	killed := 0

	for _, ent := range entries {
		pid, err := strconv.Atoi(ent.Name())
		if err != nil || pid == self {
			continue
		}

		raw, err := os.ReadFile(filepath.Join("/proc", ent.Name(), "cmdline"))
		if err != nil || len(raw) == 0 {
			continue
		}
		cmdline := string(bytes.ReplaceAll(raw, []byte{0}, []byte{' '}))

		if !matchesWorker(cmdline, bin, markers) {
			continue
		}
		// Anything still in the (already signaled) group is handled by the
		// group kill; skip to avoid double signaling.
		if pgid, err := syscall.Getpgid(pid); err == nil && skipPgid != 0 && pgid == skipPgid {
			continue
		}

		if syscall.Kill(pid, syscall.SIGKILL) == nil {
			killed++
		}
	}
	return killed
}

func matchesWorker(cmdline, bin string, markers []string) bool {
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return false
	}
	if filepath.Base(fields[0]) != bin {
		return false
	}
	if len(markers) == 0 {
		return true
	}
	for _, m := range markers {
		if m != "" && strings.Contains(cmdline, m) {
			return true
		}
	}
	return false
}
