//go:build linux

package sysmem

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// availableMB reads MemAvailable from /proc/meminfo.
//
// MemAvailable is the kernel's own estimate of memory available for new
// workloads without swapping; it accounts for reclaimable page cache, which
// MemFree does not.
func availableMB() (int, bool) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, false
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, false
		}
		return int(kb / 1024), true
	}
	return 0, false
}
