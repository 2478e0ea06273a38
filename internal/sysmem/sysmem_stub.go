//go:build !linux

package sysmem

// No portable availability signal on this platform; report unknown so the
// admission gate fails open.
func availableMB() (int, bool) {
	return 0, false
}
