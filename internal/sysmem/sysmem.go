// Package sysmem reports available system memory for the execution
// admission gate.
//
// The probe is best-effort: when the platform has no usable signal (or the
// read fails), it reports unknown and callers are expected to fail open
// rather than block execution.
package sysmem

// AvailableMB returns the system's available memory in MiB.
// ok is false when the value could not be determined.
func AvailableMB() (mb int, ok bool) {
	return availableMB()
}
