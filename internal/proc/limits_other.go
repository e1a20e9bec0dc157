//go:build !linux

package proc

// ApplyLimits is a no-op where prlimit is unavailable.
func ApplyLimits(pid int, l Limits) error {
	return nil
}
