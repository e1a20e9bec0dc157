//go:build linux

package proc

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ApplyLimits sets CPU and address-space ceilings on a running process.
func ApplyLimits(pid int, l Limits) error {
	if l.CPUSeconds > 0 {
		lim := &unix.Rlimit{Cur: l.CPUSeconds, Max: l.CPUSeconds}
		if err := unix.Prlimit(pid, unix.RLIMIT_CPU, lim, nil); err != nil {
			return fmt.Errorf("set cpu limit on pid %d: %w", pid, err)
		}
	}
	if l.MemoryBytes > 0 {
		lim := &unix.Rlimit{Cur: l.MemoryBytes, Max: l.MemoryBytes}
		if err := unix.Prlimit(pid, unix.RLIMIT_AS, lim, nil); err != nil {
			return fmt.Errorf("set memory limit on pid %d: %w", pid, err)
		}
	}
	return nil
}
