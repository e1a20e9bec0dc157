// Package proc centralizes how child processes are placed in their own
// process group, limited and torn down.
package proc

import (
	"time"
)

// Limits are OS resource ceilings applied to a started child. Zero means unlimited.
type Limits struct {
	CPUSeconds  uint64
	MemoryBytes uint64
}

// Terminate asks the process group led by pid to exit, waits up to grace for
// done to close, then kills whatever remains of the group. It reports whether
// the leader had to be force-killed.
func Terminate(pid int, done <-chan struct{}, grace time.Duration) bool {
	_ = signalGroup(pid, sigTerm)

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		// Leader exited; sweep descendants that ignored the signal.
		_ = signalGroup(pid, sigKill)
		return false
	case <-timer.C:
		_ = signalGroup(pid, sigKill)
		<-done
		return true
	}
}

// Kill force-kills the process group led by pid.
func Kill(pid int) error {
	return signalGroup(pid, sigKill)
}
