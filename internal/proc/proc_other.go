//go:build !unix

package proc

import (
	"os"
	"syscall"
)

const (
	sigTerm = 15
	sigKill = 9
)

// SysProcAttr returns nil; process groups are not supported here.
func SysProcAttr() *syscall.SysProcAttr {
	return nil
}

func signalGroup(pid int, _ int) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return nil
	}
	return p.Kill()
}
