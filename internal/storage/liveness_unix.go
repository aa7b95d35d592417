//go:build !windows

package storage

import (
	"errors"
	"syscall"
)

// ProcessAlive reports whether pid names a running process. Only a definite
// "no such process" counts as dead; permission errors and anything else
// ambiguous count as alive so that a live run is never failed by mistake.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return !errors.Is(err, syscall.ESRCH)
}
