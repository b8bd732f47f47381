//go:build unix

package task

import (
	"errors"
	"syscall"
)

// pidAlive probes a pid with signal 0. EPERM means the process exists but
// belongs to another user, so it counts as alive.
func pidAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}
