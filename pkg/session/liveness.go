package session

import "syscall"

// ProcessLiveness checks pid liveness via signal 0, the standard
// POSIX probe: kill(pid, 0) fails with ESRCH if the process is gone,
// without actually delivering a signal. Adapted from warren's
// pkg/health Checker seam, repurposed from HTTP/TCP endpoint checks to
// "is this pid still alive".
type ProcessLiveness struct{}

// Alive reports whether pid refers to a live process.
func (ProcessLiveness) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, syscall.Signal(0))
	return err == nil || err == syscall.EPERM
}
