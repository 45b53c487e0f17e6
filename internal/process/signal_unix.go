//go:build !windows

package process

import (
	"errors"
	"syscall"
)

// OSSignaler signals processes by PID.
type OSSignaler struct{}

func (OSSignaler) Terminate(pid int) error { return killProcess(pid, syscall.SIGTERM) }

func (OSSignaler) Kill(pid int) error { return killProcess(pid, syscall.SIGKILL) }

// killProcess sends a signal to a Unix process. A process that is already
// gone is not an error.
func killProcess(pid int, signal syscall.Signal) error {
	err := syscall.Kill(pid, signal)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// processExists checks if a process exists (for test compatibility)
func processExists(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
