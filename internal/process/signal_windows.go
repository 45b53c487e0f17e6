//go:build windows

package process

import (
	"syscall"
)

var (
	kernel32             = syscall.NewLazyDLL("kernel32.dll")
	procOpenProcess      = kernel32.NewProc("OpenProcess")
	procTerminateProcess = kernel32.NewProc("TerminateProcess")
	procCloseHandle      = kernel32.NewProc("CloseHandle")
)

const (
	PROCESS_TERMINATE         = 0x0001
	PROCESS_QUERY_INFORMATION = 0x0400
)

// OSSignaler terminates processes by PID. Windows has no graceful signal for
// detached console-less processes, so both calls terminate.
type OSSignaler struct{}

func (OSSignaler) Terminate(pid int) error { return terminateProcess(pid) }

func (OSSignaler) Kill(pid int) error { return terminateProcess(pid) }

// terminateProcess ends a Windows process by PID. A process that cannot be
// opened is treated as already gone.
func terminateProcess(pid int) error {
	if pid <= 0 {
		return nil
	}

	handle, err := openProcess(PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		return nil
	}
	defer closeHandle(handle)

	ret, _, err := procTerminateProcess.Call(uintptr(handle), uintptr(1))
	if ret == 0 {
		return err
	}
	return nil
}

// openProcess opens a process handle
func openProcess(access uint32, inheritHandle bool, processID uint32) (syscall.Handle, error) {
	inherit := 0
	if inheritHandle {
		inherit = 1
	}

	ret, _, err := procOpenProcess.Call(
		uintptr(access),
		uintptr(inherit),
		uintptr(processID),
	)

	if ret == 0 {
		return 0, err
	}

	return syscall.Handle(ret), nil
}

// closeHandle closes a Windows handle
func closeHandle(handle syscall.Handle) error {
	ret, _, err := procCloseHandle.Call(uintptr(handle))
	if ret == 0 {
		return err
	}
	return nil
}

// processExists reports whether a process with pid can be opened for query.
func processExists(pid int) bool {
	handle, err := openProcess(PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	_ = closeHandle(handle)
	return true
}
