//go:build windows

package detector

import (
	"syscall"
	"time"
	"unsafe"
)

// StartTime returns the process creation time via GetProcessTimes, or the
// zero time when unknown.
func StartTime(pid int) time.Time {
	if pid <= 0 {
		return time.Time{}
	}
	h, err := syscall.OpenProcess(syscall.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return time.Time{}
	}
	defer syscall.CloseHandle(h)

	var creation, exit, kernel, user syscall.Filetime
	proc := syscall.NewLazyDLL("kernel32.dll").NewProc("GetProcessTimes")
	ret, _, _ := proc.Call(uintptr(h), uintptr(unsafe.Pointer(&creation)), uintptr(unsafe.Pointer(&exit)), uintptr(unsafe.Pointer(&kernel)), uintptr(unsafe.Pointer(&user)))
	if ret == 0 {
		return time.Time{}
	}
	const ticksPerSecond = 10000000
	ft := (uint64(creation.HighDateTime) << 32) | uint64(creation.LowDateTime)
	secs := int64(ft / ticksPerSecond)
	const epochDiff = 11644473600
	return time.Unix(secs-epochDiff, 0)
}
