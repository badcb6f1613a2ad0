//go:build windows

package procutil

import (
	"golang.org/x/sys/windows"
)

// ProcFSAvailable always reports false on Windows.
func ProcFSAvailable() bool { return false }

// PIDAlive reports whether a process with the given PID is still running.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	h, err := windows.OpenProcess(windows.PROCESS_QUERY_LIMITED_INFORMATION, false, uint32(pid))
	if err != nil {
		return false
	}
	defer windows.CloseHandle(h)

	var code uint32
	if err := windows.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == 259 // STILL_ACTIVE
}

// PIDZombie has no Windows equivalent; exited processes simply stop
// reporting STILL_ACTIVE.
func PIDZombie(pid int) bool { return false }
