//go:build windows

package provider

import (
	"os/exec"
	"strconv"
)

func setProcGroup(cmd *exec.Cmd) {
	// Windows has no process groups in the POSIX sense; taskkill /T walks
	// the child tree instead.
}

// terminateTree asks the whole child tree to exit.
func terminateTree(pid int) {
	if pid <= 0 {
		return
	}
	_ = exec.Command("taskkill", "/PID", strconv.Itoa(pid), "/T").Run()
}

// killTree forcibly ends the whole child tree.
func killTree(pid int) {
	if pid <= 0 {
		return
	}
	_ = exec.Command("taskkill", "/PID", strconv.Itoa(pid), "/T", "/F").Run()
}
