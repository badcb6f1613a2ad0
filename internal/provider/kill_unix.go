//go:build !windows

package provider

import (
	"errors"
	"os/exec"
	"syscall"
)

// setProcGroup puts the child in its own process group so signals reach the
// whole tree, including grandchildren the CLI spawns.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateTree sends SIGTERM to the child's process group, falling back to
// the single process when the group is gone.
func terminateTree(pid int) {
	signalTree(pid, syscall.SIGTERM)
}

// killTree sends SIGKILL to the child's process group.
func killTree(pid int) {
	signalTree(pid, syscall.SIGKILL)
}

func signalTree(pid int, sig syscall.Signal) {
	if pid <= 0 {
		return
	}
	if pgid, err := syscall.Getpgid(pid); err == nil {
		if err := syscall.Kill(-pgid, sig); err == nil || errors.Is(err, syscall.ESRCH) {
			return
		}
	}
	// Group lookup or signal failed; try the process directly.
	_ = syscall.Kill(pid, sig)
}
