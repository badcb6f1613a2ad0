//go:build !windows

package procutil

import (
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPIDAliveSelf(t *testing.T) {
	assert.True(t, PIDAlive(os.Getpid()))
}

func TestPIDAliveRejectsNonPositive(t *testing.T) {
	assert.False(t, PIDAlive(0))
	assert.False(t, PIDAlive(-4))
}

func TestPIDAliveExitedProcess(t *testing.T) {
	cmd := exec.Command("true")
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	require.NoError(t, cmd.Wait())

	// Reaped by Wait, so the PID is gone (or recycled, which this test
	// tolerates by polling briefly).
	deadline := time.Now().Add(2 * time.Second)
	for PIDAlive(pid) && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.False(t, PIDAlive(pid))
}
