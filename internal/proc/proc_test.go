//go:build unix

package proc

import (
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func start(t *testing.T, script string) (*exec.Cmd, chan struct{}) {
	t.Helper()
	cmd := exec.Command("sh", "-c", script)
	cmd.SysProcAttr = SysProcAttr()
	require.NoError(t, cmd.Start())
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	return cmd, done
}

func TestTerminateGraceful(t *testing.T) {
	cmd, done := start(t, "sleep 30")
	killed := Terminate(cmd.Process.Pid, done, 2*time.Second)
	assert.False(t, killed)
}

func TestTerminateEscalatesToKill(t *testing.T) {
	cmd, done := start(t, `trap "" TERM; while true; do sleep 0.1; done`)
	time.Sleep(100 * time.Millisecond) // let the trap install
	killed := Terminate(cmd.Process.Pid, done, 200*time.Millisecond)
	assert.True(t, killed)
}

func TestApplyLimitsOnChild(t *testing.T) {
	cmd, done := start(t, "sleep 5")
	defer func() {
		_ = Kill(cmd.Process.Pid)
		<-done
	}()
	require.NoError(t, ApplyLimits(cmd.Process.Pid, Limits{CPUSeconds: 10, MemoryBytes: 1 << 30}))
}

func TestKillMissingGroupIsNoop(t *testing.T) {
	assert.NoError(t, Kill(0))
}
