package runner

import (
	"os"
	"os/exec"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegistryRegisterLookupUnregister(t *testing.T) {
	registry := NewRegistry()
	proc := &os.Process{Pid: 12345}

	registry.Register("t1", proc)
	got, ok := registry.Lookup("t1")
	require.True(t, ok)
	require.Equal(t, 12345, got.Pid)
	require.Equal(t, 12345, registry.ActivePID())

	registry.Unregister("t1")
	_, ok = registry.Lookup("t1")
	require.False(t, ok)
	require.Zero(t, registry.ActivePID())
}

func TestRegistryKillAllEmpty(t *testing.T) {
	registry := NewRegistry()
	require.Zero(t, registry.KillAll(10*time.Millisecond))
}

func TestRegistryKillAllTerminatesProcessGroup(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "sleep 30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	registry := NewRegistry()
	registry.Register("t1", cmd.Process)

	require.Equal(t, 1, registry.KillAll(100*time.Millisecond))
	require.Zero(t, registry.ActivePID())

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker survived KillAll")
	}
}
