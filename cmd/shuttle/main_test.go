package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTestConfig(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	path := filepath.Join(root, "shuttle.toml")
	content := fmt.Sprintf(`[paths]
workspace_dir = %q
log_dir = %q

[journal]
enabled = false
`, filepath.Join(root, "workspace"), filepath.Join(root, "logs"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var buf bytes.Buffer
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}

func TestQueueAddAndList(t *testing.T) {
	configPath := writeTestConfig(t)

	out, err := runCommand(t, "--config", configPath, "queue", "add", "TICKET-1", "--owner", "automation")
	require.NoError(t, err)
	require.Contains(t, out, "enqueued TICKET-1")
	require.Contains(t, out, "0001_TICKET-1.task")

	out, err = runCommand(t, "--config", configPath, "queue", "list")
	require.NoError(t, err)
	require.Contains(t, out, "TICKET-1")
	require.Contains(t, out, "queued")
	require.Contains(t, out, "automation")
}

func TestQueueListEmpty(t *testing.T) {
	configPath := writeTestConfig(t)
	out, err := runCommand(t, "--config", configPath, "queue", "list")
	require.NoError(t, err)
	require.Contains(t, out, "queue is empty")
}

func TestQueueListStatusFilter(t *testing.T) {
	configPath := writeTestConfig(t)
	_, err := runCommand(t, "--config", configPath, "queue", "add", "TICKET-1")
	require.NoError(t, err)

	out, err := runCommand(t, "--config", configPath, "queue", "list", "--status", "done")
	require.NoError(t, err)
	require.Contains(t, out, "queue is empty")

	_, err = runCommand(t, "--config", configPath, "queue", "list", "--status", "bogus")
	require.Error(t, err)
}

func TestQueueRetryUnknownItem(t *testing.T) {
	configPath := writeTestConfig(t)
	_, err := runCommand(t, "--config", configPath, "queue", "retry", "ghost")
	require.Error(t, err)
}

func TestStatusWithoutDaemon(t *testing.T) {
	configPath := writeTestConfig(t)
	out, err := runCommand(t, "--config", configPath, "status")
	require.NoError(t, err)
	require.Contains(t, out, "daemon: not running")
	require.Contains(t, out, "no task running")
}

func TestQueueSweepIdle(t *testing.T) {
	configPath := writeTestConfig(t)
	out, err := runCommand(t, "--config", configPath, "queue", "sweep")
	require.NoError(t, err)
	require.Contains(t, out, "lazily completed: 0")
}

func TestConfigInit(t *testing.T) {
	target := filepath.Join(t.TempDir(), "config.toml")

	out, err := runCommand(t, "config", "init", target)
	require.NoError(t, err)
	require.Contains(t, out, "wrote")

	data, err := os.ReadFile(target)
	require.NoError(t, err)
	require.Contains(t, string(data), "[paths]")

	_, err = runCommand(t, "config", "init", target)
	require.Error(t, err, "refuses to overwrite without --force")

	_, err = runCommand(t, "config", "init", target, "--force")
	require.NoError(t, err)
}

func TestConfigShow(t *testing.T) {
	configPath := writeTestConfig(t)
	out, err := runCommand(t, "--config", configPath, "config", "show")
	require.NoError(t, err)
	require.Contains(t, out, "[queue]")
	require.Contains(t, out, "workspace")
}

func TestQueueHistoryDisabled(t *testing.T) {
	configPath := writeTestConfig(t)
	_, err := runCommand(t, "--config", configPath, "queue", "history")
	require.Error(t, err)
}
