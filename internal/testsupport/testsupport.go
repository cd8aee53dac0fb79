// Package testsupport provides shared fixtures for package tests.
package testsupport

import (
	"path/filepath"
	"testing"

	"shuttle/internal/config"
)

// NewConfig returns a validated configuration rooted in a per-test temporary
// directory, with timing knobs tightened so tests run quickly.
func NewConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.Paths.WorkspaceDir = filepath.Join(root, "workspace")
	cfg.Paths.LogDir = filepath.Join(root, "logs")
	cfg.Journal.Enabled = false
	cfg.Locks.StaleThreshold = 5
	cfg.Locks.AcquireTimeout = 5
	cfg.Locks.InitialBackoffMillis = 5
	cfg.Locks.MaxBackoffMillis = 50
	cfg.Mutex.SweepInterval = 1
	return &cfg
}
