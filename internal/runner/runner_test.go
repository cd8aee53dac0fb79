package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shuttle/internal/config"
	"shuttle/internal/keymutex"
	"shuttle/internal/logging"
	"shuttle/internal/state"
	"shuttle/internal/testsupport"
)

func newTestRunner(t *testing.T, mutate func(*config.Config)) (*Runner, *state.Store) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	cfg.Worker.Command = "/bin/sh"
	cfg.Worker.GracePeriod = 1
	cfg.Worker.HeartbeatInterval = 1
	if mutate != nil {
		mutate(cfg)
	}
	logger := logging.NewNop()

	mutexes := keymutex.New(cfg.Mutex, logger)
	t.Cleanup(mutexes.Close)
	states, err := state.NewStore(cfg.Paths.WorkspaceDir, mutexes, cfg.State, logger)
	require.NoError(t, err)

	return New(cfg, states, NewRegistry(), logger), states
}

func writeItemFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "0001_t1.task")
	require.NoError(t, os.WriteFile(path, []byte("+++\nid = \"t1\"\n+++\n"), 0o644))
	return path
}

func TestRunSuccessCapturesLog(t *testing.T) {
	r, _ := newTestRunner(t, func(cfg *config.Config) {
		cfg.Worker.Args = []string{"-c", `echo "handled $SHUTTLE_TASK_ID"`}
	})
	itemPath := writeItemFile(t)

	outcome, err := r.Run(context.Background(), "t1", itemPath)
	require.NoError(t, err)
	require.True(t, outcome.Success)
	require.Equal(t, 0, outcome.ExitCode)

	log, err := os.ReadFile(outcome.LogPath)
	require.NoError(t, err)
	require.Contains(t, string(log), "handled t1")
}

func TestRunFailureReportsExitCode(t *testing.T) {
	r, _ := newTestRunner(t, func(cfg *config.Config) {
		cfg.Worker.Args = []string{"-c", "exit 3"}
	})

	outcome, err := r.Run(context.Background(), "t1", writeItemFile(t))
	require.NoError(t, err)
	require.False(t, outcome.Success)
	require.Equal(t, 3, outcome.ExitCode)
}

func TestRunPassesItemPathAsArgument(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "seen")
	r, _ := newTestRunner(t, func(cfg *config.Config) {
		cfg.Worker.Args = []string{"-c", `echo "$SHUTTLE_ITEM_PATH" > ` + marker}
	})
	itemPath := writeItemFile(t)

	outcome, err := r.Run(context.Background(), "t1", itemPath)
	require.NoError(t, err)
	require.True(t, outcome.Success)

	seen, err := os.ReadFile(marker)
	require.NoError(t, err)
	require.Contains(t, string(seen), itemPath)
}

func TestRunRecordsWorkerPID(t *testing.T) {
	r, states := newTestRunner(t, func(cfg *config.Config) {
		cfg.Worker.Args = []string{"-c", "sleep 0.2"}
	})

	outcome, err := r.Run(context.Background(), "t1", writeItemFile(t))
	require.NoError(t, err)
	require.True(t, outcome.Success)

	record, err := states.Load(context.Background(), "t1")
	require.NoError(t, err)
	require.NotZero(t, record.PID)
	require.False(t, record.LastHeartbeat.IsZero())
}

func TestRunCancellationTerminatesWorker(t *testing.T) {
	r, _ := newTestRunner(t, func(cfg *config.Config) {
		cfg.Worker.Args = []string{"-c", "sleep 30"}
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := r.Run(ctx, "t1", writeItemFile(t))
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), 10*time.Second, "termination must not wait for the worker's sleep")
}

func TestRunTimeoutTerminatesWorker(t *testing.T) {
	r, _ := newTestRunner(t, func(cfg *config.Config) {
		cfg.Worker.Args = []string{"-c", "sleep 30"}
		cfg.Worker.Timeout = 1
	})

	start := time.Now()
	_, err := r.Run(context.Background(), "t1", writeItemFile(t))
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 10*time.Second)
}

func TestRunWithoutCommand(t *testing.T) {
	r, _ := newTestRunner(t, func(cfg *config.Config) {
		cfg.Worker.Command = ""
	})
	_, err := r.Run(context.Background(), "t1", writeItemFile(t))
	require.Error(t, err)
}
