package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"shuttle/internal/config"
	"shuttle/internal/logging"
	"shuttle/internal/state"
)

// Outcome summarizes one worker invocation.
type Outcome struct {
	Success  bool
	ExitCode int
	LogPath  string
}

// Runner launches the configured worker command for claimed items.
type Runner struct {
	command           string
	args              []string
	gracePeriod       time.Duration
	heartbeatInterval time.Duration
	timeout           time.Duration
	logDir            string

	states   *state.Store
	registry *Registry
	logger   *slog.Logger

	commandContext func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// New builds a Runner from the worker configuration. The registry receives
// every launched worker process; a nil registry gets a private one.
func New(cfg *config.Config, states *state.Store, registry *Registry, logger *slog.Logger) *Runner {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Runner{
		command:           cfg.Worker.Command,
		args:              append([]string(nil), cfg.Worker.Args...),
		gracePeriod:       cfg.Worker.GracePeriodDuration(),
		heartbeatInterval: cfg.Worker.HeartbeatIntervalDuration(),
		timeout:           cfg.Worker.TimeoutDuration(),
		logDir:            filepath.Join(cfg.Paths.LogDir, "items"),
		states:            states,
		registry:          registry,
		logger:            logging.WithComponent(logger, "runner"),
		commandContext:    exec.CommandContext,
	}
}

// ActivePID returns the pid of the running worker, or 0 when idle.
func (r *Runner) ActivePID() int {
	return r.registry.ActivePID()
}

// Registry exposes the process registry for supervisor shutdown paths.
func (r *Runner) Registry() *Registry { return r.registry }

// Run executes the worker for one item and blocks until it exits. The item
// file path is passed as the final argument and also exported through the
// environment. Context cancellation terminates the worker's process group
// with SIGTERM, escalating to SIGKILL after the grace period.
func (r *Runner) Run(ctx context.Context, taskID, itemPath string) (Outcome, error) {
	outcome := Outcome{}
	if r.command == "" {
		return outcome, errors.New("runner: no worker command configured")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if r.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	logFile, logPath, err := r.openItemLog(taskID)
	if err != nil {
		return outcome, err
	}
	defer logFile.Close()
	outcome.LogPath = logPath

	args := append(append([]string(nil), r.args...), itemPath)
	cmd := r.commandContext(context.Background(), r.command, args...) //nolint:gosec
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(),
		"SHUTTLE_TASK_ID="+taskID,
		"SHUTTLE_ITEM_PATH="+itemPath,
	)
	// Own process group so termination reaches the worker's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return outcome, fmt.Errorf("start worker: %w", err)
	}
	r.registry.Register(taskID, cmd.Process)
	defer r.registry.Unregister(taskID)

	pid := cmd.Process.Pid
	if _, err := r.states.Update(ctx, taskID, func(rec *state.StatusRecord) {
		rec.PID = pid
		rec.Step = "worker running"
		rec.Heartbeat()
	}); err != nil {
		r.logger.Warn("status record update failed at worker start",
			logging.String(logging.FieldTaskID, taskID), logging.Error(err))
	}
	r.logger.Info("worker started",
		logging.String(logging.FieldTaskID, taskID),
		logging.Int("pid", pid),
		logging.String("log", logPath),
	)

	heartbeatStop := make(chan struct{})
	var heartbeatDone sync.WaitGroup
	heartbeatDone.Add(1)
	go func() {
		defer heartbeatDone.Done()
		r.heartbeatLoop(taskID, heartbeatStop)
	}()

	waitErr := r.waitOrTerminate(runCtx, cmd, taskID)
	close(heartbeatStop)
	heartbeatDone.Wait()

	outcome.ExitCode = cmd.ProcessState.ExitCode()
	outcome.Success = waitErr == nil
	if waitErr != nil {
		// A worker that finished cleanly before the deadline still counts as
		// a success; only a terminated one reports the interruption.
		if ctxErr := runCtx.Err(); ctxErr != nil {
			return outcome, fmt.Errorf("worker interrupted: %w", ctxErr)
		}
		r.logger.Warn("worker failed",
			logging.String(logging.FieldTaskID, taskID),
			logging.Int("exit_code", outcome.ExitCode),
			logging.Error(waitErr),
		)
		return outcome, nil
	}
	r.logger.Info("worker finished", logging.String(logging.FieldTaskID, taskID))
	return outcome, nil
}

// waitOrTerminate waits for worker exit, terminating the process group when
// the context ends first.
func (r *Runner) waitOrTerminate(ctx context.Context, cmd *exec.Cmd, taskID string) error {
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	pid := cmd.Process.Pid
	r.logger.Info("terminating worker",
		logging.String(logging.FieldTaskID, taskID),
		logging.Int("pid", pid),
		logging.Duration("grace_period", r.gracePeriod),
	)
	_ = unix.Kill(-pid, unix.SIGTERM)

	select {
	case err := <-done:
		return err
	case <-time.After(r.gracePeriod):
	}

	r.logger.Warn("worker ignored SIGTERM, killing process group",
		logging.String(logging.FieldTaskID, taskID), logging.Int("pid", pid))
	_ = unix.Kill(-pid, unix.SIGKILL)
	return <-done
}

// heartbeatLoop refreshes the status record's liveness timestamp until the
// worker exits.
func (r *Runner) heartbeatLoop(taskID string, stop <-chan struct{}) {
	interval := r.heartbeatInterval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := r.states.Update(context.Background(), taskID, func(rec *state.StatusRecord) {
				rec.Heartbeat()
			}); err != nil {
				r.logger.Warn("heartbeat update failed",
					logging.String(logging.FieldTaskID, taskID), logging.Error(err))
			}
		}
	}
}

// openItemLog opens the append-only per-item worker log.
func (r *Runner) openItemLog(taskID string) (*os.File, string, error) {
	if err := os.MkdirAll(r.logDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create item log directory: %w", err)
	}
	path := filepath.Join(r.logDir, sanitizeLogName(taskID)+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, "", fmt.Errorf("open item log: %w", err)
	}
	return file, path, nil
}

func sanitizeLogName(id string) string {
	out := make([]rune, 0, len(id))
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 {
		return "task"
	}
	return string(out)
}
