package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"shuttle/internal/config"
	"shuttle/internal/filelock"
	"shuttle/internal/journal"
	"shuttle/internal/keymutex"
	"shuttle/internal/logging"
	"shuttle/internal/queue"
	"shuttle/internal/runner"
	"shuttle/internal/state"
)

// Options configures daemon process runtime behavior.
type Options struct {
	LogLevel string
}

// Run wires the full stack and blocks until the process receives SIGINT or
// SIGTERM.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}

	signalCtx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runID := time.Now().UTC().Format("20060102T150405Z")
	logPath := filepath.Join(cfg.Paths.LogDir, fmt.Sprintf("shuttle-%s.log", runID))
	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	logger, err := logging.New(logging.Options{
		Level:  level,
		Format: cfg.Logging.Format,
		Path:   logPath,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if err := ensureCurrentLogPointer(cfg.Paths.LogDir, logPath); err != nil {
		fmt.Fprintf(os.Stderr, "warn: unable to update shuttle.log link: %v\n", err)
	}

	pidPath := filepath.Join(cfg.Paths.LogDir, "shuttle.pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	mutexes := keymutex.New(cfg.Mutex, logger)
	defer mutexes.Close()

	states, err := state.NewStore(cfg.Paths.WorkspaceDir, mutexes, cfg.State, logger)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}

	locks := filelock.New(cfg.Locks, logger)

	var events queue.EventRecorder
	if cfg.Journal.Enabled {
		store, journalErr := journal.Open(cfg, logger)
		if journalErr != nil {
			logger.Warn("journal unavailable, continuing without history", logging.Error(journalErr))
		} else {
			defer store.Close()
			events = store
		}
	}

	q, err := queue.Open(cfg, locks, states, events, logger)
	if err != nil {
		logger.Error("open queue", logging.Error(err))
		return err
	}

	registry := runner.NewRegistry()
	worker := runner.New(cfg, states, registry, logger)

	d, err := New(cfg, q, states, worker, logger)
	if err != nil {
		return fmt.Errorf("create daemon: %w", err)
	}
	if err := d.Start(signalCtx); err != nil {
		return err
	}

	<-signalCtx.Done()
	logger.Info("shuttle daemon shutting down")
	d.Stop()
	return nil
}

// ensureCurrentLogPointer keeps a stable shuttle.log name pointing at the
// newest run's log file.
func ensureCurrentLogPointer(logDir, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, "shuttle.log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	if path == "" {
		return nil
	}
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
