package main

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"shuttle/internal/config"
	"shuttle/internal/filelock"
	"shuttle/internal/journal"
	"shuttle/internal/keymutex"
	"shuttle/internal/logging"
	"shuttle/internal/queue"
	"shuttle/internal/state"
)

type commandContext struct {
	configFlag *string

	configOnce sync.Once
	config     *config.Config
	configPath string
	configErr  error
}

func newCommandContext(configFlag *string) *commandContext {
	return &commandContext{configFlag: configFlag}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		var path string
		if c.configFlag != nil {
			path = strings.TrimSpace(*c.configFlag)
		}
		cfg, resolvedPath, _, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		if err := cfg.EnsureDirectories(); err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.configPath = resolvedPath
	})
	return c.config, c.configErr
}

func (c *commandContext) configValue() *config.Config {
	cfg, _ := c.ensureConfig()
	return cfg
}

// stack is the wired coordination layer for one CLI invocation. The file
// lock layer makes direct workspace access safe alongside a running daemon.
type stack struct {
	cfg     *config.Config
	queue   *queue.Queue
	states  *state.Store
	journal *journal.Store
	logger  *slog.Logger

	mutexes *keymutex.Manager
}

func (s *stack) close() {
	if s.journal != nil {
		_ = s.journal.Close()
	}
	if s.mutexes != nil {
		s.mutexes.Close()
	}
}

// withStack builds the queue stack, runs fn, and tears it down. CLI
// invocations log at warn level so command output stays clean.
func (c *commandContext) withStack(fn func(*stack) error) error {
	cfg, err := c.ensureConfig()
	if err != nil {
		return err
	}
	logger, err := logging.New(logging.Options{Level: "warn", Format: "console"})
	if err != nil {
		return err
	}

	s := &stack{cfg: cfg, logger: logger}
	s.mutexes = keymutex.New(cfg.Mutex, logger)
	defer s.close()

	s.states, err = state.NewStore(cfg.Paths.WorkspaceDir, s.mutexes, cfg.State, logger)
	if err != nil {
		return err
	}
	locks := filelock.New(cfg.Locks, logger)

	var events queue.EventRecorder
	if cfg.Journal.Enabled {
		if store, journalErr := journal.Open(cfg, logger); journalErr == nil {
			s.journal = store
			events = store
		}
	}

	s.queue, err = queue.Open(cfg, locks, s.states, events, logger)
	if err != nil {
		return err
	}
	return fn(s)
}

func shouldSkipConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Annotations != nil && c.Annotations["skipConfigLoad"] == "true" {
			return true
		}
	}
	return false
}
