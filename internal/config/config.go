package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration.
type Paths struct {
	// WorkspaceDir is the root under which the queue directories and the
	// status store live.
	WorkspaceDir string `toml:"workspace_dir"`
	LogDir       string `toml:"log_dir"`
}

// Queue contains work queue sizing and claim behavior.
type Queue struct {
	// Capacity is the maximum number of items allowed in the queued state.
	Capacity int `toml:"capacity"`
	// RunningTTL is the number of seconds a running item may go without a
	// heartbeat before the health sweep reclaims it.
	RunningTTL int `toml:"running_ttl"`
	// PollInterval is the daemon's idle wait between claim attempts, seconds.
	PollInterval int `toml:"poll_interval"`
	// ErrorRetryInterval is the daemon's back-off after a claim error, seconds.
	ErrorRetryInterval int `toml:"error_retry_interval"`
	// CompleteRetryAttempts bounds retries of a failed completion move.
	CompleteRetryAttempts int `toml:"complete_retry_attempts"`
}

// Locks contains cross-process file lock tuning.
type Locks struct {
	// StaleThreshold is the age in seconds past which a lock record whose
	// owner cannot be confirmed alive is considered abandoned.
	StaleThreshold int `toml:"stale_threshold"`
	// AcquireTimeout bounds the total time spent retrying acquisition, seconds.
	AcquireTimeout int `toml:"acquire_timeout"`
	// InitialBackoffMillis seeds the exponential retry delay.
	InitialBackoffMillis int `toml:"initial_backoff_millis"`
	// MaxBackoffMillis caps the exponential retry delay.
	MaxBackoffMillis int `toml:"max_backoff_millis"`
}

// Mutex contains in-process keyed mutex ceilings.
type Mutex struct {
	// WaitTimeout is how long a waiter queues for a key before failing, seconds.
	WaitTimeout int `toml:"wait_timeout"`
	// HoldTimeout is how long a holder may keep a key before the sweep
	// force-releases it, seconds.
	HoldTimeout int `toml:"hold_timeout"`
	// SweepInterval is how often stuck holders are checked for, seconds.
	SweepInterval int `toml:"sweep_interval"`
}

// State contains status store tuning.
type State struct {
	// CheckpointLimit bounds the retained checkpoint history per task.
	CheckpointLimit int `toml:"checkpoint_limit"`
	// RecoveryLockTTL is the lifetime of a recovery lock in seconds; an
	// expired lock may be taken over by a new owner.
	RecoveryLockTTL int `toml:"recovery_lock_ttl"`
}

// Worker contains external worker process settings.
type Worker struct {
	// Command is the executable the daemon launches for each claimed item.
	Command string `toml:"command"`
	// Args are passed before the item file path.
	Args []string `toml:"args"`
	// GracePeriod is the seconds between SIGTERM and SIGKILL on stop.
	GracePeriod int `toml:"grace_period"`
	// HeartbeatInterval is the seconds between status heartbeat refreshes.
	HeartbeatInterval int `toml:"heartbeat_interval"`
	// Timeout is the maximum worker runtime in seconds; zero disables it.
	Timeout int `toml:"timeout"`
}

// Journal contains task event history settings.
type Journal struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Logging contains log output settings.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for shuttle.
type Config struct {
	Paths   Paths   `toml:"paths"`
	Queue   Queue   `toml:"queue"`
	Locks   Locks   `toml:"locks"`
	Mutex   Mutex   `toml:"mutex"`
	State   State   `toml:"state"`
	Worker  Worker  `toml:"worker"`
	Journal Journal `toml:"journal"`
	Logging Logging `toml:"logging"`
}

// DefaultConfigPath returns the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/shuttle/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned
// config has all path fields expanded and normalized. The boolean reports
// whether a file was found at the resolved path.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		if _, err := os.Stat(expanded); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}
	projectPath, err := filepath.Abs("shuttle.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}
	return defaultPath, false, nil
}

// EnsureDirectories creates the workspace and log directories.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.WorkspaceDir, c.Paths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

func (c *Config) normalize() error {
	var err error
	if c.Paths.WorkspaceDir, err = expandPath(c.Paths.WorkspaceDir); err != nil {
		return fmt.Errorf("paths.workspace_dir: %w", err)
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return fmt.Errorf("paths.log_dir: %w", err)
	}
	if strings.TrimSpace(c.Journal.Path) == "" {
		c.Journal.Path = filepath.Join(c.Paths.LogDir, "journal.db")
	} else if c.Journal.Path, err = expandPath(c.Journal.Path); err != nil {
		return fmt.Errorf("journal.path: %w", err)
	}
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
	c.Worker.Command = strings.TrimSpace(c.Worker.Command)
	return nil
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
