package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateQueue(); err != nil {
		return err
	}
	if err := c.validateLocks(); err != nil {
		return err
	}
	if err := c.validateMutex(); err != nil {
		return err
	}
	if err := c.validateState(); err != nil {
		return err
	}
	if err := c.validateWorker(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validatePaths() error {
	if c.Paths.WorkspaceDir == "" {
		return errors.New("paths.workspace_dir must be set")
	}
	if c.Paths.LogDir == "" {
		return errors.New("paths.log_dir must be set")
	}
	return nil
}

func (c *Config) validateQueue() error {
	if c.Queue.Capacity <= 0 {
		return errors.New("queue.capacity must be positive")
	}
	if c.Queue.RunningTTL <= 0 {
		return errors.New("queue.running_ttl must be positive")
	}
	if c.Queue.PollInterval <= 0 {
		return errors.New("queue.poll_interval must be positive")
	}
	if c.Queue.ErrorRetryInterval <= 0 {
		return errors.New("queue.error_retry_interval must be positive")
	}
	if c.Queue.CompleteRetryAttempts <= 0 {
		return errors.New("queue.complete_retry_attempts must be positive")
	}
	return nil
}

func (c *Config) validateLocks() error {
	if c.Locks.StaleThreshold <= 0 {
		return errors.New("locks.stale_threshold must be positive")
	}
	if c.Locks.AcquireTimeout <= 0 {
		return errors.New("locks.acquire_timeout must be positive")
	}
	if c.Locks.InitialBackoffMillis <= 0 {
		return errors.New("locks.initial_backoff_millis must be positive")
	}
	if c.Locks.MaxBackoffMillis < c.Locks.InitialBackoffMillis {
		return errors.New("locks.max_backoff_millis must be at least the initial backoff")
	}
	return nil
}

func (c *Config) validateMutex() error {
	if c.Mutex.WaitTimeout <= 0 {
		return errors.New("mutex.wait_timeout must be positive")
	}
	if c.Mutex.HoldTimeout <= 0 {
		return errors.New("mutex.hold_timeout must be positive")
	}
	if c.Mutex.SweepInterval <= 0 {
		return errors.New("mutex.sweep_interval must be positive")
	}
	return nil
}

func (c *Config) validateState() error {
	if c.State.CheckpointLimit <= 0 {
		return errors.New("state.checkpoint_limit must be positive")
	}
	if c.State.RecoveryLockTTL <= 0 {
		return errors.New("state.recovery_lock_ttl must be positive")
	}
	return nil
}

func (c *Config) validateWorker() error {
	if c.Worker.GracePeriod <= 0 {
		return errors.New("worker.grace_period must be positive")
	}
	if c.Worker.HeartbeatInterval <= 0 {
		return errors.New("worker.heartbeat_interval must be positive")
	}
	if c.Worker.Timeout < 0 {
		return errors.New("worker.timeout must not be negative")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	return nil
}
