package config

import "time"

const (
	defaultWorkspaceDir = "~/.local/share/shuttle/workspace"
	defaultLogDir       = "~/.local/share/shuttle/logs"
	defaultLogFormat    = "console"
	defaultLogLevel     = "info"

	defaultQueueCapacity         = 100
	defaultRunningTTL            = 600
	defaultPollInterval          = 5
	defaultErrorRetryInterval    = 10
	defaultCompleteRetryAttempts = 3

	defaultLockStaleThreshold   = 60
	defaultLockAcquireTimeout   = 30
	defaultLockInitialBackoffMS = 50
	defaultLockMaxBackoffMS     = 2000

	defaultMutexWaitTimeout   = 60
	defaultMutexHoldTimeout   = 120
	defaultMutexSweepInterval = 15

	defaultCheckpointLimit = 10
	defaultRecoveryLockTTL = 120

	defaultWorkerGracePeriod       = 10
	defaultWorkerHeartbeatInterval = 15
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			WorkspaceDir: defaultWorkspaceDir,
			LogDir:       defaultLogDir,
		},
		Queue: Queue{
			Capacity:              defaultQueueCapacity,
			RunningTTL:            defaultRunningTTL,
			PollInterval:          defaultPollInterval,
			ErrorRetryInterval:    defaultErrorRetryInterval,
			CompleteRetryAttempts: defaultCompleteRetryAttempts,
		},
		Locks: Locks{
			StaleThreshold:       defaultLockStaleThreshold,
			AcquireTimeout:       defaultLockAcquireTimeout,
			InitialBackoffMillis: defaultLockInitialBackoffMS,
			MaxBackoffMillis:     defaultLockMaxBackoffMS,
		},
		Mutex: Mutex{
			WaitTimeout:   defaultMutexWaitTimeout,
			HoldTimeout:   defaultMutexHoldTimeout,
			SweepInterval: defaultMutexSweepInterval,
		},
		State: State{
			CheckpointLimit: defaultCheckpointLimit,
			RecoveryLockTTL: defaultRecoveryLockTTL,
		},
		Worker: Worker{
			GracePeriod:       defaultWorkerGracePeriod,
			HeartbeatInterval: defaultWorkerHeartbeatInterval,
		},
		Journal: Journal{
			Enabled: true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}

// Duration helpers so call sites do not repeat second/millisecond conversion.

func (q Queue) RunningTTLDuration() time.Duration { return time.Duration(q.RunningTTL) * time.Second }

func (q Queue) PollIntervalDuration() time.Duration {
	return time.Duration(q.PollInterval) * time.Second
}

func (q Queue) ErrorRetryIntervalDuration() time.Duration {
	return time.Duration(q.ErrorRetryInterval) * time.Second
}

func (l Locks) StaleThresholdDuration() time.Duration {
	return time.Duration(l.StaleThreshold) * time.Second
}

func (l Locks) AcquireTimeoutDuration() time.Duration {
	return time.Duration(l.AcquireTimeout) * time.Second
}

func (l Locks) InitialBackoff() time.Duration {
	return time.Duration(l.InitialBackoffMillis) * time.Millisecond
}

func (l Locks) MaxBackoff() time.Duration {
	return time.Duration(l.MaxBackoffMillis) * time.Millisecond
}

func (m Mutex) WaitTimeoutDuration() time.Duration {
	return time.Duration(m.WaitTimeout) * time.Second
}

func (m Mutex) HoldTimeoutDuration() time.Duration {
	return time.Duration(m.HoldTimeout) * time.Second
}

func (m Mutex) SweepIntervalDuration() time.Duration {
	return time.Duration(m.SweepInterval) * time.Second
}

func (s State) RecoveryLockTTLDuration() time.Duration {
	return time.Duration(s.RecoveryLockTTL) * time.Second
}

func (w Worker) GracePeriodDuration() time.Duration {
	return time.Duration(w.GracePeriod) * time.Second
}

func (w Worker) HeartbeatIntervalDuration() time.Duration {
	return time.Duration(w.HeartbeatInterval) * time.Second
}

func (w Worker) TimeoutDuration() time.Duration { return time.Duration(w.Timeout) * time.Second }
