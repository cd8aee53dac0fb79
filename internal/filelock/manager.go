package filelock

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"shuttle/internal/config"
	"shuttle/internal/logging"
)

// ErrAcquireTimeout is returned when the retry ceiling elapses before the
// lock can be acquired.
var ErrAcquireTimeout = errors.New("filelock: lock acquisition timed out")

const releaseRetryAttempts = 3

// Manager acquires and releases sidecar file locks for one process.
type Manager struct {
	logger *slog.Logger
	mu     sync.Mutex

	staleThreshold time.Duration
	acquireTimeout time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration

	pid   int
	alive func(pid int) bool
}

// New constructs a manager with the configured thresholds.
func New(cfg config.Locks, logger *slog.Logger) *Manager {
	return &Manager{
		logger:         logging.WithComponent(logger, "filelock"),
		staleThreshold: cfg.StaleThresholdDuration(),
		acquireTimeout: cfg.AcquireTimeoutDuration(),
		initialBackoff: cfg.InitialBackoff(),
		maxBackoff:     cfg.MaxBackoff(),
		pid:            os.Getpid(),
		alive:          processAlive,
	}
}

// WithReadLock runs fn while holding a shared read lock on resource.
func (m *Manager) WithReadLock(resource string, fn func() error) error {
	if err := m.Acquire(resource, KindRead); err != nil {
		return err
	}
	defer m.Release(resource, KindRead)
	return fn()
}

// WithWriteLock runs fn while holding an exclusive write lock on resource.
func (m *Manager) WithWriteLock(resource string, fn func() error) error {
	if err := m.Acquire(resource, KindWrite); err != nil {
		return err
	}
	defer m.Release(resource, KindWrite)
	return fn()
}

// Acquire takes the lock on resource, retrying with exponential backoff until
// the configured ceiling.
func (m *Manager) Acquire(resource string, kind Kind) error {
	path := LockPath(resource)
	deadline := time.Now().Add(m.acquireTimeout)
	backoff := m.initialBackoff

	for {
		created, err := m.tryCreate(path, kind)
		if err != nil {
			return err
		}
		if created {
			return nil
		}

		proceed, err := m.resolveExisting(path, kind)
		if err != nil {
			return err
		}
		if proceed {
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %s", ErrAcquireTimeout, resource)
		}
		time.Sleep(backoff)
		if backoff *= 2; backoff > m.maxBackoff {
			backoff = m.maxBackoff
		}
	}
}

// tryCreate attempts the atomic exclusive create. Creation failing because
// the file exists is the normal contended path, not an error.
func (m *Manager) tryCreate(path string, kind Kind) (bool, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return false, nil
		}
		return false, fmt.Errorf("create lock %s: %w", path, err)
	}
	rec := Record{PID: m.pid, Timestamp: time.Now(), Type: kind, Holders: 1}
	if _, err := file.Write(encodeRecord(rec)); err != nil {
		file.Close()
		os.Remove(path)
		return false, fmt.Errorf("write lock record %s: %w", path, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(path)
		return false, fmt.Errorf("close lock record %s: %w", path, err)
	}
	return true, nil
}

// resolveExisting inspects a contending record. It returns true when the
// caller now holds the lock (shared read join), and false when the caller
// should retry.
func (m *Manager) resolveExisting(path string, kind Kind) (bool, error) {
	rec, err := readRecord(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			// Released between the failed create and the read; retry now.
			return false, nil
		}
		if errors.Is(err, fs.ErrPermission) {
			return false, err
		}
		// An unreadable record cannot be verified alive; recover it like a
		// stale one.
		m.logger.Warn("removing unreadable lock record", logging.String("path", path), logging.Error(err))
		m.removeQuiet(path)
		return false, nil
	}

	if m.isStale(rec) {
		m.logger.Info("recovered stale lock",
			logging.String("path", path),
			logging.Int("holder_pid", rec.PID),
			logging.Time("acquired_at", rec.Timestamp),
		)
		m.removeQuiet(path)
		return false, nil
	}

	if kind == KindRead && rec.Type == KindRead {
		joined, err := m.casUpdate(path, rec, Record{
			PID:       rec.PID,
			Timestamp: time.Now(),
			Type:      KindRead,
			Holders:   rec.Holders + 1,
		})
		if err != nil {
			return false, err
		}
		return joined, nil
	}

	return false, nil
}

func (m *Manager) isStale(rec Record) bool {
	if time.Since(rec.Timestamp) > m.staleThreshold {
		return true
	}
	return !m.alive(rec.PID)
}

// casUpdate replaces the record only if it still matches expect. A short
// lived guard file created with O_CREATE|O_EXCL closes the window between
// verifying the version token and renaming the staged record into place, so
// two updaters can never both commit against the same version. A miss means
// another holder changed the lock first; the caller re-reads and restarts.
func (m *Manager) casUpdate(path string, expect, update Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	guard := path + ".cas"
	g, err := os.OpenFile(guard, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			// Another updater is committing. A guard left behind by a dead
			// process is recovered like a stale lock.
			if info, statErr := os.Stat(guard); statErr == nil && time.Since(info.ModTime()) > m.staleThreshold {
				m.removeQuiet(guard)
			}
			return false, nil
		}
		return false, fmt.Errorf("guard lock update %s: %w", path, err)
	}
	g.Close()
	defer os.Remove(guard)

	current, err := readRecord(path)
	if err != nil || !current.sameVersion(expect) {
		return false, nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return false, fmt.Errorf("stage lock update %s: %w", path, err)
	}
	if _, err := tmp.Write(encodeRecord(update)); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return false, fmt.Errorf("stage lock update %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return false, fmt.Errorf("stage lock update %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		if errors.Is(err, fs.ErrNotExist) {
			// The staged file was swept away underneath us; retry.
			return false, nil
		}
		return false, fmt.Errorf("commit lock update %s: %w", path, err)
	}
	return true, nil
}

// Release drops the lock on resource. Releasing an already-removed lock is a
// no-op; a release that cannot delete the sidecar schedules a delayed
// best-effort cleanup so the resource can never stay wedged.
func (m *Manager) Release(resource string, kind Kind) {
	path := LockPath(resource)

	if kind == KindRead {
		for {
			rec, err := readRecord(path)
			if err != nil {
				if !errors.Is(err, fs.ErrNotExist) {
					m.removeWithRetry(path)
				}
				return
			}
			if rec.Type != KindRead || rec.Holders <= 1 {
				m.removeWithRetry(path)
				return
			}
			updated := rec
			updated.Timestamp = time.Now()
			updated.Holders = rec.Holders - 1
			ok, err := m.casUpdate(path, rec, updated)
			if err != nil {
				m.logger.Warn("read lock release fell back to delete", logging.String("path", path), logging.Error(err))
				m.removeWithRetry(path)
				return
			}
			if ok {
				return
			}
			// Another holder updated concurrently; re-read and retry.
		}
	}

	m.removeWithRetry(path)
}

func (m *Manager) removeWithRetry(path string) {
	var lastErr error
	for attempt := 0; attempt < releaseRetryAttempts; attempt++ {
		err := os.Remove(path)
		if err == nil || errors.Is(err, fs.ErrNotExist) {
			return
		}
		lastErr = err
		time.Sleep(m.initialBackoff)
	}

	m.logger.Warn("lock release failed, scheduling delayed cleanup",
		logging.String("path", path),
		logging.Error(lastErr),
	)
	time.AfterFunc(m.staleThreshold, func() { m.removeQuiet(path) })
}

func (m *Manager) removeQuiet(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		m.logger.Warn("lock cleanup failed", logging.String("path", path), logging.Error(err))
	}
}

// processAlive probes pid liveness with a null signal. EPERM means the
// process exists but belongs to another user.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
