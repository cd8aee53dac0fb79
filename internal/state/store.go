package state

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"shuttle/internal/config"
	"shuttle/internal/keymutex"
	"shuttle/internal/logging"
)

// ErrRecoveryLockHeld is returned when an unexpired recovery lock already
// guards the task.
var ErrRecoveryLockHeld = errors.New("state: recovery lock already held")

// CurrentDocument is the file collaborators poll for the running item's
// status.
const CurrentDocument = "current.json"

// Store persists status documents under <root>/status.
type Store struct {
	dir      string
	tmpDir   string
	tasksDir string

	mutexes *keymutex.Manager
	logger  *slog.Logger

	checkpointLimit int
	recoveryTTL     time.Duration

	staging atomic.Uint64
}

// NewStore creates the status directories and returns a store.
func NewStore(workspace string, mutexes *keymutex.Manager, cfg config.State, logger *slog.Logger) (*Store, error) {
	dir := filepath.Join(workspace, "status")
	s := &Store{
		dir:             dir,
		tmpDir:          filepath.Join(dir, "tmp"),
		tasksDir:        filepath.Join(dir, "tasks"),
		mutexes:         mutexes,
		logger:          logging.WithComponent(logger, "state"),
		checkpointLimit: cfg.CheckpointLimit,
		recoveryTTL:     cfg.RecoveryLockTTLDuration(),
	}
	for _, d := range []string{s.dir, s.tmpDir, s.tasksDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create status directory %q: %w", d, err)
		}
	}
	return s, nil
}

// Dir returns the status root directory.
func (s *Store) Dir() string { return s.dir }

// Load returns the status document for id, or nil when none exists. Corrupt
// documents are logged and treated as absent so the system self-heals;
// permission and IO failures propagate.
func (s *Store) Load(ctx context.Context, id string) (*StatusRecord, error) {
	return s.read(s.taskPath(id))
}

// LoadCurrent returns the running item's mirrored status document.
func (s *Store) LoadCurrent(ctx context.Context) (*StatusRecord, error) {
	return s.read(filepath.Join(s.dir, CurrentDocument))
}

// Update applies fn to the current document for id (a fresh queued record
// when none exists) and commits the result atomically. The whole cycle runs
// inside the task's mutex key, so concurrent updates never interleave.
func (s *Store) Update(ctx context.Context, id string, fn func(*StatusRecord)) (*StatusRecord, error) {
	var result *StatusRecord
	err := s.mutexes.RunExclusive(ctx, mutexKey(id), func(ctx context.Context) error {
		record, err := s.read(s.taskPath(id))
		if err != nil {
			return err
		}
		if record == nil || record.Task.ID != id {
			record = NewStatusRecord(id)
		}
		fn(record)
		record.Task.ID = id
		record.LastUpdate = time.Now()
		if record.Notes == nil {
			record.Notes = []string{}
		}
		if record.Errors == nil {
			record.Errors = []string{}
		}
		if err := s.commit(s.taskPath(id), record); err != nil {
			return err
		}
		if err := s.mirrorCurrent(record); err != nil {
			return err
		}
		result = record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// SaveCheckpoint appends a checkpoint to the task's bounded history and
// records it as the last checkpoint. Ordinals increase monotonically.
func (s *Store) SaveCheckpoint(ctx context.Context, id string, cp Checkpoint) (*StatusRecord, error) {
	return s.Update(ctx, id, func(record *StatusRecord) {
		if cp.Timestamp.IsZero() {
			cp.Timestamp = time.Now()
		}
		if cp.Ordinal == 0 {
			cp.Ordinal = 1
			if n := len(record.Checkpoints); n > 0 {
				cp.Ordinal = record.Checkpoints[n-1].Ordinal + 1
			}
		}
		record.Checkpoints = append(record.Checkpoints, cp)
		if overflow := len(record.Checkpoints) - s.checkpointLimit; overflow > 0 {
			record.Checkpoints = append([]Checkpoint(nil), record.Checkpoints[overflow:]...)
		}
		saved := cp
		record.LastCheckpoint = &saved
	})
}

// AcquireRecoveryLock returns a fresh ownership token when no unexpired lock
// exists on the task. The token must accompany the matching release.
func (s *Store) AcquireRecoveryLock(ctx context.Context, id, ownerKind string) (string, error) {
	token := newToken()
	var held bool
	_, err := s.Update(ctx, id, func(record *StatusRecord) {
		if lock := record.RecoveryLock; lock != nil {
			if time.Since(lock.AcquiredAt) < s.recoveryTTL {
				held = true
				return
			}
			s.logger.Warn("taking over expired recovery lock",
				logging.String(logging.FieldTaskID, id),
				logging.String("previous_owner", lock.OwnerKind),
				logging.Time("acquired_at", lock.AcquiredAt),
			)
		}
		record.RecoveryLock = &RecoveryLock{
			AcquiredAt: time.Now(),
			OwnerKind:  ownerKind,
			OwnerToken: token,
		}
	})
	if err != nil {
		return "", err
	}
	if held {
		return "", fmt.Errorf("%w: task %s", ErrRecoveryLockHeld, id)
	}
	return token, nil
}

// ReleaseRecoveryLock clears the lock only when token matches. A mismatch is
// a warned no-op: a slow caller must not release a lock that a timeout has
// already reassigned.
func (s *Store) ReleaseRecoveryLock(ctx context.Context, id, token string) error {
	_, err := s.Update(ctx, id, func(record *StatusRecord) {
		lock := record.RecoveryLock
		if lock == nil {
			return
		}
		if lock.OwnerToken != token {
			s.logger.Warn("recovery lock release token mismatch, lock retained",
				logging.String(logging.FieldTaskID, id),
				logging.String("owner_kind", lock.OwnerKind),
			)
			return
		}
		record.RecoveryLock = nil
	})
	return err
}

func (s *Store) read(path string) (*StatusRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read status document %s: %w", path, err)
	}
	var record StatusRecord
	if err := json.Unmarshal(data, &record); err != nil {
		s.logger.Warn("corrupt status document treated as absent",
			logging.String("path", path),
			logging.Error(err),
		)
		return nil, nil
	}
	return &record, nil
}

// commit writes the document to a uniquely named staging file and renames it
// into place. The rename is the only commit point.
func (s *Store) commit(path string, record *StatusRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("encode status document: %w", err)
	}
	data = append(data, '\n')

	staged := filepath.Join(s.tmpDir, fmt.Sprintf("%d-%d.json", os.Getpid(), s.staging.Add(1)))
	if err := os.WriteFile(staged, data, 0o644); err != nil {
		return fmt.Errorf("stage status document: %w", err)
	}
	if err := os.Rename(staged, path); err != nil {
		os.Remove(staged)
		return fmt.Errorf("commit status document %s: %w", path, err)
	}
	return nil
}

// mirrorCurrent keeps status/current.json pointing at the running item's
// record. A terminal update for the item current.json already tracks is
// mirrored too, so the final result stays visible until the next claim.
func (s *Store) mirrorCurrent(record *StatusRecord) error {
	currentPath := filepath.Join(s.dir, CurrentDocument)
	if record.State != StateRunning {
		current, err := s.read(currentPath)
		if err != nil {
			return err
		}
		if current == nil || current.Task.ID != record.Task.ID {
			return nil
		}
	}
	return s.commit(currentPath, record)
}

func (s *Store) taskPath(id string) string {
	return filepath.Join(s.tasksDir, sanitizeID(id)+".json")
}

func mutexKey(id string) string {
	return "task:" + id
}

// sanitizeID keeps task-document filenames safe regardless of the external
// identifier's alphabet.
func sanitizeID(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}
