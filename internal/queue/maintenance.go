package queue

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"shuttle/internal/fsutil"
	"shuttle/internal/logging"
	"shuttle/internal/state"
)

// completeRetryDelay spaces the bounded rename retries in Complete.
const completeRetryDelay = 50 * time.Millisecond

// Complete moves a running item to done or failed. The rename is retried a
// bounded number of times; a source that already vanished into the target
// state is a benign duplicate completion. Returns ErrNotFound when the item
// is in neither running nor a terminal directory.
func (q *Queue) Complete(ctx context.Context, id string, success bool) error {
	target := StatusDone
	if !success {
		target = StatusFailed
	}

	err := q.withQueueLock(func() error {
		entry, found, err := q.findEntry(StatusRunning, id)
		if err != nil {
			return err
		}
		if !found {
			return q.verifyAlreadyTerminal(id, target)
		}
		return q.completeWithRetry(entry, target)
	})
	if err != nil {
		return err
	}

	if _, err := q.states.Update(ctx, id, func(r *state.StatusRecord) {
		if success {
			r.State = state.StateDone
			r.Percent = 100
		} else {
			r.State = state.StateFailed
		}
	}); err != nil {
		q.logger.Warn("status record update failed after completion",
			logging.String(logging.FieldTaskID, id), logging.Error(err))
	}
	q.events.Record(ctx, id, "completed", string(target))
	q.logger.Info("item completed",
		logging.String(logging.FieldTaskID, id),
		logging.String("result", string(target)),
	)
	return nil
}

// completeWithRetry performs the terminal rename with bounded retries.
// Exhausting the retries is an unrecoverable inconsistency that needs
// manual inspection of the workspace.
func (q *Queue) completeWithRetry(entry dirEntry, target Status) error {
	var err error
	for attempt := 1; attempt <= q.completeRetries; attempt++ {
		err = q.transition(entry.name, StatusRunning, target)
		if err == nil || errors.Is(err, errVanished) {
			return nil
		}
		if attempt < q.completeRetries {
			time.Sleep(completeRetryDelay)
		}
	}
	q.logger.Error("completion rename exhausted retries, manual intervention required",
		logging.String("file", entry.name),
		logging.String("target", string(target)),
		logging.Error(err),
	)
	return fmt.Errorf("complete %s after %d attempts: %w", entry.name, q.completeRetries, err)
}

// verifyAlreadyTerminal treats completion of an item that already sits in a
// terminal directory as a no-op.
func (q *Queue) verifyAlreadyTerminal(id string, target Status) error {
	for _, status := range []Status{target, StatusDone, StatusFailed} {
		if _, found, err := q.findEntry(status, id); err != nil {
			return err
		} else if found {
			return nil
		}
	}
	return fmt.Errorf("%w: %s not in running or terminal state", ErrNotFound, id)
}

// Requeue moves a terminal item back to the queue under a fresh sequence
// number, placing it at the back. The status record is reset to queued while
// its checkpoint history is preserved.
func (q *Queue) Requeue(ctx context.Context, id string) (*Item, error) {
	var requeued *Item
	err := q.withQueueLock(func() error {
		source, entry, err := q.findTerminal(id)
		if err != nil {
			return err
		}
		item, err := q.readItem(source, entry.name)
		if err != nil {
			return fmt.Errorf("read item for requeue: %w", err)
		}

		queued, err := q.listDir(StatusQueued)
		if err != nil {
			return err
		}
		if len(queued) >= q.capacity {
			return fmt.Errorf("%w: %d items queued", ErrQueueFull, len(queued))
		}

		sequence, err := q.nextSequence()
		if err != nil {
			return err
		}
		fresh := &Item{Sequence: sequence, Meta: item.Meta, Payload: item.Payload, Status: StatusQueued}
		data, err := encodeItem(fresh.Meta, fresh.Payload)
		if err != nil {
			return err
		}
		if err := fsutil.WriteFileAtomic(q.tmpDir, filepath.Join(q.dir(StatusQueued), fresh.FileName()), data, 0o644); err != nil {
			return err
		}
		if err := q.removeTerminal(source, entry.name); err != nil {
			return err
		}
		requeued = fresh
		return nil
	})
	if err != nil {
		return nil, err
	}

	if _, err := q.states.Update(ctx, requeued.Meta.ID, func(r *state.StatusRecord) {
		r.Reset()
		r.Step = "requeued"
	}); err != nil {
		q.logger.Warn("status record reset failed after requeue",
			logging.String(logging.FieldTaskID, requeued.Meta.ID), logging.Error(err))
	}
	q.events.Record(ctx, requeued.Meta.ID, "requeued", fmt.Sprintf("sequence %04d", requeued.Sequence))
	q.logger.Info("item requeued",
		logging.String(logging.FieldTaskID, requeued.Meta.ID),
		logging.Int("sequence", requeued.Sequence),
	)
	return requeued, nil
}

// findTerminal locates an item in done or failed.
func (q *Queue) findTerminal(id string) (Status, dirEntry, error) {
	for _, status := range []Status{StatusFailed, StatusDone} {
		entry, found, err := q.findEntry(status, id)
		if err != nil {
			return "", dirEntry{}, err
		}
		if found {
			return status, entry, nil
		}
	}
	return "", dirEntry{}, fmt.Errorf("%w: %s not in a terminal state", ErrNotFound, id)
}

// removeTerminal deletes the consumed terminal copy once the fresh queued
// copy is durably in place.
func (q *Queue) removeTerminal(status Status, name string) error {
	if err := fsutil.Remove(filepath.Join(q.dir(status), name)); err != nil {
		return fmt.Errorf("remove requeued source %s: %w", name, err)
	}
	return nil
}

// SweepResult summarizes one health sweep pass.
type SweepResult struct {
	LazilyCompleted int
	Reclaimed       int
}

// HealthSweep resolves every stuck occupant of the running directory in one
// pass: terminal-marked items are moved to their terminal directory and
// heartbeat-stale items are failed. Healthy occupants are left alone.
func (q *Queue) HealthSweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	err := q.withQueueLock(func() error {
		entries, err := q.listDir(StatusRunning)
		if err != nil {
			return err
		}
		now := time.Now()
		for _, entry := range entries {
			action, err := q.resolveRunningEntry(ctx, entry, now)
			if err != nil {
				return err
			}
			switch action {
			case resolveCompleted:
				result.LazilyCompleted++
			case resolveReclaimed:
				result.Reclaimed++
			}
		}
		return nil
	})
	return result, err
}
