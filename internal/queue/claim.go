package queue

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"shuttle/internal/logging"
	"shuttle/internal/state"
)

// Claim hands out the next unit of work. It returns nil with no error when
// the queue is empty or when a live item already occupies the running slot.
// Before claiming it resolves the running directory: items whose status
// record already reached a terminal state are lazily completed, and items
// without a heartbeat inside the running TTL are failed as stale.
func (q *Queue) Claim(ctx context.Context, preferredID string) (*Item, error) {
	var claimed *Item
	err := q.withQueueLock(func() error {
		free, err := q.resolveRunningSlot(ctx, time.Now())
		if err != nil {
			return err
		}
		if !free {
			return nil
		}

		candidates, err := q.listDir(StatusQueued)
		if err != nil {
			return err
		}
		if preferredID != "" {
			candidates = preferFirst(candidates, sanitizeExternalID(preferredID))
		}

		for _, candidate := range candidates {
			if err := q.transition(candidate.name, StatusQueued, StatusRunning); err != nil {
				if errors.Is(err, errVanished) {
					continue
				}
				return err
			}
			item, err := q.readItem(StatusRunning, candidate.name)
			if err != nil {
				// The file moved but its contents are unusable. Park it in
				// failed rather than blocking the running slot.
				q.logger.Error("claimed item unreadable, failing it",
					logging.String("file", candidate.name), logging.Error(err))
				if moveErr := q.transition(candidate.name, StatusRunning, StatusFailed); moveErr != nil {
					return moveErr
				}
				continue
			}
			claimed = item
			return nil
		}
		return nil
	})
	if err != nil || claimed == nil {
		return nil, err
	}

	if _, err := q.states.Update(ctx, claimed.Meta.ID, func(r *state.StatusRecord) {
		r.State = state.StateRunning
		r.Step = "claimed"
		r.Percent = 0
		r.Heartbeat()
	}); err != nil {
		q.logger.Warn("status record update failed after claim",
			logging.String(logging.FieldTaskID, claimed.Meta.ID), logging.Error(err))
	}
	q.events.Record(ctx, claimed.Meta.ID, "claimed", "")
	q.logger.Info("item claimed",
		logging.String(logging.FieldTaskID, claimed.Meta.ID),
		logging.Int("sequence", claimed.Sequence),
	)
	return claimed, nil
}

// preferFirst moves the candidate matching the sanitized external id to the
// front while keeping the remainder in sequence order.
func preferFirst(entries []dirEntry, externalID string) []dirEntry {
	for i, entry := range entries {
		if entry.externalID == externalID {
			reordered := make([]dirEntry, 0, len(entries))
			reordered = append(reordered, entry)
			reordered = append(reordered, entries[:i]...)
			return append(reordered, entries[i+1:]...)
		}
	}
	return entries
}

// resolveRunningSlot inspects the running directory and reports whether the
// slot is free. Occupants with a terminal status record are moved to their
// terminal directory; occupants with no heartbeat inside the TTL are failed
// as stale. A healthy occupant keeps the slot busy. Callers hold the queue
// lock.
func (q *Queue) resolveRunningSlot(ctx context.Context, now time.Time) (bool, error) {
	entries, err := q.listDir(StatusRunning)
	if err != nil {
		return false, err
	}
	free := true
	for _, entry := range entries {
		action, err := q.resolveRunningEntry(ctx, entry, now)
		if err != nil {
			return false, err
		}
		if action == resolveKept {
			free = false
		}
	}
	return free, nil
}

// resolveAction records what resolveRunningEntry did with an occupant.
type resolveAction int

const (
	resolveKept resolveAction = iota
	resolveCompleted
	resolveReclaimed
)

// resolveRunningEntry decides the fate of one running occupant.
func (q *Queue) resolveRunningEntry(ctx context.Context, entry dirEntry, now time.Time) (resolveAction, error) {
	id := entry.externalID
	if item, err := q.readItem(StatusRunning, entry.name); err == nil {
		id = item.Meta.ID
	}

	record, err := q.states.Load(ctx, id)
	if err != nil {
		return resolveKept, err
	}

	if record != nil && record.State.IsTerminal() {
		target := StatusDone
		if record.State == state.StateFailed {
			target = StatusFailed
		}
		if err := q.transition(entry.name, StatusRunning, target); err != nil && !errors.Is(err, errVanished) {
			return resolveKept, err
		}
		q.events.Record(ctx, id, "lazily_completed", string(target))
		q.logger.Info("running item lazily completed",
			logging.String(logging.FieldTaskID, id),
			logging.String("target", string(target)),
		)
		return resolveCompleted, nil
	}

	age := q.heartbeatAge(record, entry, now)
	if age <= q.runningTTL {
		return resolveKept, nil
	}

	if err := q.transition(entry.name, StatusRunning, StatusFailed); err != nil && !errors.Is(err, errVanished) {
		return resolveKept, err
	}
	if _, err := q.states.Update(ctx, id, func(r *state.StatusRecord) {
		r.State = state.StateStale
		r.AddError("reclaimed: no heartbeat within running TTL")
	}); err != nil {
		q.logger.Warn("status record update failed for stale item",
			logging.String(logging.FieldTaskID, id), logging.Error(err))
	}
	q.events.Record(ctx, id, "reclaimed_stale", "")
	q.logger.Warn("stale running item reclaimed",
		logging.String(logging.FieldTaskID, id),
		logging.Duration("heartbeat_age", age),
	)
	return resolveReclaimed, nil
}

// heartbeatAge measures how long the occupant has gone without a sign of
// life, falling back to the item file's mtime when no status record exists.
func (q *Queue) heartbeatAge(record *state.StatusRecord, entry dirEntry, now time.Time) time.Duration {
	var last time.Time
	if record != nil {
		last = record.LastHeartbeat
		if record.LastUpdate.After(last) {
			last = record.LastUpdate
		}
	}
	if last.IsZero() {
		if info, err := os.Stat(filepath.Join(q.dir(StatusRunning), entry.name)); err == nil {
			last = info.ModTime()
		} else {
			last = now
		}
	}
	return now.Sub(last)
}
