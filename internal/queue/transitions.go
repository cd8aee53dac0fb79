package queue

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Status is the lifecycle state of a queue item, equal to the directory the
// item file sits in.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// AllStatuses returns the ordered list of lifecycle states.
func AllStatuses() []Status {
	return []Status{StatusQueued, StatusRunning, StatusDone, StatusFailed}
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(value))) {
	case StatusQueued:
		return StatusQueued, true
	case StatusRunning:
		return StatusRunning, true
	case StatusDone:
		return StatusDone, true
	case StatusFailed:
		return StatusFailed, true
	default:
		return "", false
	}
}

// IsTerminal reports whether the status is a completion state.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed
}

// dirName maps a status to its directory under the workspace root. The
// queued state keeps the historical directory name "queue".
func (s Status) dirName() string {
	if s == StatusQueued {
		return "queue"
	}
	return string(s)
}

type transitionKey struct {
	from Status
	to   Status
}

// legalTransitions is the complete set of allowed moves: claim, completion,
// and manual requeue. Everything else is rejected before touching the
// filesystem.
var legalTransitions = map[transitionKey]struct{}{
	{StatusQueued, StatusRunning}: {},
	{StatusRunning, StatusDone}:   {},
	{StatusRunning, StatusFailed}: {},
	{StatusDone, StatusQueued}:    {},
	{StatusFailed, StatusQueued}:  {},
}

// errVanished signals that the rename source disappeared mid-transition:
// another path already moved the item. Callers treat it as a benign race.
var errVanished = errors.New("queue: item vanished before transition")

// transition moves an item file between lifecycle directories with a single
// rename. The directories are validated same-device at open, so the rename
// is atomic.
func (q *Queue) transition(fileName string, from, to Status) error {
	if _, ok := legalTransitions[transitionKey{from, to}]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	src := filepath.Join(q.dir(from), fileName)
	dst := filepath.Join(q.dir(to), fileName)
	if err := os.Rename(src, dst); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if _, statErr := os.Stat(dst); statErr == nil {
				// Already moved by a concurrent path; duplicate completion is
				// a no-op.
				return nil
			}
			return errVanished
		}
		return fmt.Errorf("move %s from %s to %s: %w", fileName, from, to, err)
	}
	return nil
}
