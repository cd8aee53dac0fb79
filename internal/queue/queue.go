package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"shuttle/internal/config"
	"shuttle/internal/filelock"
	"shuttle/internal/fsutil"
	"shuttle/internal/logging"
	"shuttle/internal/state"
)

// EventRecorder receives queue lifecycle events for the task history. A nil
// recorder disables history.
type EventRecorder interface {
	Record(ctx context.Context, taskID, event, detail string)
}

type noopRecorder struct{}

func (noopRecorder) Record(context.Context, string, string, string) {}

// Queue coordinates the four lifecycle directories under the workspace root.
// All mutations are serialized through a cross-process write lock on the
// queue resource, so multiple shuttle processes can share one workspace;
// read-only views share a read lock and proceed in parallel.
type Queue struct {
	root   string
	tmpDir string

	capacity        int
	runningTTL      time.Duration
	completeRetries int

	locks  *filelock.Manager
	states *state.Store
	events EventRecorder
	logger *slog.Logger
}

// Open prepares the queue directories and validates the layout. The
// directories and the status staging area must share one filesystem device;
// a cross-device layout is a fatal configuration error because rename would
// stop being atomic.
func Open(cfg *config.Config, locks *filelock.Manager, states *state.Store, events EventRecorder, logger *slog.Logger) (*Queue, error) {
	if events == nil {
		events = noopRecorder{}
	}
	q := &Queue{
		root:            cfg.Paths.WorkspaceDir,
		tmpDir:          filepath.Join(cfg.Paths.WorkspaceDir, "tmp"),
		capacity:        cfg.Queue.Capacity,
		runningTTL:      cfg.Queue.RunningTTLDuration(),
		completeRetries: cfg.Queue.CompleteRetryAttempts,
		locks:           locks,
		states:          states,
		events:          events,
		logger:          logging.WithComponent(logger, "queue"),
	}

	dirs := []string{q.tmpDir}
	for _, status := range AllStatuses() {
		dirs = append(dirs, q.dir(status))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create queue directory %q: %w", dir, err)
		}
	}

	devicePaths := append(dirs, states.Dir())
	if err := fsutil.SameDevice(devicePaths...); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCrossDevice, err)
	}
	return q, nil
}

// Root returns the workspace root the queue operates under.
func (q *Queue) Root() string { return q.root }

// Enqueue adds a new work item at the back of the queue and returns it with
// its assigned sequence number.
func (q *Queue) Enqueue(ctx context.Context, meta Metadata, payload string) (*Item, error) {
	if strings.TrimSpace(meta.ID) == "" {
		return nil, errors.New("queue: item id is required")
	}
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now()
	}

	var item *Item
	err := q.withQueueLock(func() error {
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

		item = &Item{Sequence: sequence, Meta: meta, Payload: payload, Status: StatusQueued}
		data, err := encodeItem(meta, payload)
		if err != nil {
			return err
		}
		return fsutil.WriteFileAtomic(q.tmpDir, filepath.Join(q.dir(StatusQueued), item.FileName()), data, 0o644)
	})
	if err != nil {
		return nil, err
	}

	if _, err := q.states.Update(ctx, meta.ID, func(r *state.StatusRecord) {
		r.Reset()
		r.Step = "queued"
	}); err != nil {
		q.logger.Warn("status record init failed after enqueue",
			logging.String(logging.FieldTaskID, meta.ID), logging.Error(err))
	}
	q.events.Record(ctx, meta.ID, "enqueued", fmt.Sprintf("sequence %04d", item.Sequence))
	q.logger.Info("item enqueued",
		logging.String(logging.FieldTaskID, meta.ID),
		logging.Int("sequence", item.Sequence),
	)
	return item, nil
}

// ItemPath returns the path of an item file in its current lifecycle
// directory.
func (q *Queue) ItemPath(item *Item) string {
	return filepath.Join(q.dir(item.Status), item.FileName())
}

func (q *Queue) withQueueLock(fn func() error) error {
	return q.locks.WithWriteLock(filepath.Join(q.root, "queue"), fn)
}

func (q *Queue) withQueueReadLock(fn func() error) error {
	return q.locks.WithReadLock(filepath.Join(q.root, "queue"), fn)
}

func (q *Queue) dir(s Status) string {
	return filepath.Join(q.root, s.dirName())
}

type dirEntry struct {
	name       string
	sequence   int
	externalID string
}

// listDir returns parseable item files in a lifecycle directory, sorted by
// sequence so lexicographic and enqueue order agree.
func (q *Queue) listDir(status Status) ([]dirEntry, error) {
	entries, err := os.ReadDir(q.dir(status))
	if err != nil {
		return nil, fmt.Errorf("read %s directory: %w", status, err)
	}
	items := make([]dirEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		sequence, externalID, ok := parseFileName(entry.Name())
		if !ok {
			continue
		}
		items = append(items, dirEntry{name: entry.Name(), sequence: sequence, externalID: externalID})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].sequence < items[j].sequence })
	return items, nil
}

// nextSequence scans every lifecycle directory so a sequence number is never
// reused while any item bearing it still exists.
func (q *Queue) nextSequence() (int, error) {
	max := 0
	for _, status := range AllStatuses() {
		entries, err := q.listDir(status)
		if err != nil {
			return 0, err
		}
		for _, entry := range entries {
			if entry.sequence > max {
				max = entry.sequence
			}
		}
	}
	return max + 1, nil
}

// readItem loads and parses an item file from a lifecycle directory.
func (q *Queue) readItem(status Status, name string) (*Item, error) {
	sequence, _, ok := parseFileName(name)
	if !ok {
		return nil, fmt.Errorf("queue: malformed item name %q", name)
	}
	data, err := os.ReadFile(filepath.Join(q.dir(status), name))
	if err != nil {
		return nil, err
	}
	meta, payload, err := parseItem(data)
	if err != nil {
		return nil, fmt.Errorf("parse item %s: %w", name, err)
	}
	return &Item{Sequence: sequence, Meta: meta, Payload: payload, Status: status}, nil
}

// findEntry locates an item by external id within one lifecycle directory.
func (q *Queue) findEntry(status Status, id string) (dirEntry, bool, error) {
	entries, err := q.listDir(status)
	if err != nil {
		return dirEntry{}, false, err
	}
	want := sanitizeExternalID(id)
	for _, entry := range entries {
		if entry.externalID == want {
			return entry, true, nil
		}
	}
	return dirEntry{}, false, nil
}
