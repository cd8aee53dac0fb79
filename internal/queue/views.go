package queue

import (
	"context"
	"fmt"
	"sort"

	"shuttle/internal/logging"
)

// List returns items in the requested lifecycle states, sorted by sequence.
// With no statuses given it lists everything. Unreadable item files are
// skipped with a warning so one corrupt file never hides the rest.
func (q *Queue) List(ctx context.Context, statuses ...Status) ([]*Item, error) {
	if len(statuses) == 0 {
		statuses = AllStatuses()
	}
	var items []*Item
	err := q.withQueueReadLock(func() error {
		for _, status := range statuses {
			entries, err := q.listDir(status)
			if err != nil {
				return err
			}
			for _, entry := range entries {
				item, err := q.readItem(status, entry.name)
				if err != nil {
					q.logger.Warn("skipping unreadable item file",
						logging.String("file", entry.name), logging.Error(err))
					continue
				}
				items = append(items, item)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Sequence < items[j].Sequence })
	return items, nil
}

// Get locates one item by external id across all lifecycle directories.
func (q *Queue) Get(ctx context.Context, id string) (*Item, error) {
	var found *Item
	err := q.withQueueReadLock(func() error {
		for _, status := range AllStatuses() {
			entry, ok, err := q.findEntry(status, id)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			item, err := q.readItem(status, entry.name)
			if err != nil {
				return err
			}
			found = item
			return nil
		}
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// Stats counts items per lifecycle state.
func (q *Queue) Stats(ctx context.Context) (map[Status]int, error) {
	counts := make(map[Status]int, len(AllStatuses()))
	err := q.withQueueReadLock(func() error {
		for _, status := range AllStatuses() {
			entries, err := q.listDir(status)
			if err != nil {
				return err
			}
			counts[status] = len(entries)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}
