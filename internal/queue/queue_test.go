package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shuttle/internal/config"
	"shuttle/internal/filelock"
	"shuttle/internal/keymutex"
	"shuttle/internal/logging"
	"shuttle/internal/state"
	"shuttle/internal/testsupport"
)

type fixture struct {
	queue  *Queue
	states *state.Store
	cfg    *config.Config
}

func newFixture(t *testing.T, mutate func(*config.Config)) fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	if mutate != nil {
		mutate(cfg)
	}
	logger := logging.NewNop()

	mutexes := keymutex.New(cfg.Mutex, logger)
	t.Cleanup(mutexes.Close)

	states, err := state.NewStore(cfg.Paths.WorkspaceDir, mutexes, cfg.State, logger)
	require.NoError(t, err)

	locks := filelock.New(cfg.Locks, logger)
	q, err := Open(cfg, locks, states, nil, logger)
	require.NoError(t, err)
	return fixture{queue: q, states: states, cfg: cfg}
}

func enqueue(t *testing.T, f fixture, id string) *Item {
	t.Helper()
	item, err := f.queue.Enqueue(context.Background(), Metadata{ID: id}, "payload for "+id)
	require.NoError(t, err)
	return item
}

func TestEnqueueAssignsIncreasingSequences(t *testing.T) {
	f := newFixture(t, nil)
	first := enqueue(t, f, "t1")
	second := enqueue(t, f, "t2")
	third := enqueue(t, f, "t3")

	require.Equal(t, 1, first.Sequence)
	require.Equal(t, 2, second.Sequence)
	require.Equal(t, 3, third.Sequence)

	names, err := os.ReadDir(filepath.Join(f.cfg.Paths.WorkspaceDir, "queue"))
	require.NoError(t, err)
	require.Len(t, names, 3)
}

func TestEnqueueRejectsWhenFull(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Queue.Capacity = 2 })
	enqueue(t, f, "t1")
	enqueue(t, f, "t2")

	_, err := f.queue.Enqueue(context.Background(), Metadata{ID: "t3"}, "")
	require.ErrorIs(t, err, ErrQueueFull)
}

func TestEnqueueRequiresID(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.queue.Enqueue(context.Background(), Metadata{}, "")
	require.Error(t, err)
}

func TestClaimEmptyQueueReturnsNil(t *testing.T) {
	f := newFixture(t, nil)
	item, err := f.queue.Claim(context.Background(), "")
	require.NoError(t, err)
	require.Nil(t, item)
}

func TestClaimIsFIFOAndSingleOccupancy(t *testing.T) {
	f := newFixture(t, nil)
	enqueue(t, f, "t1")
	enqueue(t, f, "t2")

	first, err := f.queue.Claim(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, "t1", first.Meta.ID)
	require.Equal(t, StatusRunning, first.Status)

	// The running slot is occupied, so a second claim hands out nothing.
	second, err := f.queue.Claim(context.Background(), "")
	require.NoError(t, err)
	require.Nil(t, second)

	record, err := f.states.Load(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, state.StateRunning, record.State)
	require.False(t, record.LastHeartbeat.IsZero())
}

func TestClaimPreferredIDJumpsTheLine(t *testing.T) {
	f := newFixture(t, nil)
	enqueue(t, f, "t1")
	enqueue(t, f, "t2")
	enqueue(t, f, "t3")

	item, err := f.queue.Claim(context.Background(), "t2")
	require.NoError(t, err)
	require.NotNil(t, item)
	require.Equal(t, "t2", item.Meta.ID)
}

func TestCompleteMovesToTerminalDirectory(t *testing.T) {
	f := newFixture(t, nil)
	enqueue(t, f, "t1")
	item, err := f.queue.Claim(context.Background(), "")
	require.NoError(t, err)

	require.NoError(t, f.queue.Complete(context.Background(), item.Meta.ID, true))

	stats, err := f.queue.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats[StatusDone])
	require.Equal(t, 0, stats[StatusRunning])

	record, err := f.states.Load(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, state.StateDone, record.State)
	require.Equal(t, float64(100), record.Percent)
}

func TestCompleteFailureMovesToFailed(t *testing.T) {
	f := newFixture(t, nil)
	enqueue(t, f, "t1")
	_, err := f.queue.Claim(context.Background(), "")
	require.NoError(t, err)

	require.NoError(t, f.queue.Complete(context.Background(), "t1", false))

	stats, err := f.queue.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats[StatusFailed])
}

func TestCompleteTwiceIsBenign(t *testing.T) {
	f := newFixture(t, nil)
	enqueue(t, f, "t1")
	_, err := f.queue.Claim(context.Background(), "")
	require.NoError(t, err)

	require.NoError(t, f.queue.Complete(context.Background(), "t1", true))
	require.NoError(t, f.queue.Complete(context.Background(), "t1", true))
}

func TestCompleteUnknownItem(t *testing.T) {
	f := newFixture(t, nil)
	err := f.queue.Complete(context.Background(), "ghost", true)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRequeuePlacesItemAtBack(t *testing.T) {
	f := newFixture(t, nil)
	enqueue(t, f, "t1")
	enqueue(t, f, "t2")
	_, err := f.queue.Claim(context.Background(), "")
	require.NoError(t, err)
	require.NoError(t, f.queue.Complete(context.Background(), "t1", false))

	requeued, err := f.queue.Requeue(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, 3, requeued.Sequence, "requeued item gets a fresh sequence behind t2")

	record, err := f.states.Load(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, state.StateQueued, record.State)

	// t2 is claimed ahead of the requeued t1.
	item, err := f.queue.Claim(context.Background(), "")
	require.NoError(t, err)
	require.Equal(t, "t2", item.Meta.ID)
}

func TestRequeueRequiresTerminalState(t *testing.T) {
	f := newFixture(t, nil)
	enqueue(t, f, "t1")
	_, err := f.queue.Requeue(context.Background(), "t1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestClaimLazilyCompletesTerminalRunningItem(t *testing.T) {
	f := newFixture(t, nil)
	enqueue(t, f, "t1")
	enqueue(t, f, "t2")
	_, err := f.queue.Claim(context.Background(), "")
	require.NoError(t, err)

	// The worker recorded success but the process died before the final
	// rename. The next claim finishes the move and hands out new work.
	_, err = f.states.Update(context.Background(), "t1", func(r *state.StatusRecord) {
		r.State = state.StateDone
	})
	require.NoError(t, err)

	item, err := f.queue.Claim(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, item)
	require.Equal(t, "t2", item.Meta.ID)

	stats, err := f.queue.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats[StatusDone])
	require.Equal(t, 1, stats[StatusRunning])
}

func TestClaimReclaimsStaleRunningItem(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Queue.RunningTTL = 1 })
	enqueue(t, f, "t1")
	enqueue(t, f, "t2")
	_, err := f.queue.Claim(context.Background(), "")
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)

	item, err := f.queue.Claim(context.Background(), "")
	require.NoError(t, err)
	require.NotNil(t, item)
	require.Equal(t, "t2", item.Meta.ID)

	record, err := f.states.Load(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, state.StateStale, record.State)
	require.NotEmpty(t, record.Errors)

	stats, err := f.queue.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats[StatusFailed])
}

func TestHealthSweepCounts(t *testing.T) {
	f := newFixture(t, func(cfg *config.Config) { cfg.Queue.RunningTTL = 1 })
	enqueue(t, f, "t1")
	_, err := f.queue.Claim(context.Background(), "")
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)

	result, err := f.queue.HealthSweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, result.Reclaimed)
	require.Equal(t, 0, result.LazilyCompleted)
}

func TestHealthSweepLeavesHealthyOccupant(t *testing.T) {
	f := newFixture(t, nil)
	enqueue(t, f, "t1")
	_, err := f.queue.Claim(context.Background(), "")
	require.NoError(t, err)

	result, err := f.queue.HealthSweep(context.Background())
	require.NoError(t, err)
	require.Equal(t, SweepResult{}, result)

	stats, err := f.queue.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, stats[StatusRunning])
}

func TestListAndGet(t *testing.T) {
	f := newFixture(t, nil)
	enqueue(t, f, "t1")
	enqueue(t, f, "t2")
	_, err := f.queue.Claim(context.Background(), "")
	require.NoError(t, err)

	all, err := f.queue.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "t1", all[0].Meta.ID)
	require.Equal(t, StatusRunning, all[0].Status)

	queued, err := f.queue.List(context.Background(), StatusQueued)
	require.NoError(t, err)
	require.Len(t, queued, 1)

	item, err := f.queue.Get(context.Background(), "t2")
	require.NoError(t, err)
	require.Equal(t, StatusQueued, item.Status)

	_, err = f.queue.Get(context.Background(), "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestConcurrentInspectionsShareTheQueue(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		enqueue(t, f, fmt.Sprintf("t%d", i))
	}

	errs := make([]error, 8)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_, errs[i] = f.queue.List(ctx)
				return
			}
			stats, err := f.queue.Stats(ctx)
			if err == nil && stats[StatusQueued] != 3 {
				err = fmt.Errorf("expected 3 queued items, got %d", stats[StatusQueued])
			}
			errs[i] = err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "inspection %d", i)
	}
}

func TestTransitionRejectsIllegalMove(t *testing.T) {
	f := newFixture(t, nil)
	err := f.queue.transition("0001_t1.task", StatusQueued, StatusDone)
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestTransitionVanishedSource(t *testing.T) {
	f := newFixture(t, nil)
	err := f.queue.transition("0001_t1.task", StatusQueued, StatusRunning)
	require.ErrorIs(t, err, errVanished)
}

func TestTransitionDuplicateCompletionNoOp(t *testing.T) {
	f := newFixture(t, nil)
	enqueue(t, f, "t1")
	item, err := f.queue.Claim(context.Background(), "")
	require.NoError(t, err)

	require.NoError(t, f.queue.transition(item.FileName(), StatusRunning, StatusDone))
	// Source gone, destination present: treated as already completed.
	require.NoError(t, f.queue.transition(item.FileName(), StatusRunning, StatusDone))
}

func TestSequencesNeverReusedAcrossRequeue(t *testing.T) {
	f := newFixture(t, nil)
	enqueue(t, f, "t1")
	_, err := f.queue.Claim(context.Background(), "")
	require.NoError(t, err)
	require.NoError(t, f.queue.Complete(context.Background(), "t1", false))

	requeued, err := f.queue.Requeue(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, 2, requeued.Sequence)

	fresh := enqueue(t, f, "t2")
	require.Equal(t, 3, fresh.Sequence)
}
