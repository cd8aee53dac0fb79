package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"shuttle/internal/config"
	"shuttle/internal/logging"
	"shuttle/internal/queue"
	"shuttle/internal/runner"
	"shuttle/internal/state"
)

// Daemon owns the claim-run-complete loop and enforces single-instance
// execution per workspace.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	queue  *queue.Queue
	states *state.Store
	worker *runner.Runner

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex
}

// Status is a point-in-time snapshot of the daemon's world.
type Status struct {
	Running      bool
	WorkerPID    int
	LockFilePath string
	Counts       map[queue.Status]int
	Current      *state.StatusRecord
}

// New constructs a daemon with initialized dependencies.
func New(cfg *config.Config, q *queue.Queue, states *state.Store, worker *runner.Runner, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || q == nil || states == nil || worker == nil {
		return nil, errors.New("daemon requires config, queue, state store, and runner")
	}
	lockPath := filepath.Join(cfg.Paths.LogDir, "shuttled.lock")
	return &Daemon{
		cfg:      cfg,
		logger:   logging.WithComponent(logger, "daemon"),
		queue:    q,
		states:   states,
		worker:   worker,
		lockPath: lockPath,
		lock:     flock.New(lockPath),
	}, nil
}

// Start acquires the single-instance lock and launches the processing loop.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("another shuttle daemon holds %s", d.lockPath)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running.Store(true)

	go func() {
		defer close(d.done)
		d.loop(loopCtx)
	}()

	d.logger.Info("daemon started", logging.String("lock", d.lockPath))
	return nil
}

// Stop halts the loop, waits for an in-flight worker to terminate, and
// releases the instance lock.
func (d *Daemon) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running.Load() {
		return
	}
	d.cancel()
	<-d.done
	if killed := d.worker.Registry().KillAll(d.cfg.Worker.GracePeriodDuration()); killed > 0 {
		d.logger.Warn("killed orphaned workers at shutdown", logging.Int("count", killed))
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("daemon stopped")
}

// Status reports the daemon and queue snapshot.
func (d *Daemon) Status(ctx context.Context) (Status, error) {
	counts, err := d.queue.Stats(ctx)
	if err != nil {
		return Status{}, err
	}
	current, err := d.states.LoadCurrent(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{
		Running:      d.running.Load(),
		WorkerPID:    d.worker.ActivePID(),
		LockFilePath: d.lockPath,
		Counts:       counts,
		Current:      current,
	}, nil
}

// loop claims items one at a time and runs the worker for each. Claim
// already resolves stuck running occupants, so a fresh start recovers work
// orphaned by a crash before handing out anything new.
func (d *Daemon) loop(ctx context.Context) {
	pollInterval := d.cfg.Queue.PollIntervalDuration()
	errorRetry := d.cfg.Queue.ErrorRetryIntervalDuration()

	for {
		if ctx.Err() != nil {
			return
		}

		item, err := d.queue.Claim(ctx, "")
		if err != nil {
			d.logger.Error("claim failed", logging.Error(err))
			if !sleepCtx(ctx, errorRetry) {
				return
			}
			continue
		}
		if item == nil {
			if !sleepCtx(ctx, pollInterval) {
				return
			}
			continue
		}

		d.process(ctx, item)
	}
}

// process runs the worker for one claimed item and completes it according
// to the exit status. A worker interrupted by shutdown or timeout fails the
// item so the slot is released immediately instead of waiting for the
// heartbeat TTL.
func (d *Daemon) process(ctx context.Context, item *queue.Item) {
	id := item.Meta.ID
	outcome, err := d.worker.Run(ctx, id, d.queue.ItemPath(item))
	success := outcome.Success
	if err != nil {
		d.logger.Warn("worker run interrupted",
			logging.String(logging.FieldTaskID, id), logging.Error(err))
		if _, updateErr := d.states.Update(context.Background(), id, func(r *state.StatusRecord) {
			r.AddError("worker interrupted: " + err.Error())
		}); updateErr != nil {
			d.logger.Warn("status record update failed after interruption",
				logging.String(logging.FieldTaskID, id), logging.Error(updateErr))
		}
		success = false
	}
	// The loop context may already be cancelled; completion must still land.
	if err := d.queue.Complete(context.Background(), id, success); err != nil {
		d.logger.Error("completion failed",
			logging.String(logging.FieldTaskID, id), logging.Error(err))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
