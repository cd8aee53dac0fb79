package keymutex

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"shuttle/internal/config"
	"shuttle/internal/logging"
)

// ErrLockTimeout is returned when a waiter's timeout elapses before it
// acquires the key. The waiter is removed from the wait line without
// disturbing other waiters.
var ErrLockTimeout = errors.New("keymutex: timed out waiting for key")

// Manager hands out per-key exclusive sections. The acquire-or-enqueue
// decision happens under one internal lock, so two callers can never both
// conclude they hold the same key.
type Manager struct {
	mu   sync.Mutex
	keys map[string]*keyState
	gen  uint64

	logger      *slog.Logger
	waitTimeout time.Duration
	holdTimeout time.Duration

	sweepStop chan struct{}
	sweepDone chan struct{}
}

type keyState struct {
	holder  *holder
	waiters []*waiter
}

type holder struct {
	gen   uint64
	since time.Time
}

type waiter struct {
	grant chan uint64
}

// New constructs a manager and starts its stuck-holder sweep.
func New(cfg config.Mutex, logger *slog.Logger) *Manager {
	m := &Manager{
		keys:        make(map[string]*keyState),
		logger:      logging.WithComponent(logger, "keymutex"),
		waitTimeout: cfg.WaitTimeoutDuration(),
		holdTimeout: cfg.HoldTimeoutDuration(),
		sweepStop:   make(chan struct{}),
		sweepDone:   make(chan struct{}),
	}
	go m.sweepLoop(cfg.SweepIntervalDuration())
	return m
}

// Close stops the background sweep. Held keys are left to their holders.
func (m *Manager) Close() {
	m.mu.Lock()
	select {
	case <-m.sweepStop:
		m.mu.Unlock()
		return
	default:
	}
	close(m.sweepStop)
	m.mu.Unlock()
	<-m.sweepDone
}

// RunExclusive runs fn while holding key, using the manager's default wait
// timeout.
func (m *Manager) RunExclusive(ctx context.Context, key string, fn func(context.Context) error) error {
	return m.RunExclusiveWait(ctx, key, m.waitTimeout, fn)
}

// RunExclusiveWait runs fn while holding key, waiting at most wait for
// acquisition. FIFO order among waiters is preserved.
func (m *Manager) RunExclusiveWait(ctx context.Context, key string, wait time.Duration, fn func(context.Context) error) error {
	gen, err := m.acquire(ctx, key, wait)
	if err != nil {
		return err
	}
	defer m.release(key, gen)
	return fn(ctx)
}

func (m *Manager) acquire(ctx context.Context, key string, wait time.Duration) (uint64, error) {
	m.mu.Lock()
	ks := m.keys[key]
	if ks == nil {
		ks = &keyState{}
		m.keys[key] = ks
	}
	if ks.holder == nil && len(ks.waiters) == 0 {
		m.gen++
		ks.holder = &holder{gen: m.gen, since: time.Now()}
		gen := m.gen
		m.mu.Unlock()
		return gen, nil
	}
	w := &waiter{grant: make(chan uint64, 1)}
	ks.waiters = append(ks.waiters, w)
	m.mu.Unlock()

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case gen := <-w.grant:
		return gen, nil
	case <-timer.C:
		return m.abandonWait(key, w, ErrLockTimeout)
	case <-ctx.Done():
		return m.abandonWait(key, w, ctx.Err())
	}
}

// abandonWait removes w from the wait line. The grant may have raced the
// timeout; in that case the key is ours after all and the acquisition
// succeeds.
func (m *Manager) abandonWait(key string, w *waiter, cause error) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	select {
	case gen := <-w.grant:
		return gen, nil
	default:
	}

	ks := m.keys[key]
	if ks != nil {
		for i, candidate := range ks.waiters {
			if candidate == w {
				ks.waiters = append(ks.waiters[:i], ks.waiters[i+1:]...)
				break
			}
		}
		m.dropIfIdle(key, ks)
	}
	return 0, cause
}

func (m *Manager) release(key string, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ks := m.keys[key]
	if ks == nil || ks.holder == nil || ks.holder.gen != gen {
		// The sweep already force-released this hold and may have handed the
		// key to someone else; releasing again would corrupt their hold.
		m.logger.Debug("release after forced hand-off ignored", logging.String("key", key))
		return
	}
	m.handOff(key, ks)
}

// handOff passes the key to the next waiter in FIFO order, or frees it.
// Callers must hold m.mu.
func (m *Manager) handOff(key string, ks *keyState) {
	ks.holder = nil
	if len(ks.waiters) > 0 {
		next := ks.waiters[0]
		ks.waiters = ks.waiters[1:]
		m.gen++
		ks.holder = &holder{gen: m.gen, since: time.Now()}
		next.grant <- m.gen
		return
	}
	m.dropIfIdle(key, ks)
}

func (m *Manager) dropIfIdle(key string, ks *keyState) {
	if ks.holder == nil && len(ks.waiters) == 0 {
		delete(m.keys, key)
	}
}

func (m *Manager) sweepLoop(interval time.Duration) {
	defer close(m.sweepDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.sweepStop:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

// sweep force-releases keys held past the hold ceiling so a hung external
// call cannot deadlock the coordination layer. The stuck fn keeps running,
// but its eventual release is ignored.
func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, ks := range m.keys {
		if ks.holder == nil || now.Sub(ks.holder.since) <= m.holdTimeout {
			continue
		}
		m.logger.Warn("recovered stuck exclusive operation",
			logging.String("key", key),
			logging.Duration("held_for", now.Sub(ks.holder.since)),
			logging.Int("waiters", len(ks.waiters)),
		)
		m.handOff(key, ks)
	}
}
