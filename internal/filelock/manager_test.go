package filelock

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"shuttle/internal/config"
	"shuttle/internal/logging"
)

func testLocksConfig() config.Locks {
	return config.Locks{
		StaleThreshold:       60,
		AcquireTimeout:       1,
		InitialBackoffMillis: 5,
		MaxBackoffMillis:     20,
	}
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return New(testLocksConfig(), logging.NewNop())
}

func testResource(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "state.json")
}

func TestWriteLockIsExclusive(t *testing.T) {
	resource := testResource(t)
	first := newTestManager(t)
	second := newTestManager(t)

	require.NoError(t, first.Acquire(resource, KindWrite))

	err := second.Acquire(resource, KindWrite)
	require.ErrorIs(t, err, ErrAcquireTimeout)

	first.Release(resource, KindWrite)
	require.NoError(t, second.Acquire(resource, KindWrite))
	second.Release(resource, KindWrite)
}

func TestReadLockSharesHolders(t *testing.T) {
	resource := testResource(t)
	managers := []*Manager{newTestManager(t), newTestManager(t), newTestManager(t)}

	for _, m := range managers {
		require.NoError(t, m.Acquire(resource, KindRead))
	}

	rec, err := readRecord(LockPath(resource))
	require.NoError(t, err)
	require.Equal(t, KindRead, rec.Type)
	require.Equal(t, len(managers), rec.Holders)

	for _, m := range managers[:len(managers)-1] {
		m.Release(resource, KindRead)
	}
	rec, err = readRecord(LockPath(resource))
	require.NoError(t, err)
	require.Equal(t, 1, rec.Holders)

	managers[len(managers)-1].Release(resource, KindRead)
	_, err = os.Stat(LockPath(resource))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestConcurrentReadAcquiresCountEveryHolder(t *testing.T) {
	resource := testResource(t)
	const readers = 8

	cfg := testLocksConfig()
	cfg.AcquireTimeout = 5
	managers := make([]*Manager, readers)
	for i := range managers {
		managers[i] = New(cfg, logging.NewNop())
	}

	start := make(chan struct{})
	errs := make([]error, readers)
	var wg sync.WaitGroup
	for i, m := range managers {
		wg.Add(1)
		go func(i int, m *Manager) {
			defer wg.Done()
			<-start
			errs[i] = m.Acquire(resource, KindRead)
		}(i, m)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "reader %d", i)
	}
	rec, err := readRecord(LockPath(resource))
	require.NoError(t, err)
	require.Equal(t, readers, rec.Holders)

	for _, m := range managers {
		m.Release(resource, KindRead)
	}
	_, err = os.Stat(LockPath(resource))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestOneManagerConcurrentReadJoins(t *testing.T) {
	resource := testResource(t)
	cfg := testLocksConfig()
	cfg.AcquireTimeout = 5
	m := New(cfg, logging.NewNop())

	const readers = 8
	start := make(chan struct{})
	errs := make([]error, readers)
	var wg sync.WaitGroup
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			errs[i] = m.Acquire(resource, KindRead)
		}(i)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		require.NoError(t, err, "reader %d", i)
	}
	rec, err := readRecord(LockPath(resource))
	require.NoError(t, err)
	require.Equal(t, readers, rec.Holders)

	for i := 0; i < readers; i++ {
		m.Release(resource, KindRead)
	}
	_, err = os.Stat(LockPath(resource))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestStaleCommitGuardIsRecovered(t *testing.T) {
	resource := testResource(t)
	m := newTestManager(t)
	m.alive = func(int) bool { return true }

	writeTestRecord(t, resource, Record{PID: os.Getpid(), Timestamp: time.Now(), Type: KindRead, Holders: 1})
	guard := LockPath(resource) + ".cas"
	require.NoError(t, os.WriteFile(guard, nil, 0o644))
	old := time.Now().Add(-2 * time.Minute)
	require.NoError(t, os.Chtimes(guard, old, old))

	require.NoError(t, m.Acquire(resource, KindRead))
	rec, err := readRecord(LockPath(resource))
	require.NoError(t, err)
	require.Equal(t, 2, rec.Holders)
}

func TestWriteBlocksBehindReadLock(t *testing.T) {
	resource := testResource(t)
	reader := newTestManager(t)
	writer := newTestManager(t)

	require.NoError(t, reader.Acquire(resource, KindRead))
	require.ErrorIs(t, writer.Acquire(resource, KindWrite), ErrAcquireTimeout)

	reader.Release(resource, KindRead)
	require.NoError(t, writer.Acquire(resource, KindWrite))
	writer.Release(resource, KindWrite)
}

func TestReleaseOfMissingLockIsNoop(t *testing.T) {
	resource := testResource(t)
	m := newTestManager(t)

	m.Release(resource, KindWrite)
	m.Release(resource, KindRead)
}

func TestStaleRecordFromDeadProcessIsRecovered(t *testing.T) {
	resource := testResource(t)
	m := newTestManager(t)
	m.alive = func(int) bool { return false }

	writeTestRecord(t, resource, Record{PID: 999999, Timestamp: time.Now(), Type: KindWrite, Holders: 1})

	require.NoError(t, m.Acquire(resource, KindWrite))
	m.Release(resource, KindWrite)
}

func TestRecordPastStaleThresholdIsRecovered(t *testing.T) {
	resource := testResource(t)
	m := newTestManager(t)
	// Holder looks alive; only age should trip staleness.
	m.alive = func(int) bool { return true }

	writeTestRecord(t, resource, Record{
		PID:       os.Getpid(),
		Timestamp: time.Now().Add(-2 * time.Minute),
		Type:      KindWrite,
		Holders:   1,
	})

	require.NoError(t, m.Acquire(resource, KindWrite))
	m.Release(resource, KindWrite)
}

func TestUnreadableRecordIsRecovered(t *testing.T) {
	resource := testResource(t)
	m := newTestManager(t)

	require.NoError(t, os.WriteFile(LockPath(resource), []byte("not json"), 0o644))
	require.NoError(t, m.Acquire(resource, KindWrite))
	m.Release(resource, KindWrite)
}

func TestLiveWriteLockIsRespected(t *testing.T) {
	resource := testResource(t)
	m := newTestManager(t)
	m.alive = func(int) bool { return true }

	writeTestRecord(t, resource, Record{PID: os.Getpid() + 1, Timestamp: time.Now(), Type: KindWrite, Holders: 1})

	require.ErrorIs(t, m.Acquire(resource, KindRead), ErrAcquireTimeout)
}

func TestWithWriteLockReleasesOnReturn(t *testing.T) {
	resource := testResource(t)
	m := newTestManager(t)

	ran := false
	require.NoError(t, m.WithWriteLock(resource, func() error {
		ran = true
		_, err := os.Stat(LockPath(resource))
		return err
	}))
	require.True(t, ran)

	_, err := os.Stat(LockPath(resource))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func writeTestRecord(t *testing.T, resource string, rec Record) {
	t.Helper()
	data, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(LockPath(resource), data, 0o644))
}
