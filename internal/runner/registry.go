package runner

import (
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// Registry tracks live worker processes by task id. It is owned by the
// process supervisor and passed to whoever needs to signal workers; nothing
// reaches for it as ambient state.
type Registry struct {
	mu    sync.Mutex
	procs map[string]*os.Process
}

// NewRegistry returns an empty process registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[string]*os.Process)}
}

// Register records a live worker process for a task.
func (r *Registry) Register(taskID string, proc *os.Process) {
	r.mu.Lock()
	r.procs[taskID] = proc
	r.mu.Unlock()
}

// Unregister forgets the worker for a task.
func (r *Registry) Unregister(taskID string) {
	r.mu.Lock()
	delete(r.procs, taskID)
	r.mu.Unlock()
}

// Lookup returns the registered process for a task.
func (r *Registry) Lookup(taskID string) (*os.Process, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	proc, ok := r.procs[taskID]
	return proc, ok
}

// ActivePID returns the pid of any registered worker, or 0 when idle. The
// queue hands out one item at a time, so at most one entry exists.
func (r *Registry) ActivePID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, proc := range r.procs {
		return proc.Pid
	}
	return 0
}

// KillAll terminates every registered worker's process group: SIGTERM, one
// grace period, then SIGKILL for survivors. Returns how many processes were
// signalled.
func (r *Registry) KillAll(grace time.Duration) int {
	r.mu.Lock()
	procs := make(map[string]*os.Process, len(r.procs))
	for id, proc := range r.procs {
		procs[id] = proc
	}
	r.procs = make(map[string]*os.Process)
	r.mu.Unlock()

	if len(procs) == 0 {
		return 0
	}
	for _, proc := range procs {
		_ = unix.Kill(-proc.Pid, unix.SIGTERM)
	}
	time.Sleep(grace)
	for _, proc := range procs {
		if err := unix.Kill(proc.Pid, 0); err == nil {
			_ = unix.Kill(-proc.Pid, unix.SIGKILL)
		}
	}
	return len(procs)
}
