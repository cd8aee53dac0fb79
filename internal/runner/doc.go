// Package runner executes the external worker command for one claimed item
// at a time. It owns the worker process group, captures the worker's output
// into a per-item log, refreshes the heartbeat in the status store while the
// worker lives, and maps the exit status to a queue outcome.
package runner
