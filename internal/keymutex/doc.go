// Package keymutex provides in-process, per-key mutual exclusion with FIFO
// fairness, waiter timeouts, and forced release of holders that exceed the
// configured hold ceiling. Every state-document mutation in shuttle funnels
// through a manager key so read-modify-write cycles are never interleaved.
package keymutex
