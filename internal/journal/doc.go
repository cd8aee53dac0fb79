// Package journal keeps an append-only SQLite log of queue lifecycle events.
// It is observability only: the directory tree remains the source of truth
// for queue state, and every journal write is best effort.
package journal
