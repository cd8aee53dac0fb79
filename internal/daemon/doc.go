// Package daemon runs the coordination loop: it enforces single-instance
// execution with an advisory file lock, claims one item at a time from the
// queue, hands it to the worker runner, and records the outcome.
package daemon
