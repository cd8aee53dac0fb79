package queue

import "errors"

var (
	// ErrQueueFull is returned when enqueue would exceed the configured
	// capacity.
	ErrQueueFull = errors.New("queue: at capacity")

	// ErrCrossDevice is a fatal configuration error: the queue directories
	// span filesystem devices, so renames would silently degrade to
	// copy+delete. The process must not start in this layout.
	ErrCrossDevice = errors.New("queue: directories span filesystem devices")

	// ErrIllegalTransition is returned for a state transition outside the
	// legal set.
	ErrIllegalTransition = errors.New("queue: illegal state transition")

	// ErrNotFound is returned when an operation names an item that is not in
	// any lifecycle directory it is valid for.
	ErrNotFound = errors.New("queue: item not found")
)
