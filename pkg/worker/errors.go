package worker

import "errors"

var (
	// ErrNilProcessor is panicked by NewPool when no processor is given.
	ErrNilProcessor = errors.New("worker pool requires a processor")
	// ErrPoolNotStarted is returned by Submit before Start.
	ErrPoolNotStarted = errors.New("worker pool not started")
	// ErrPoolStopped is returned by Submit after Stop.
	ErrPoolStopped = errors.New("worker pool stopped")
	// ErrPoolAlreadyStarted is returned by a second Start.
	ErrPoolAlreadyStarted = errors.New("worker pool already started")
	// ErrQueueFull is returned by Submit when the work queue is full.
	ErrQueueFull = errors.New("worker pool queue full")
	// ErrStopTimeout is returned by Stop when workers fail to drain in
	// time.
	ErrStopTimeout = errors.New("worker pool stop timed out")
)
