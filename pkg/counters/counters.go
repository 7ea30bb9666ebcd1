// Package counters opens groups of Linux perf events and exposes them as an
// idempotent start/stop meter: Start resets and enables every opened counter,
// Stop disables them and latches one count per opened event into a vector.
//
// Events the kernel refuses (missing PMU, permissions, virtualized hardware)
// are skipped at Open rather than failing the whole group; callers resolve
// slots through Opened instead of assuming request order. The kernel binds
// every event to the thread that opened it, so a Group must be driven from
// that OS thread; Start enforces this. A Group is owned by a single goroutine
// and is not safe for concurrent use.
package counters

import "errors"

var (
	// ErrNoEvents is returned by Open when the kernel refused every requested event.
	ErrNoEvents = errors.New("counters: no perf events could be opened")

	// ErrClosed is returned by Start and Stop after Close released the group.
	ErrClosed = errors.New("counters: group is closed")

	// ErrWrongThread is returned by Start when the group is driven from a
	// different OS thread than the one it was opened on; counts read there
	// would describe the opening thread's work, not the caller's.
	ErrWrongThread = errors.New("counters: group must be used on the thread that opened it")

	// ErrUnsupported is returned by Open on platforms without perf_event_open.
	ErrUnsupported = errors.New("counters: perf events not supported on this platform")
)
