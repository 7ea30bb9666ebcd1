//go:build linux
// +build linux

package counters

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Group owns one perf file descriptor per successfully opened event. The
// first opened fd leads the group so the kernel schedules all members
// together. Counters are opened disabled, exclude kernel-mode counts, and
// follow the thread that opened them (pid 0, any CPU): Start refuses to run
// anywhere else, and callers that measure must stay pinned to that OS thread
// for the duration.
type Group struct {
	logger *zap.Logger

	fds    []int   // opened descriptors, leader first
	events []Event // event per fd, same order
	slots  [numEvents]int
	counts []uint64
	leader int
	tid    int
	closed bool
}

func eventAttr(ev Event) (unix.PerfEventAttr, error) {
	attr := unix.PerfEventAttr{
		Size: uint32(binary.Size(unix.PerfEventAttr{})),
		Bits: unix.PerfBitDisabled | unix.PerfBitExcludeKernel,
	}
	switch ev {
	case TaskClock:
		attr.Type = unix.PERF_TYPE_SOFTWARE
		attr.Config = unix.PERF_COUNT_SW_TASK_CLOCK
	case CPUClock:
		attr.Type = unix.PERF_TYPE_SOFTWARE
		attr.Config = unix.PERF_COUNT_SW_CPU_CLOCK
	case Instructions:
		attr.Type = unix.PERF_TYPE_HARDWARE
		attr.Config = unix.PERF_COUNT_HW_INSTRUCTIONS
	case RefCycles:
		attr.Type = unix.PERF_TYPE_HARDWARE
		attr.Config = unix.PERF_COUNT_HW_REF_CPU_CYCLES
	default:
		return attr, fmt.Errorf("counters: unknown event %v", ev)
	}
	return attr, nil
}

// Open requests the given software and hardware events, in that order, for
// the calling thread. Events the kernel refuses are logged and skipped,
// shifting the slots of later events down; Open fails only when no event at
// all could be acquired.
func Open(logger *zap.Logger, software, hardware []Event) (*Group, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	g := &Group{logger: logger, leader: -1, tid: unix.Gettid()}
	for i := range g.slots {
		g.slots[i] = -1
	}

	requested := make([]Event, 0, len(software)+len(hardware))
	requested = append(requested, software...)
	requested = append(requested, hardware...)

	for _, ev := range requested {
		attr, err := eventAttr(ev)
		if err != nil {
			g.Close()
			return nil, err
		}
		fd, err := unix.PerfEventOpen(&attr, 0, -1, g.leader, unix.PERF_FLAG_FD_CLOEXEC)
		if err != nil {
			logger.Warn("Perf event unavailable, skipping",
				zap.Stringer("event", ev),
				zap.Error(err))
			continue
		}
		if g.leader < 0 {
			g.leader = fd
		}
		g.slots[ev] = len(g.fds)
		g.fds = append(g.fds, fd)
		g.events = append(g.events, ev)
	}

	if len(g.fds) == 0 {
		return nil, ErrNoEvents
	}
	g.counts = make([]uint64, len(g.fds))

	logger.Debug("Perf event group opened",
		zap.Int("opened", len(g.fds)),
		zap.Int("requested", len(requested)))
	return g, nil
}

// Start resets every opened counter to zero and enables it. Safe to call
// repeatedly; each call begins a fresh count. Start fails with ErrWrongThread
// off the opening thread, where the counters would latch that thread's counts
// instead of the caller's.
func (g *Group) Start() error {
	if g.closed {
		return ErrClosed
	}
	if tid := unix.Gettid(); tid != g.tid {
		return fmt.Errorf("start from thread %d, group opened on thread %d: %w",
			tid, g.tid, ErrWrongThread)
	}
	for i, fd := range g.fds {
		if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_RESET, 0); err != nil {
			return fmt.Errorf("reset %s: %w", g.events[i], err)
		}
		if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
			return fmt.Errorf("enable %s: %w", g.events[i], err)
		}
	}
	return nil
}

// Stop disables every opened counter and latches its value into the counts
// vector, leader first.
func (g *Group) Stop() error {
	if g.closed {
		return ErrClosed
	}
	for i, fd := range g.fds {
		if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_DISABLE, 0); err != nil {
			return fmt.Errorf("disable %s: %w", g.events[i], err)
		}
	}
	var buf [8]byte
	for i, fd := range g.fds {
		n, err := unix.Read(fd, buf[:])
		if err != nil {
			return fmt.Errorf("read %s: %w", g.events[i], err)
		}
		if n != len(buf) {
			return fmt.Errorf("read %s: short read of %d bytes", g.events[i], n)
		}
		g.counts[i] = binary.LittleEndian.Uint64(buf[:])
	}
	return nil
}

// Counts returns the vector latched by the last Stop, one slot per opened
// event in open order. The group owns the backing array and overwrites it on
// every Stop; callers copy out what they need before the next Start.
func (g *Group) Counts() []uint64 {
	return g.counts
}

// Opened reports the counts slot assigned to ev, or ok=false when the kernel
// refused the event at Open.
func (g *Group) Opened(ev Event) (slot int, ok bool) {
	if ev < 0 || ev >= numEvents {
		return -1, false
	}
	slot = g.slots[ev]
	return slot, slot >= 0
}

// Close releases every descriptor. Further Start/Stop calls return ErrClosed;
// closing again is a no-op.
func (g *Group) Close() error {
	if g.closed {
		return nil
	}
	g.closed = true
	var firstErr error
	for i, fd := range g.fds {
		if err := unix.Close(fd); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", g.events[i], err)
		}
	}
	return firstErr
}
