package counters

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// openTestGroup opens the full default event set on a pinned OS thread,
// skipping the test on machines (or platforms) where the kernel refuses perf
// events entirely. The pin holds until the test ends because the counters
// follow the opening thread.
func openTestGroup(t *testing.T) *Group {
	t.Helper()
	runtime.LockOSThread()
	t.Cleanup(runtime.UnlockOSThread)
	g, err := Open(zaptest.NewLogger(t),
		[]Event{TaskClock, CPUClock},
		[]Event{Instructions, RefCycles})
	if err != nil {
		t.Skipf("perf events unavailable: %v", err)
	}
	t.Cleanup(func() { g.Close() })
	return g
}

// spin burns CPU so counters have something to count.
func spin(iters int) uint64 {
	var acc uint64
	for i := 0; i < iters; i++ {
		acc = acc*2654435761 + uint64(i)
	}
	return acc
}

func TestGroupOpenAssignsSlots(t *testing.T) {
	g := openTestGroup(t)

	// Software clocks are available on every kernel that allows perf at all.
	slot, ok := g.Opened(TaskClock)
	require.True(t, ok)
	assert.GreaterOrEqual(t, slot, 0)
	assert.Less(t, slot, len(g.Counts()))

	// Slots are dense and unique across opened events.
	seen := make(map[int]bool)
	for _, ev := range AllEvents() {
		if s, ok := g.Opened(ev); ok {
			assert.False(t, seen[s], "slot %d assigned twice", s)
			seen[s] = true
		}
	}
	assert.Len(t, seen, len(g.Counts()))
}

func TestGroupOpenedRejectsUnknownEvent(t *testing.T) {
	g := openTestGroup(t)

	_, ok := g.Opened(Event(-1))
	assert.False(t, ok)
	_, ok = g.Opened(Event(99))
	assert.False(t, ok)
}

func TestGroupStartStopLatchesCounts(t *testing.T) {
	g := openTestGroup(t)
	slot, ok := g.Opened(TaskClock)
	require.True(t, ok)

	require.NoError(t, g.Start())
	spin(5_000_000)
	require.NoError(t, g.Stop())

	assert.NotZero(t, g.Counts()[slot], "task-clock saw no time during a busy loop")
}

func TestGroupRestartResetsCounts(t *testing.T) {
	g := openTestGroup(t)
	slot, ok := g.Opened(TaskClock)
	require.True(t, ok)

	// A cycle with real work, then an empty cycle. The empty cycle must read
	// near zero rather than the previous cycle's accumulated count.
	require.NoError(t, g.Start())
	spin(5_000_000)
	require.NoError(t, g.Stop())
	busy := g.Counts()[slot]
	require.NotZero(t, busy)

	require.NoError(t, g.Start())
	require.NoError(t, g.Stop())
	idle := g.Counts()[slot]

	assert.Less(t, idle*10, busy, "restart did not reset: idle=%d busy=%d", idle, busy)
}

func TestGroupCountsBufferIsReused(t *testing.T) {
	g := openTestGroup(t)

	require.NoError(t, g.Start())
	require.NoError(t, g.Stop())
	first := g.Counts()

	require.NoError(t, g.Start())
	spin(1_000_000)
	require.NoError(t, g.Stop())
	second := g.Counts()

	// Same backing vector on every Stop; callers snapshot values, not slices.
	assert.Equal(t, &first[0], &second[0])
}

// The counters follow the thread that opened them, so driving the group from
// any other thread must fail loudly instead of latching that thread's
// unrelated counts.
func TestGroupStartOffOpeningThread(t *testing.T) {
	g := openTestGroup(t)

	// The test goroutine holds its thread, so this goroutine necessarily
	// runs somewhere else.
	errc := make(chan error, 1)
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		errc <- g.Start()
	}()
	assert.ErrorIs(t, <-errc, ErrWrongThread)

	// Back on the opening thread the group still works.
	require.NoError(t, g.Start())
	require.NoError(t, g.Stop())
}

func TestGroupCloseIdempotent(t *testing.T) {
	g := openTestGroup(t)

	require.NoError(t, g.Close())
	assert.NoError(t, g.Close())

	assert.ErrorIs(t, g.Start(), ErrClosed)
	assert.ErrorIs(t, g.Stop(), ErrClosed)
}
