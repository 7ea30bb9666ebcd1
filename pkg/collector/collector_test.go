package collector

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/perfbound/perfbound/pkg/counters"
)

// stubSource replays synthetic counter readings: reading(i) is the value
// latched by the i-th Stop. Every opened slot receives the same value; the
// collector only ever reads the slot of its selected event.
type stubSource struct {
	slots   map[counters.Event]int
	counts  []uint64
	reading func(trial int) uint64

	trial      int
	started    int
	stopped    int
	closeCalls int
	startErr   error
	stopErr    error
}

func newStubSource(reading func(trial int) uint64, opened ...counters.Event) *stubSource {
	s := &stubSource{
		slots:   make(map[counters.Event]int, len(opened)),
		counts:  make([]uint64, len(opened)),
		reading: reading,
	}
	for i, ev := range opened {
		s.slots[ev] = i
	}
	return s
}

func (s *stubSource) Start() error {
	if s.startErr != nil {
		return s.startErr
	}
	s.started++
	return nil
}

func (s *stubSource) Stop() error {
	if s.stopErr != nil {
		return s.stopErr
	}
	s.stopped++
	v := s.reading(s.trial)
	s.trial++
	for i := range s.counts {
		s.counts[i] = v
	}
	return nil
}

func (s *stubSource) Counts() []uint64 { return s.counts }

func (s *stubSource) Opened(ev counters.Event) (int, bool) {
	slot, ok := s.slots[ev]
	if !ok {
		return -1, false
	}
	return slot, true
}

func (s *stubSource) Close() error {
	s.closeCalls++
	return nil
}

func constant(v uint64) func(int) uint64 {
	return func(int) uint64 { return v }
}

var allOpened = []counters.Event{
	counters.TaskClock, counters.CPUClock, counters.Instructions, counters.RefCycles,
}

func testConfig() Config {
	return Config{
		Alpha:         0.05,
		BetaMin:       0.1,
		MinIncrement:  10,
		MaxIncrement:  1000,
		MaxRounds:     20,
		InitialTrials: 30,
	}
}

func TestNewWithSourceSelectsInstructions(t *testing.T) {
	src := newStubSource(constant(1), allOpened...)
	c, err := NewWithSource(testConfig(), src, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, counters.Instructions, c.Event())
}

func TestNewWithSourceFallsBackToTaskClock(t *testing.T) {
	// The PMU refused both hardware events; only the software clocks opened.
	src := newStubSource(constant(1), counters.TaskClock, counters.CPUClock)
	c, err := NewWithSource(testConfig(), src, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, counters.TaskClock, c.Event())
}

func TestNewWithSourceNoUsableCounter(t *testing.T) {
	src := newStubSource(constant(1), counters.CPUClock, counters.RefCycles)
	_, err := NewWithSource(testConfig(), src, zaptest.NewLogger(t))
	assert.ErrorIs(t, err, ErrNoCounters)
}

func TestNewWithSourcePreferredEvent(t *testing.T) {
	// An explicit preference overrides the instructions-first default.
	src := newStubSource(constant(1), allOpened...)
	c, err := NewWithSource(testConfig(), src, zaptest.NewLogger(t), counters.CPUClock)
	require.NoError(t, err)
	defer c.Close()
	assert.Equal(t, counters.CPUClock, c.Event())

	// A preferred event the source never opened is an error, not a fallback.
	src = newStubSource(constant(1), counters.TaskClock)
	_, err = NewWithSource(testConfig(), src, zaptest.NewLogger(t), counters.RefCycles)
	assert.ErrorIs(t, err, ErrNoCounters)
}

// busyWork keeps measured loops observable so the compiler cannot discard them.
var busyWork uint64

// A collector built by New is bound to the thread its counters were opened
// on; driving Collect from another goroutine must surface the counter
// guard instead of silently measuring the wrong thread.
func TestCollectOffConstructionGoroutineFails(t *testing.T) {
	c, err := New(testConfig(), zaptest.NewLogger(t), counters.TaskClock)
	if err != nil {
		t.Skipf("perf events unavailable: %v", err)
	}
	defer c.Close()

	errc := make(chan error, 1)
	go func() {
		errc <- c.Collect(8, 1, Hooks{
			Operation: func(int) {},
			Sink:      func(Result) {},
		})
	}()
	assert.ErrorIs(t, <-errc, counters.ErrWrongThread)
}

// With construction and measurement on one goroutine, a busy operation's
// running time must land in the selected counter rather than in some other
// thread's idle count.
func TestNewMeasuresOnOpeningThread(t *testing.T) {
	cfg := Config{
		Alpha:         0.05,
		BetaMin:       0.1,
		MinIncrement:  1,
		MaxIncrement:  1,
		MaxRounds:     1,
		InitialTrials: 3,
	}
	c, err := New(cfg, zaptest.NewLogger(t), counters.TaskClock)
	if err != nil {
		t.Skipf("perf events unavailable: %v", err)
	}
	defer c.Close()

	var results []Result
	err = c.Collect(5_000_000, 1, Hooks{
		Operation: func(size int) {
			acc := uint64(1)
			for i := 0; i < size; i++ {
				acc = acc*2654435761 + uint64(i)
			}
			busyWork = acc
		},
		Sink: func(r Result) { results = append(results, r) },
	})
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, counters.TaskClock, results[0].Event)
	// Five million dependent multiply-adds run for milliseconds; a floor in
	// the microseconds means the counter watched a different thread.
	assert.Greater(t, results[0].Floor, uint64(100_000))
}

func TestNewWithSourceValidation(t *testing.T) {
	src := newStubSource(constant(1), allOpened...)

	cfg := testConfig()
	cfg.Alpha = 1.5
	_, err := NewWithSource(cfg, src, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "alpha")

	_, err = NewWithSource(testConfig(), nil, zaptest.NewLogger(t))
	assert.ErrorContains(t, err, "nil counter source")
}

func TestNewWithSourceNilLogger(t *testing.T) {
	src := newStubSource(constant(1), allOpened...)
	c, err := NewWithSource(testConfig(), src, nil)
	require.NoError(t, err)
	assert.NoError(t, c.Close())
}

// Bounded noise above a floor of 1000: the estimator must converge well
// inside the round budget and recover the floor exactly.
func TestCollectSyntheticConvergence(t *testing.T) {
	src := newStubSource(func(trial int) uint64 {
		return 1000 + uint64(trial%5)
	}, allOpened...)
	c, err := NewWithSource(testConfig(), src, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	var results []Result
	err = c.Collect(64, 1, Hooks{
		Operation: func(int) {},
		Sink:      func(r Result) { results = append(results, r) },
	})
	require.NoError(t, err)

	require.Len(t, results, 1)
	res := results[0]
	assert.True(t, res.Converged)
	assert.Less(t, res.Rounds, testConfig().MaxRounds)
	assert.Equal(t, uint64(1000), res.Floor)
	assert.Equal(t, 30, res.Trials)
	assert.Equal(t, uint64(30060), res.Sum)
	assert.LessOrEqual(t, res.RelErr, testConfig().BetaMin)
}

// Identical readings collapse the mean onto the minimum, leaving the noise
// rate undefined. Every round falls back to the smallest batch, the budget
// runs out, and the best-effort result still reaches the sink.
func TestCollectConstantReadings(t *testing.T) {
	src := newStubSource(constant(4242), allOpened...)
	c, err := NewWithSource(testConfig(), src, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	var results []Result
	err = c.Collect(8, 1, Hooks{
		Operation: func(int) {},
		Sink:      func(r Result) { results = append(results, r) },
	})
	require.NoError(t, err)

	require.Len(t, results, 1)
	res := results[0]
	assert.False(t, res.Converged)
	assert.Equal(t, testConfig().MaxRounds, res.Rounds)
	assert.Equal(t, uint64(4242), res.Floor)
	// 30 initial trials, then MinIncrement for each of the 19 remaining rounds.
	assert.Equal(t, 220, res.Trials)
	assert.Equal(t, uint64(4242*220), res.Sum)
	assert.True(t, math.IsInf(res.RelErr, 1))

	stats := c.Statistics()
	assert.Equal(t, int64(220), stats.TrialsExecuted)
	assert.Equal(t, int64(20), stats.RoundsRun)
	assert.Equal(t, int64(20), stats.DegenerateRounds)
	assert.Equal(t, int64(1), stats.ExhaustedSizes)
}

// A zero floor breaks the error bound the same way identical readings do;
// the estimator must fall back rather than divide by zero.
func TestCollectZeroFloor(t *testing.T) {
	src := newStubSource(func(trial int) uint64 {
		return uint64(trial % 3) // readings 0, 1, 2
	}, allOpened...)
	c, err := NewWithSource(testConfig(), src, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	var results []Result
	err = c.Collect(8, 1, Hooks{
		Operation: func(int) {},
		Sink:      func(r Result) { results = append(results, r) },
	})
	require.NoError(t, err)

	require.Len(t, results, 1)
	res := results[0]
	assert.False(t, res.Converged)
	assert.Equal(t, uint64(0), res.Floor)
	assert.Equal(t, 220, res.Trials)
}

// The floor moves down when later rounds observe cheaper trials; the final
// estimate must be the global minimum, not any single round's.
func TestCollectFloorTracksGlobalMinimum(t *testing.T) {
	// High-variance readings force several rounds; from trial 30 on, the
	// cheap readings drop from 5000 to 4000.
	src := newStubSource(func(trial int) uint64 {
		low := uint64(5000)
		if trial >= 30 {
			low = 4000
		}
		if trial%2 == 1 {
			return 50000
		}
		return low
	}, allOpened...)
	c, err := NewWithSource(testConfig(), src, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	var results []Result
	err = c.Collect(8, 1, Hooks{
		Operation: func(int) {},
		Sink:      func(r Result) { results = append(results, r) },
	})
	require.NoError(t, err)

	require.Len(t, results, 1)
	res := results[0]
	assert.True(t, res.Converged)
	assert.Equal(t, uint64(4000), res.Floor)
	assert.GreaterOrEqual(t, res.Rounds, 2)
	assert.Less(t, res.Rounds, testConfig().MaxRounds)
	assert.Greater(t, res.Trials, 30)
}

func TestCollectDoublesSizes(t *testing.T) {
	cfg := Config{
		Alpha:         0.05,
		BetaMin:       0.1,
		MinIncrement:  1,
		MaxIncrement:  1,
		MaxRounds:     1,
		InitialTrials: 2,
	}
	src := newStubSource(constant(7), allOpened...)
	c, err := NewWithSource(cfg, src, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	var sizes []int
	var opSizes []int
	err = c.Collect(64, 3, Hooks{
		Operation: func(size int) { opSizes = append(opSizes, size) },
		Sink:      func(r Result) { sizes = append(sizes, r.Size) },
	})
	require.NoError(t, err)

	assert.Equal(t, []int{64, 128, 256}, sizes)
	assert.Equal(t, []int{64, 64, 128, 128, 256, 256}, opSizes)

	stats := c.Statistics()
	assert.Equal(t, int64(6), stats.TrialsExecuted)
	assert.Equal(t, int64(3), stats.SizesCompleted)
}

func TestCollectHookBracketing(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRounds = 1
	src := newStubSource(constant(7), allOpened...)
	c, err := NewWithSource(cfg, src, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	var before, after int
	err = c.Collect(16, 1, Hooks{
		Before: func(size int) {
			before++
			assert.Equal(t, 16, size)
			assert.Equal(t, src.started, src.stopped, "counters running during Before")
		},
		Operation: func(size int) {
			assert.Equal(t, src.started, src.stopped+1, "counters not running during Operation")
		},
		After: func(size int) {
			after++
			assert.Equal(t, src.started, src.stopped, "counters running during After")
		},
		Sink: func(Result) {},
	})
	require.NoError(t, err)

	assert.Equal(t, cfg.InitialTrials, before)
	assert.Equal(t, cfg.InitialTrials, after)
	assert.Equal(t, cfg.InitialTrials, src.started)
}

func TestCollectCounterFailureAborts(t *testing.T) {
	tests := []struct {
		name string
		set  func(*stubSource)
		want string
	}{
		{
			name: "start fails",
			set:  func(s *stubSource) { s.startErr = errors.New("boom") },
			want: "starting counters",
		},
		{
			name: "stop fails",
			set:  func(s *stubSource) { s.stopErr = errors.New("boom") },
			want: "stopping counters",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := newStubSource(constant(7), allOpened...)
			tt.set(src)
			c, err := NewWithSource(testConfig(), src, zaptest.NewLogger(t))
			require.NoError(t, err)
			defer c.Close()

			sinkCalls := 0
			err = c.Collect(16, 2, Hooks{
				Operation: func(int) {},
				Sink:      func(Result) { sinkCalls++ },
			})
			assert.ErrorContains(t, err, tt.want)
			assert.Zero(t, sinkCalls, "failed measurement must not reach the sink")
		})
	}
}

func TestCollectArgumentValidation(t *testing.T) {
	src := newStubSource(constant(7), allOpened...)
	c, err := NewWithSource(testConfig(), src, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer c.Close()

	noop := Hooks{Operation: func(int) {}, Sink: func(Result) {}}

	assert.Error(t, c.Collect(0, 1, noop))
	assert.Error(t, c.Collect(-8, 1, noop))
	assert.Error(t, c.Collect(8, 0, noop))
	assert.Error(t, c.Collect(8, 1, Hooks{Sink: func(Result) {}}))
	assert.Error(t, c.Collect(8, 1, Hooks{Operation: func(int) {}}))
}

func TestCloseReleasesSourceOnce(t *testing.T) {
	src := newStubSource(constant(7), allOpened...)
	c, err := NewWithSource(testConfig(), src, zaptest.NewLogger(t))
	require.NoError(t, err)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Equal(t, 1, src.closeCalls)

	err = c.Collect(8, 1, Hooks{Operation: func(int) {}, Sink: func(Result) {}})
	assert.ErrorIs(t, err, ErrClosed)
}
