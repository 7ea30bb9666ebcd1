// Package collector implements the adaptive sampling loop: for each input
// size it gathers batches of bracketed trials, models the counter readings as
// a shifted exponential, and keeps refining until the floor estimate is
// statistically tight enough or the round budget runs out.
package collector

import (
	"errors"
	"fmt"
	"io"
	"math"
	"runtime"

	"go.uber.org/zap"

	"github.com/perfbound/perfbound/pkg/counters"
)

var (
	// ErrNoCounters is returned when none of the preferred counter events
	// could be acquired.
	ErrNoCounters = errors.New("collector: no preferred counter event available")

	// ErrClosed is returned by Collect after Close.
	ErrClosed = errors.New("collector: closed")
)

// Source is the counter meter driven around every trial. It is the contract
// *counters.Group satisfies: Start resets and enables the opened events, Stop
// latches one count per opened event into the vector returned by Counts, and
// Opened resolves an event to its slot in that vector.
type Source interface {
	Start() error
	Stop() error
	Counts() []uint64
	Opened(ev counters.Event) (slot int, ok bool)
}

// Sink consumes one Result per input size. It is the only path measurements
// take out of the collector.
type Sink func(Result)

// Hooks carries the caller-supplied callables driven once per trial, plus the
// sink receiving one Result per input size.
type Hooks struct {
	// Before runs before each trial, outside the measured region. Optional.
	Before func(size int)
	// After runs after each trial, outside the measured region. Optional.
	After func(size int)
	// Operation is the code under measurement, bracketed tightly by one
	// counter start/stop cycle per trial. Required.
	Operation func(size int)
	// Sink receives the accumulated result for each input size. Required.
	Sink Sink
}

// Result is the accumulated measurement for one input size.
type Result struct {
	// Size is the input size the operation was measured at.
	Size int `json:"size"`
	// Sum is the raw sum of the selected counter across all trials.
	Sum uint64 `json:"sum"`
	// Floor is the estimated true cost: the minimum reading observed.
	Floor uint64 `json:"floor"`
	// Trials is the total number of trials gathered.
	Trials int `json:"trials"`

	// Converged reports whether the error target was met before the round
	// budget ran out. Consumers of the classic 4-tuple above can ignore this
	// and the fields below.
	Converged bool `json:"converged"`
	// Rounds is the number of refinement rounds the size took.
	Rounds int `json:"rounds"`
	// RelErr is the achieved relative error bound; +Inf when the readings
	// never allowed one to be computed.
	RelErr float64 `json:"rel_err"`
	// Event is the counter the readings came from.
	Event counters.Event `json:"event"`
}

// Collector runs the adaptive estimation procedure against a counter source
// it owns. Collectors are single-threaded: one goroutine constructs, drives,
// and closes an instance, and a collector built by New keeps that goroutine
// pinned to its OS thread from construction through Close.
type Collector struct {
	cfg    Config
	logger *zap.Logger
	src    Source
	event  counters.Event
	slot   int
	tel    *telemetry
	pinned bool
	closed bool
}

// New opens the default perf event set for the calling thread and selects the
// counter to measure: the first available event of prefer, or, with no
// preference given, hardware instructions with a fallback to the software
// task clock. The opened events follow the OS thread they were opened on, so
// New pins the calling goroutine to its thread before opening and keeps it
// pinned until Close; Collect and Close must run on this same goroutine. A
// nil logger disables logging.
func New(cfg Config, logger *zap.Logger, prefer ...counters.Event) (*Collector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	runtime.LockOSThread()
	g, err := counters.Open(logger,
		[]counters.Event{counters.TaskClock, counters.CPUClock},
		[]counters.Event{counters.Instructions, counters.RefCycles})
	if err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("opening counter group: %w", err)
	}
	c, err := NewWithSource(cfg, g, logger, prefer...)
	if err != nil {
		g.Close()
		runtime.UnlockOSThread()
		return nil, err
	}
	c.pinned = true
	return c, nil
}

// NewWithSource builds a collector on an already-open counter source and
// takes ownership of it: if src is an io.Closer, Close releases it.
func NewWithSource(cfg Config, src Source, logger *zap.Logger, prefer ...counters.Event) (*Collector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if src == nil {
		return nil, errors.New("collector: nil counter source")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	event, slot, err := selectEvent(src, prefer)
	if err != nil {
		return nil, err
	}
	logger.Debug("Collector ready",
		zap.Stringer("event", event),
		zap.Int("slot", slot))

	return &Collector{
		cfg:    cfg,
		logger: logger,
		src:    src,
		event:  event,
		slot:   slot,
		tel:    newTelemetry(logger),
	}, nil
}

// selectEvent resolves the measured event: the first of prefer the source
// opened. An empty preference means hardware instruction counting with a
// fallback to the software task clock. The slot is resolved once here and
// fixed for the collector's lifetime.
func selectEvent(src Source, prefer []counters.Event) (counters.Event, int, error) {
	if len(prefer) == 0 {
		prefer = []counters.Event{counters.Instructions, counters.TaskClock}
	}
	for _, ev := range prefer {
		if slot, ok := src.Opened(ev); ok {
			return ev, slot, nil
		}
	}
	return 0, -1, ErrNoCounters
}

// Event returns the counter the collector selected at construction.
func (c *Collector) Event() counters.Event {
	return c.event
}

// Close releases the counter source and, for collectors built by New, the
// thread pin taken at construction; it must run on the constructing
// goroutine. Safe to call more than once.
func (c *Collector) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	if c.pinned {
		runtime.UnlockOSThread()
	}
	if closer, ok := c.src.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Collect measures the operation at sizeCount geometrically doubling input
// sizes starting from initialSize. Each size converges or exhausts its round
// budget independently and reaches the sink exactly once, in size order. The
// goroutine stays pinned to its OS thread while measuring, since the perf
// counters follow that thread.
//
// A counter syscall failure aborts the remaining sizes; the failed size
// produces no sink call. An operation that never returns blocks Collect
// forever: there is no cancellation, the round and size limits are the only
// throttles.
func (c *Collector) Collect(initialSize, sizeCount int, hooks Hooks) error {
	if c.closed {
		return ErrClosed
	}
	if initialSize <= 0 {
		return fmt.Errorf("collector: initial size must be positive, got %d", initialSize)
	}
	if sizeCount <= 0 {
		return fmt.Errorf("collector: size count must be positive, got %d", sizeCount)
	}
	if hooks.Operation == nil {
		return errors.New("collector: hooks.Operation is required")
	}
	if hooks.Sink == nil {
		return errors.New("collector: hooks.Sink is required")
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	size := initialSize
	for i := 0; i < sizeCount; i++ {
		if err := c.collectSize(size, hooks); err != nil {
			return fmt.Errorf("measuring size %d: %w", size, err)
		}
		size *= 2
	}
	return nil
}

// collectSize runs the sequential estimator at one input size and emits the
// result to the sink.
//
// Readings are modeled as a shifted exponential: a fixed true cost plus
// one-sided exponential noise. The maximum-likelihood floor estimate under
// that model is the sample minimum, so each round tightens a running minimum
// and re-derives the noise rate from the gap between mean and minimum. The
// achieved error bound follows from the model's tail probability; once it
// falls under the target, the estimate is good enough to emit.
func (c *Collector) collectSize(size int, hooks Hooks) error {
	var (
		sum   uint64
		floor uint64 = math.MaxUint64
		nTot  int
		beta  = math.Inf(1)
		n     = c.cfg.InitialTrials
	)
	logAlpha := -math.Log(c.cfg.Alpha)

	rounds := 0
	converged := false
	for rounds < c.cfg.MaxRounds {
		rounds++
		for i := 0; i < n; i++ {
			cnt, err := c.trial(size, hooks)
			if err != nil {
				return err
			}
			sum += cnt
			if cnt < floor {
				floor = cnt
			}
		}
		nTot += n
		c.tel.recordRound()

		xbar := float64(sum) / float64(nTot)
		gap := xbar - float64(floor)
		if gap <= 0 || floor == 0 {
			// Identical readings, or a floor of zero: the rate estimate is
			// undefined, so the round is non-convergent and the next batch
			// is the smallest allowed step.
			c.tel.recordDegenerate()
			n = c.cfg.MinIncrement
			continue
		}

		lamHat := 1 / gap
		beta = logAlpha / (float64(nTot) * lamHat * float64(floor))
		if beta <= c.cfg.BetaMin {
			converged = true
			break
		}

		targetN := logAlpha / (lamHat * c.cfg.BetaMin * float64(floor))
		if targetN < float64(nTot) {
			// The re-estimated rate and floor moved the projected total below
			// what is already gathered; the extrapolation is useless, so take
			// the smallest step instead.
			n = c.cfg.MinIncrement
			continue
		}
		n = clampBatch(targetN-float64(nTot), c.cfg.MinIncrement, c.cfg.MaxIncrement)
	}

	res := Result{
		Size:      size,
		Sum:       sum,
		Floor:     floor,
		Trials:    nTot,
		Converged: converged,
		Rounds:    rounds,
		RelErr:    beta,
		Event:     c.event,
	}
	c.tel.recordSize(res)
	if !converged {
		c.logger.Debug("Round budget exhausted before convergence",
			zap.Int("size", size),
			zap.Int("trials", nTot),
			zap.Float64("rel_err", beta))
	}

	hooks.Sink(res)
	return nil
}

// trial runs one bracketed measurement and snapshots the selected counter's
// value before the next start/stop cycle can overwrite the source's vector.
func (c *Collector) trial(size int, hooks Hooks) (uint64, error) {
	if hooks.Before != nil {
		hooks.Before(size)
	}
	if err := c.src.Start(); err != nil {
		return 0, fmt.Errorf("starting counters: %w", err)
	}
	hooks.Operation(size)
	if err := c.src.Stop(); err != nil {
		return 0, fmt.Errorf("stopping counters: %w", err)
	}
	cnt := c.src.Counts()[c.slot]
	if hooks.After != nil {
		hooks.After(size)
	}
	c.tel.recordTrial()
	return cnt, nil
}

func clampBatch(want float64, lo, hi int) int {
	if want < float64(lo) {
		return lo
	}
	if want > float64(hi) {
		return hi
	}
	return int(want)
}
