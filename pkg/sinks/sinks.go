// Package sinks provides ready-made result sinks for the collector: plain
// text, Go benchmark format, structured logs, fan-out, and in-memory capture.
package sinks

import (
	"fmt"
	"io"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/perfbound/perfbound/pkg/collector"
	"github.com/perfbound/perfbound/pkg/counters"
)

// Writer renders one human-readable line per input size: the classic
// size / floor / trials / sum tuple.
func Writer(w io.Writer) collector.Sink {
	return func(r collector.Result) {
		fmt.Fprintf(w, "size=%-10d floor=%-14d trials=%-8d sum=%d\n",
			r.Size, r.Floor, r.Trials, r.Sum)
	}
}

// Benchfmt renders one Go benchmark format line per input size, so result
// files feed straight into benchstat and the golang.org/x/perf tooling. The
// floor estimate is the primary value; the per-trial mean rides along under
// a -mean unit.
func Benchfmt(w io.Writer, name string) collector.Sink {
	return func(r collector.Result) {
		unit := eventUnit(r.Event)
		mean := float64(r.Sum) / float64(r.Trials)
		fmt.Fprintf(w, "Benchmark%s/size=%d\t%d\t%v %s/op\t%v %s-mean/op\n",
			capitalize(name), r.Size, r.Trials, float64(r.Floor), unit, mean, unit)
	}
}

// Zap logs one structured entry per input size, including the convergence
// fields the text formats leave out.
func Zap(logger *zap.Logger) collector.Sink {
	return func(r collector.Result) {
		logger.Info("Measurement complete",
			zap.Int("size", r.Size),
			zap.Uint64("floor", r.Floor),
			zap.Int("trials", r.Trials),
			zap.Uint64("sum", r.Sum),
			zap.Bool("converged", r.Converged),
			zap.Int("rounds", r.Rounds),
			zap.Float64("rel_err", r.RelErr),
			zap.Stringer("event", r.Event))
	}
}

// Multi fans every result out to each sink in order. Nil sinks are skipped.
func Multi(sinks ...collector.Sink) collector.Sink {
	return func(r collector.Result) {
		for _, s := range sinks {
			if s != nil {
				s(r)
			}
		}
	}
}

// Memory captures results for later inspection. Like the collector that
// feeds it, it belongs to a single goroutine.
type Memory struct {
	results []collector.Result
}

// Sink returns the capturing sink function.
func (m *Memory) Sink() collector.Sink {
	return func(r collector.Result) {
		m.results = append(m.results, r)
	}
}

// Results returns the captured results in arrival order.
func (m *Memory) Results() []collector.Result {
	return m.results
}

// eventUnit names the benchmark unit a counter's readings are reported
// under. The clock events count nanoseconds; the hardware events count
// themselves.
func eventUnit(ev counters.Event) string {
	switch ev {
	case counters.Instructions:
		return "instructions"
	case counters.RefCycles:
		return "ref-cycles"
	case counters.TaskClock:
		return "task-clock-ns"
	case counters.CPUClock:
		return "cpu-clock-ns"
	default:
		return "counts"
	}
}

func capitalize(s string) string {
	if s == "" {
		return "Op"
	}
	r, size := utf8.DecodeRuneInString(s)
	return string(unicode.ToUpper(r)) + s[size:]
}
