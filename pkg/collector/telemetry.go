package collector

import (
	"context"
	"math"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Statistics is a point-in-time snapshot of a collector's operational
// counters. It carries no measurement data; results travel through the sink
// exclusively.
type Statistics struct {
	TrialsExecuted   int64
	RoundsRun        int64
	SizesCompleted   int64
	DegenerateRounds int64
	ExhaustedSizes   int64
}

// telemetry tracks the collector's own operation. Instruments that fail to
// initialize stay nil and recording skips them; a collector works fine with
// no meter provider installed.
type telemetry struct {
	trialsExecuted   atomic.Int64
	roundsRun        atomic.Int64
	sizesCompleted   atomic.Int64
	degenerateRounds atomic.Int64
	exhaustedSizes   atomic.Int64

	trialsCounter    metric.Int64Counter
	roundsHistogram  metric.Int64Histogram
	relErrHistogram  metric.Float64Histogram
	exhaustedCounter metric.Int64Counter
}

func newTelemetry(logger *zap.Logger) *telemetry {
	t := &telemetry{}
	meter := otel.Meter("perfbound")

	var err error
	t.trialsCounter, err = meter.Int64Counter(
		"perfbound_trials_total",
		metric.WithDescription("Total bracketed trials executed"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Debug("Failed to create trials counter", zap.Error(err))
		t.trialsCounter = nil
	}

	t.roundsHistogram, err = meter.Int64Histogram(
		"perfbound_rounds_per_size",
		metric.WithDescription("Refinement rounds taken per input size"),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(1, 2, 3, 5, 8, 13, 20),
	)
	if err != nil {
		logger.Debug("Failed to create rounds histogram", zap.Error(err))
		t.roundsHistogram = nil
	}

	t.relErrHistogram, err = meter.Float64Histogram(
		"perfbound_relative_error",
		metric.WithDescription("Achieved relative error bound per input size"),
		metric.WithUnit("1"),
		metric.WithExplicitBucketBoundaries(0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0),
	)
	if err != nil {
		logger.Debug("Failed to create relative error histogram", zap.Error(err))
		t.relErrHistogram = nil
	}

	t.exhaustedCounter, err = meter.Int64Counter(
		"perfbound_exhausted_total",
		metric.WithDescription("Input sizes whose round budget ran out before convergence"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Debug("Failed to create exhausted counter", zap.Error(err))
		t.exhaustedCounter = nil
	}

	return t
}

func (t *telemetry) recordTrial() {
	t.trialsExecuted.Add(1)
	if t.trialsCounter != nil {
		t.trialsCounter.Add(context.Background(), 1)
	}
}

func (t *telemetry) recordRound() {
	t.roundsRun.Add(1)
}

func (t *telemetry) recordDegenerate() {
	t.degenerateRounds.Add(1)
}

func (t *telemetry) recordSize(res Result) {
	t.sizesCompleted.Add(1)

	ctx := context.Background()
	if t.roundsHistogram != nil {
		t.roundsHistogram.Record(ctx, int64(res.Rounds),
			metric.WithAttributes(attribute.Int("size", res.Size)))
	}
	if t.relErrHistogram != nil && !math.IsInf(res.RelErr, 1) {
		t.relErrHistogram.Record(ctx, res.RelErr)
	}
	if !res.Converged {
		t.exhaustedSizes.Add(1)
		if t.exhaustedCounter != nil {
			t.exhaustedCounter.Add(ctx, 1)
		}
	}
}

// Statistics returns a snapshot of the collector's operational counters.
func (c *Collector) Statistics() Statistics {
	return Statistics{
		TrialsExecuted:   c.tel.trialsExecuted.Load(),
		RoundsRun:        c.tel.roundsRun.Load(),
		SizesCompleted:   c.tel.sizesCompleted.Load(),
		DegenerateRounds: c.tel.degenerateRounds.Load(),
		ExhaustedSizes:   c.tel.exhaustedSizes.Load(),
	}
}
