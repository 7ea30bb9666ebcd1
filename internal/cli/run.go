package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/perfbound/perfbound/pkg/collector"
	"github.com/perfbound/perfbound/pkg/counters"
	"github.com/perfbound/perfbound/pkg/sinks"
	"github.com/perfbound/perfbound/pkg/workloads"
)

var (
	runFile          string
	runInitialSize   int
	runSizeCount     int
	runEvent         string
	runAlpha         float64
	runBetaMin       float64
	runMinIncrement  int
	runMaxIncrement  int
	runMaxRounds     int
	runInitialTrials int
	runFormat        string
	runOut           string
	runBenchName     string
)

var runCmd = &cobra.Command{
	Use:   "run [workload]",
	Short: "Measure the cost floor of a workload across doubling sizes",
	Long: `Run measures a workload at a series of doubling problem sizes and
reports the estimated cost floor for each.

Every size is measured in adaptive batches: trials run until the
estimated probability that the observed minimum overstates the true
floor drops below beta-min, or until the round budget is exhausted.`,
	Example: `  # Measure the built-in sort workload
  perfbound run sort

  # Five doubling sizes starting at 256, benchmark-format output
  perfbound run sort --size 256 --sizes 5 --output bench

  # Tighter confidence target
  perfbound run sum --alpha 0.01 --beta-min 0.05

  # Measure the task clock instead of retired instructions
  perfbound run spin --event task-clock

  # Load settings from a file
  perfbound run copy --file bench.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	def := DefaultRunConfig()

	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "run configuration file (YAML)")
	runCmd.Flags().IntVar(&runInitialSize, "size", def.InitialSize, "initial problem size")
	runCmd.Flags().IntVar(&runSizeCount, "sizes", def.SizeCount, "number of doubling sizes to measure")
	runCmd.Flags().StringVar(&runEvent, "event", "", "counter to measure: task-clock, cpu-clock, instructions, ref-cycles (default: automatic)")
	runCmd.Flags().Float64Var(&runAlpha, "alpha", def.Collector.Alpha, "confidence parameter in (0, 1)")
	runCmd.Flags().Float64Var(&runBetaMin, "beta-min", def.Collector.BetaMin, "overshoot probability at which a size converges")
	runCmd.Flags().IntVar(&runMinIncrement, "min-increment", def.Collector.MinIncrement, "smallest trial batch per round")
	runCmd.Flags().IntVar(&runMaxIncrement, "max-increment", def.Collector.MaxIncrement, "largest trial batch per round")
	runCmd.Flags().IntVar(&runMaxRounds, "max-rounds", def.Collector.MaxRounds, "round budget per size")
	runCmd.Flags().IntVar(&runInitialTrials, "initial-trials", def.Collector.InitialTrials, "trials in the first round")
	runCmd.Flags().StringVarP(&runFormat, "output", "o", def.Output.Format, "output format: text, bench, log")
	runCmd.Flags().StringVar(&runOut, "out", "", "write results to a file instead of stdout")
	runCmd.Flags().StringVar(&runBenchName, "bench-name", "", "benchmark name for bench output (default: workload name)")
}

// applyRunFlags overlays explicitly set flags onto cfg. File values
// survive unless the user set the corresponding flag.
func applyRunFlags(cmd *cobra.Command, cfg *RunConfig) {
	flagTargets := map[string]func(){
		"size":           func() { cfg.InitialSize = runInitialSize },
		"sizes":          func() { cfg.SizeCount = runSizeCount },
		"event":          func() { cfg.Event = runEvent },
		"alpha":          func() { cfg.Collector.Alpha = runAlpha },
		"beta-min":       func() { cfg.Collector.BetaMin = runBetaMin },
		"min-increment":  func() { cfg.Collector.MinIncrement = runMinIncrement },
		"max-increment":  func() { cfg.Collector.MaxIncrement = runMaxIncrement },
		"max-rounds":     func() { cfg.Collector.MaxRounds = runMaxRounds },
		"initial-trials": func() { cfg.Collector.InitialTrials = runInitialTrials },
		"output":         func() { cfg.Output.Format = runFormat },
		"out":            func() { cfg.Output.Path = runOut },
		"bench-name":     func() { cfg.Output.BenchName = runBenchName },
	}
	for name, apply := range flagTargets {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	cfg := DefaultRunConfig()
	if runFile != "" {
		loaded, err := LoadRunConfig(runFile)
		if err != nil {
			return err
		}
		cfg = *loaded
	}
	applyRunFlags(cmd, &cfg)
	if len(args) > 0 {
		cfg.Workload = args[0]
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	workload, err := workloads.Get(cfg.Workload)
	if err != nil {
		return err
	}

	var out io.Writer = os.Stdout
	if cfg.Output.Path != "" {
		f, err := os.Create(cfg.Output.Path)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	benchName := cfg.Output.BenchName
	if benchName == "" {
		benchName = cfg.Workload
	}

	var sink collector.Sink
	switch cfg.Output.Format {
	case "text":
		sink = sinks.Writer(out)
	case "bench":
		sink = sinks.Benchfmt(out, benchName)
	case "log":
		sink = sinks.Zap(logger)
	default:
		return fmt.Errorf("unknown output format %q", cfg.Output.Format)
	}

	var prefer []counters.Event
	if cfg.Event != "" {
		ev, err := counters.ParseEvent(cfg.Event)
		if err != nil {
			return err
		}
		prefer = append(prefer, ev)
	}

	col, err := collector.New(cfg.Collector, logger, prefer...)
	if err != nil {
		if len(prefer) > 0 && errors.Is(err, collector.ErrNoCounters) {
			return fmt.Errorf("event %s is not available on this system: %w", cfg.Event, err)
		}
		return fmt.Errorf("failed to open counters: %w", err)
	}
	defer col.Close()

	logger.Info("Measuring workload",
		zap.String("workload", cfg.Workload),
		zap.String("event", col.Event().String()),
		zap.Int("initial_size", cfg.InitialSize),
		zap.Int("size_count", cfg.SizeCount),
	)

	hooks := collector.Hooks{
		Before:    workload.Before,
		After:     workload.After,
		Operation: workload.Operation,
		Sink:      sink,
	}
	if err := col.Collect(cfg.InitialSize, cfg.SizeCount, hooks); err != nil {
		return err
	}

	stats := col.Statistics()
	logger.Debug("Run complete",
		zap.Int64("trials", stats.TrialsExecuted),
		zap.Int64("rounds", stats.RoundsRun),
		zap.Int64("sizes", stats.SizesCompleted),
		zap.Int64("degenerate_rounds", stats.DegenerateRounds),
		zap.Int64("exhausted_sizes", stats.ExhaustedSizes),
	)

	return nil
}
