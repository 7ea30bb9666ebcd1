package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/perfbound/perfbound/pkg/collector"
	"github.com/perfbound/perfbound/pkg/counters"
)

var probeCalibrate bool

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check which performance counters this system exposes",
	Long: `Probe opens every counter perfbound knows about and reports which
ones the kernel granted.

Hardware counters are usually unavailable inside VMs and containers,
and opening any counter may require lowering kernel.perf_event_paranoid
or CAP_PERFMON. When the preferred hardware counter is missing,
measurements fall back to the task-clock software counter.`,
	Example: `  # List available counters
  perfbound probe

  # Also measure the empty-operation floor of the selected counter
  perfbound probe --calibrate`,
	Args: cobra.NoArgs,
	RunE: runProbe,
}

func init() {
	probeCmd.Flags().BoolVar(&probeCalibrate, "calibrate", false, "measure the empty-operation floor")
}

func runProbe(cmd *cobra.Command, args []string) error {
	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	var software, hardware []counters.Event
	for _, ev := range counters.AllEvents() {
		if ev.Hardware() {
			hardware = append(hardware, ev)
		} else {
			software = append(software, ev)
		}
	}

	group, err := counters.Open(logger, software, hardware)
	if err != nil {
		fmt.Println("No performance counters are available on this system.")
		fmt.Println("Hardware counters are usually missing inside VMs and containers;")
		fmt.Println("software clocks need kernel.perf_event_paranoid <= 2 or CAP_PERFMON.")
		return err
	}

	printAvailability(group)

	if err := group.Close(); err != nil {
		return fmt.Errorf("failed to close counters: %w", err)
	}

	if probeCalibrate {
		return calibrate(logger)
	}
	return nil
}

func printAvailability(group *counters.Group) {
	fmt.Println("Counter availability:")
	unavailable := 0
	for _, ev := range counters.AllEvents() {
		kind := "software"
		if ev.Hardware() {
			kind = "hardware"
		}
		status := "open"
		if _, ok := group.Opened(ev); !ok {
			status = "unavailable"
			unavailable++
		}
		fmt.Printf("  %-14s %-9s %s\n", ev, kind, status)
	}
	if unavailable > 0 {
		fmt.Println("\nHint: missing counters may need kernel.perf_event_paranoid <= 2,")
		fmt.Println("CAP_PERFMON, or bare-metal hardware.")
	}
}

// calibrate measures an empty operation at size 1 so the reported
// floor is the measurement overhead itself.
func calibrate(logger *zap.Logger) error {
	col, err := collector.New(collector.DefaultConfig(), logger)
	if err != nil {
		return fmt.Errorf("failed to open collector: %w", err)
	}
	defer col.Close()

	var res collector.Result
	hooks := collector.Hooks{
		Operation: func(int) {},
		Sink:      func(r collector.Result) { res = r },
	}
	if err := col.Collect(1, 1, hooks); err != nil {
		return fmt.Errorf("calibration failed: %w", err)
	}

	fmt.Printf("\nCalibration (empty operation, %s):\n", res.Event)
	fmt.Printf("  floor=%d trials=%d converged=%v\n", res.Floor, res.Trials, res.Converged)
	return nil
}
