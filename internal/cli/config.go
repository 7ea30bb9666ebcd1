package cli

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/perfbound/perfbound/pkg/collector"
	"github.com/perfbound/perfbound/pkg/counters"
)

// RunConfig is the complete configuration for a measurement run.
type RunConfig struct {
	Workload    string           `json:"workload" yaml:"workload"`
	InitialSize int              `json:"initial_size" yaml:"initial_size"`
	SizeCount   int              `json:"size_count" yaml:"size_count"`

	// Event forces a specific counter instead of the automatic
	// instructions-then-task-clock selection. Empty means automatic.
	Event     string           `json:"event" yaml:"event"`
	Collector collector.Config `json:"collector" yaml:"collector"`
	Output    OutputConfig     `json:"output" yaml:"output"`
}

// OutputConfig controls where and how results are written.
type OutputConfig struct {
	// Format selects the sink: "text", "bench", or "log".
	Format string `json:"format" yaml:"format"`
	// Path writes results to a file instead of stdout when set.
	Path string `json:"path" yaml:"path"`
	// BenchName overrides the benchmark name used by the bench
	// format. Defaults to the workload name.
	BenchName string `json:"bench_name" yaml:"bench_name"`
}

// DefaultRunConfig returns the configuration used when no file or
// flags override it.
func DefaultRunConfig() RunConfig {
	return RunConfig{
		Workload:    "sort",
		InitialSize: 64,
		SizeCount:   4,
		Collector:   collector.DefaultConfig(),
		Output:      OutputConfig{Format: "text"},
	}
}

// SetDefaults fills unset fields with their default values.
func (c *RunConfig) SetDefaults() {
	def := DefaultRunConfig()
	if c.Workload == "" {
		c.Workload = def.Workload
	}
	if c.InitialSize == 0 {
		c.InitialSize = def.InitialSize
	}
	if c.SizeCount == 0 {
		c.SizeCount = def.SizeCount
	}
	if c.Output.Format == "" {
		c.Output.Format = def.Output.Format
	}
	c.Collector.SetDefaults()
}

// Validate checks the configuration for invalid values.
func (c *RunConfig) Validate() error {
	if c.Workload == "" {
		return fmt.Errorf("workload must be set")
	}
	if c.InitialSize < 1 {
		return fmt.Errorf("initial_size must be positive, got %d", c.InitialSize)
	}
	if c.SizeCount < 1 {
		return fmt.Errorf("size_count must be positive, got %d", c.SizeCount)
	}
	if c.Event != "" {
		if _, err := counters.ParseEvent(c.Event); err != nil {
			return err
		}
	}
	switch c.Output.Format {
	case "text", "bench", "log":
	default:
		return fmt.Errorf("unknown output format %q (want text, bench, or log)", c.Output.Format)
	}
	return c.Collector.Validate()
}

// LoadRunConfig loads a run configuration from a YAML file with
// environment variable expansion.
func LoadRunConfig(path string) (*RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expanded := expandEnvVars(string(data))

	var cfg RunConfig
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML config: %w", err)
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// expandEnvVars expands ${VAR} references, leaving unknown names intact.
func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		if val := os.Getenv(key); val != "" {
			return val
		}
		return "${" + key + "}"
	})
}
