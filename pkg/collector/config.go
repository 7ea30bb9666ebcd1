package collector

import "fmt"

// Config holds the estimator parameters. A Collector copies its Config at
// construction and never mutates it; the same Config can build any number of
// collectors.
type Config struct {
	// Alpha is the confidence bound probability: once converged, the chance
	// that the true floor exceeds the estimate by more than the relative
	// error target is at most Alpha. Must be strictly between 0 and 1
	// (default: 0.05).
	Alpha float64 `json:"alpha" yaml:"alpha"`

	// BetaMin is the target relative error on the floor estimate (default: 0.1).
	BetaMin float64 `json:"beta_min" yaml:"beta_min"`

	// MinIncrement is the fewest trials a refinement round may add; also the
	// fallback batch size when the extrapolation is unusable (default: 10).
	MinIncrement int `json:"min_increment" yaml:"min_increment"`

	// MaxIncrement caps the trials a single refinement round may add (default: 1000).
	MaxIncrement int `json:"max_increment" yaml:"max_increment"`

	// MaxRounds caps refinement rounds per input size; when exhausted the
	// best-effort estimate is emitted as-is (default: 20).
	MaxRounds int `json:"max_rounds" yaml:"max_rounds"`

	// InitialTrials is the first round's batch size (default: 30).
	InitialTrials int `json:"initial_trials" yaml:"initial_trials"`
}

// DefaultConfig returns a Config with the standard estimator parameters.
func DefaultConfig() Config {
	return Config{
		Alpha:         0.05,
		BetaMin:       0.1,
		MinIncrement:  10,
		MaxIncrement:  1000,
		MaxRounds:     20,
		InitialTrials: 30,
	}
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	def := DefaultConfig()

	if c.Alpha == 0 {
		c.Alpha = def.Alpha
	}
	if c.BetaMin == 0 {
		c.BetaMin = def.BetaMin
	}
	if c.MinIncrement == 0 {
		c.MinIncrement = def.MinIncrement
	}
	if c.MaxIncrement == 0 {
		c.MaxIncrement = def.MaxIncrement
	}
	if c.MaxRounds == 0 {
		c.MaxRounds = def.MaxRounds
	}
	if c.InitialTrials == 0 {
		c.InitialTrials = def.InitialTrials
	}
}

// Validate checks every parameter; collectors refuse configs that fail it.
func (c *Config) Validate() error {
	// Negated range checks so NaN fails them.
	if !(c.Alpha > 0 && c.Alpha < 1) {
		return fmt.Errorf("alpha must be in (0, 1), got %v", c.Alpha)
	}

	if !(c.BetaMin > 0) {
		return fmt.Errorf("beta_min must be positive, got %v", c.BetaMin)
	}

	if c.MinIncrement <= 0 {
		return fmt.Errorf("min_increment must be positive, got %d", c.MinIncrement)
	}

	if c.MaxIncrement < c.MinIncrement {
		return fmt.Errorf("max_increment must be at least min_increment, got %d < %d",
			c.MaxIncrement, c.MinIncrement)
	}

	if c.MaxRounds <= 0 {
		return fmt.Errorf("max_rounds must be positive, got %d", c.MaxRounds)
	}

	if c.InitialTrials <= 0 {
		return fmt.Errorf("initial_trials must be positive, got %d", c.InitialTrials)
	}

	return nil
}
