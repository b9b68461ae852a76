package circuitbreaker

import "time"

const (
	DefaultFailureRatio      = 0.5
	DefaultSamplingDuration  = 30 * time.Second
	DefaultBreakDuration     = 30 * time.Second
	DefaultMinimumThroughput = 1
)

// Config holds breaker thresholds.
type Config struct {
	// FailureRatio in (0, 1] at which the breaker opens.
	FailureRatio float64
	// SamplingDuration is the length of the closed-state counting window.
	SamplingDuration time.Duration
	// BreakDuration is how long the breaker stays open before probing.
	BreakDuration time.Duration
	// MinimumThroughput is the number of outcomes a window needs before the
	// ratio is evaluated.
	MinimumThroughput uint32
}

// DefaultConfig returns the outbox dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		FailureRatio:      DefaultFailureRatio,
		SamplingDuration:  DefaultSamplingDuration,
		BreakDuration:     DefaultBreakDuration,
		MinimumThroughput: DefaultMinimumThroughput,
	}
}

func (cfg *Config) normalize() {
	if cfg.FailureRatio <= 0 || cfg.FailureRatio > 1 {
		cfg.FailureRatio = DefaultFailureRatio
	}

	if cfg.SamplingDuration <= 0 {
		cfg.SamplingDuration = DefaultSamplingDuration
	}

	if cfg.BreakDuration <= 0 {
		cfg.BreakDuration = DefaultBreakDuration
	}

	if cfg.MinimumThroughput == 0 {
		cfg.MinimumThroughput = DefaultMinimumThroughput
	}
}
