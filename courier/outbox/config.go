package outbox

import (
	"strings"
	"time"

	"github.com/LerianStudio/lib-courier/courier/circuitbreaker"
	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"go.opentelemetry.io/otel/metric"
)

const (
	DefaultMaxRetries            = 5
	DefaultBatchSize             = 100
	DefaultProcessingInterval    = 5 * time.Second
	DefaultRetentionPeriod       = 7 * 24 * time.Hour
	DefaultFetchFailureThreshold = 3
	DefaultCycleLockKey          = "courier:outbox:dispatch"
)

// DispatcherConfig controls dispatcher polling, retry and cleanup.
type DispatcherConfig struct {
	// ProcessingInterval is the delay between dispatch cycles.
	ProcessingInterval time.Duration
	// BatchSize is the max number of records fetched per cycle.
	BatchSize int
	// MaxRetries is the number of failed attempts after which a record is
	// dead-lettered.
	MaxRetries int
	// RetentionPeriod is how long processed records are kept.
	RetentionPeriod time.Duration
	// DeleteProcessedMessages enables the retention sweep after each cycle.
	DeleteProcessedMessages bool
	// FetchFailureThreshold escalates consecutive fetch failures to error
	// logs once reached.
	FetchFailureThreshold int
	// Breaker configures the default circuit breaker.
	Breaker circuitbreaker.Config
	// CycleLockKey names the distributed lock taken when a CycleLocker is set.
	CycleLockKey string
	// MeterProvider overrides the global OpenTelemetry meter provider.
	MeterProvider metric.MeterProvider
}

// DefaultDispatcherConfig returns the baseline dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		ProcessingInterval:      DefaultProcessingInterval,
		BatchSize:               DefaultBatchSize,
		MaxRetries:              DefaultMaxRetries,
		RetentionPeriod:         DefaultRetentionPeriod,
		DeleteProcessedMessages: true,
		FetchFailureThreshold:   DefaultFetchFailureThreshold,
		Breaker:                 circuitbreaker.DefaultConfig(),
		CycleLockKey:            DefaultCycleLockKey,
	}
}

func (cfg *DispatcherConfig) normalize() {
	defaults := DefaultDispatcherConfig()

	if cfg.ProcessingInterval <= 0 {
		cfg.ProcessingInterval = defaults.ProcessingInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaults.MaxRetries
	}

	if cfg.RetentionPeriod <= 0 {
		cfg.RetentionPeriod = defaults.RetentionPeriod
	}

	if cfg.FetchFailureThreshold <= 0 {
		cfg.FetchFailureThreshold = defaults.FetchFailureThreshold
	}

	if strings.TrimSpace(cfg.CycleLockKey) == "" {
		cfg.CycleLockKey = defaults.CycleLockKey
	}
}

// DispatcherOption mutates dispatcher configuration at construction.
type DispatcherOption func(*Dispatcher)

// WithConfig replaces the whole configuration. Options applied after it
// still take effect.
func WithConfig(cfg DispatcherConfig) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg = cfg
	}
}

// WithProcessingInterval sets the delay between dispatch cycles.
func WithProcessingInterval(interval time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if interval > 0 {
			dispatcher.cfg.ProcessingInterval = interval
		}
	}
}

// WithBatchSize sets the maximum records processed in one cycle.
func WithBatchSize(size int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if size > 0 {
			dispatcher.cfg.BatchSize = size
		}
	}
}

// WithMaxRetries sets the failed attempts allowed before dead-lettering.
func WithMaxRetries(maxRetries int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if maxRetries > 0 {
			dispatcher.cfg.MaxRetries = maxRetries
		}
	}
}

// WithRetentionPeriod sets how long processed records are kept.
func WithRetentionPeriod(retention time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if retention > 0 {
			dispatcher.cfg.RetentionPeriod = retention
		}
	}
}

// WithDeleteProcessedMessages toggles the retention sweep.
func WithDeleteProcessedMessages(enabled bool) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.DeleteProcessedMessages = enabled
	}
}

// WithFetchFailureThreshold sets when consecutive fetch failures log at error level.
func WithFetchFailureThreshold(threshold int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if threshold > 0 {
			dispatcher.cfg.FetchFailureThreshold = threshold
		}
	}
}

// WithBreakerConfig configures the default circuit breaker.
func WithBreakerConfig(cfg circuitbreaker.Config) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.Breaker = cfg
	}
}

// WithBreaker injects the gate consulted before each publish, replacing the
// default circuit breaker.
func WithBreaker(gate Gate) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Interface(gate) {
			dispatcher.gate = nil

			return
		}

		dispatcher.gate = gate
	}
}

// WithRetryClassifier sets the non-retryable error classifier.
func WithRetryClassifier(classifier RetryClassifier) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Interface(classifier) {
			dispatcher.retryClassifier = nil

			return
		}

		dispatcher.retryClassifier = classifier
	}
}

// WithCycleLocker makes each cycle exclusive across processes.
func WithCycleLocker(locker CycleLocker) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Interface(locker) {
			dispatcher.locker = nil

			return
		}

		dispatcher.locker = locker
	}
}

// WithCycleLockKey sets the distributed lock key.
func WithCycleLockKey(key string) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if strings.TrimSpace(key) != "" {
			dispatcher.cfg.CycleLockKey = strings.TrimSpace(key)
		}
	}
}

// WithMeterProvider injects a meter provider for dispatcher metrics.
func WithMeterProvider(provider metric.MeterProvider) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Interface(provider) {
			dispatcher.cfg.MeterProvider = nil

			return
		}

		dispatcher.cfg.MeterProvider = provider
	}
}

// WithClock overrides time.Now for tests.
func WithClock(now func() time.Time) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if now != nil {
			dispatcher.now = now
		}
	}
}
