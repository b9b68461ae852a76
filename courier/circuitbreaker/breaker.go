package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-courier/courier/internal/nilcheck"
	"github.com/LerianStudio/lib-courier/courier/log"
	"github.com/sony/gobreaker"
)

// Breaker is a ratio-based circuit breaker safe for concurrent use.
type Breaker struct {
	name   string
	config Config
	logger log.Logger
	cb     *gobreaker.TwoStepCircuitBreaker

	// mu guards pending. Outcomes are matched to granted attempts in order.
	mu      sync.Mutex
	pending []func(success bool)

	// stateMu guards the fields mirrored from gobreaker callbacks. It is
	// never held while calling into gobreaker.
	stateMu     sync.Mutex
	state       State
	windowStart time.Time
	openedAt    time.Time
	listeners   []StateChangeListener

	now func() time.Time
}

// New creates a closed breaker named name.
func New(name string, cfg Config, logger log.Logger) *Breaker {
	cfg.normalize()

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	b := &Breaker{
		name:   name,
		config: cfg,
		logger: logger,
		state:  StateClosed,
		now:    time.Now,
	}

	b.windowStart = b.now()

	minimum := cfg.MinimumThroughput
	ratio := cfg.FailureRatio

	b.cb = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    cfg.SamplingDuration,
		Timeout:     cfg.BreakDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			outcomes := counts.TotalSuccesses + counts.TotalFailures
			if outcomes == 0 || outcomes < minimum {
				return false
			}

			return float64(counts.TotalFailures)/float64(outcomes) >= ratio
		},
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			b.handleStateChange(convertState(from), convertState(to))
		},
	})

	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// Config returns the normalized configuration.
func (b *Breaker) Config() Config {
	return b.config
}

// AllowAttempt reports whether a call may proceed. Every true result must be
// followed by exactly one RecordOutcome.
func (b *Breaker) AllowAttempt() bool {
	b.rollWindow()

	b.mu.Lock()
	defer b.mu.Unlock()

	done, err := b.cb.Allow()
	if err != nil {
		return false
	}

	b.pending = append(b.pending, done)

	return true
}

// RecordOutcome reports the result of the oldest granted attempt. Calls
// without a matching AllowAttempt are ignored.
func (b *Breaker) RecordOutcome(success bool) {
	b.rollWindow()

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.pending) == 0 {
		b.logger.Log(context.Background(), log.LevelDebug, "circuit breaker outcome without attempt",
			log.String("breaker", b.name))

		return
	}

	done := b.pending[0]
	b.pending[0] = nil
	b.pending = b.pending[1:]

	done(success)
}

// State returns the current state, applying any due open to half-open
// transition.
func (b *Breaker) State() State {
	b.rollWindow()

	return convertState(b.cb.State())
}

// Snapshot returns counts and timestamps for the current window.
func (b *Breaker) Snapshot() Snapshot {
	b.rollWindow()

	state := convertState(b.cb.State())
	counts := b.cb.Counts()

	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	snapshot := Snapshot{
		State:     state,
		Requests:  counts.Requests,
		Successes: counts.TotalSuccesses,
		Failures:  counts.TotalFailures,
	}

	if state == StateClosed {
		windowStart := b.windowStart
		snapshot.WindowStart = &windowStart
	}

	if !b.openedAt.IsZero() {
		openedAt := b.openedAt
		snapshot.OpenedAt = &openedAt
	}

	return snapshot
}

// RegisterStateChangeListener adds a listener. Listeners run asynchronously
// and a panicking listener is logged and ignored.
func (b *Breaker) RegisterStateChangeListener(listener StateChangeListener) {
	if nilcheck.Interface(listener) {
		b.logger.Log(context.Background(), log.LevelWarn, "ignoring nil circuit breaker listener",
			log.String("breaker", b.name))

		return
	}

	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	b.listeners = append(b.listeners, listener)
}

// rollWindow mirrors gobreaker's closed-state generation rollover so
// Snapshot can expose the window start.
func (b *Breaker) rollWindow() {
	now := b.now()

	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	if b.state == StateClosed && b.windowStart.Add(b.config.SamplingDuration).Before(now) {
		b.windowStart = now
	}
}

func (b *Breaker) handleStateChange(from State, to State) {
	now := b.now()

	b.stateMu.Lock()
	b.state = to

	switch to {
	case StateOpen:
		b.openedAt = now
	case StateClosed:
		b.windowStart = now
	}

	listeners := make([]StateChangeListener, len(b.listeners))
	copy(listeners, b.listeners)
	b.stateMu.Unlock()

	level := log.LevelWarn
	if to == StateOpen {
		level = log.LevelError
	}

	b.logger.Log(context.Background(), level, "circuit breaker state changed",
		log.String("breaker", b.name),
		log.String("from", string(from)),
		log.String("to", string(to)),
	)

	for _, listener := range listeners {
		go b.notify(listener, from, to)
	}
}

func (b *Breaker) notify(listener StateChangeListener, from State, to State) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Log(context.Background(), log.LevelError, "circuit breaker listener panic",
				log.String("breaker", b.name),
				log.String("panic", fmt.Sprint(r)),
			)
		}
	}()

	listener.OnStateChange(b.name, from, to)
}
