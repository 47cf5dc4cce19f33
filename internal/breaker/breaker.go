// Package breaker guards every reasoning-dependent call with a circuit
// breaker. When the downstream dependency fails repeatedly the breaker opens
// and serves pre-registered, schema-valid fallback payloads instead, so the
// engine degrades to deterministic behavior rather than failing.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/parleyhq/parley/api/schemas"
	"github.com/parleyhq/parley/internal/config"
)

// State is the breaker phase.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// ErrNoFallback is returned when a call fails (or is short-circuited) and no
// fallback is registered for its operation key. Registering a fallback for
// every guarded key at startup makes this unreachable in normal operation.
var ErrNoFallback = errors.New("breaker: no fallback registered for operation")

// Operation is a guarded reasoning call.
type Operation func(ctx context.Context) (*schemas.ReasoningResult, error)

// Fallback produces the deterministic canned payload for one operation key.
// Implementations must return a non-empty, schema-valid result: the system
// must never yield empty content purely because the breaker is open.
type Fallback func() *schemas.ReasoningResult

// Stats are the breaker's cumulative counters, its only externally observable
// state besides the current phase.
type Stats struct {
	Calls           int64
	Successes       int64
	Failures        int64
	ShortCircuits   int64
	FallbacksServed int64
}

// Breaker wraps reasoning-dependent calls for one downstream dependency.
// Counters and phase are shared across all callers and updated atomically
// under the mutex.
type Breaker struct {
	logger *zap.Logger

	failureThreshold int
	recoveryTimeout  time.Duration
	callTimeout      time.Duration
	now              func() time.Time

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	lastFailure         time.Time
	trialInFlight       bool
	fallbacks           map[string]Fallback
	stats               Stats
}

// New creates a breaker from configuration. Defaults are applied for zero
// values so a partially specified config still yields a working breaker.
func New(cfg config.BreakerConfig, logger *zap.Logger) (*Breaker, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 20 * time.Second
	}
	return &Breaker{
		logger:           logger.Named("breaker"),
		failureThreshold: cfg.FailureThreshold,
		recoveryTimeout:  cfg.RecoveryTimeout,
		callTimeout:      cfg.CallTimeout,
		now:              time.Now,
		state:            StateClosed,
		fallbacks:        make(map[string]Fallback),
	}, nil
}

// RegisterFallback binds the canned payload for an operation key. Later
// registrations for the same key replace earlier ones.
func (b *Breaker) RegisterFallback(operationKey string, fb Fallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fallbacks[operationKey] = fb
}

// State returns the current phase.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the cumulative counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// SetClock overrides the time source. Tests only.
func (b *Breaker) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// Call runs the guarded operation under the breaker policy. The returned bool
// reports whether the result is a fallback payload. Downstream failures are
// absorbed: as long as a fallback is registered for the key, Call returns a
// usable result and a nil error.
//
// While OPEN, the operation is not invoked at all until the recovery timeout
// has elapsed; then exactly one trial call is allowed through (HALF_OPEN) and
// its outcome decides the next phase. Concurrent callers during the trial are
// served fallbacks.
func (b *Breaker) Call(ctx context.Context, operationKey string, op Operation) (*schemas.ReasoningResult, bool, error) {
	b.mu.Lock()
	b.stats.Calls++

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailure) < b.recoveryTimeout {
			b.stats.ShortCircuits++
			res, err := b.fallbackLocked(operationKey)
			b.mu.Unlock()
			return res, true, err
		}
		// Recovery window elapsed: admit this call as the single trial.
		b.state = StateHalfOpen
		b.trialInFlight = true
		b.logger.Info("Circuit breaker entering half-open trial",
			zap.String("operation", operationKey))
	case StateHalfOpen:
		if b.trialInFlight {
			// Another caller owns the trial; short-circuit this one.
			b.stats.ShortCircuits++
			res, err := b.fallbackLocked(operationKey)
			b.mu.Unlock()
			return res, true, err
		}
		b.trialInFlight = true
	}
	b.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	result, err := op(callCtx)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialInFlight = false

	if err != nil {
		b.stats.Failures++
		b.consecutiveFailures++
		b.lastFailure = b.now()
		if b.state == StateHalfOpen || b.consecutiveFailures >= b.failureThreshold {
			if b.state != StateOpen {
				b.logger.Warn("Circuit breaker opened",
					zap.String("operation", operationKey),
					zap.Int("consecutive_failures", b.consecutiveFailures),
					zap.Error(err))
			}
			b.state = StateOpen
		}
		res, fbErr := b.fallbackLocked(operationKey)
		if fbErr != nil {
			return nil, false, fmt.Errorf("operation %s failed with no fallback: %w", operationKey, err)
		}
		return res, true, nil
	}

	b.stats.Successes++
	b.consecutiveFailures = 0
	if b.state != StateClosed {
		b.logger.Info("Circuit breaker closed after successful trial",
			zap.String("operation", operationKey))
	}
	b.state = StateClosed
	return result, false, nil
}

// fallbackLocked serves the canned payload for a key. Callers hold b.mu.
func (b *Breaker) fallbackLocked(operationKey string) (*schemas.ReasoningResult, error) {
	fb, ok := b.fallbacks[operationKey]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoFallback, operationKey)
	}
	b.stats.FallbacksServed++
	return fb(), nil
}
