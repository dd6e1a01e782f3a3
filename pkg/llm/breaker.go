package llm

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jarvislabs/jarvis/pkg/apperr"
)

// BreakerState is the admission state of one provider's circuit.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// BreakerConfig tunes one circuit breaker.
type BreakerConfig struct {
	FailureThreshold    int
	RecoveryTimeout     time.Duration
	HalfOpenMaxAttempts int
}

// DefaultBreakerConfig returns the standard thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:    5,
		RecoveryTimeout:     60 * time.Second,
		HalfOpenMaxAttempts: 3,
	}
}

// Breaker is a per-provider circuit breaker. Closed counts consecutive
// failures; open rejects until the recovery timeout; half-open admits a
// bounded number of probes and snaps shut again on the first failure.
type Breaker struct {
	mu       sync.Mutex
	provider string
	cfg      BreakerConfig

	state       BreakerState
	failures    int
	probes      int
	nextAttempt time.Time

	now func() time.Time
}

// NewBreaker builds a closed breaker for the named provider.
func NewBreaker(provider string, cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 60 * time.Second
	}
	if cfg.HalfOpenMaxAttempts <= 0 {
		cfg.HalfOpenMaxAttempts = 3
	}
	return &Breaker{provider: provider, cfg: cfg, state: BreakerClosed, now: time.Now}
}

// Allow admits or rejects one attempt. While open it fails CircuitOpen
// until the recovery deadline, then flips to half-open and admits up to
// HalfOpenMaxAttempts probes.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if b.now().Before(b.nextAttempt) {
			return apperr.Newf(apperr.KindCircuitOpen, apperr.CodeCircuitOpen,
				"provider %s circuit open until %s", b.provider, b.nextAttempt.Format(time.RFC3339))
		}
		b.state = BreakerHalfOpen
		b.probes = 1
		slog.Info("Circuit half-open", "provider", b.provider)
		return nil
	default: // half-open
		if b.probes >= b.cfg.HalfOpenMaxAttempts {
			return apperr.Newf(apperr.KindCircuitOpen, apperr.CodeCircuitOpen,
				"provider %s circuit probing, try later", b.provider)
		}
		b.probes++
		return nil
	}
}

// Success records a successful call. Any success closes the circuit.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerClosed {
		slog.Info("Circuit closed", "provider", b.provider)
	}
	b.state = BreakerClosed
	b.failures = 0
	b.probes = 0
}

// Failure records a failed call. Closed trips after the failure threshold;
// half-open trips immediately and extends the recovery deadline.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerHalfOpen:
		b.trip()
	case BreakerClosed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.trip()
		}
	}
}

func (b *Breaker) trip() {
	b.state = BreakerOpen
	b.failures = 0
	b.probes = 0
	b.nextAttempt = b.now().Add(b.cfg.RecoveryTimeout)
	slog.Warn("Circuit opened", "provider", b.provider, "next_attempt", b.nextAttempt)
}

// State reports the current admission state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
