package llm

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jarvislabs/jarvis/pkg/apperr"
)

func newTestBreaker(threshold int, recovery time.Duration) (*Breaker, *time.Time) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b := NewBreaker("test", BreakerConfig{
		FailureThreshold:    threshold,
		RecoveryTimeout:     recovery,
		HalfOpenMaxAttempts: 3,
	})
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerTripsAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.Failure()
		assert.Equal(t, BreakerClosed, b.State())
	}
	require.NoError(t, b.Allow())
	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())

	err := b.Allow()
	require.Error(t, err)
	assert.Equal(t, apperr.CodeCircuitOpen, apperr.CodeOf(err))
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)

	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)

	b.Failure()
	require.Error(t, b.Allow())

	// Before the recovery deadline the circuit stays shut.
	*now = now.Add(30 * time.Second)
	require.Error(t, b.Allow())

	// Past the deadline a probe is admitted.
	*now = now.Add(31 * time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())

	b.Success()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)

	b.Failure()
	*now = now.Add(2 * time.Minute)
	require.NoError(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())

	reopened := *now
	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())

	// The recovery deadline is extended from the half-open failure.
	*now = reopened.Add(30 * time.Second)
	require.Error(t, b.Allow())
	*now = reopened.Add(61 * time.Second)
	require.NoError(t, b.Allow())
}

func TestBreakerHalfOpenBoundsProbes(t *testing.T) {
	b, now := newTestBreaker(1, time.Minute)

	b.Failure()
	*now = now.Add(2 * time.Minute)

	// Three probes admitted, the fourth rejected.
	require.NoError(t, b.Allow())
	require.NoError(t, b.Allow())
	require.NoError(t, b.Allow())
	err := b.Allow()
	require.Error(t, err)
	assert.Equal(t, apperr.CodeCircuitOpen, apperr.CodeOf(err))
}
