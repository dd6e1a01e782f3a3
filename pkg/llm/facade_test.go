package llm

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jarvislabs/jarvis/pkg/apperr"
	"github.com/jarvislabs/jarvis/pkg/metrics"
)

// scriptedProvider fails a configured number of times before succeeding.
type scriptedProvider struct {
	name     string
	failures int
	err      error
	calls    int
}

func (p *scriptedProvider) Name() string         { return p.name }
func (p *scriptedProvider) DefaultModel() string { return p.name + "-default" }

func (p *scriptedProvider) Complete(_ context.Context, req Request) (Response, error) {
	p.calls++
	if p.calls <= p.failures {
		return Response{}, p.err
	}
	return Response{
		Text:         "ok",
		InputTokens:  100,
		OutputTokens: 50,
		Provider:     p.name,
		Model:        req.Model,
	}, nil
}

func newTestFacade(t *testing.T) *Facade {
	t.Helper()
	return New(Config{
		MaxRetries: 3,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Breaker:    BreakerConfig{FailureThreshold: 3, RecoveryTimeout: time.Minute, HalfOpenMaxAttempts: 3},
	}, metrics.NewNop())
}

func transientErr() error {
	return apperr.New(apperr.KindExternalService, "ProviderUnavailable", "upstream 503")
}

func TestCompleteEmptyPrompt(t *testing.T) {
	f := newTestFacade(t)
	_, err := f.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeInvalidRequest, apperr.CodeOf(err))
}

func TestCompleteUnknownProvider(t *testing.T) {
	f := newTestFacade(t)
	_, err := f.Complete(context.Background(), Request{Provider: "gemini", Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeUnknownProvider, apperr.CodeOf(err))
}

func TestCompleteMockDefault(t *testing.T) {
	f := newTestFacade(t)
	assert.Equal(t, "mock", f.DefaultProvider())

	resp, err := f.Complete(context.Background(), Request{Prompt: "hello"})
	require.NoError(t, err)
	assert.Equal(t, "mock", resp.Provider)
	assert.Contains(t, resp.Text, "hello")
	assert.Positive(t, resp.InputTokens)
	assert.Zero(t, resp.CostUSD)
}

func TestFirstCloudProviderBecomesDefault(t *testing.T) {
	f := newTestFacade(t)
	f.Register(&scriptedProvider{name: "anthropic"})
	assert.Equal(t, "anthropic", f.DefaultProvider())

	// Later registrations do not displace it.
	f.Register(&scriptedProvider{name: "openai"})
	assert.Equal(t, "anthropic", f.DefaultProvider())
}

func TestCompleteRetriesTransientFailures(t *testing.T) {
	f := newTestFacade(t)
	p := &scriptedProvider{name: "flaky", failures: 2, err: transientErr()}
	f.Register(p)

	resp, err := f.Complete(context.Background(), Request{Provider: "flaky", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, 3, p.calls)
}

func TestCompleteExhaustsRetryBudget(t *testing.T) {
	f := newTestFacade(t)
	p := &scriptedProvider{name: "down", failures: 10, err: transientErr()}
	f.Register(p)

	_, err := f.Complete(context.Background(), Request{Provider: "down", Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindExternalService, apperr.KindOf(err))
	// Initial attempt plus three retries.
	assert.Equal(t, 4, p.calls)
}

func TestBreakerAdmitsOncePerRequest(t *testing.T) {
	f := newTestFacade(t)
	p := &scriptedProvider{name: "down", failures: 10, err: transientErr()}
	f.Register(p)

	// Every retry attempt of the admitted request reaches the backend even
	// though the third failure trips the breaker mid-flight.
	_, err := f.Complete(context.Background(), Request{Provider: "down", Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindExternalService, apperr.KindOf(err))
	assert.Equal(t, 4, p.calls)

	state, ok := f.BreakerState("down")
	require.True(t, ok)
	assert.Equal(t, BreakerOpen, state)

	// The next request observes the trip and never reaches the backend.
	_, err = f.Complete(context.Background(), Request{Provider: "down", Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeCircuitOpen, apperr.CodeOf(err))
	assert.Equal(t, 4, p.calls)
}

func TestCompleteNonRetryableBypassesRetries(t *testing.T) {
	f := newTestFacade(t)
	authErr := apperr.New(apperr.KindAuthentication, "ProviderAuthFailed", "bad key")
	p := &scriptedProvider{name: "locked", failures: 10, err: authErr}
	f.Register(p)

	_, err := f.Complete(context.Background(), Request{Provider: "locked", Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindAuthentication, apperr.KindOf(err))
	assert.Equal(t, 1, p.calls)
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	f := newTestFacade(t)
	// Rate-limit errors are non-retryable, so each Complete is one backend call.
	rlErr := apperr.New(apperr.KindRateLimit, "ProviderRateLimited", "429")
	p := &scriptedProvider{name: "storm", failures: 100, err: rlErr}
	f.Register(p)

	for i := 0; i < 3; i++ {
		_, err := f.Complete(context.Background(), Request{Provider: "storm", Prompt: "hi"})
		require.Error(t, err)
		assert.Equal(t, apperr.KindRateLimit, apperr.KindOf(err))
	}
	state, ok := f.BreakerState("storm")
	require.True(t, ok)
	assert.Equal(t, BreakerOpen, state)

	// The fourth request is rejected without reaching the backend.
	before := p.calls
	_, err := f.Complete(context.Background(), Request{Provider: "storm", Prompt: "hi"})
	require.Error(t, err)
	assert.Equal(t, apperr.CodeCircuitOpen, apperr.CodeOf(err))
	assert.Equal(t, before, p.calls)
}

func TestBreakerRecoveryProbeCloses(t *testing.T) {
	f := newTestFacade(t)
	rlErr := apperr.New(apperr.KindRateLimit, "ProviderRateLimited", "429")
	p := &scriptedProvider{name: "healing", failures: 3, err: rlErr}
	f.Register(p)

	for i := 0; i < 3; i++ {
		_, err := f.Complete(context.Background(), Request{Provider: "healing", Prompt: "hi"})
		require.Error(t, err)
	}
	br := f.breaker("healing")
	require.Equal(t, BreakerOpen, br.State())

	// Move past the recovery deadline; the probe succeeds and closes the circuit.
	br.mu.Lock()
	br.nextAttempt = time.Now().Add(-time.Second)
	br.mu.Unlock()

	resp, err := f.Complete(context.Background(), Request{Provider: "healing", Prompt: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Equal(t, BreakerClosed, br.State())
}

func TestCompleteCostAccounting(t *testing.T) {
	f := newTestFacade(t)
	p := &scriptedProvider{name: "anthropic"}
	f.Register(p)

	resp, err := f.Complete(context.Background(), Request{
		Provider: "anthropic", Model: "claude-sonnet-4-5", Prompt: "hi",
	})
	require.NoError(t, err)
	// 100 input at $3/M plus 50 output at $15/M.
	assert.InDelta(t, 100.0/1e6*3.0+50.0/1e6*15.0, resp.CostUSD, 1e-12)
}

func TestCostFallbacks(t *testing.T) {
	assert.Zero(t, Cost("unknown", "m", 1000, 1000))
	assert.Positive(t, Cost("openai", "brand-new-model", 1000, 1000))
	assert.Zero(t, Cost("mock", "mock-1", 1000, 1000))
}
