package llm

import (
	"context"
	"log/slog"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/jarvislabs/jarvis/pkg/apperr"
	"github.com/jarvislabs/jarvis/pkg/metrics"
)

// Config tunes the facade's retry and breaker behavior.
type Config struct {
	DefaultProvider string
	DefaultModel    string
	MaxRetries      int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	Breaker         BreakerConfig
}

// Facade is the provider registry plus the retry and circuit-breaker layer
// in front of it. The mock provider is always present.
type Facade struct {
	mu        sync.RWMutex
	providers map[string]Provider
	breakers  map[string]*Breaker

	defaultProvider string
	defaultModel    string
	cfg             Config
	metrics         *metrics.Metrics
}

// New builds a facade with only the mock provider registered.
func New(cfg Config, m *metrics.Metrics) *Facade {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 500 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.Breaker == (BreakerConfig{}) {
		cfg.Breaker = DefaultBreakerConfig()
	}
	f := &Facade{
		providers: make(map[string]Provider),
		breakers:  make(map[string]*Breaker),
		cfg:       cfg,
		metrics:   m,
	}
	f.Register(NewMockProvider())
	f.defaultProvider = "mock"
	f.defaultModel = cfg.DefaultModel
	return f
}

// NewFromKeys builds a facade and auto-registers every cloud provider whose
// API key is present. The default provider is the configured one when set,
// otherwise the first cloud provider registered, otherwise mock.
func NewFromKeys(anthropicKey, openaiKey string, cfg Config, m *metrics.Metrics) (*Facade, error) {
	f := New(cfg, m)
	if anthropicKey != "" {
		p, err := NewAnthropicProvider(anthropicKey, cfg.DefaultModel)
		if err != nil {
			return nil, err
		}
		f.Register(p)
	}
	if openaiKey != "" {
		p, err := NewOpenAIProvider(openaiKey, cfg.DefaultModel)
		if err != nil {
			return nil, err
		}
		f.Register(p)
	}
	if cfg.DefaultProvider != "" {
		if _, ok := f.provider(cfg.DefaultProvider); !ok {
			return nil, apperr.Newf(apperr.KindValidation, apperr.CodeUnknownProvider,
				"configured default provider %q is not registered", cfg.DefaultProvider)
		}
		f.defaultProvider = cfg.DefaultProvider
	}
	slog.Info("LLM facade ready", "providers", f.Providers(), "default", f.defaultProvider)
	return f, nil
}

// Register adds a provider and its breaker. The first cloud provider
// registered becomes the default unless one was configured explicitly.
func (f *Facade) Register(p Provider) {
	f.mu.Lock()
	defer f.mu.Unlock()
	name := p.Name()
	f.providers[name] = p
	f.breakers[name] = NewBreaker(name, f.cfg.Breaker)
	if f.cfg.DefaultProvider == "" && name != "mock" && (f.defaultProvider == "" || f.defaultProvider == "mock") {
		f.defaultProvider = name
	}
}

// Providers lists registered provider names.
func (f *Facade) Providers() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.providers))
	for name := range f.providers {
		out = append(out, name)
	}
	return out
}

// DefaultProvider returns the provider used when a request names none.
func (f *Facade) DefaultProvider() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.defaultProvider
}

func (f *Facade) provider(name string) (Provider, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.providers[name]
	return p, ok
}

func (f *Facade) breaker(name string) *Breaker {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.breakers[name]
}

// BreakerState reports the circuit state for a provider, for health probes.
func (f *Facade) BreakerState(provider string) (BreakerState, bool) {
	b := f.breaker(provider)
	if b == nil {
		return "", false
	}
	return b.State(), true
}

// Complete resolves the provider, passes the breaker, and invokes the
// backend with retries. Non-retryable failures and open circuits return
// immediately; transient provider faults retry with exponential backoff and
// jitter until the retry budget runs out.
func (f *Facade) Complete(ctx context.Context, req Request) (Response, error) {
	if req.Prompt == "" {
		return Response{}, apperr.New(apperr.KindValidation, apperr.CodeInvalidRequest,
			"prompt must not be empty")
	}
	name := req.Provider
	if name == "" {
		name = f.DefaultProvider()
	}
	p, ok := f.provider(name)
	if !ok {
		return Response{}, apperr.Newf(apperr.KindValidation, apperr.CodeUnknownProvider,
			"provider %q is not registered", name)
	}
	if req.Model == "" {
		req.Model = f.defaultModel
	}
	if req.Model == "" {
		req.Model = p.DefaultModel()
	}
	br := f.breaker(name)
	// The breaker gates admission once per request; retry attempts within an
	// admitted request still feed it, so the next request observes any trip.
	if err := br.Allow(); err != nil {
		return Response{}, err
	}

	var resp Response
	attempt := 0
	op := func() error {
		attempt++
		r, err := p.Complete(ctx, req)
		if err != nil {
			br.Failure()
			if !retryable(err) {
				return backoff.Permanent(err)
			}
			slog.Warn("LLM attempt failed", "provider", name, "model", req.Model,
				"attempt", attempt, "error", err)
			return err
		}
		br.Success()
		resp = r
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = f.cfg.BaseDelay
	bo.Multiplier = 2
	bo.MaxInterval = f.cfg.MaxDelay
	bo.RandomizationFactor = 0.25
	bo.MaxElapsedTime = 0
	if err := backoff.Retry(op, backoff.WithContext(
		backoff.WithMaxRetries(bo, uint64(f.cfg.MaxRetries)), ctx)); err != nil {
		return Response{}, err
	}

	resp.CostUSD = Cost(resp.Provider, resp.Model, resp.InputTokens, resp.OutputTokens)
	f.metrics.LLMTokens.WithLabelValues(resp.Provider, resp.Model, "input").Add(float64(resp.InputTokens))
	f.metrics.LLMTokens.WithLabelValues(resp.Provider, resp.Model, "output").Add(float64(resp.OutputTokens))
	return resp, nil
}
