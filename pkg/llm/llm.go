// Package llm routes completion requests to named providers through one
// uniform contract. The facade owns provider registration, a per-provider
// circuit breaker, retry with exponential backoff, and token/cost
// accounting. Providers translate the uniform request into their SDK's
// wire shapes and classify SDK failures into the error taxonomy.
package llm

import (
	"context"

	"github.com/jarvislabs/jarvis/pkg/apperr"
)

// Request is a uniform completion request. Provider and Model fall back to
// the facade defaults when empty.
type Request struct {
	Provider    string    `json:"provider,omitempty"`
	Model       string    `json:"model,omitempty"`
	System      string    `json:"system,omitempty"`
	Prompt      string    `json:"prompt"`
	Temperature float64   `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	JSON        bool      `json:"json,omitempty"`
	Tools       []ToolDef `json:"tools,omitempty"`
}

// ToolDef advertises one callable tool to the model.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Schema      map[string]any `json:"schema,omitempty"`
}

// Response is a completed generation with its usage attribution.
type Response struct {
	Text         string  `json:"text"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	Provider     string  `json:"provider"`
	Model        string  `json:"model"`
	CostUSD      float64 `json:"cost_usd"`
}

// Provider is one registered completion backend.
type Provider interface {
	Name() string
	DefaultModel() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// classifyHTTPStatus maps a provider API status into the taxonomy. Auth,
// request, quota, and rate-limit failures must not be retried; everything
// else is treated as a transient provider fault.
func classifyHTTPStatus(status int, message string, cause error) error {
	switch {
	case status == 401 || status == 403:
		return apperr.Wrap(apperr.KindAuthentication, "ProviderAuthFailed", message, cause)
	case status == 402:
		return apperr.Wrap(apperr.KindRateLimit, "QuotaExhausted", message, cause)
	case status == 429:
		return apperr.Wrap(apperr.KindRateLimit, "ProviderRateLimited", message, cause)
	case status >= 400 && status < 500:
		return apperr.Wrap(apperr.KindValidation, apperr.CodeInvalidRequest, message, cause)
	default:
		return apperr.Wrap(apperr.KindExternalService, "ProviderUnavailable", message, cause)
	}
}

// retryable reports whether the facade may retry after err. Only transient
// provider faults qualify.
func retryable(err error) bool {
	switch apperr.KindOf(err) {
	case apperr.KindExternalService, apperr.KindInternal:
		return true
	}
	return false
}
