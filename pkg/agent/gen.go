package agent

import (
	"context"

	"github.com/jarvislabs/jarvis/pkg/llm"
	"github.com/jarvislabs/jarvis/pkg/models"
)

// Completer is the slice of the LLM facade the handlers need.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (llm.Response, error)
}

// GenPayload is the structured options the gen agent understands, decoded
// from the run's options map.
type GenPayload struct {
	Provider    string  `json:"provider,omitempty"`
	Model       string  `json:"model,omitempty"`
	System      string  `json:"system,omitempty"`
	Temperature float64 `json:"temperature,omitempty"`
	MaxTokens   int     `json:"max_tokens,omitempty"`
	JSON        bool    `json:"json,omitempty"`
}

// GenHandler produces a completion for the run prompt through the facade.
type GenHandler struct {
	llm Completer
}

// NewGenHandler builds the generation handler.
func NewGenHandler(completer Completer) *GenHandler {
	return &GenHandler{llm: completer}
}

func (h *GenHandler) Kind() models.AgentKind { return models.AgentGen }

func (h *GenHandler) Execute(ctx context.Context, run *models.Run, budgets *Budgets) (*models.RunOutput, error) {
	var payload GenPayload
	if err := decodePayload(run.Input.Options, &payload); err != nil {
		return nil, err
	}
	resp, err := h.complete(ctx, llm.Request{
		Provider:    payload.Provider,
		Model:       payload.Model,
		System:      payload.System,
		Prompt:      run.Input.Prompt,
		Temperature: payload.Temperature,
		MaxTokens:   payload.MaxTokens,
		JSON:        payload.JSON,
	}, budgets)
	if err != nil {
		return nil, err
	}
	return &models.RunOutput{
		Result: map[string]any{
			"text":     resp.Text,
			"provider": resp.Provider,
			"model":    resp.Model,
		},
		Usage: &models.Usage{
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			CostUSD:      resp.CostUSD,
		},
	}, nil
}

// complete runs one metered facade call: the budget is checked before the
// call and charged only on success.
func (h *GenHandler) complete(ctx context.Context, req llm.Request, budgets *Budgets) (llm.Response, error) {
	if err := budgets.LLM.Check(); err != nil {
		return llm.Response{}, err
	}
	resp, err := h.llm.Complete(ctx, req)
	if err != nil {
		return llm.Response{}, err
	}
	budgets.LLM.Inc()
	return resp, nil
}
