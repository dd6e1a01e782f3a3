package agent

import (
	"context"
	"time"

	"github.com/jarvislabs/jarvis/pkg/models"
)

// EchoHandler returns the run input as its output. It makes no external
// calls and exists for smoke tests and latency baselines.
type EchoHandler struct {
	// ProcessingDelay simulates work; zero means none.
	ProcessingDelay time.Duration
}

// NewEchoHandler builds the echo handler.
func NewEchoHandler() *EchoHandler {
	return &EchoHandler{ProcessingDelay: 10 * time.Millisecond}
}

func (h *EchoHandler) Kind() models.AgentKind { return models.AgentEcho }

func (h *EchoHandler) Execute(ctx context.Context, run *models.Run, _ *Budgets) (*models.RunOutput, error) {
	if h.ProcessingDelay > 0 {
		select {
		case <-time.After(h.ProcessingDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &models.RunOutput{
		Result: map[string]any{
			"echo":    run.Input.Prompt,
			"data":    run.Input.Data,
			"context": run.Input.Context,
		},
	}, nil
}
