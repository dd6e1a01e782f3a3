package llm

import (
	"context"
	"encoding/json"
	"fmt"
)

// MockProvider answers deterministically without network access. It is
// always registered so the platform stays usable with no cloud credentials.
type MockProvider struct{}

// NewMockProvider builds the mock backend.
func NewMockProvider() *MockProvider { return &MockProvider{} }

func (p *MockProvider) Name() string         { return "mock" }
func (p *MockProvider) DefaultModel() string { return "mock-1" }

// Complete echoes a canned generation derived from the prompt. Token counts
// approximate four characters per token so budget and cost paths stay
// exercised.
func (p *MockProvider) Complete(_ context.Context, req Request) (Response, error) {
	text := fmt.Sprintf("mock completion for: %s", truncatePrompt(req.Prompt))
	if req.JSON {
		body, _ := json.Marshal(map[string]string{"completion": truncatePrompt(req.Prompt)})
		text = string(body)
	}
	model := req.Model
	if model == "" {
		model = p.DefaultModel()
	}
	return Response{
		Text:         text,
		InputTokens:  len(req.System)/4 + len(req.Prompt)/4 + 1,
		OutputTokens: len(text)/4 + 1,
		Provider:     p.Name(),
		Model:        model,
	}, nil
}

func truncatePrompt(prompt string) string {
	const max = 120
	if len(prompt) <= max {
		return prompt
	}
	return prompt[:max] + "..."
}
