package llm

import (
	"context"
	"errors"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/jarvislabs/jarvis/pkg/apperr"
)

// anthropicMessages captures the subset of the Anthropic SDK used here, so
// tests can substitute a stub for *sdk.MessageService.
type anthropicMessages interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicProvider completes through the Claude Messages API.
type AnthropicProvider struct {
	msg          anthropicMessages
	defaultModel string
}

// NewAnthropicProvider builds the provider from an API key.
func NewAnthropicProvider(apiKey, defaultModel string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key is required")
	}
	if defaultModel == "" {
		defaultModel = "claude-sonnet-4-5"
	}
	client := sdk.NewClient(option.WithAPIKey(apiKey))
	return &AnthropicProvider{msg: &client.Messages, defaultModel: defaultModel}, nil
}

func (p *AnthropicProvider) Name() string         { return "anthropic" }
func (p *AnthropicProvider) DefaultModel() string { return p.defaultModel }

// Complete issues one non-streaming Messages.New call.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	system := req.System
	if req.JSON {
		if system != "" {
			system += "\n"
		}
		system += "Respond with a single JSON object and nothing else."
	}

	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  []sdk.MessageParam{sdk.NewUserMessage(sdk.NewTextBlock(req.Prompt))},
		Model:     sdk.Model(model),
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = sdk.Float(req.Temperature)
	}
	if tools := encodeAnthropicTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}

	msg, err := p.msg.New(ctx, params)
	if err != nil {
		return Response{}, classifyAnthropicErr(err)
	}
	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return Response{
		Text:         text,
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
		Provider:     p.Name(),
		Model:        model,
	}, nil
}

func encodeAnthropicTools(defs []ToolDef) []sdk.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		u := sdk.ToolUnionParamOfTool(sdk.ToolInputSchemaParam{ExtraFields: def.Schema}, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out
}

func classifyAnthropicErr(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		return classifyHTTPStatus(apierr.StatusCode, "anthropic completion failed", err)
	}
	return apperr.Wrap(apperr.KindExternalService, "ProviderUnavailable",
		"anthropic completion failed", err)
}
