package llm

import (
	"context"
	"errors"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/jarvislabs/jarvis/pkg/apperr"
)

// openaiChat captures the subset of the OpenAI SDK used here.
type openaiChat interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIProvider completes through the Chat Completions API. Tool
// definitions are not forwarded; the uniform response is text-only.
type OpenAIProvider struct {
	chat         openaiChat
	defaultModel string
}

// NewOpenAIProvider builds the provider from an API key.
func NewOpenAIProvider(apiKey, defaultModel string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	if defaultModel == "" {
		defaultModel = "gpt-4o-mini"
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIProvider{chat: &client.Chat.Completions, defaultModel: defaultModel}, nil
}

func (p *OpenAIProvider) Name() string         { return "openai" }
func (p *OpenAIProvider) DefaultModel() string { return p.defaultModel }

// Complete issues one chat completion call.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	messages = append(messages, openai.UserMessage(req.Prompt))

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.JSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := p.chat.New(ctx, params)
	if err != nil {
		return Response{}, classifyOpenAIErr(err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, apperr.New(apperr.KindExternalService, "ProviderUnavailable",
			"openai returned no choices")
	}
	return Response{
		Text:         resp.Choices[0].Message.Content,
		InputTokens:  int(resp.Usage.PromptTokens),
		OutputTokens: int(resp.Usage.CompletionTokens),
		Provider:     p.Name(),
		Model:        model,
	}, nil
}

func classifyOpenAIErr(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return classifyHTTPStatus(apierr.StatusCode, "openai completion failed", err)
	}
	return apperr.Wrap(apperr.KindExternalService, "ProviderUnavailable",
		"openai completion failed", err)
}
