package brain

import (
	"context"
	"errors"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const (
	DefaultAnthropicModel     = "claude-3-5-haiku-latest"
	defaultAnthropicMaxTokens = 1024
)

const jsonOnlyInstruction = "Respond with a single JSON object and no other text."

// AnthropicAdapter calls the Messages API and reports the reply as one delta.
type AnthropicAdapter struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

func NewAnthropicAdapter(apiKey, model string, opts ...option.RequestOption) *AnthropicAdapter {
	if strings.TrimSpace(model) == "" {
		model = DefaultAnthropicModel
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	reqOpts = append(reqOpts, opts...)
	return &AnthropicAdapter{
		client:    anthropic.NewClient(reqOpts...),
		model:     model,
		maxTokens: defaultAnthropicMaxTokens,
	}
}

func (a *AnthropicAdapter) StreamResponse(ctx context.Context, req Request, onDelta DeltaHandler) (Response, error) {
	var system []anthropic.TextBlockParam
	var conv []anthropic.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case "assistant":
			conv = append(conv, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			conv = append(conv, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if req.JSON {
		system = append(system, anthropic.TextBlockParam{Text: jsonOnlyInstruction})
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		System:    system,
		Messages:  conv,
	}
	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			return Response{}, transportError("anthropic", apiErr.StatusCode, err)
		}
		return Response{}, transportError("anthropic", 0, err)
	}

	var out strings.Builder
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.WriteString(v.Text)
		}
	}
	text := out.String()
	if text != "" && onDelta != nil {
		if err := onDelta(text); err != nil {
			return Response{}, err
		}
	}
	return Response{Text: text, Model: string(msg.Model)}, nil
}
