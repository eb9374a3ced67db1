package llm

import (
	"context"
	"errors"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicClient serves the anthropic-compatible apiKind via the Messages
// API.
type AnthropicClient struct {
	defaultBaseURL string
}

// NewAnthropicClient builds the client. baseURL may be empty.
func NewAnthropicClient(baseURL string) *AnthropicClient {
	return &AnthropicClient{defaultBaseURL: baseURL}
}

func (c *AnthropicClient) Complete(ctx context.Context, req Request) (string, error) {
	if req.Credential == "" {
		return "", errors.New("anthropic: credential is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(req.Credential)}
	if base := firstNonEmpty(req.BaseURL, c.defaultBaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	client := anthropic.NewClient(opts...)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	for _, m := range req.Messages {
		block := anthropic.NewTextBlock(m.Text)
		if m.Role == "assistant" {
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(block))
		} else {
			params.Messages = append(params.Messages, anthropic.NewUserMessage(block))
		}
	}

	msg, err := client.Messages.New(ctx, params)
	if err != nil {
		return "", err
	}
	var out strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if out.Len() == 0 {
		return "", errors.New("anthropic: empty completion")
	}
	return out.String(), nil
}
