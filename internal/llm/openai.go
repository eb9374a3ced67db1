package llm

import (
	"context"
	"errors"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIClient serves the openai-compatible apiKind. A fresh SDK client is
// built per call because the credential belongs to the request, not the
// process.
type OpenAIClient struct {
	defaultBaseURL string
}

// NewOpenAIClient builds the client. baseURL may be empty.
func NewOpenAIClient(baseURL string) *OpenAIClient {
	return &OpenAIClient{defaultBaseURL: baseURL}
}

func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	if req.Credential == "" {
		return "", errors.New("openai: credential is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(req.Credential)}
	if base := firstNonEmpty(req.BaseURL, c.defaultBaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	client := openai.NewClient(opts...)

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		if m.Role == "assistant" {
			messages = append(messages, openai.AssistantMessage(m.Text))
		} else {
			messages = append(messages, openai.UserMessage(m.Text))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: empty completion")
	}
	return resp.Choices[0].Message.Content, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
