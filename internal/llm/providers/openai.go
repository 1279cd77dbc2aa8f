package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/metalagman/atelier/internal/llm"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAI speaks the chat completions protocol. DeepSeek and OpenRouter are
// served by the same backend with a different base URL.
type OpenAI struct {
	name   string
	model  string
	client openai.Client
}

// NewOpenAI constructs an OpenAI-compatible backend bound to one key.
func NewOpenAI(opts Options, httpClient *http.Client) (*OpenAI, error) {
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		return nil, fmt.Errorf("openai model is required")
	}
	apiKey := strings.TrimSpace(opts.APIKey)
	if apiKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	baseURL := strings.TrimSpace(opts.BaseURL)
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	name := opts.Name
	if name == "" {
		name = TypeOpenAI
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithRequestTimeout(opts.timeout()),
		option.WithMaxRetries(0),
	}
	if httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(httpClient))
	}
	return &OpenAI{name: name, model: model, client: openai.NewClient(reqOpts...)}, nil
}

// Complete implements llm.Backend.
func (c *OpenAI) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(model),
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			var header http.Header
			if apiErr.Response != nil {
				header = apiErr.Response.Header
			}
			return llm.Response{}, statusError(c.name, apiErr.StatusCode, header, err)
		}
		return llm.Response{}, llm.Classify(c.name, fmt.Errorf("openai chat.completions: %w", err))
	}
	if len(completion.Choices) == 0 {
		return llm.Response{}, llm.NewError(llm.KindEmpty, c.name, "response contained no choices")
	}

	return llm.Response{
		Content: strings.TrimSpace(completion.Choices[0].Message.Content),
		Model:   completion.Model,
		Usage: llm.Usage{
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
		},
	}, nil
}

func toOpenAIMessages(msgs []llm.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case llm.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
