package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/metalagman/atelier/internal/llm"
)

const defaultAnthropicMaxTokens = 4096

// Anthropic calls the Messages API.
type Anthropic struct {
	name   string
	model  string
	client anthropic.Client
}

// NewAnthropic constructs a backend bound to one key.
func NewAnthropic(opts Options, httpClient *http.Client) (*Anthropic, error) {
	if strings.TrimSpace(opts.Model) == "" {
		return nil, fmt.Errorf("anthropic model is required")
	}
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	reqOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		option.WithRequestTimeout(opts.timeout()),
		option.WithMaxRetries(0),
	}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	if httpClient != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(httpClient))
	}
	name := opts.Name
	if name == "" {
		name = TypeAnthropic
	}
	return &Anthropic{name: name, model: opts.Model, client: anthropic.NewClient(reqOpts...)}, nil
}

// Complete implements llm.Backend.
func (c *Anthropic) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	system, turns := req.Split()
	messages := make([]anthropic.MessageParam, 0, len(turns))
	for _, m := range turns {
		block := anthropic.NewTextBlock(m.Content)
		if m.Role == llm.RoleAssistant {
			messages = append(messages, anthropic.NewAssistantMessage(block))
			continue
		}
		messages = append(messages, anthropic.NewUserMessage(block))
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   int64(maxTokens),
		Messages:    messages,
		Temperature: anthropic.Float(req.Temperature),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		var apiErr *anthropic.Error
		if errors.As(err, &apiErr) {
			var header http.Header
			if apiErr.Response != nil {
				header = apiErr.Response.Header
			}
			return llm.Response{}, statusError(c.name, apiErr.StatusCode, header, err)
		}
		return llm.Response{}, llm.Classify(c.name, fmt.Errorf("anthropic messages.new: %w", err))
	}
	if resp == nil || len(resp.Content) == 0 {
		return llm.Response{}, llm.NewError(llm.KindEmpty, c.name, "response contained no content")
	}

	var text strings.Builder
	for i := range resp.Content {
		block := &resp.Content[i]
		if block.Type == "text" {
			text.WriteString(block.AsText().Text)
		}
	}
	return llm.Response{
		Content: strings.TrimSpace(text.String()),
		Model:   string(resp.Model),
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.InputTokens),
			CompletionTokens: int(resp.Usage.OutputTokens),
		},
	}, nil
}
