package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/metalagman/atelier/internal/llm"
	"github.com/ollama/ollama/api"
)

const (
	defaultOllamaURL = "http://localhost:11434"
	// OllamaLocalKey stands in for an API key so local models share the
	// key-pool machinery.
	OllamaLocalKey = "ollama-local"
)

// Ollama calls a local or remote Ollama server.
type Ollama struct {
	name   string
	model  string
	client *api.Client
}

// NewOllama constructs a backend for the server at opts.BaseURL.
func NewOllama(opts Options, httpClient *http.Client) (*Ollama, error) {
	if strings.TrimSpace(opts.Model) == "" {
		return nil, fmt.Errorf("ollama model is required")
	}
	host := strings.TrimSpace(opts.BaseURL)
	if host == "" {
		host = defaultOllamaURL
	}
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}
	u, err := url.Parse(host)
	if err != nil {
		return nil, fmt.Errorf("parse ollama url %q: %w", host, err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.timeout()}
	}
	name := opts.Name
	if name == "" {
		name = TypeOllama
	}
	return &Ollama{name: name, model: opts.Model, client: api.NewClient(u, httpClient)}, nil
}

// Complete implements llm.Backend.
func (c *Ollama) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}
	messages := make([]api.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, api.Message{Role: string(m.Role), Content: m.Content})
	}
	stream := false
	chat := &api.ChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   &stream,
		Options: map[string]any{
			"temperature": req.Temperature,
		},
	}
	if req.MaxTokens > 0 {
		chat.Options["num_predict"] = req.MaxTokens
	}

	var out api.ChatResponse
	err := c.client.Chat(ctx, chat, func(r api.ChatResponse) error {
		out = r
		return nil
	})
	if err != nil {
		var statusErr api.StatusError
		if errors.As(err, &statusErr) {
			return llm.Response{}, statusError(c.name, statusErr.StatusCode, nil, err)
		}
		return llm.Response{}, llm.Classify(c.name, fmt.Errorf("ollama chat: %w", err))
	}

	return llm.Response{
		Content: strings.TrimSpace(out.Message.Content),
		Model:   model,
		Usage: llm.Usage{
			PromptTokens:     out.PromptEvalCount,
			CompletionTokens: out.EvalCount,
		},
	}, nil
}
