package providers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/metalagman/atelier/internal/llm"
	"google.golang.org/genai"
)

// Gemini calls the Gemini API through the genai SDK.
type Gemini struct {
	name   string
	model  string
	client *genai.Client
}

// NewGemini constructs a backend bound to one key.
func NewGemini(ctx context.Context, opts Options) (*Gemini, error) {
	if strings.TrimSpace(opts.Model) == "" {
		return nil, fmt.Errorf("gemini model is required")
	}
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	cc := &genai.ClientConfig{
		APIKey:  opts.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if opts.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	name := opts.Name
	if name == "" {
		name = TypeGemini
	}
	return &Gemini{name: name, model: opts.Model, client: client}, nil
}

// Complete implements llm.Backend.
func (c *Gemini) Complete(ctx context.Context, req llm.Request) (llm.Response, error) {
	model := c.model
	if req.Model != "" {
		model = req.Model
	}
	system, turns := req.Split()

	contents := make([]*genai.Content, 0, len(turns))
	for _, m := range turns {
		role := "user"
		if m.Role == llm.RoleAssistant {
			role = "model"
		}
		contents = append(contents, &genai.Content{Role: role, Parts: []*genai.Part{{Text: m.Content}}})
	}

	temperature := float32(req.Temperature)
	gc := &genai.GenerateContentConfig{Temperature: &temperature}
	if req.MaxTokens > 0 {
		gc.MaxOutputTokens = int32(req.MaxTokens) //nolint:gosec // bounded by config
	}
	if system != "" {
		gc.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}

	result, err := c.client.Models.GenerateContent(ctx, model, contents, gc)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return llm.Response{}, statusError(c.name, apiErr.Code, nil, err)
		}
		return llm.Response{}, llm.Classify(c.name, fmt.Errorf("gemini generate content: %w", err))
	}
	if result == nil {
		return llm.Response{}, llm.NewError(llm.KindEmpty, c.name, "nil response")
	}

	resp := llm.Response{Content: strings.TrimSpace(result.Text()), Model: model}
	if u := result.UsageMetadata; u != nil {
		resp.Usage = llm.Usage{
			PromptTokens:     int(u.PromptTokenCount),
			CompletionTokens: int(u.CandidatesTokenCount),
		}
	}
	return resp, nil
}
