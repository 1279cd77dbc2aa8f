// Package llm provides the provider-agnostic LLM gateway: key pools, rate
// limiting, adaptive concurrency, provider fallback and response caching.
package llm

import (
	"context"
	"strings"
	"time"
)

// MessageRole is the author of a chat message.
type MessageRole string

// Message roles.
const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// Message is one chat turn.
type Message struct {
	Role    MessageRole `json:"role"`
	Content string      `json:"content"`
}

// Request is a provider-independent completion request. Temperature,
// MaxTokens, Timeout and MaxRetries are passed to every provider unchanged.
type Request struct {
	Model       string        `json:"model,omitempty"`
	Messages    []Message     `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Timeout     time.Duration `json:"timeout"`
	MaxRetries  int           `json:"max_retries"`
	UserID      string        `json:"user_id,omitempty"`
	NoCache     bool          `json:"no_cache,omitempty"`
}

// PromptText flattens the messages into the text used for cache keys and
// token estimates.
func (r Request) PromptText() string {
	var b strings.Builder
	for i, m := range r.Messages {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

// Split returns the joined system text and the remaining turns.
func (r Request) Split() (string, []Message) {
	var system []string
	rest := make([]Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		if m.Role == RoleSystem {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return strings.Join(system, "\n\n"), rest
}

// Usage reports token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is a completed generation.
type Response struct {
	Content  string        `json:"content"`
	Provider string        `json:"provider"`
	Model    string        `json:"model"`
	KeyID    string        `json:"key_id,omitempty"`
	Cached   bool          `json:"cached"`
	Usage    Usage         `json:"usage"`
	Latency  time.Duration `json:"latency"`
}

// Provider is a named completion capability.
type Provider interface {
	Name() string
	Model() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// Completer is the narrow interface consumers depend on.
type Completer interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// NewPrompt builds a request from optional system text and a user prompt.
func NewPrompt(system, user string) Request {
	req := Request{}
	if strings.TrimSpace(system) != "" {
		req.Messages = append(req.Messages, Message{Role: RoleSystem, Content: system})
	}
	req.Messages = append(req.Messages, Message{Role: RoleUser, Content: user})
	return req
}

// ProviderFunc adapts a function into a Provider.
type ProviderFunc struct {
	ProviderName  string
	ProviderModel string
	Fn            func(ctx context.Context, req Request) (Response, error)
}

// Name implements Provider.
func (p ProviderFunc) Name() string { return p.ProviderName }

// Model implements Provider.
func (p ProviderFunc) Model() string { return p.ProviderModel }

// Complete implements Provider.
func (p ProviderFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return p.Fn(ctx, req)
}
