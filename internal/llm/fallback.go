package llm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// Attempt records one provider try inside a fallback chain.
type Attempt struct {
	Provider string
	Kind     Kind
	Err      error
}

// FallbackError reports every provider tried when the chain is exhausted.
type FallbackError struct {
	Attempts []Attempt
}

func (e *FallbackError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s (%s)", a.Provider, a.Kind))
	}
	return "all providers failed: " + strings.Join(parts, ", ")
}

// Unwrap exposes the last attempt error.
func (e *FallbackError) Unwrap() error {
	if len(e.Attempts) == 0 {
		return nil
	}
	return e.Attempts[len(e.Attempts)-1].Err
}

// Tried lists the provider names in the order they were tried.
func (e *FallbackError) Tried() []string {
	names := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		names = append(names, a.Provider)
	}
	return names
}

// ProviderStats counts outcomes per provider inside a FallbackClient.
type ProviderStats struct {
	Success int64          `json:"success"`
	Failure int64          `json:"failure"`
	ByKind  map[Kind]int64 `json:"by_kind,omitempty"`
}

// FallbackClient tries providers in order until one answers.
type FallbackClient struct {
	providers []Provider
	onAdvance func(from Provider, kind Kind)

	mu    sync.Mutex
	stats map[string]*ProviderStats
}

// NewFallbackClient creates a chain; the first provider is the primary.
func NewFallbackClient(providers ...Provider) *FallbackClient {
	stats := make(map[string]*ProviderStats, len(providers))
	for _, p := range providers {
		stats[p.Name()] = &ProviderStats{ByKind: make(map[Kind]int64)}
	}
	return &FallbackClient{providers: providers, stats: stats}
}

// OnAdvance registers a hook called whenever the chain moves past a provider.
func (c *FallbackClient) OnAdvance(fn func(from Provider, kind Kind)) {
	c.onAdvance = fn
}

// Name implements Provider.
func (c *FallbackClient) Name() string { return "fallback" }

// Model implements Provider and reports the primary model.
func (c *FallbackClient) Model() string {
	if len(c.providers) == 0 {
		return ""
	}
	return c.providers[0].Model()
}

// Providers returns the chain order.
func (c *FallbackClient) Providers() []Provider { return c.providers }

// Complete implements Provider.
func (c *FallbackClient) Complete(ctx context.Context, req Request) (Response, error) {
	if len(c.providers) == 0 {
		return Response{}, NewError(KindUnknown, "", "no providers configured")
	}
	fe := &FallbackError{}
	for i, p := range c.providers {
		resp, err := p.Complete(ctx, req)
		if err == nil {
			c.record(p.Name(), "")
			if resp.Provider == "" {
				resp.Provider = p.Name()
			}
			return resp, nil
		}
		kind := KindOf(err)
		c.record(p.Name(), kind)
		fe.Attempts = append(fe.Attempts, Attempt{Provider: p.Name(), Kind: kind, Err: err})
		if ctx.Err() != nil || !ShouldFallback(kind) {
			return Response{}, fe
		}
		if i < len(c.providers)-1 {
			log.Warn().
				Str("provider", p.Name()).
				Str("next", c.providers[i+1].Name()).
				Str("kind", string(kind)).
				Msg("llm provider failed, falling back")
			if c.onAdvance != nil {
				c.onAdvance(p, kind)
			}
		}
	}
	return Response{}, fe
}

func (c *FallbackClient) record(name string, kind Kind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.stats[name]
	if !ok {
		s = &ProviderStats{ByKind: make(map[Kind]int64)}
		c.stats[name] = s
	}
	if kind == "" {
		s.Success++
		return
	}
	s.Failure++
	s.ByKind[kind]++
}

// Stats returns a copy of per-provider counters.
func (c *FallbackClient) Stats() map[string]ProviderStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]ProviderStats, len(c.stats))
	for name, s := range c.stats {
		byKind := make(map[Kind]int64, len(s.ByKind))
		for k, v := range s.ByKind {
			byKind[k] = v
		}
		out[name] = ProviderStats{Success: s.Success, Failure: s.Failure, ByKind: byKind}
	}
	return out
}
