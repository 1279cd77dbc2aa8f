package llm

import (
	"context"
	"time"

	"github.com/metalagman/atelier/internal/metrics"
)

// Defaults are the configured call parameters applied by NewRequest.
type Defaults struct {
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	MaxRetries  int
}

// Gateway is the entry point used by nodes: cache, then the provider chain.
type Gateway struct {
	client   Provider
	fallback *FallbackClient
	cache    *ResponseCache
	rec      *metrics.Recorder
	defaults Defaults
	pools    *PoolRegistry
}

// GatewayOptions configures a Gateway.
type GatewayOptions struct {
	Cache       *ResponseCache
	Recorder    *metrics.Recorder
	Middlewares []Middleware
	Defaults    Defaults
	Pools       *PoolRegistry
}

// NewGateway wraps a fallback chain.
func NewGateway(fb *FallbackClient, opts GatewayOptions) *Gateway {
	if opts.Recorder != nil {
		fb.OnAdvance(func(from Provider, kind Kind) {
			opts.Recorder.Fallback(from.Name(), string(kind))
		})
	}
	return &Gateway{
		client:   Chain(fb, opts.Middlewares...),
		fallback: fb,
		cache:    opts.Cache,
		rec:      opts.Recorder,
		defaults: opts.Defaults,
		pools:    opts.Pools,
	}
}

// NewRequest builds a request carrying the configured defaults.
func (g *Gateway) NewRequest(system, user string) Request {
	req := NewPrompt(system, user)
	req.Temperature = g.defaults.Temperature
	req.MaxTokens = g.defaults.MaxTokens
	req.Timeout = g.defaults.Timeout
	req.MaxRetries = g.defaults.MaxRetries
	return req
}

// Complete serves req from cache when possible, otherwise through the chain.
// The cache is consulted before any limiter and filled only on success.
func (g *Gateway) Complete(ctx context.Context, req Request) (Response, error) {
	var key string
	if g.cache != nil && !req.NoCache {
		model := req.Model
		if model == "" {
			model = g.fallback.Model()
		}
		key = CacheKey(model, req.PromptText())
		if resp, ok := g.cache.Get(key); ok {
			g.rec.Cache(true)
			return resp, nil
		}
		g.rec.Cache(false)
	}
	resp, err := g.client.Complete(ctx, req)
	if err != nil {
		return Response{}, err
	}
	if key != "" {
		g.cache.Add(key, resp)
	}
	return resp, nil
}

// Invoke is a convenience wrapper returning only the text.
func (g *Gateway) Invoke(ctx context.Context, system, user string) (string, error) {
	resp, err := g.Complete(ctx, g.NewRequest(system, user))
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// Providers returns the chain order.
func (g *Gateway) Providers() []Provider { return g.fallback.Providers() }

// GatewayStats summarizes gateway health.
type GatewayStats struct {
	Providers map[string]ProviderStats `json:"providers"`
	Keys      map[string][]APIKeyInfo  `json:"keys"`
	CacheSize int                      `json:"cache_size"`
}

// Stats returns provider, key and cache counters.
func (g *Gateway) Stats() GatewayStats {
	st := GatewayStats{Providers: g.fallback.Stats()}
	if g.pools != nil {
		st.Keys = g.pools.Stats()
	}
	if g.cache != nil {
		st.CacheSize = g.cache.Len()
	}
	return st
}
