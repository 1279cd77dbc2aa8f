package providers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/metalagman/atelier/internal/config"
	"github.com/metalagman/atelier/internal/llm"
	"github.com/metalagman/atelier/internal/metrics"
	"github.com/rs/zerolog"
)

// Factory returns the per-key backend constructor for a provider.
func Factory(name string, pc config.ProviderConfig, cfg config.LLMConfig, httpClient *http.Client) (llm.BackendFactory, error) {
	opts := Options{Name: name, Model: pc.Model, BaseURL: pc.BaseURL, Timeout: cfg.Timeout}
	switch pc.Type {
	case TypeOpenAI, "":
		return func(key string) (llm.Backend, error) {
			o := opts
			o.APIKey = key
			return NewOpenAI(o, httpClient)
		}, nil
	case TypeAnthropic:
		return func(key string) (llm.Backend, error) {
			o := opts
			o.APIKey = key
			return NewAnthropic(o, httpClient)
		}, nil
	case TypeGemini:
		return func(key string) (llm.Backend, error) {
			o := opts
			o.APIKey = key
			return NewGemini(context.Background(), o)
		}, nil
	case TypeOllama:
		return func(string) (llm.Backend, error) {
			return NewOllama(opts, httpClient)
		}, nil
	default:
		return nil, fmt.Errorf("unknown llm provider type %q", pc.Type)
	}
}

// LimiterConfig converts the configured rate limit.
func LimiterConfig(rl config.RateLimitConfig) llm.LimiterConfig {
	return llm.LimiterConfig{
		RequestsPerWindow: rl.RequestsPerWindow,
		Window:            rl.Window,
		TokensPerSecond:   rl.TokensPerSecond,
		BucketSize:        rl.BucketSize,
		MaxConcurrent:     rl.MaxConcurrent,
		AcquireTimeout:    rl.AcquireTimeout,
	}
}

// BuildOptions carries collaborators for NewGateway.
type BuildOptions struct {
	Recorder   *metrics.Recorder
	Logger     zerolog.Logger
	Pools      *llm.PoolRegistry
	HTTPClient *http.Client
}

// NewGateway assembles pooled providers in primary-then-fallback order.
// Providers without keys are skipped; when none remain the gateway answers
// every call with an auth error so the rest of the process can still start.
func NewGateway(cfg config.LLMConfig, opts BuildOptions) (*llm.Gateway, error) {
	if opts.Pools == nil {
		opts.Pools = llm.KeyPools()
	}

	var chain []llm.Provider
	for _, name := range cfg.ProviderOrder() {
		pc, ok := cfg.Providers[name]
		if !ok {
			return nil, fmt.Errorf("llm provider %q is not defined", name)
		}
		keys := pc.Keys()
		if pc.Type == TypeOllama && len(keys) == 0 {
			keys = []string{OllamaLocalKey}
		}
		if len(keys) == 0 {
			opts.Logger.Warn().Str("provider", name).Msg("llm provider has no api keys, skipping")
			continue
		}
		factory, err := Factory(name, pc, cfg, opts.HTTPClient)
		if err != nil {
			return nil, err
		}
		pool := opts.Pools.GetOrCreate(name, keys, llm.SelectionPolicy(pc.Selection))
		limiter := llm.NewLimiter(name, LimiterConfig(pc.RateLimit), nil)
		chain = append(chain, llm.NewPooledProvider(name, pc.Model, pool, limiter, factory,
			llm.WithRecorder(opts.Recorder),
			llm.WithRetryAfter(pc.RateLimit.RetryAfter),
		))
		opts.Logger.Debug().
			Str("provider", name).
			Str("type", pc.Type).
			Str("model", pc.Model).
			Int("keys", len(keys)).
			Msg("llm provider registered")
	}
	if len(chain) == 0 {
		opts.Logger.Warn().Msg("no llm provider is usable, calls will fail until keys are configured")
		chain = append(chain, unconfigured(cfg.Primary))
	}

	var cache *llm.ResponseCache
	if cfg.Cache.Enabled {
		cache = llm.NewResponseCache(cfg.Cache.MaxSize, cfg.Cache.TTL)
	}

	return llm.NewGateway(llm.NewFallbackClient(chain...), llm.GatewayOptions{
		Cache:    cache,
		Recorder: opts.Recorder,
		Pools:    opts.Pools,
		Middlewares: []llm.Middleware{
			llm.WithLogging(opts.Logger),
			llm.WithMetrics(opts.Recorder),
			llm.WithTimeout(cfg.Timeout),
		},
		Defaults: llm.Defaults{
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxTokens,
			Timeout:     cfg.Timeout,
			MaxRetries:  cfg.MaxRetries,
		},
	}), nil
}

func unconfigured(name string) llm.Provider {
	return llm.ProviderFunc{
		ProviderName: name,
		Fn: func(context.Context, llm.Request) (llm.Response, error) {
			return llm.Response{}, llm.NewError(llm.KindAuth, name, "no api key configured")
		},
	}
}
