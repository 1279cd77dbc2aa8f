package llm

import (
	"context"
	"time"

	"github.com/metalagman/atelier/internal/metrics"
	"github.com/rs/zerolog"
)

// Middleware wraps a provider with cross-cutting behavior.
type Middleware func(next Provider) Provider

// Chain applies middlewares so that the first one is the outermost.
func Chain(base Provider, mws ...Middleware) Provider {
	p := base
	for i := len(mws) - 1; i >= 0; i-- {
		p = mws[i](p)
	}
	return p
}

func wrap(next Provider, fn func(ctx context.Context, req Request) (Response, error)) Provider {
	return ProviderFunc{ProviderName: next.Name(), ProviderModel: next.Model(), Fn: fn}
}

// WithLogging logs each call outcome at debug level and failures at warn.
func WithLogging(logger zerolog.Logger) Middleware {
	return func(next Provider) Provider {
		return wrap(next, func(ctx context.Context, req Request) (Response, error) {
			started := time.Now()
			resp, err := next.Complete(ctx, req)
			if err != nil {
				logger.Warn().
					Err(err).
					Str("provider", next.Name()).
					Str("kind", string(KindOf(err))).
					Dur("duration", time.Since(started)).
					Msg("llm call failed")
				return resp, err
			}
			logger.Debug().
				Str("provider", resp.Provider).
				Str("model", resp.Model).
				Str("key", resp.KeyID).
				Int("prompt_tokens", resp.Usage.PromptTokens).
				Int("completion_tokens", resp.Usage.CompletionTokens).
				Dur("duration", time.Since(started)).
				Msg("llm call finished")
			return resp, nil
		})
	}
}

// WithMetrics records request counters and latency.
func WithMetrics(rec *metrics.Recorder) Middleware {
	return func(next Provider) Provider {
		return wrap(next, func(ctx context.Context, req Request) (Response, error) {
			started := time.Now()
			resp, err := next.Complete(ctx, req)
			provider, model := resp.Provider, resp.Model
			if provider == "" {
				provider = next.Name()
			}
			if model == "" {
				model = next.Model()
			}
			errType := ""
			if err != nil {
				errType = string(KindOf(err))
			}
			rec.ObserveLLM(provider, model, errType, time.Since(started), resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
			return resp, err
		})
	}
}

// WithTimeout bounds calls that carry no timeout of their own.
func WithTimeout(d time.Duration) Middleware {
	return func(next Provider) Provider {
		return wrap(next, func(ctx context.Context, req Request) (Response, error) {
			if d <= 0 || req.Timeout > 0 {
				return next.Complete(ctx, req)
			}
			req.Timeout = d
			return next.Complete(ctx, req)
		})
	}
}
