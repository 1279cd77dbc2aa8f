package llm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/metalagman/atelier/internal/metrics"
	"github.com/rs/zerolog/log"
)

// Backend is a single-key adapter for one provider wire format.
type Backend interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// BackendFactory builds a backend bound to one API key.
type BackendFactory func(apiKey string) (Backend, error)

// PooledProvider serves calls through a key pool and a limiter, retrying
// transient failures on the same provider before reporting them.
type PooledProvider struct {
	name    string
	model   string
	pool    *KeyPool
	limiter *Limiter
	factory BackendFactory
	backoff Backoff
	sleep   func(context.Context, time.Duration) error
	rec     *metrics.Recorder
	// retryAfter is applied to 429s that carry no Retry-After header.
	retryAfter time.Duration

	mu       sync.Mutex
	backends map[string]Backend
}

// PooledOption customizes a PooledProvider.
type PooledOption func(*PooledProvider)

// WithBackoff overrides the retry backoff.
func WithBackoff(b Backoff) PooledOption {
	return func(p *PooledProvider) { p.backoff = b }
}

// WithSleep overrides the retry sleep, used by tests.
func WithSleep(fn func(context.Context, time.Duration) error) PooledOption {
	return func(p *PooledProvider) { p.sleep = fn }
}

// WithRecorder records throttle events.
func WithRecorder(rec *metrics.Recorder) PooledOption {
	return func(p *PooledProvider) { p.rec = rec }
}

// WithRetryAfter sets the cool-down for rate-limited keys when the upstream
// does not send one.
func WithRetryAfter(d time.Duration) PooledOption {
	return func(p *PooledProvider) { p.retryAfter = d }
}

// NewPooledProvider wires a pool, limiter and backend factory.
func NewPooledProvider(name, model string, pool *KeyPool, limiter *Limiter, factory BackendFactory, opts ...PooledOption) *PooledProvider {
	p := &PooledProvider{
		name:     name,
		model:    model,
		pool:     pool,
		limiter:  limiter,
		factory:  factory,
		backoff:  DefaultBackoff,
		sleep:    Sleep,
		backends: make(map[string]Backend),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements Provider.
func (p *PooledProvider) Name() string { return p.name }

// Model implements Provider.
func (p *PooledProvider) Model() string { return p.model }

// Pool returns the provider key pool.
func (p *PooledProvider) Pool() *KeyPool { return p.pool }

// Complete implements Provider. Attempts are bounded by req.MaxRetries.
func (p *PooledProvider) Complete(ctx context.Context, req Request) (Response, error) {
	var lastErr *Error
	for attempt := 0; attempt <= max(req.MaxRetries, 0); attempt++ {
		resp, err := p.attempt(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = Classify(p.name, err)
		if ctx.Err() != nil || !Retryable(lastErr.Kind) || attempt == req.MaxRetries {
			break
		}
		if lastErr.Kind == KindRateLimit && p.pool.Available() == 0 {
			break
		}
		delay := p.backoff.Delay(attempt)
		if lastErr.Kind == KindRateLimit {
			delay = 0
		}
		log.Debug().
			Str("provider", p.name).
			Int("attempt", attempt+1).
			Str("kind", string(lastErr.Kind)).
			Dur("delay", delay).
			Msg("retrying llm call")
		if err := p.sleep(ctx, delay); err != nil {
			break
		}
	}
	return Response{}, lastErr
}

func (p *PooledProvider) attempt(ctx context.Context, req Request) (Response, error) {
	if p.limiter != nil {
		release, err := p.limiter.Acquire(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.rec.Throttle(p.name, "local_"+stageOf(err))
			}
			return Response{}, err
		}
		defer release()
	}

	key, err := p.pool.Select()
	if err != nil {
		return Response{}, &Error{Kind: KindRateLimit, Provider: p.name, Err: err}
	}
	backend, err := p.backend(key)
	if err != nil {
		p.pool.ReportFailure(key, KindAuth, 0)
		return Response{}, &Error{Kind: KindAuth, Provider: p.name, Err: err}
	}

	callCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	started := time.Now()
	resp, err := backend.Complete(callCtx, req)
	if err != nil {
		classified := Classify(p.name, err)
		retryAfter := classified.RetryAfter
		if classified.Kind == KindRateLimit {
			p.rec.Throttle(p.name, "upstream")
			if retryAfter <= 0 {
				retryAfter = p.retryAfter
			}
		}
		p.pool.ReportFailure(key, classified.Kind, retryAfter)
		return Response{}, classified
	}
	if resp.Content == "" {
		p.pool.ReportFailure(key, KindEmpty, 0)
		return Response{}, NewError(KindEmpty, p.name, "empty completion")
	}
	p.pool.ReportSuccess(key)
	resp.Provider = p.name
	if resp.Model == "" {
		resp.Model = p.model
	}
	resp.KeyID = MaskKey(key)
	resp.Latency = time.Since(started)
	return resp, nil
}

func (p *PooledProvider) backend(key string) (Backend, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.backends[key]; ok {
		return b, nil
	}
	b, err := p.factory(key)
	if err != nil {
		return nil, fmt.Errorf("init %s backend: %w", p.name, err)
	}
	p.backends[key] = b
	return b, nil
}

func stageOf(err error) string {
	if e := Classify("", err); e.Message != "" {
		return e.Message
	}
	return "limiter"
}
