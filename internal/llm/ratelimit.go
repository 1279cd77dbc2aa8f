package llm

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Clock abstracts time for limiters.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall clock.
var SystemClock Clock = realClock{}

func sleepCtx(ctx context.Context, clock Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-clock.After(d):
		return nil
	}
}

// SlidingWindow allows at most limit requests in any window.
type SlidingWindow struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	stamps []time.Time
	head   int
	count  int
	clock  Clock
}

// NewSlidingWindow creates a window limiter; limit <= 0 disables it.
func NewSlidingWindow(limit int, window time.Duration, clock Clock) *SlidingWindow {
	if clock == nil {
		clock = SystemClock
	}
	w := &SlidingWindow{limit: limit, window: window, clock: clock}
	if limit > 0 {
		w.stamps = make([]time.Time, limit)
	}
	return w
}

// TryAcquire records a request if allowed, otherwise returns the wait time.
func (w *SlidingWindow) TryAcquire() (bool, time.Duration) {
	if w.limit <= 0 {
		return true, 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.clock.Now()
	for w.count > 0 {
		oldest := w.stamps[w.head]
		if now.Sub(oldest) < w.window {
			break
		}
		w.head = (w.head + 1) % w.limit
		w.count--
	}
	if w.count >= w.limit {
		return false, w.window - now.Sub(w.stamps[w.head])
	}
	w.stamps[(w.head+w.count)%w.limit] = now
	w.count++
	return true, 0
}

// Wait blocks until a slot is recorded or ctx ends.
func (w *SlidingWindow) Wait(ctx context.Context) error {
	for {
		ok, wait := w.TryAcquire()
		if ok {
			return nil
		}
		if err := sleepCtx(ctx, w.clock, wait); err != nil {
			return err
		}
	}
}

// TokenBucket refills rate tokens per second up to capacity.
type TokenBucket struct {
	mu       sync.Mutex
	rate     float64
	capacity float64
	tokens   float64
	last     time.Time
	clock    Clock
}

// NewTokenBucket creates a full bucket; rate <= 0 disables it.
func NewTokenBucket(rate float64, capacity int, clock Clock) *TokenBucket {
	if clock == nil {
		clock = SystemClock
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &TokenBucket{
		rate:     rate,
		capacity: float64(capacity),
		tokens:   float64(capacity),
		last:     clock.Now(),
		clock:    clock,
	}
}

func (b *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens = min(b.capacity, b.tokens+elapsed*b.rate)
		b.last = now
	}
}

// TryAcquire consumes a token if one is present, otherwise returns the wait time.
func (b *TokenBucket) TryAcquire() (bool, time.Duration) {
	if b.rate <= 0 {
		return true, 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked(b.clock.Now())
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	missing := 1 - b.tokens
	return false, time.Duration(missing / b.rate * float64(time.Second))
}

// Wait blocks until a token is consumed or ctx ends.
func (b *TokenBucket) Wait(ctx context.Context) error {
	for {
		ok, wait := b.TryAcquire()
		if ok {
			return nil
		}
		if err := sleepCtx(ctx, b.clock, wait); err != nil {
			return err
		}
	}
}

// Semaphore caps concurrent holders.
type Semaphore struct {
	slots chan struct{}
}

// NewSemaphore creates a semaphore; n <= 0 means unbounded.
func NewSemaphore(n int) *Semaphore {
	if n <= 0 {
		return &Semaphore{}
	}
	return &Semaphore{slots: make(chan struct{}, n)}
}

// Acquire takes a slot or fails when ctx ends.
func (s *Semaphore) Acquire(ctx context.Context) error {
	if s.slots == nil {
		return nil
	}
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release returns a slot.
func (s *Semaphore) Release() {
	if s.slots == nil {
		return
	}
	select {
	case <-s.slots:
	default:
	}
}

// InUse returns the number of held slots.
func (s *Semaphore) InUse() int {
	if s.slots == nil {
		return 0
	}
	return len(s.slots)
}

// LimiterConfig configures a three-stage limiter.
type LimiterConfig struct {
	RequestsPerWindow int
	Window            time.Duration
	TokensPerSecond   float64
	BucketSize        int
	MaxConcurrent     int
	AcquireTimeout    time.Duration
}

// Limiter acquires sliding window, token bucket and semaphore in order.
type Limiter struct {
	name    string
	window  *SlidingWindow
	bucket  *TokenBucket
	sem     *Semaphore
	timeout time.Duration
}

// NewLimiter builds a limiter for the named provider.
func NewLimiter(name string, cfg LimiterConfig, clock Clock) *Limiter {
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	return &Limiter{
		name:    name,
		window:  NewSlidingWindow(cfg.RequestsPerWindow, cfg.Window, clock),
		bucket:  NewTokenBucket(cfg.TokensPerSecond, cfg.BucketSize, clock),
		sem:     NewSemaphore(cfg.MaxConcurrent),
		timeout: cfg.AcquireTimeout,
	}
}

// Acquire passes all three stages and returns the release func for the
// semaphore slot. Each stage gets its own acquire timeout.
func (l *Limiter) Acquire(ctx context.Context) (func(), error) {
	stages := []struct {
		name string
		wait func(context.Context) error
	}{
		{"sliding_window", l.window.Wait},
		{"token_bucket", l.bucket.Wait},
		{"semaphore", l.sem.Acquire},
	}
	for _, stage := range stages {
		if err := l.acquireStage(ctx, stage.wait); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &Error{
				Kind:     KindRateLimit,
				Provider: l.name,
				Message:  stage.name,
				Err:      fmt.Errorf("%w: %s", ErrRateLimitExceeded, stage.name),
			}
		}
	}
	var once sync.Once
	return func() { once.Do(l.sem.Release) }, nil
}

func (l *Limiter) acquireStage(ctx context.Context, wait func(context.Context) error) error {
	if l.timeout <= 0 {
		return wait(ctx)
	}
	stageCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return wait(stageCtx)
}

// InFlight returns the number of held concurrency slots.
func (l *Limiter) InFlight() int { return l.sem.InUse() }

// LimiterSet lazily creates limiters per provider and optional user.
type LimiterSet struct {
	mu       sync.Mutex
	configs  map[string]LimiterConfig
	limiters map[string]*Limiter
	perUser  bool
	clock    Clock
}

// NewLimiterSet creates a set from provider configs.
func NewLimiterSet(configs map[string]LimiterConfig, perUser bool, clock Clock) *LimiterSet {
	return &LimiterSet{
		configs:  configs,
		limiters: make(map[string]*Limiter),
		perUser:  perUser,
		clock:    clock,
	}
}

// For returns the limiter for provider and user.
func (s *LimiterSet) For(provider, user string) *Limiter {
	key := provider
	if s.perUser && user != "" {
		key = provider + "/" + user
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.limiters[key]; ok {
		return l
	}
	l := NewLimiter(provider, s.configs[provider], s.clock)
	s.limiters[key] = l
	return l
}
