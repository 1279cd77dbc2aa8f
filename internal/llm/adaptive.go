package llm

import (
	"context"
	"sync"
	"time"
)

// AdaptiveConfig configures an AdaptiveSemaphore.
type AdaptiveConfig struct {
	Initial           int
	IncreaseThreshold int
	IncreaseStep      int
	DecreaseStep      int
	Cooldown          time.Duration
}

// AdaptiveSemaphore is a concurrency limit that grows after sustained
// success and shrinks on rate-limit signals, bounded to [N/2, 2N].
type AdaptiveSemaphore struct {
	mu            sync.Mutex
	cfg           AdaptiveConfig
	limit         int
	minLimit      int
	maxLimit      int
	inUse         int
	successes     int
	cooldownUntil time.Time
	notify        chan struct{}
	now           func() time.Time
}

// NewAdaptiveSemaphore creates a semaphore with the configured initial limit.
func NewAdaptiveSemaphore(cfg AdaptiveConfig) *AdaptiveSemaphore {
	if cfg.Initial <= 0 {
		cfg.Initial = 1
	}
	if cfg.IncreaseThreshold <= 0 {
		cfg.IncreaseThreshold = 5
	}
	if cfg.IncreaseStep <= 0 {
		cfg.IncreaseStep = 1
	}
	if cfg.DecreaseStep <= 0 {
		cfg.DecreaseStep = 1
	}
	return &AdaptiveSemaphore{
		cfg:      cfg,
		limit:    cfg.Initial,
		minLimit: max(1, cfg.Initial/2),
		maxLimit: cfg.Initial * 2,
		notify:   make(chan struct{}),
		now:      time.Now,
	}
}

// Acquire waits for a slot under the current limit.
func (s *AdaptiveSemaphore) Acquire(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.inUse < s.limit {
			s.inUse++
			s.mu.Unlock()
			return nil
		}
		ch := s.notify
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// Release frees a slot.
func (s *AdaptiveSemaphore) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inUse > 0 {
		s.inUse--
	}
	s.broadcastLocked()
}

// OnSuccess counts a success and raises the limit after the threshold,
// unless a cooldown is active.
func (s *AdaptiveSemaphore) OnSuccess() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successes++
	if s.successes < s.cfg.IncreaseThreshold || s.now().Before(s.cooldownUntil) {
		return
	}
	s.successes = 0
	if s.limit < s.maxLimit {
		s.limit = min(s.limit+s.cfg.IncreaseStep, s.maxLimit)
		s.broadcastLocked()
	}
}

// OnRateLimit lowers the limit and starts a cooldown.
func (s *AdaptiveSemaphore) OnRateLimit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successes = 0
	s.limit = max(s.limit-s.cfg.DecreaseStep, s.minLimit)
	s.cooldownUntil = s.now().Add(s.cfg.Cooldown)
}

// Observe routes an outcome to OnSuccess or OnRateLimit.
func (s *AdaptiveSemaphore) Observe(err error) {
	if err == nil {
		s.OnSuccess()
		return
	}
	if k := KindOf(err); k == KindRateLimit || k == KindQuota {
		s.OnRateLimit()
	}
}

// Limit returns the current limit.
func (s *AdaptiveSemaphore) Limit() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limit
}

// Bounds returns the minimum and maximum limit.
func (s *AdaptiveSemaphore) Bounds() (int, int) {
	return s.minLimit, s.maxLimit
}

// InUse returns held slots.
func (s *AdaptiveSemaphore) InUse() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inUse
}

func (s *AdaptiveSemaphore) broadcastLocked() {
	close(s.notify)
	s.notify = make(chan struct{})
}
