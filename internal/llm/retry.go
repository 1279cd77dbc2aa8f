package llm

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff computes retry delays with exponential growth and jitter.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
	Jitter  float64
}

// DefaultBackoff is used when a provider does not override it.
var DefaultBackoff = Backoff{Initial: 500 * time.Millisecond, Max: 8 * time.Second, Factor: 2, Jitter: 0.2}

// Delay returns the wait before retry number attempt (0-based).
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Initial)
	for i := 0; i < attempt; i++ {
		d *= b.Factor
		if time.Duration(d) >= b.Max {
			d = float64(b.Max)
			break
		}
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (rand.Float64()*2 - 1)
	}
	if d < 0 {
		return 0
	}
	return time.Duration(d)
}

// Sleep waits for d or until ctx ends.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
