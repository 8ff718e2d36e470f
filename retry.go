package sagaflow

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy computes exponential backoff with jitter.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// Jitter is the fraction of the delay that may be shaved off at random,
	// 0 disables it.
	Jitter float64
	// Rand returns a value in [0,1). Defaults to math/rand.
	Rand func() float64
}

// Delay returns the wait before retry number attempt (1-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt && delay > 0; i++ {
		delay <<= 1
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			break
		}
	}
	if p.MaxDelay > 0 && (delay > p.MaxDelay || delay < 0) {
		delay = p.MaxDelay
	}
	if p.Jitter > 0 && delay > 0 {
		rnd := p.Rand
		if rnd == nil {
			rnd = rand.Float64
		}
		j := p.Jitter
		if j > 1 {
			j = 1
		}
		delay -= time.Duration(float64(delay) * j * rnd())
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
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
