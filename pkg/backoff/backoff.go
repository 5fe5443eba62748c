// Package backoff provides an exponential retry policy and a retry loop.
package backoff

import (
	"context"
	"math"
	"time"
)

// Policy describes how often and how fast to retry. Zero values use defaults.
type Policy struct {
	Initial     time.Duration // first delay, default 100ms
	Max         time.Duration // delay cap, default 5s
	Multiplier  float64       // growth per attempt, default 2
	MaxAttempts int           // total attempts including the first, default 3
}

func (p Policy) withDefaults() Policy {
	if p.Initial <= 0 {
		p.Initial = 100 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 5 * time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	return p
}

// Delay returns the wait before retry number attempt (1-based).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt < 1 {
		return p.Initial
	}
	d := float64(p.Initial) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.Max) {
		return p.Max
	}
	return time.Duration(d)
}

// Attempts returns the effective attempt budget.
func (p Policy) Attempts() int {
	return p.withDefaults().MaxAttempts
}

// Retry calls fn until it succeeds, returns an error retryable rejects, the
// attempt budget runs out, or ctx is done. The last error from fn is returned;
// a cancelled wait returns ctx.Err().
func Retry(ctx context.Context, p Policy, retryable func(error) bool, fn func(context.Context) error) error {
	p = p.withDefaults()
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if attempt >= p.MaxAttempts || retryable == nil || !retryable(err) {
			return err
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
