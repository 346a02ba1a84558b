package cdp

import (
	"math/rand"
	"time"
)

// RetryPolicy bounds how Dial retries a failing connect.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Jitter adds up to this fraction of the delay, e.g. 0.1 for 10%.
	Jitter float64
}

// DefaultRetryPolicy returns the connect retry defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  5,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}
}

// attempts returns the number of connect attempts, at least one.
func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// NextDelay calculates the delay after failed attempt n (1-based).
func (p RetryPolicy) NextDelay(n int) time.Duration {
	if n <= 0 {
		n = 1
	}
	if p.InitialDelay <= 0 {
		return 0
	}

	factor := p.Multiplier
	if factor < 1.0 {
		factor = 1.0
	}

	// Exponential backoff: initialDelay * (factor ^ (n-1))
	delay := float64(p.InitialDelay)
	for i := 1; i < n; i++ {
		delay *= factor
		if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
			break
		}
	}

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	// Global rand is safe for concurrent use and auto-seeded since Go 1.20.
	if p.Jitter > 0 {
		delay += delay * p.Jitter * rand.Float64()
	}

	return time.Duration(delay)
}
