package downloader

import (
	"math"
	"math/rand"
	"time"
)

const (
	DefaultMaxRetries = 5
	DefaultBaseDelay  = 1 * time.Second
	DefaultMaxDelay   = 30 * time.Second
	DefaultFactor     = 2.0
	DefaultJitter     = 0.2
)

// RetryPolicy decides how often and how long a task waits after a transient failure.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Factor     float64
	// Jitter is the fraction by which a delay is randomly stretched or shrunk.
	Jitter float64
	// Rand returns a value in [0, 1). Defaults to math/rand.
	Rand func() float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
		Factor:     DefaultFactor,
		Jitter:     DefaultJitter,
	}
}

// Backoff returns the wait before retry number attempt (1-based):
// BaseDelay * Factor^(attempt-1), jittered, capped at MaxDelay.
// With Factor >= (1+Jitter)/(1-Jitter) successive delays never shrink.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}

	delay := float64(p.BaseDelay) * math.Pow(factor, float64(attempt-1))

	if p.Jitter > 0 {
		r := p.Rand
		if r == nil {
			r = rand.Float64
		}
		delay *= 1 - p.Jitter + 2*p.Jitter*r()
	}

	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}
