package cmdbus

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy shapes the exponential backoff applied to retryable dispatch
// failures. Commands may override the bus default by implementing
// RetryPolicy() RetryPolicy.
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt. Zero
	// disables retrying.
	MaxRetries int
	// InitialInterval is the first backoff delay.
	InitialInterval time.Duration
	// MaxInterval caps the delay growth.
	MaxInterval time.Duration
	// Multiplier grows the delay per attempt.
	Multiplier float64
	// RandomizationFactor jitters each delay by +/- the given fraction.
	RandomizationFactor float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:          3,
		InitialInterval:     50 * time.Millisecond,
		MaxInterval:         2 * time.Second,
		Multiplier:          2,
		RandomizationFactor: 0.2,
	}
}

func (p RetryPolicy) backOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.MaxInterval = p.MaxInterval
	eb.Multiplier = p.Multiplier
	eb.RandomizationFactor = p.RandomizationFactor
	eb.MaxElapsedTime = 0
	return backoff.WithMaxRetries(eb, uint64(p.MaxRetries))
}
