package gateway

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy describes how many times a transient failure is retried and how long
// to wait in between.
type Policy struct {
	MaxRetries          int
	InitialInterval     time.Duration
	Multiplier          float64
	MaxInterval         time.Duration
	RandomizationFactor float64

	// Notify is called before each retry with the error that triggered it.
	Notify func(err error, wait time.Duration)
}

// DefaultPolicy is used for text and image calls.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:          3,
		InitialInterval:     time.Second,
		Multiplier:          2,
		MaxInterval:         30 * time.Second,
		RandomizationFactor: 0.5,
	}
}

// LongRunningPolicy is used for starting and polling video operations.
func LongRunningPolicy() Policy {
	return Policy{
		MaxRetries:          2,
		InitialInterval:     5 * time.Second,
		Multiplier:          2,
		MaxInterval:         time.Minute,
		RandomizationFactor: 0.5,
	}
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.Multiplier > 0 {
		b.Multiplier = p.Multiplier
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	b.RandomizationFactor = p.RandomizationFactor
	return b
}

// Call runs op, retrying transient failures per p. Permanent failures are
// returned after the first attempt.
func Call[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(retries + 1)),
	}
	if p.Notify != nil {
		opts = append(opts, backoff.WithNotify(p.Notify))
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op(ctx)
		if err != nil && Classify(err) == ClassPermanent {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, opts...)
}
