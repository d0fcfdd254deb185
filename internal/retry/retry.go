// Package retry is the single backoff policy used for transient failures.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/rogers-f/taskengine/internal/domain"
)

// Policy bounds how transient errors are retried.
type Policy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// Retryable decides which errors are worth another attempt.
	// Nil means domain.IsTransient.
	Retryable func(error) bool
}

// Default returns the policy used by the engine loops.
func Default() Policy {
	return Policy{
		MaxTries:        5,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
	}
}

// Do runs op until it succeeds, returns a non-retryable error, the tries are
// exhausted, or ctx is done.
func (p Policy) Do(ctx context.Context, op func() error) error {
	_, err := Value(ctx, p, func() (struct{}, error) {
		return struct{}{}, op()
	})
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, op func() (T, error)) (T, error) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = domain.IsTransient
	}
	tries := p.MaxTries
	if tries == 0 {
		tries = 1
	}

	eb := backoff.NewExponentialBackOff()
	if p.InitialInterval > 0 {
		eb.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		eb.MaxInterval = p.MaxInterval
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !retryable(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(eb), backoff.WithMaxTries(tries))
}
