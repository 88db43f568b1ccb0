package fn

import (
	"context"
	"math/rand/v2"
	"time"
)

// RetryOpts configures Retry.
type RetryOpts struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	// Jitter scales each wait by a random factor in [0.5, 1.5).
	Jitter bool
	// Retryable, when set, stops retrying on errors it rejects.
	Retryable func(error) bool
	// OnRetry is called before each sleep with the failed attempt number (1-based).
	OnRetry func(attempt int, err error)
}

// NoRetry runs f exactly once.
var NoRetry = RetryOpts{MaxAttempts: 1}

func (o RetryOpts) delay(wait time.Duration) time.Duration {
	if o.Jitter {
		wait = time.Duration(float64(wait) * (0.5 + rand.Float64()))
	}
	if o.MaxWait > 0 && wait > o.MaxWait {
		wait = o.MaxWait
	}
	return wait
}

// Retry calls f until it succeeds, the attempts run out, Retryable rejects
// the error or ctx is done. Waits double from InitialWait up to MaxWait.
func Retry[T any](ctx context.Context, opts RetryOpts, f func(context.Context) Result[T]) Result[T] {
	attempts := max(opts.MaxAttempts, 1)
	wait := opts.InitialWait

	for attempt := 1; ; attempt++ {
		r := f(ctx)
		_, err := r.Unwrap()
		if err == nil || attempt == attempts {
			return r
		}
		if opts.Retryable != nil && !opts.Retryable(err) {
			return r
		}
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err)
		}

		t := time.NewTimer(opts.delay(wait))
		select {
		case <-ctx.Done():
			t.Stop()
			return Err[T](ctx.Err())
		case <-t.C:
		}
		wait *= 2
	}
}
