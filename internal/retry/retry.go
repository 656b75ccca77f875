package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Options controls backoff behavior for Do.
type Options struct {
	Initial     time.Duration // first delay between attempts
	Max         time.Duration // delay cap
	Factor      float64       // delay multiplier, applied after each attempt
	MaxAttempts int           // 0 means retry forever
	Retryable   func(error) bool
	OnRetry     func(attempt int, err error, next time.Duration)
}

func (o Options) withDefaults() Options {
	if o.Initial <= 0 {
		o.Initial = time.Second
	}
	if o.Max <= 0 {
		o.Max = 30 * time.Second
	}
	if o.Factor < 1 {
		o.Factor = 1.5
	}
	return o
}

// Do runs fn until it succeeds, until the retryable predicate rejects the
// error, or until MaxAttempts is exhausted. The context aborts the backoff
// sleep as well as further attempts.
func Do[T any](ctx context.Context, opts Options, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	opts = opts.withDefaults()

	delay := opts.Initial
	for attempt := 1; ; attempt++ {
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if errors.Is(err, ErrGiveUp) {
			return zero, err
		}
		if opts.Retryable != nil && !opts.Retryable(err) {
			return zero, err
		}
		if opts.MaxAttempts > 0 && attempt >= opts.MaxAttempts {
			return zero, fmt.Errorf("after %d attempts: %w", attempt, err)
		}

		if opts.OnRetry != nil {
			opts.OnRetry(attempt, err, delay)
		}

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return zero, ctx.Err()
		}

		delay = time.Duration(float64(delay) * opts.Factor)
		if delay > opts.Max {
			delay = opts.Max
		}
	}
}

// ErrGiveUp can be wrapped by fn to stop a retry loop whose predicate would
// otherwise keep it alive.
var ErrGiveUp = errors.New("give up")

// Always accepts every error.
func Always(error) bool { return true }

// Unless rejects errors matching any of the given targets and accepts the rest.
func Unless(targets ...error) func(error) bool {
	return func(err error) bool {
		for _, t := range targets {
			if errors.Is(err, t) {
				return false
			}
		}
		return true
	}
}
