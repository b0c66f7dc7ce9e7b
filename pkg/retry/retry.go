// Package retry wraps flaky calls with exponential backoff and jitter.
//
// Only errors accepted by the policy's Retryable predicate are retried; every
// other error is returned immediately. The typical use is absorbing the race
// between starting a pipeline execution and the execution becoming visible.
package retry

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy configures a retry loop.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int

	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration

	// JitterMin and JitterMax bound the random duration added to every delay.
	JitterMin time.Duration
	JitterMax time.Duration

	// Retryable decides whether an error should be retried. Nil retries nothing.
	Retryable func(error) bool

	// Sleep waits for d or until ctx is done. Nil uses a timer.
	Sleep func(ctx context.Context, d time.Duration) error

	// OnRetry is called before each wait. May be nil.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// DefaultPolicy returns the backoff used for "not found yet" races: 2s
// doubling to a 30s cap, 0.1-0.5s jitter, 5 attempts.
func DefaultPolicy(retryable func(error) bool) Policy {
	return Policy{
		MaxAttempts:  5,
		InitialDelay: 2 * time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
		JitterMin:    100 * time.Millisecond,
		JitterMax:    500 * time.Millisecond,
		Retryable:    retryable,
	}
}

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func jitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	rngMu.Lock()
	defer rngMu.Unlock()
	return lo + time.Duration(rng.Int63n(int64(hi-lo)))
}

// newBackOff returns the exponential schedule without randomization; jitter
// is added separately as an absolute range.
func (p Policy) newBackOff() backoff.BackOff {
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	maxDelay := p.MaxDelay
	if maxDelay <= 0 {
		maxDelay = time.Duration(math.MaxInt64)
	}
	return backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(p.InitialDelay),
		backoff.WithMultiplier(mult),
		backoff.WithMaxInterval(maxDelay),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)
}

// Backoff returns the delay before retry number attempt (1-based), without jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 || p.InitialDelay <= 0 {
		return 0
	}
	b := p.newBackOff()
	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempts are exhausted. The last error is returned unmodified.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue is Do for functions that return a value.
func DoValue[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = Sleep
	}

	var (
		v   T
		err error
		b   = p.newBackOff()
	)
	for attempt := 1; attempt <= attempts; attempt++ {
		v, err = fn(ctx)
		if err == nil {
			return v, nil
		}
		if p.Retryable == nil || !p.Retryable(err) || attempt == attempts {
			return v, err
		}
		var delay time.Duration
		if p.InitialDelay > 0 {
			delay = b.NextBackOff()
		}
		delay += jitter(p.JitterMin, p.JitterMax)
		if p.OnRetry != nil {
			p.OnRetry(attempt, delay, err)
		}
		if serr := sleep(ctx, delay); serr != nil {
			return v, serr
		}
	}
	return v, err
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
