// Package retry provides a small retry helper with exponential backoff.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy defines how an operation is retried. No hidden defaults: callers
// construct the policy they want or take DefaultPolicy.
type Policy struct {
	MaxRetries int           // retries after the first attempt
	BaseDelay  time.Duration // delay before the first retry
	MaxDelay   time.Duration // backoff cap
	Multiplier float64       // backoff growth factor
	Jitter     float64       // fraction of the delay randomized both ways
	MaxElapsed time.Duration // total budget across all attempts; 0 = unbounded
}

// DefaultPolicy matches the orchestrator's trade retry wrapper:
// 2 retries, 500ms base, capped at 2s, jitter +/-25%, 30s total budget.
var DefaultPolicy = Policy{
	MaxRetries: 2,
	BaseDelay:  500 * time.Millisecond,
	MaxDelay:   2 * time.Second,
	Multiplier: 2.0,
	Jitter:     0.25,
	MaxElapsed: 30 * time.Second,
}

// RetryableFunc reports whether an error is worth retrying.
type RetryableFunc func(error) bool

// Do runs fn, retrying transient failures per the policy. The last error is
// returned when attempts or the elapsed budget run out.
func Do(ctx context.Context, policy Policy, retryable RetryableFunc, fn func() error) error {
	start := time.Now()
	delay := policy.BaseDelay

	var err error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if attempt == policy.MaxRetries {
			break
		}
		if policy.MaxElapsed > 0 && time.Since(start)+delay > policy.MaxElapsed {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay, policy.Jitter)):
		}

		delay = time.Duration(float64(delay) * policy.Multiplier)
		if policy.MaxDelay > 0 && delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	return err
}

// jittered spreads d uniformly across [d*(1-f), d*(1+f)].
func jittered(d time.Duration, f float64) time.Duration {
	if f <= 0 {
		return d
	}
	spread := float64(d) * f
	return time.Duration(float64(d) - spread + rand.Float64()*2*spread)
}
