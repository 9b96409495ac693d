package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mexc-sniper/trading-backend/pkg/types"
)

func fastPolicy() Policy {
	return Policy{
		MaxRetries: 2,
		BaseDelay:  time.Millisecond,
		MaxDelay:   5 * time.Millisecond,
		Multiplier: 2.0,
		MaxElapsed: time.Second,
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), types.IsTransient, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
}

func TestDoRetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), types.IsTransient, func() error {
		calls++
		if calls < 3 {
			return types.NewError(types.ErrKindTransient, types.CodeServiceUnavailable, "503")
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
}

func TestDoExhaustsRetries(t *testing.T) {
	calls := 0
	failure := types.NewError(types.ErrKindTransient, types.CodeServiceUnavailable, "503")
	err := Do(context.Background(), fastPolicy(), types.IsTransient, func() error {
		calls++
		return failure
	})
	require.Error(t, err)
	// Initial attempt plus MaxRetries.
	require.Equal(t, 3, calls)
	require.Equal(t, types.CodeServiceUnavailable, types.ErrCodeOf(err))
}

func TestDoStopsOnPermanentError(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), types.IsTransient, func() error {
		calls++
		return types.NewError(types.ErrKindPermanent, types.CodeAuthFailed, "bad key")
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestDoRespectsContextCancellation(t *testing.T) {
	policy := fastPolicy()
	policy.BaseDelay = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Do(ctx, policy, types.IsTransient, func() error {
		calls++
		return types.NewError(types.ErrKindTransient, types.CodeServiceUnavailable, "503")
	})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, 1, calls)
}

func TestDoHonorsElapsedBudget(t *testing.T) {
	policy := fastPolicy()
	policy.BaseDelay = 100 * time.Millisecond
	policy.MaxElapsed = 10 * time.Millisecond

	calls := 0
	err := Do(context.Background(), policy, types.IsTransient, func() error {
		calls++
		return types.NewError(types.ErrKindTransient, types.CodeServiceUnavailable, "503")
	})
	require.Error(t, err)
	// The first retry would blow the budget, so only one attempt runs.
	require.Equal(t, 1, calls)
}

func TestDoNilRetryablePredicateRetriesEverything(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastPolicy(), nil, func() error {
		calls++
		return errors.New("plain failure")
	})
	require.Error(t, err)
	require.Equal(t, 3, calls)
}

func TestJitteredBounds(t *testing.T) {
	d := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		got := jittered(d, 0.25)
		require.GreaterOrEqual(t, got, 75*time.Millisecond)
		require.LessOrEqual(t, got, 125*time.Millisecond)
	}
	require.Equal(t, d, jittered(d, 0))
}
