package types

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestRunStatusTransitions(t *testing.T) {
	allowed := []struct{ from, to RunStatus }{
		{RunStatusStarting, RunStatusRunning},
		{RunStatusStarting, RunStatusFailed},
		{RunStatusRunning, RunStatusStopping},
		{RunStatusRunning, RunStatusFailed},
		{RunStatusStopping, RunStatusStopped},
		{RunStatusStopping, RunStatusFailed},
	}
	for _, tr := range allowed {
		require.True(t, tr.from.CanTransition(tr.to), "%s -> %s", tr.from, tr.to)
	}

	denied := []struct{ from, to RunStatus }{
		{RunStatusStarting, RunStatusStopped},
		{RunStatusRunning, RunStatusStarting},
		{RunStatusStopped, RunStatusRunning},
		{RunStatusFailed, RunStatusStarting},
		{RunStatusStopped, RunStatusFailed},
	}
	for _, tr := range denied {
		require.False(t, tr.from.CanTransition(tr.to), "%s -> %s", tr.from, tr.to)
	}
}

func TestRunStatusTerminalAndActive(t *testing.T) {
	for _, s := range []RunStatus{RunStatusStarting, RunStatusRunning, RunStatusStopping} {
		require.True(t, s.Active(), "%s", s)
		require.False(t, s.Terminal(), "%s", s)
	}
	for _, s := range []RunStatus{RunStatusStopped, RunStatusFailed} {
		require.False(t, s.Active(), "%s", s)
		require.True(t, s.Terminal(), "%s", s)
	}
}

func TestPositionRecalculate(t *testing.T) {
	p := &Position{
		Quantity:     decimal.NewFromInt(20),
		EntryPrice:   decimal.RequireFromString("0.5"),
		CurrentPrice: decimal.RequireFromString("0.6"),
	}
	p.Recalculate()
	require.True(t, p.UnrealizedPnL.Equal(decimal.NewFromInt(2)), "pnl = %s", p.UnrealizedPnL)
	require.True(t, p.UnrealizedPnLPct.Equal(decimal.NewFromInt(20)), "pct = %s", p.UnrealizedPnLPct)
}

func TestPositionRecalculateZeroEntry(t *testing.T) {
	p := &Position{
		Quantity:     decimal.NewFromInt(20),
		CurrentPrice: decimal.RequireFromString("0.6"),
	}
	p.Recalculate()
	require.True(t, p.UnrealizedPnLPct.IsZero())
}

func TestListingEventFresh(t *testing.T) {
	now := time.Now().UTC()
	e := &ListingEvent{FreshnessDeadline: now.Add(time.Minute)}
	require.True(t, e.Fresh(now))
	require.False(t, e.Fresh(now.Add(time.Minute)))
	require.False(t, e.Fresh(now.Add(2*time.Minute)))
}

func TestConfigurationPollingInterval(t *testing.T) {
	cfg := &TradingConfiguration{}
	require.Equal(t, 5*time.Second, cfg.PollingInterval())

	cfg.PollingIntervalMs = 250
	require.Equal(t, 250*time.Millisecond, cfg.PollingInterval())
}

func TestConfigurationPairEnabled(t *testing.T) {
	cfg := &TradingConfiguration{EnabledPairs: []string{"NEWUSDT", "ABCUSDT"}}
	require.True(t, cfg.PairEnabled("NEWUSDT"))
	require.False(t, cfg.PairEnabled("XYZUSDT"))
}

func TestCalendarEntrySymbol(t *testing.T) {
	e := &CalendarEntry{VcoinName: "NEW"}
	require.Equal(t, "NEWUSDT", e.Symbol())
}

func TestErrorTagging(t *testing.T) {
	base := NewError(ErrKindTransient, CodeServiceUnavailable, "exchange 503")
	require.Equal(t, ErrKindTransient, ErrKindOf(base))
	require.Equal(t, CodeServiceUnavailable, ErrCodeOf(base))
	require.True(t, IsTransient(base))

	// Tags survive wrapping.
	wrapped := fmt.Errorf("placing order: %w", base)
	require.Equal(t, ErrKindTransient, ErrKindOf(wrapped))
	require.Equal(t, CodeServiceUnavailable, ErrCodeOf(wrapped))
	require.True(t, IsTransient(wrapped))

	// Untagged errors are treated as internal and never retried.
	plain := errors.New("nil pointer somewhere")
	require.Equal(t, ErrKindInternal, ErrKindOf(plain))
	require.Equal(t, "", ErrCodeOf(plain))
	require.False(t, IsTransient(plain))
}

func TestWrapErrorUnwraps(t *testing.T) {
	cause := errors.New("connection reset")
	err := WrapError(ErrKindTransient, CodeServiceUnavailable, cause)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), CodeServiceUnavailable)
}
