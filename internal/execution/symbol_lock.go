package execution

import (
	"sync"

	"github.com/mexc-sniper/trading-backend/pkg/types"
)

// symbolLocks serializes order placement per (symbol, side). For any one
// symbol at most one BUY and at most one SELL may be in flight; different
// symbols proceed in parallel.
type symbolLocks struct {
	mu    sync.Mutex
	locks map[string]bool
}

func newSymbolLocks() *symbolLocks {
	return &symbolLocks{locks: make(map[string]bool)}
}

// acquire claims the (symbol, side) slot. Returns IN_FLIGHT when another
// order for the same slot has not finished, without blocking.
func (sl *symbolLocks) acquire(symbol string, side types.Side) error {
	key := symbol + "/" + string(side)
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if sl.locks[key] {
		return types.NewError(types.ErrKindInternal, types.CodeInFlight,
			"an order for "+symbol+" is already in flight")
	}
	sl.locks[key] = true
	return nil
}

func (sl *symbolLocks) release(symbol string, side types.Side) {
	key := symbol + "/" + string(side)
	sl.mu.Lock()
	delete(sl.locks, key)
	sl.mu.Unlock()
}
