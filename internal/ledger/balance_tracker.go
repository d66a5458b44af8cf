package ledger

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrInsufficientBalance rejects a batch that would take a user or reserve account negative.
var ErrInsufficientBalance = errors.New("insufficient balance")

// BalanceTracker maintains in-memory account balances.
// All mutations are serialized; a batch is applied all-or-nothing.
type BalanceTracker struct {
	mu       sync.RWMutex
	balances map[AccountKey]int64
}

func NewBalanceTracker() *BalanceTracker {
	return &BalanceTracker{
		balances: make(map[AccountKey]int64),
	}
}

// ApplyBatch validates the batch, checks that no guarded account ends below
// zero, then applies every journal. On error nothing is applied.
func (bt *BalanceTracker) ApplyBatch(batch *Batch) error {
	if err := batch.Validate(); err != nil {
		return fmt.Errorf("invalid batch: %w", err)
	}

	bt.mu.Lock()
	defer bt.mu.Unlock()

	deltas := make(map[AccountKey]int64, 2*len(batch.Journals))
	for _, j := range batch.Journals {
		deltas[j.DebitAccount] += j.Amount
		deltas[j.CreditAccount] -= j.Amount
	}

	for key, delta := range deltas {
		if delta >= 0 || !key.guarded() {
			continue
		}
		if have := bt.balances[key]; have+delta < 0 {
			return fmt.Errorf("%w: %s has %d, needs %d", ErrInsufficientBalance, key.AccountPath(), have, -delta)
		}
	}

	for key, delta := range deltas {
		bt.balances[key] += delta
	}

	return nil
}

// GetBalance returns the current balance for an account
func (bt *BalanceTracker) GetBalance(key AccountKey) int64 {
	bt.mu.RLock()
	defer bt.mu.RUnlock()
	return bt.balances[key]
}

// GetUserAvailableBalance returns the user's collateral in the asset
func (bt *BalanceTracker) GetUserAvailableBalance(userID uuid.UUID, assetID AssetID) int64 {
	return bt.GetBalance(NewUserAccountKey(userID, SubTypeCollateral, assetID))
}

// GetReserveBalance returns the ABR reserve of a market
func (bt *BalanceTracker) GetReserveBalance(market string, assetID AssetID) int64 {
	return bt.GetBalance(NewReserveAccountKey(market, assetID))
}

// ValidateSufficientAvailable checks if user has enough available balance
func (bt *BalanceTracker) ValidateSufficientAvailable(userID uuid.UUID, assetID AssetID, required int64) error {
	available := bt.GetUserAvailableBalance(userID, assetID)
	if available < required {
		return fmt.Errorf("%w: have=%d, need=%d", ErrInsufficientBalance, available, required)
	}
	return nil
}

// ValidateNonNegative checks that a specific account balance is >= 0
func (bt *BalanceTracker) ValidateNonNegative(key AccountKey) error {
	balance := bt.GetBalance(key)
	if balance < 0 {
		return fmt.Errorf("account %s has negative balance: %d", key.AccountPath(), balance)
	}
	return nil
}

// ComputeGlobalBalance sums all account balances (should be 0 for zero-sum ledger)
func (bt *BalanceTracker) ComputeGlobalBalance() map[AssetID]int64 {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	totals := make(map[AssetID]int64)
	for key, balance := range bt.balances {
		totals[key.AssetID] += balance
	}

	return totals
}

// Snapshot returns a copy of all balances (for snapshots and state hashing)
func (bt *BalanceTracker) Snapshot() map[AccountKey]int64 {
	bt.mu.RLock()
	defer bt.mu.RUnlock()

	snapshot := make(map[AccountKey]int64, len(bt.balances))
	for k, v := range bt.balances {
		snapshot[k] = v
	}
	return snapshot
}

// Restore replaces all balances with a snapshot copy.
func (bt *BalanceTracker) Restore(balances map[AccountKey]int64) {
	bt.mu.Lock()
	defer bt.mu.Unlock()

	bt.balances = make(map[AccountKey]int64, len(balances))
	for k, v := range balances {
		bt.balances[k] = v
	}
}
