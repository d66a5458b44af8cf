package ledger

import (
	"fmt"
	"sort"

	"github.com/google/uuid"
)

// InvariantValidator checks ledger invariants
type InvariantValidator struct {
	tracker *BalanceTracker
}

func NewInvariantValidator(tracker *BalanceTracker) *InvariantValidator {
	return &InvariantValidator{
		tracker: tracker,
	}
}

// ValidateBatchBalance verifies batch is well-formed
func (v *InvariantValidator) ValidateBatchBalance(batch *Batch) error {
	return batch.Validate()
}

// ValidateReserveNonNegative verifies a market's ABR reserve is >= 0
func (v *InvariantValidator) ValidateReserveNonNegative(market string, assetID AssetID) error {
	return v.tracker.ValidateNonNegative(NewReserveAccountKey(market, assetID))
}

// ValidateUserCollateralNonNegative checks user collateral >= 0
func (v *InvariantValidator) ValidateUserCollateralNonNegative(userID uuid.UUID, assetID AssetID) error {
	key := NewUserAccountKey(userID, SubTypeCollateral, assetID)
	return v.tracker.ValidateNonNegative(key)
}

// ValidateGuardedNonNegative checks every user and system account is >= 0
func (v *InvariantValidator) ValidateGuardedNonNegative() error {
	var bad []string
	for key, balance := range v.tracker.Snapshot() {
		if key.guarded() && balance < 0 {
			bad = append(bad, fmt.Sprintf("%s=%d", key.AccountPath(), balance))
		}
	}
	if len(bad) > 0 {
		sort.Strings(bad)
		return fmt.Errorf("negative guarded balances: %v", bad)
	}
	return nil
}

// ValidateGlobalBalance verifies system is zero-sum
func (v *InvariantValidator) ValidateGlobalBalance() error {
	totals := v.tracker.ComputeGlobalBalance()

	for assetID, total := range totals {
		if total != 0 {
			assetName, _ := GetAssetName(assetID)
			return fmt.Errorf("global balance for %s is non-zero: %d", assetName, total)
		}
	}

	return nil
}
