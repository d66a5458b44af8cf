package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// BalanceReader is the read side of a balance store.
type BalanceReader interface {
	GetBalance(key AccountKey) int64
}

// JournalGenerator creates balanced journal batches for ledger operations.
// Sequence numbers are stamped later by the emitter via Batch.SetSequence.
type JournalGenerator struct {
	balances BalanceReader // for pre-checks
}

func NewJournalGenerator(balances BalanceReader) *JournalGenerator {
	return &JournalGenerator{
		balances: balances,
	}
}

func newBatch(eventRef string, timestamp int64, capacity int) *Batch {
	return &Batch{
		BatchID:   uuid.New(),
		EventRef:  eventRef,
		Timestamp: timestamp,
		Journals:  make([]Journal, 0, capacity),
	}
}

func (b *Batch) add(debit, credit AccountKey, assetID AssetID, amount int64, jt JournalType) {
	b.Journals = append(b.Journals, Journal{
		JournalID:     uuid.New(),
		BatchID:       b.BatchID,
		EventRef:      b.EventRef,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       assetID,
		Amount:        amount,
		JournalType:   jt,
		Timestamp:     b.Timestamp,
	})
}

// GenerateDeposit credits a user's collateral from the outside world.
// Moves funds: external:deposits → user:collateral
func (jg *JournalGenerator) GenerateDeposit(
	userID uuid.UUID,
	depositRef string,
	amount int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("deposit amount must be positive, got %d", amount)
	}

	batch := newBatch(depositRef, timestamp, 1)
	batch.add(
		NewUserAccountKey(userID, SubTypeCollateral, assetID),
		NewExternalAccountKey(SubTypeExternalDeposits, assetID),
		assetID, amount, JournalTypeDeposit,
	)
	return batch, nil
}

// GenerateReserveFund tops up a market's ABR reserve.
// Moves funds: external:deposits → system:<market>:abr_reserve
func (jg *JournalGenerator) GenerateReserveFund(
	market string,
	eventRef string,
	amount int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("reserve fund amount must be positive, got %d", amount)
	}

	batch := newBatch(eventRef, timestamp, 1)
	batch.add(
		NewReserveAccountKey(market, assetID),
		NewExternalAccountKey(SubTypeExternalDeposits, assetID),
		assetID, amount, JournalTypeReserveFund,
	)
	return batch, nil
}

// GenerateReserveDefund drains a market's ABR reserve.
// Pre-check: the reserve must hold at least amount.
// Moves funds: system:<market>:abr_reserve → external:withdrawals
func (jg *JournalGenerator) GenerateReserveDefund(
	market string,
	eventRef string,
	amount int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("reserve defund amount must be positive, got %d", amount)
	}

	if have := jg.balances.GetBalance(NewReserveAccountKey(market, assetID)); have < amount {
		return nil, fmt.Errorf("reserve defund pre-check failed: %w: have=%d, need=%d",
			ErrInsufficientBalance, have, amount)
	}

	batch := newBatch(eventRef, timestamp, 1)
	batch.add(
		NewExternalAccountKey(SubTypeExternalWithdrawals, assetID),
		NewReserveAccountKey(market, assetID),
		assetID, amount, JournalTypeReserveDefund,
	)
	return batch, nil
}

// GenerateSettlement routes one funding payment through the market's reserve:
//
//	user:<from>:collateral → system:<market>:abr_reserve → user:<to>:collateral
//
// Both legs share one batch so the reserve's net change is zero and the
// payment is applied all-or-nothing.
func (jg *JournalGenerator) GenerateSettlement(
	market string,
	from uuid.UUID,
	to uuid.UUID,
	eventRef string,
	amount int64,
	assetID AssetID,
	timestamp int64,
) (*Batch, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("settlement amount must be positive, got %d", amount)
	}
	if from == to {
		return nil, fmt.Errorf("settlement from and to are the same account %s", from)
	}

	reserve := NewReserveAccountKey(market, assetID)

	batch := newBatch(eventRef, timestamp, 2)
	batch.add(reserve, NewUserAccountKey(from, SubTypeCollateral, assetID), assetID, amount, JournalTypeFundingSettle)
	batch.add(NewUserAccountKey(to, SubTypeCollateral, assetID), reserve, assetID, amount, JournalTypeFundingSettle)
	return batch, nil
}
