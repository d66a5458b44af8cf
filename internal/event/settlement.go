package event

import (
	"fmt"

	"github.com/google/uuid"
)

// SettlementLeg is the common body of the events emitted by one settlement.
// Payer and Payee are the pair as requested; Account is the side this leg
// touches, which is swapped relative to the pair when the rate is negative.
// Every leg carries the rate's computation timestamp, not the settle call time.
type SettlementLeg struct {
	Market    string    `json:"market"`
	Payer     uuid.UUID `json:"payer"`
	Payee     uuid.UUID `json:"payee"`
	Account   uuid.UUID `json:"account"`
	Asset     string    `json:"asset"`
	Amount    int64     `json:"amount"` // Ledger units, never negative
	Epoch     int64     `json:"epoch"`
	Timestamp int64     `json:"timestamp"` // Unix seconds
}

// SettlementKey identifies one settlement: "{market}:{epoch}:{payer}:{payee}".
func (l *SettlementLeg) SettlementKey() string {
	return fmt.Sprintf("%s:%d:%s:%s", l.Market, l.Epoch, l.Payer, l.Payee)
}

func (l *SettlementLeg) MarketID() *string {
	return marketPtr(l.Market)
}

func (l *SettlementLeg) SourceSequence() int64 {
	return l.Epoch
}

func (l *SettlementLeg) OccurredAt() int64 {
	return l.Timestamp
}

// ReserveWithdrawn: the reserve takes the payment from the paying account.
type ReserveWithdrawn struct {
	SettlementLeg
}

func (e *ReserveWithdrawn) IdempotencyKey() string { return e.SettlementKey() + ":reserve_withdrawn" }
func (e *ReserveWithdrawn) EventType() EventType   { return EventTypeReserveWithdrawn }

// TransferDebited: the paying account is debited.
type TransferDebited struct {
	SettlementLeg
}

func (e *TransferDebited) IdempotencyKey() string { return e.SettlementKey() + ":debited" }
func (e *TransferDebited) EventType() EventType   { return EventTypeTransferDebited }

// TransferCredited: the receiving account is credited.
type TransferCredited struct {
	SettlementLeg
}

func (e *TransferCredited) IdempotencyKey() string { return e.SettlementKey() + ":credited" }
func (e *TransferCredited) EventType() EventType   { return EventTypeTransferCredited }

// ReserveDeposited: the reserve pays the receiving account.
type ReserveDeposited struct {
	SettlementLeg
}

func (e *ReserveDeposited) IdempotencyKey() string { return e.SettlementKey() + ":reserve_deposited" }
func (e *ReserveDeposited) EventType() EventType   { return EventTypeReserveDeposited }

// AccountSettled closes one account's side of a settlement.
// Delta is signed: negative for the paying side.
type AccountSettled struct {
	SettlementLeg
	Delta int64 `json:"delta"`
}

func (e *AccountSettled) IdempotencyKey() string {
	return e.SettlementKey() + ":settled:" + e.Account.String()
}

func (e *AccountSettled) EventType() EventType { return EventTypeAccountSettled }
