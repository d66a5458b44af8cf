package event

import (
	"fmt"

	"github.com/google/uuid"
)

// ReserveFunded represents an authorized top-up of a market's ABR reserve
type ReserveFunded struct {
	OperationID uuid.UUID `json:"operation_id"`
	Market      string    `json:"market"`
	Asset       string    `json:"asset"`
	Amount      int64     `json:"amount"`
	Caller      string    `json:"caller"`
	Balance     int64     `json:"balance"` // Reserve balance after the operation
	Timestamp   int64     `json:"timestamp"`
}

func (r *ReserveFunded) IdempotencyKey() string {
	return fmt.Sprintf("reserve_fund:%s:%s", r.Market, r.OperationID)
}

func (r *ReserveFunded) EventType() EventType {
	return EventTypeReserveFunded
}

func (r *ReserveFunded) MarketID() *string {
	return marketPtr(r.Market)
}

func (r *ReserveFunded) SourceSequence() int64 {
	return 0
}

func (r *ReserveFunded) OccurredAt() int64 {
	return r.Timestamp
}

// ReserveDefunded represents an authorized withdrawal from a market's ABR reserve
type ReserveDefunded struct {
	OperationID uuid.UUID `json:"operation_id"`
	Market      string    `json:"market"`
	Asset       string    `json:"asset"`
	Amount      int64     `json:"amount"`
	Caller      string    `json:"caller"`
	Balance     int64     `json:"balance"`
	Timestamp   int64     `json:"timestamp"`
}

func (r *ReserveDefunded) IdempotencyKey() string {
	return fmt.Sprintf("reserve_defund:%s:%s", r.Market, r.OperationID)
}

func (r *ReserveDefunded) EventType() EventType {
	return EventTypeReserveDefunded
}

func (r *ReserveDefunded) MarketID() *string {
	return marketPtr(r.Market)
}

func (r *ReserveDefunded) SourceSequence() int64 {
	return 0
}

func (r *ReserveDefunded) OccurredAt() int64 {
	return r.Timestamp
}

// BalanceDeposited credits an account's collateral from outside the ledger
type BalanceDeposited struct {
	DepositID uuid.UUID `json:"deposit_id"`
	UserID    uuid.UUID `json:"user_id"`
	Asset     string    `json:"asset"`
	Amount    int64     `json:"amount"`
	Caller    string    `json:"caller"`
	Timestamp int64     `json:"timestamp"`
}

func (d *BalanceDeposited) IdempotencyKey() string {
	return d.DepositID.String()
}

func (d *BalanceDeposited) EventType() EventType {
	return EventTypeBalanceDeposited
}

func (d *BalanceDeposited) MarketID() *string {
	return nil // Global event
}

func (d *BalanceDeposited) SourceSequence() int64 {
	return 0
}

func (d *BalanceDeposited) OccurredAt() int64 {
	return d.Timestamp
}
