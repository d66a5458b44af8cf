package ledger

import (
	"fmt"

	"github.com/google/uuid"
)

// JournalType represents the purpose of a journal entry
type JournalType int32

const (
	JournalTypeDeposit JournalType = iota
	JournalTypeFundingSettle
	JournalTypeReserveFund
	JournalTypeReserveDefund
)

func (jt JournalType) String() string {
	switch jt {
	case JournalTypeDeposit:
		return "deposit"
	case JournalTypeFundingSettle:
		return "funding_settle"
	case JournalTypeReserveFund:
		return "reserve_fund"
	case JournalTypeReserveDefund:
		return "reserve_defund"
	default:
		return "unknown"
	}
}

// Journal represents a single double-entry journal entry
type Journal struct {
	JournalID     uuid.UUID   `json:"journal_id"`
	BatchID       uuid.UUID   `json:"batch_id"`
	EventRef      string      `json:"event_ref"`      // Idempotency key of source operation
	Sequence      int64       `json:"sequence"`       // Global event sequence
	DebitAccount  AccountKey  `json:"debit_account"`  // Balance increases
	CreditAccount AccountKey  `json:"credit_account"` // Balance decreases
	AssetID       AssetID     `json:"asset_id"`
	Amount        int64       `json:"amount"` // Ledger units, always positive
	JournalType   JournalType `json:"journal_type"`
	Timestamp     int64       `json:"timestamp"` // Epoch microseconds
}

// Batch represents a balanced set of journal entries applied all-or-nothing
type Batch struct {
	BatchID   uuid.UUID `json:"batch_id"`
	EventRef  string    `json:"event_ref"`
	Sequence  int64     `json:"sequence"`
	Timestamp int64     `json:"timestamp"`
	Journals  []Journal `json:"journals"`
}

// Validate ensures the batch is well-formed.
// Each journal moves one positive amount from its credit account to its debit
// account, so every entry is balanced by construction.
func (b *Batch) Validate() error {
	if len(b.Journals) == 0 {
		return fmt.Errorf("batch %s is empty", b.BatchID)
	}

	for _, j := range b.Journals {
		if j.Amount <= 0 {
			return fmt.Errorf("journal %s has non-positive amount: %d", j.JournalID, j.Amount)
		}

		if j.BatchID != b.BatchID {
			return fmt.Errorf("journal %s has mismatched batch_id", j.JournalID)
		}

		if j.DebitAccount == j.CreditAccount {
			return fmt.Errorf("journal %s has same debit and credit account", j.JournalID)
		}

		if j.DebitAccount.AssetID != j.AssetID || j.CreditAccount.AssetID != j.AssetID {
			return fmt.Errorf("journal %s mixes assets", j.JournalID)
		}
	}

	return nil
}

// SetSequence stamps the batch and all its journals with the global sequence.
func (b *Batch) SetSequence(seq int64) {
	b.Sequence = seq
	for i := range b.Journals {
		b.Journals[i].Sequence = seq
	}
}
