package query

import (
	"ABRLedger/internal/projection"

	"github.com/google/uuid"
)

// SettlementHistoryResponse lists an account's settlements, newest first.
type SettlementHistoryResponse struct {
	Account      uuid.UUID                           `json:"account"`
	Entries      []projection.SettlementHistoryEntry `json:"entries"`
	AsOfSequence int64                               `json:"as_of_sequence"`
}

// JournalHistoryEntry represents a journal entry for API queries.
type JournalHistoryEntry struct {
	JournalID     string `json:"journal_id"`
	BatchID       string `json:"batch_id"`
	EventRef      string `json:"event_ref"`
	Sequence      int64  `json:"sequence"`
	DebitAccount  string `json:"debit_account"`
	CreditAccount string `json:"credit_account"`
	AssetID       int64  `json:"asset_id"`
	Amount        int64  `json:"amount"`
	JournalType   string `json:"journal_type"`
	Timestamp     int64  `json:"timestamp"` // Epoch microseconds
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy        bool              `json:"is_healthy"`
	EventsVerified   int64             `json:"events_verified"`
	ChainTip         string            `json:"chain_tip"` // Hex state hash of the last verified event
	HashChainBreaks  []int64           `json:"hash_chain_breaks,omitempty"`
	UnbalancedAssets []UnbalancedAsset `json:"unbalanced_assets,omitempty"`
}

// UnbalancedAsset represents an asset whose projected balances do not sum to zero.
type UnbalancedAsset struct {
	AssetID   int64 `json:"asset_id"`
	Imbalance int64 `json:"imbalance"`
}
