package query

import (
	"github.com/google/uuid"
)

// BalanceResponse is a user's projected collateral balance.
type BalanceResponse struct {
	Account      uuid.UUID `json:"account"`
	Asset        string    `json:"asset"`
	Balance      int64     `json:"balance"`       // Ledger units
	LastSequence int64     `json:"last_sequence"` // Sequence that last changed the balance
	AsOfSequence int64     `json:"as_of_sequence"`
}

// ReserveBalanceResponse is a market's projected ABR reserve balance.
type ReserveBalanceResponse struct {
	Market       string `json:"market"`
	Asset        string `json:"asset"`
	Balance      int64  `json:"balance"`
	LastSequence int64  `json:"last_sequence"`
	AsOfSequence int64  `json:"as_of_sequence"`
}
