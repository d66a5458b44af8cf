package server

import (
	"ABRLedger/internal/core"
	"ABRLedger/internal/query"
	"ABRLedger/internal/state"
)

// Request and response bodies of the JSON services. Prices and parameters
// travel as decimal strings; account ids as canonical UUID strings.

type MarketRequest struct {
	Market string `json:"market"`
}

type RateResponse struct {
	state.RateState
	Computed bool                 `json:"computed"`
	Params   state.RateParameters `json:"params"`
}

type SetParamRequest struct {
	Market string `json:"market"`
	Value  string `json:"value"`
}

type ParamsResponse struct {
	Market string `json:"market"`
	state.RateParameters
}

type SettleRequest struct {
	Market string `json:"market"`
	Payer  string `json:"payer"`
	Payee  string `json:"payee"`
}

type PairRequest struct {
	Payer string `json:"payer"`
	Payee string `json:"payee"`
}

type SettleBatchRequest struct {
	Market string        `json:"market"`
	Pairs  []PairRequest `json:"pairs"`
}

type SettleBatchResponse struct {
	Results []*core.SettlementResult `json:"results"`
}

type ReserveRequest struct {
	Market string `json:"market"`
	Amount int64  `json:"amount"`
}

type ReserveResponse struct {
	Market  string `json:"market"`
	Balance int64  `json:"balance"`
}

type DepositRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Amount  int64  `json:"amount"`
}

type GetBalanceRequest struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
}

// BalanceResponse is the live in-memory balance; the query service answers
// from projections with query.BalanceResponse instead.
type BalanceResponse struct {
	Account string `json:"account"`
	Asset   string `json:"asset"`
	Balance int64  `json:"balance"`
}

type HistoryRequest struct {
	Account string `json:"account"`
	Limit   int    `json:"limit"`
}

type JournalHistoryRequest struct {
	Account       string `json:"account"`
	Limit         int    `json:"limit"`
	AfterSequence *int64 `json:"after_sequence,omitempty"`
}

type JournalHistoryResponse struct {
	Account string                      `json:"account"`
	Entries []query.JournalHistoryEntry `json:"entries"`
}

type Empty struct{}
