package projection

import (
	"fmt"

	"ABRLedger/internal/core"
	"ABRLedger/internal/event"

	"github.com/google/uuid"
)

// SettlementHistoryEntry is one account's side of one settlement.
type SettlementHistoryEntry struct {
	Sequence      int64     `json:"sequence"`
	Account       uuid.UUID `json:"account"`
	Counterparty  uuid.UUID `json:"counterparty"`
	Market        string    `json:"market"`
	Epoch         int64     `json:"epoch"`
	Delta         int64     `json:"delta"`          // Signed: negative = paid, positive = received
	RateTimestamp int64     `json:"rate_timestamp"` // Unix seconds
}

// historyEntries extracts the AccountSettled legs of an output.
func historyEntries(out core.CoreOutput) ([]SettlementHistoryEntry, error) {
	var entries []SettlementHistoryEntry
	for _, env := range out.Envelopes {
		if env.EventType != event.EventTypeAccountSettled {
			continue
		}

		evt, err := event.Decode(env.EventType, env.Payload)
		if err != nil {
			return nil, fmt.Errorf("sequence %d: %w", env.Sequence, err)
		}
		e := evt.(*event.AccountSettled)

		counterparty := e.Payer
		if e.Account == e.Payer {
			counterparty = e.Payee
		}

		entries = append(entries, SettlementHistoryEntry{
			Sequence:      env.Sequence,
			Account:       e.Account,
			Counterparty:  counterparty,
			Market:        e.Market,
			Epoch:         e.Epoch,
			Delta:         e.Delta,
			RateTimestamp: e.Timestamp,
		})
	}
	return entries, nil
}
