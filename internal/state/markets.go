package state

import (
	"fmt"
	"strings"

	"ABRLedger/internal/ledger"
	fpmath "ABRLedger/internal/math"
)

// Market is the registry entry of a tradable perpetual market
type Market struct {
	ID              string         `json:"id"`               // e.g. "BTC-USDT-PERP"
	SettlementAsset string         `json:"settlement_asset"` // Asset funding is paid in
	AssetID         ledger.AssetID `json:"asset_id"`
	QuoteScale      int64          `json:"quote_scale"` // Ledger units per whole asset
}

// MarketRegistry resolves market identifiers
type MarketRegistry interface {
	Lookup(market string) (Market, bool)
}

var (
	// Default markets (MVP)
	DefaultMarkets = []Market{
		{ID: "BTC-USDT-PERP", SettlementAsset: "USDT", QuoteScale: fpmath.QuoteConfig.Scale},
		{ID: "ETH-USDT-PERP", SettlementAsset: "USDT", QuoteScale: fpmath.QuoteConfig.Scale},
	}
)

// StaticRegistry is an immutable in-memory MarketRegistry
type StaticRegistry struct {
	markets map[string]Market
	ids     []string
}

// NewStaticRegistry validates markets and resolves their asset IDs.
func NewStaticRegistry(markets ...Market) (*StaticRegistry, error) {
	r := &StaticRegistry{markets: make(map[string]Market, len(markets))}

	for _, m := range markets {
		if err := ValidateMarket(&m); err != nil {
			return nil, fmt.Errorf("invalid market %q: %w", m.ID, err)
		}
		if _, dup := r.markets[m.ID]; dup {
			return nil, fmt.Errorf("duplicate market %q", m.ID)
		}
		r.markets[m.ID] = m
		r.ids = append(r.ids, m.ID)
	}

	return r, nil
}

// NewDefaultRegistry returns a registry with DefaultMarkets.
func NewDefaultRegistry() *StaticRegistry {
	r, err := NewStaticRegistry(DefaultMarkets...)
	if err != nil {
		panic(err)
	}
	return r
}

// ValidateMarket checks a market definition and fills AssetID.
// Market IDs become system account names, so they must fit the account key
// and cannot contain the account path separator.
func ValidateMarket(m *Market) error {
	if m.ID == "" {
		return fmt.Errorf("market id is empty")
	}
	if len(m.ID) > ledger.MaxSystemNameLen {
		return fmt.Errorf("market id longer than %d bytes", ledger.MaxSystemNameLen)
	}
	if strings.ContainsAny(m.ID, ": ") {
		return fmt.Errorf("market id contains a separator")
	}
	if m.QuoteScale <= 0 {
		return fmt.Errorf("quote_scale must be > 0, got %d", m.QuoteScale)
	}
	id, ok := ledger.GetAssetID(m.SettlementAsset)
	if !ok {
		return fmt.Errorf("unknown settlement asset %q", m.SettlementAsset)
	}
	m.AssetID = id
	return nil
}

func (r *StaticRegistry) Lookup(market string) (Market, bool) {
	m, ok := r.markets[market]
	return m, ok
}

// Markets returns market IDs in registration order.
func (r *StaticRegistry) Markets() []string {
	return append([]string(nil), r.ids...)
}
