package state

import (
	"errors"
	"fmt"
	"sync"
	"time"

	fpmath "ABRLedger/internal/math"
)

var (
	ErrRateNotReady  = errors.New("rate not ready")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrUnknownMarket = errors.New("unknown market")
)

var (
	DefaultBaseRate       = fpmath.MustParse("0.0000125")
	DefaultBollingerWidth = fpmath.MustParse("2.0")
)

// RateState is the latest computed rate of a market.
// The zero value means the market was never computed.
type RateState struct {
	Market        string       `json:"market"`
	LastRate      fpmath.Fixed `json:"last_rate"`
	LastPrice     fpmath.Fixed `json:"last_price"`               // Most recent downsampled mark price
	LastTimestamp int64        `json:"last_timestamp"`           // Unix seconds
	ComputedAt    int64        `json:"computed_at_ns,omitempty"` // Unix nanoseconds, gates the funding interval
	Epoch         int64        `json:"epoch"`                    // 1 after the first computation
}

// Computed reports whether the market has at least one stored rate.
func (s RateState) Computed() bool {
	return s.Epoch > 0
}

// ComputedTime is when the rate was computed. States recorded without
// nanosecond precision fall back to the end of their second.
func (s RateState) ComputedTime() time.Time {
	if s.ComputedAt != 0 {
		return time.Unix(0, s.ComputedAt)
	}
	return time.Unix(s.LastTimestamp, int64(time.Second-1))
}

// RateParameters are the governance inputs of a market's rate computation.
type RateParameters struct {
	BaseRate       fpmath.Fixed `json:"base_rate"`
	BollingerWidth fpmath.Fixed `json:"bollinger_width"`
	Version        int64        `json:"version"` // Bumped on every update, 0 for defaults
}

func DefaultRateParameters() RateParameters {
	return RateParameters{
		BaseRate:       DefaultBaseRate,
		BollingerWidth: DefaultBollingerWidth,
	}
}

// RateBook stores per-market rate state and parameters.
type RateBook struct {
	mu     sync.RWMutex
	states map[string]RateState      // market -> latest rate
	params map[string]RateParameters // market -> parameters (absent = defaults)
}

func NewRateBook() *RateBook {
	return &RateBook{
		states: make(map[string]RateState),
		params: make(map[string]RateParameters),
	}
}

// GetRate returns the market's state, or the zero state if never computed.
func (rb *RateBook) GetRate(market string) RateState {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if s, ok := rb.states[market]; ok {
		return s
	}
	return RateState{Market: market}
}

// StoreRate validates and stores a newly computed rate.
// Epochs must advance by exactly one; an already stored epoch is skipped (replay).
func (rb *RateBook) StoreRate(s RateState) error {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	expected := rb.states[s.Market].Epoch + 1

	if s.Epoch < expected {
		// Duplicate - skip (idempotent)
		return nil
	}

	if s.Epoch > expected {
		return fmt.Errorf("rate epoch gap for %s: expected=%d, got=%d", s.Market, expected, s.Epoch)
	}

	rb.states[s.Market] = s
	return nil
}

// Params returns the market's parameters, defaults if never updated.
func (rb *RateBook) Params(market string) RateParameters {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if p, ok := rb.params[market]; ok {
		return p
	}
	return DefaultRateParameters()
}

// SetBaseRate stores a new base rate and returns the updated parameters.
func (rb *RateBook) SetBaseRate(market string, value fpmath.Fixed) RateParameters {
	return rb.update(market, func(p *RateParameters) { p.BaseRate = value })
}

// SetBollingerWidth stores a new band width and returns the updated parameters.
func (rb *RateBook) SetBollingerWidth(market string, value fpmath.Fixed) RateParameters {
	return rb.update(market, func(p *RateParameters) { p.BollingerWidth = value })
}

func (rb *RateBook) update(market string, set func(*RateParameters)) RateParameters {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	p, ok := rb.params[market]
	if !ok {
		p = DefaultRateParameters()
	}
	set(&p)
	p.Version++
	rb.params[market] = p
	return p
}

// RestoreRate directly sets a market's state (used for snapshot restore)
func (rb *RateBook) RestoreRate(s RateState) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.states[s.Market] = s
}

// RestoreParams directly sets a market's parameters (used for snapshot restore and replay)
func (rb *RateBook) RestoreParams(market string, p RateParameters) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.params[market] = p
}

// GetAllRates returns all rate states (for snapshot creation)
func (rb *RateBook) GetAllRates() map[string]RateState {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	result := make(map[string]RateState, len(rb.states))
	for k, v := range rb.states {
		result[k] = v
	}
	return result
}

// GetAllParams returns all non-default parameters (for snapshot creation)
func (rb *RateBook) GetAllParams() map[string]RateParameters {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	result := make(map[string]RateParameters, len(rb.params))
	for k, v := range rb.params {
		result[k] = v
	}
	return result
}
