package event

import (
	fpmath "ABRLedger/internal/math"
	"fmt"
)

// RateComputed records a successful rate computation for a market.
// Idempotency key: "{market}:{epoch}".
type RateComputed struct {
	Market     string       `json:"market"`
	Rate       fpmath.Fixed `json:"rate"`                     // Funding rate for the interval, signed
	LastPrice  fpmath.Fixed `json:"last_price"`               // Most recent downsampled mark price
	Epoch      int64        `json:"epoch"`                    // Monotonic per market, starts at 1
	Timestamp  int64        `json:"timestamp"`                // Unix seconds
	ComputedAt int64        `json:"computed_at_ns,omitempty"` // Unix nanoseconds
	TickCount  int          `json:"tick_count"`               // Raw ticks consumed
	Points     int          `json:"points"`                   // Downsampled points
	Breaches   int          `json:"breaches"`                 // Points that received a jump correction
}

func (r *RateComputed) IdempotencyKey() string {
	return fmt.Sprintf("%s:%d", r.Market, r.Epoch)
}

func (r *RateComputed) EventType() EventType {
	return EventTypeRateComputed
}

func (r *RateComputed) MarketID() *string {
	return marketPtr(r.Market)
}

func (r *RateComputed) SourceSequence() int64 {
	return r.Epoch
}

func (r *RateComputed) OccurredAt() int64 {
	return r.Timestamp
}
