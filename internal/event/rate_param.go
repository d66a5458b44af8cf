package event

import (
	fpmath "ABRLedger/internal/math"
	"fmt"
)

// Rate parameter names carried by RateParamUpdated.
const (
	ParamBaseRate       = "base_rate"
	ParamBollingerWidth = "bollinger_width"
)

// RateParamUpdated represents a governance change to a market's rate parameters.
// Takes effect on the next computation; the stored rate is not recomputed.
type RateParamUpdated struct {
	Market    string       `json:"market"`
	Param     string       `json:"param"` // ParamBaseRate or ParamBollingerWidth
	Value     fpmath.Fixed `json:"value"`
	Caller    string       `json:"caller"`
	Version   int64        `json:"version"`   // Parameter version per market, starts at 1
	Timestamp int64        `json:"timestamp"` // Unix seconds
}

func (r *RateParamUpdated) IdempotencyKey() string {
	return fmt.Sprintf("rate_param:%s:%d", r.Market, r.Version)
}

func (r *RateParamUpdated) EventType() EventType {
	return EventTypeRateParamUpdated
}

func (r *RateParamUpdated) MarketID() *string {
	return marketPtr(r.Market)
}

func (r *RateParamUpdated) SourceSequence() int64 {
	return r.Version
}

func (r *RateParamUpdated) OccurredAt() int64 {
	return r.Timestamp
}
