package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	fpmath "ABRLedger/internal/math"

	"github.com/shopspring/decimal"
)

// TickSubjectPrefix is followed by the market id, e.g. "abr.ticks.BTC-USDT-PERP".
const TickSubjectPrefix = "abr.ticks."

// ErrMalformedPayload marks payloads that can never be processed.
var ErrMalformedPayload = errors.New("malformed tick payload")

// TickBatch is one computation request: equal-length mark and index series
// plus the lengths the producer declared for them.
type TickBatch struct {
	Market   string
	MarkLen  int
	Mark     []fpmath.Fixed
	IndexLen int
	Index    []fpmath.Fixed
}

// --- JSON wire format ---
// Prices may be decimal strings or JSON numbers. Both declared lengths are
// required: they are what lets the rate controller catch truncated batches.

type tickBatchJSON struct {
	Market      string            `json:"market"`
	MarkLen     *int              `json:"mark_len"`
	MarkPrices  []decimal.Decimal `json:"mark_prices"`
	IndexLen    *int              `json:"index_len"`
	IndexPrices []decimal.Decimal `json:"index_prices"`
}

// ParseTickBatch decodes a tick payload received on subject. The market comes
// from the payload, or from the subject when the payload omits it; when both
// are present they must agree. Length mismatches are not checked here: the
// rate controller rejects them.
func ParseTickBatch(subject string, data []byte) (*TickBatch, error) {
	var j tickBatchJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	subjectMarket := strings.TrimPrefix(subject, TickSubjectPrefix)
	if subjectMarket == subject {
		subjectMarket = ""
	}

	market := j.Market
	switch {
	case market == "":
		market = subjectMarket
	case subjectMarket != "" && subjectMarket != market:
		return nil, fmt.Errorf("%w: payload market %q on subject %q", ErrMalformedPayload, market, subject)
	}
	if market == "" {
		return nil, fmt.Errorf("%w: no market", ErrMalformedPayload)
	}

	if j.MarkLen == nil || j.IndexLen == nil {
		return nil, fmt.Errorf("%w: mark_len and index_len are required", ErrMalformedPayload)
	}

	mark, err := toFixed(j.MarkPrices)
	if err != nil {
		return nil, fmt.Errorf("%w: mark_prices: %v", ErrMalformedPayload, err)
	}
	index, err := toFixed(j.IndexPrices)
	if err != nil {
		return nil, fmt.Errorf("%w: index_prices: %v", ErrMalformedPayload, err)
	}

	return &TickBatch{
		Market:   market,
		MarkLen:  *j.MarkLen,
		Mark:     mark,
		IndexLen: *j.IndexLen,
		Index:    index,
	}, nil
}

func toFixed(prices []decimal.Decimal) ([]fpmath.Fixed, error) {
	out := make([]fpmath.Fixed, len(prices))
	for i, p := range prices {
		f, err := fpmath.FromDecimal(p)
		if err != nil {
			return nil, fmt.Errorf("tick %d: %w", i, err)
		}
		out[i] = f
	}
	return out, nil
}
