package testutil

import (
	fpmath "ABRLedger/internal/math"
)

// FlatTicks returns n ticks at the same price.
func FlatTicks(n int, price string) []fpmath.Fixed {
	p := fpmath.MustParse(price)
	out := make([]fpmath.Fixed, n)
	for i := range out {
		out[i] = p
	}
	return out
}

// Ticks parses a list of decimal prices.
func Ticks(prices ...string) []fpmath.Fixed {
	out := make([]fpmath.Fixed, len(prices))
	for i, p := range prices {
		out[i] = fpmath.MustParse(p)
	}
	return out
}
