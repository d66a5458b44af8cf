// internal/math/funding.go
package math

import (
	"fmt"
)

const (
	// DownsampleWindow is the number of raw ticks averaged into one point.
	DownsampleWindow = 8

	// SmoothingWindow bounds the trailing window for means and bands.
	SmoothingWindow = 8

	// premiumSlots spreads the premium over the eight hourly slots of an interval.
	premiumSlots = 8
)

// RatePoint is the per-downsampled-point breakdown of a computation.
type RatePoint struct {
	Mark    Fixed `json:"mark"`
	Index   Fixed `json:"index"`
	Avg     Fixed `json:"avg"`
	Lower   Fixed `json:"lower"`
	Upper   Fixed `json:"upper"`
	Premium Fixed `json:"premium"` // after smoothing and jump correction
}

// RateComputation is the result of ComputeRate.
type RateComputation struct {
	Rate   Fixed
	Points []RatePoint
}

// LastMark returns the most recent downsampled mark price.
func (rc *RateComputation) LastMark() Fixed {
	if len(rc.Points) == 0 {
		return Zero
	}
	return rc.Points[len(rc.Points)-1].Mark
}

// Breaches counts the points whose mark left the Bollinger band.
func (rc *RateComputation) Breaches() int {
	n := 0
	for _, p := range rc.Points {
		if p.Mark.Cmp(p.Upper) > 0 || p.Mark.Cmp(p.Lower) < 0 {
			n++
		}
	}
	return n
}

// ComputeRate turns parallel mark/index tick sequences into a funding rate.
// Pure function: no state is kept between calls.
func ComputeRate(mark, index []Fixed, baseRate, bollingerWidth Fixed) (*RateComputation, error) {
	if len(mark) != len(index) {
		return nil, fmt.Errorf("%w: mark has %d ticks, index has %d", ErrInputShape, len(mark), len(index))
	}
	if len(mark) < DownsampleWindow {
		return nil, fmt.Errorf("%w: need at least %d ticks, got %d", ErrInputShape, DownsampleWindow, len(mark))
	}

	markPts, err := Downsample(mark, DownsampleWindow)
	if err != nil {
		return nil, fmt.Errorf("downsample mark: %w", err)
	}
	indexPts, err := Downsample(index, DownsampleWindow)
	if err != nil {
		return nil, fmt.Errorf("downsample index: %w", err)
	}

	avg, err := TrailingMean(markPts, SmoothingWindow)
	if err != nil {
		return nil, fmt.Errorf("trailing mean: %w", err)
	}

	lower, upper, err := BollingerBands(markPts, avg, SmoothingWindow, bollingerWidth)
	if err != nil {
		return nil, fmt.Errorf("bollinger bands: %w", err)
	}

	diff, err := Premiums(markPts, indexPts)
	if err != nil {
		return nil, fmt.Errorf("premium: %w", err)
	}

	premium, err := TrailingMean(diff, SmoothingWindow)
	if err != nil {
		return nil, fmt.Errorf("smoothed premium: %w", err)
	}

	for i := range premium {
		adj, err := JumpCorrection(markPts[i], indexPts[i], lower[i], upper[i])
		if err != nil {
			return nil, fmt.Errorf("jump correction at point %d: %w", i, err)
		}
		if premium[i], err = premium[i].Add(adj); err != nil {
			return nil, err
		}
	}

	rate, err := EffectiveRate(premium, baseRate)
	if err != nil {
		return nil, fmt.Errorf("effective rate: %w", err)
	}

	points := make([]RatePoint, len(markPts))
	for i := range markPts {
		points[i] = RatePoint{
			Mark:    markPts[i],
			Index:   indexPts[i],
			Avg:     avg[i],
			Lower:   lower[i],
			Upper:   upper[i],
			Premium: premium[i],
		}
	}

	return &RateComputation{Rate: rate, Points: points}, nil
}

// Downsample averages consecutive groups of window ticks.
// A trailing group shorter than window is dropped.
func Downsample(ticks []Fixed, window int) ([]Fixed, error) {
	if window <= 0 {
		return nil, fmt.Errorf("%w: window must be positive, got %d", ErrInputShape, window)
	}

	n := len(ticks) / window
	out := make([]Fixed, 0, n)

	for g := 0; g < n; g++ {
		sum := Zero
		for _, t := range ticks[g*window : (g+1)*window] {
			var err error
			if sum, err = sum.Add(t); err != nil {
				return nil, err
			}
		}
		mean, err := sum.DivInt(int64(window))
		if err != nil {
			return nil, err
		}
		out = append(out, mean)
	}

	return out, nil
}

// trailingBounds returns the [start, end) range of the trailing window ending at i.
func trailingBounds(i, window int) (int, int) {
	start := i - window + 1
	if start < 0 {
		start = 0
	}
	return start, i + 1
}

// TrailingMean averages data[0..i] while i < window-1, then the last window values.
func TrailingMean(data []Fixed, window int) ([]Fixed, error) {
	if window <= 0 {
		return nil, fmt.Errorf("%w: window must be positive, got %d", ErrInputShape, window)
	}

	out := make([]Fixed, len(data))
	for i := range data {
		start, end := trailingBounds(i, window)
		sum := Zero
		for _, v := range data[start:end] {
			var err error
			if sum, err = sum.Add(v); err != nil {
				return nil, err
			}
		}
		mean, err := sum.DivInt(int64(end - start))
		if err != nil {
			return nil, err
		}
		out[i] = mean
	}

	return out, nil
}

// BollingerBands returns avg -/+ width * std over the same trailing windows as
// TrailingMean. The std uses Bessel's correction when the window holds more than one value.
func BollingerBands(data, avg []Fixed, window int, width Fixed) ([]Fixed, []Fixed, error) {
	if len(data) != len(avg) {
		return nil, nil, fmt.Errorf("%w: %d values, %d means", ErrInputShape, len(data), len(avg))
	}
	if window <= 0 {
		return nil, nil, fmt.Errorf("%w: window must be positive, got %d", ErrInputShape, window)
	}

	lower := make([]Fixed, len(data))
	upper := make([]Fixed, len(data))

	for i := range data {
		start, end := trailingBounds(i, window)

		sumSq := Zero
		for _, v := range data[start:end] {
			d, err := v.Sub(avg[i])
			if err != nil {
				return nil, nil, err
			}
			sq, err := d.Mul(d)
			if err != nil {
				return nil, nil, err
			}
			if sumSq, err = sumSq.Add(sq); err != nil {
				return nil, nil, err
			}
		}

		n := int64(end - start)
		if n > 1 {
			n--
		}
		variance, err := sumSq.DivInt(n)
		if err != nil {
			return nil, nil, err
		}
		sd, err := Sqrt(variance)
		if err != nil {
			return nil, nil, err
		}
		band, err := sd.Mul(width)
		if err != nil {
			return nil, nil, err
		}

		if lower[i], err = avg[i].Sub(band); err != nil {
			return nil, nil, err
		}
		if upper[i], err = avg[i].Add(band); err != nil {
			return nil, nil, err
		}
	}

	return lower, upper, nil
}

// Premiums returns (mark - index) / mark per point. Normalisation is by mark.
func Premiums(mark, index []Fixed) ([]Fixed, error) {
	if len(mark) != len(index) {
		return nil, fmt.Errorf("%w: %d mark points, %d index points", ErrInputShape, len(mark), len(index))
	}

	out := make([]Fixed, len(mark))
	for i := range mark {
		if mark[i].IsZero() || index[i].IsZero() {
			return nil, fmt.Errorf("%w: zero price at point %d", ErrArithmetic, i)
		}
		d, err := mark[i].Sub(index[i])
		if err != nil {
			return nil, err
		}
		if out[i], err = d.Div(mark[i]); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// JumpCorrection returns the signed premium adjustment for a band breach:
// +max(ln(mark-upper)/index, 0) above the band, -max(ln(lower-mark)/index, 0) below it.
func JumpCorrection(mark, index, lower, upper Fixed) (Fixed, error) {
	adj := Zero

	upperExcess, err := mark.Sub(upper)
	if err != nil {
		return Zero, err
	}
	if upperExcess.Sign() > 0 {
		jump, err := jumpTerm(upperExcess, index)
		if err != nil {
			return Zero, err
		}
		if adj, err = adj.Add(jump); err != nil {
			return Zero, err
		}
	}

	lowerExcess, err := lower.Sub(mark)
	if err != nil {
		return Zero, err
	}
	if lowerExcess.Sign() > 0 {
		jump, err := jumpTerm(lowerExcess, index)
		if err != nil {
			return Zero, err
		}
		if adj, err = adj.Sub(jump); err != nil {
			return Zero, err
		}
	}

	return adj, nil
}

func jumpTerm(excess, index Fixed) (Fixed, error) {
	l, err := Ln(excess)
	if err != nil {
		return Zero, err
	}
	j, err := l.Div(index)
	if err != nil {
		return Zero, err
	}
	return Max(j, Zero), nil
}

// EffectiveRate returns mean(premium[i]/8 + baseRate).
func EffectiveRate(premium []Fixed, baseRate Fixed) (Fixed, error) {
	if len(premium) == 0 {
		return Zero, fmt.Errorf("%w: no premium points", ErrInputShape)
	}

	sum := Zero
	for _, p := range premium {
		slot, err := p.DivInt(premiumSlots)
		if err != nil {
			return Zero, err
		}
		if slot, err = slot.Add(baseRate); err != nil {
			return Zero, err
		}
		if sum, err = sum.Add(slot); err != nil {
			return Zero, err
		}
	}

	return sum.DivInt(int64(len(premium)))
}
