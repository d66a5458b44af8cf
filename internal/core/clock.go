package core

import "time"

// FundingInterval is the minimum spacing between two rate computations of a market.
const FundingInterval = 8 * time.Hour

// Clock is the core's only source of time.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
