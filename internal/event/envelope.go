package event

import (
	"fmt"
	"time"
)

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeRateComputed
	EventTypeRateParamUpdated
	EventTypeReserveWithdrawn
	EventTypeTransferDebited
	EventTypeTransferCredited
	EventTypeReserveDeposited
	EventTypeAccountSettled
	EventTypeReserveFunded
	EventTypeReserveDefunded
	EventTypeBalanceDeposited
)

// EventEnvelope wraps every event in the log
type EventEnvelope struct {
	// Global monotonic sequence assigned by core
	Sequence int64 `json:"sequence"`

	// Stable idempotency key derived from the operation
	IdempotencyKey string `json:"idempotency_key"`

	// Event type discriminator
	EventType EventType `json:"event_type"`

	// Market context (nil for global events)
	MarketID *string `json:"market_id,omitempty"`

	// Operation timestamp (for settlement legs, the rate's computation time)
	Timestamp time.Time `json:"timestamp"`

	// Per-market epoch for rate and settlement events
	SourceSequence int64 `json:"source_sequence"`

	// JSON-encoded event-specific data
	Payload []byte `json:"payload"`

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte `json:"state_hash"`

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte `json:"prev_hash"`
}

// Event is the interface all event payloads must implement
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType

	// MarketID returns the market context (nil for global events)
	MarketID() *string

	// SourceSequence returns the per-market ordering key
	SourceSequence() int64

	// OccurredAt returns the unix-second timestamp carried by the event
	OccurredAt() int64
}

var eventTypeNames = map[EventType]string{
	EventTypeRateComputed:     "RateComputed",
	EventTypeRateParamUpdated: "RateParamUpdated",
	EventTypeReserveWithdrawn: "ReserveWithdrawn",
	EventTypeTransferDebited:  "TransferDebited",
	EventTypeTransferCredited: "TransferCredited",
	EventTypeReserveDeposited: "ReserveDeposited",
	EventTypeAccountSettled:   "AccountSettled",
	EventTypeReserveFunded:    "ReserveFunded",
	EventTypeReserveDefunded:  "ReserveDefunded",
	EventTypeBalanceDeposited: "BalanceDeposited",
}

func (et EventType) String() string {
	if name, ok := eventTypeNames[et]; ok {
		return name
	}
	return "Unknown"
}

// ParseEventType is the inverse of EventType.String.
func ParseEventType(name string) (EventType, error) {
	for et, n := range eventTypeNames {
		if n == name {
			return et, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type %q", name)
}

func marketPtr(market string) *string {
	s := market
	return &s
}
