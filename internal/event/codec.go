package event

import (
	"encoding/json"
	"fmt"
)

// Encode serializes an event payload for the envelope.
func Encode(evt Event) ([]byte, error) {
	data, err := json.Marshal(evt)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", evt.EventType(), err)
	}
	return data, nil
}

// Decode reverses Encode for replay and projections.
func Decode(et EventType, payload []byte) (Event, error) {
	var evt Event
	switch et {
	case EventTypeRateComputed:
		evt = &RateComputed{}
	case EventTypeRateParamUpdated:
		evt = &RateParamUpdated{}
	case EventTypeReserveWithdrawn:
		evt = &ReserveWithdrawn{}
	case EventTypeTransferDebited:
		evt = &TransferDebited{}
	case EventTypeTransferCredited:
		evt = &TransferCredited{}
	case EventTypeReserveDeposited:
		evt = &ReserveDeposited{}
	case EventTypeAccountSettled:
		evt = &AccountSettled{}
	case EventTypeReserveFunded:
		evt = &ReserveFunded{}
	case EventTypeReserveDefunded:
		evt = &ReserveDefunded{}
	case EventTypeBalanceDeposited:
		evt = &BalanceDeposited{}
	default:
		return nil, fmt.Errorf("decode: unknown event type %d", et)
	}

	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", et, err)
	}
	return evt, nil
}
