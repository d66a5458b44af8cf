package event_test

import (
	"ABRLedger/internal/event"
	fpmath "ABRLedger/internal/math"
	"ABRLedger/internal/testutil"
	"testing"

	"github.com/google/uuid"
)

// ============================================================================
// Test: EventType
// ============================================================================

func TestParseEventType_Inverse(t *testing.T) {
	for et := event.EventTypeRateComputed; et <= event.EventTypeBalanceDeposited; et++ {
		got, err := event.ParseEventType(et.String())
		if err != nil {
			t.Fatalf("ParseEventType(%q): %v", et, err)
		}
		if got != et {
			t.Errorf("got %v, want %v", got, et)
		}
	}

	if _, err := event.ParseEventType("TradeFill"); err == nil {
		t.Error("expected error for unknown type")
	}
}

// ============================================================================
// Test: Codec
// ============================================================================

func TestDecode_SettlementLegKeepsEmbeddedFields(t *testing.T) {
	payer := uuid.MustParse("550e8400-e29b-41d4-a716-446655440000")
	payee := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")
	in := &event.AccountSettled{
		SettlementLeg: event.SettlementLeg{
			Market:    "BTC-USDT-PERP",
			Payer:     payer,
			Payee:     payee,
			Account:   payer,
			Asset:     "USDT",
			Amount:    2_936,
			Epoch:     3,
			Timestamp: 1_700_000_000,
		},
		Delta: -2_936,
	}

	payload, err := event.Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	out, err := event.Decode(event.EventTypeAccountSettled, payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got, ok := out.(*event.AccountSettled)
	if !ok {
		t.Fatalf("got %T, want *event.AccountSettled", out)
	}
	if *got != *in {
		t.Errorf("got %+v, want %+v", got, in)
	}
	wantKey := "BTC-USDT-PERP:3:550e8400-e29b-41d4-a716-446655440000:6ba7b810-9dad-11d1-80b4-00c04fd430c8"
	if got.SettlementKey() != wantKey {
		t.Errorf("settlement key: got %q", got.SettlementKey())
	}
	if got.IdempotencyKey() != wantKey+":settled:"+payer.String() {
		t.Errorf("idempotency key: got %q", got.IdempotencyKey())
	}
	if got.OccurredAt() != 1_700_000_000 || got.SourceSequence() != 3 {
		t.Errorf("timestamp/epoch: got %d/%d", got.OccurredAt(), got.SourceSequence())
	}
}

func TestDecode_RateComputedIsExact(t *testing.T) {
	in := &event.RateComputed{
		Market:    "ETH-USDT-PERP",
		Rate:      fpmath.MustParse("0.0000717075844489"),
		LastPrice: fpmath.MustParse("2510.125"),
		Epoch:     1,
		Timestamp: 1_700_000_000,
	}

	payload, _ := event.Encode(in)
	out, err := event.Decode(event.EventTypeRateComputed, payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got := out.(*event.RateComputed)
	if got.Rate.Cmp(in.Rate) != 0 || got.LastPrice.Cmp(in.LastPrice) != 0 {
		t.Errorf("got rate=%s price=%s, want rate=%s price=%s", got.Rate, got.LastPrice, in.Rate, in.LastPrice)
	}
	if *got.MarketID() != "ETH-USDT-PERP" {
		t.Errorf("market: got %q", *got.MarketID())
	}
}

func TestDecode_UnknownType(t *testing.T) {
	if _, err := event.Decode(event.EventTypeUnknown, []byte(`{}`)); err == nil {
		t.Error("expected error")
	}
}

// ============================================================================
// Test: wire format
// ============================================================================

// The AccountSettled payload is read by projections and NATS consumers.
func TestEncode_AccountSettledWireFormat(t *testing.T) {
	payer := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	payee := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	evt := &event.AccountSettled{
		SettlementLeg: event.SettlementLeg{
			Market:    "BTC-USDT-PERP",
			Payer:     payer,
			Payee:     payee,
			Account:   payer,
			Asset:     "USDT",
			Amount:    500_000,
			Epoch:     1,
			Timestamp: 1_700_000_000,
		},
		Delta: -500_000,
	}

	data, err := event.Encode(evt)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	testutil.AssertGolden(t, "account_settled.json", data)
}
