package query_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"ABRLedger/internal/core"
	"ABRLedger/internal/ledger"
	"ABRLedger/internal/persistence"
	"ABRLedger/internal/projection"
	"ABRLedger/internal/query"
	"ABRLedger/internal/state"
	"ABRLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

const (
	btc   = "BTC-USDT-PERP"
	admin = "treasury"
)

type fakeProjections struct {
	watermark int64
	balances  map[string]int64
	history   []projection.SettlementHistoryEntry
	totals    map[int64]int64
	lastLimit int
}

func (f *fakeProjections) Watermark(ctx context.Context) (int64, error) { return f.watermark, nil }

func (f *fakeProjections) ProjectedBalance(ctx context.Context, path string, asset int64) (int64, int64, error) {
	return f.balances[path], f.watermark, nil
}

func (f *fakeProjections) SettlementHistory(ctx context.Context, account uuid.UUID, limit int) ([]projection.SettlementHistoryEntry, error) {
	f.lastLimit = limit
	return f.history, nil
}

func (f *fakeProjections) AssetTotals(ctx context.Context) (map[int64]int64, error) {
	return f.totals, nil
}

type fakeEvents struct {
	rows []persistence.EventRow
}

func (f *fakeEvents) LoadEventsFrom(ctx context.Context, from int64, limit int) ([]persistence.EventRow, error) {
	var out []persistence.EventRow
	for _, r := range f.rows {
		if r.Sequence >= from && len(out) < limit {
			out = append(out, r)
		}
	}
	return out, nil
}

// loggedEvents runs a deposit, a computation and a settlement and returns
// the event rows as persisted.
func loggedEvents(t *testing.T) *fakeEvents {
	t.Helper()
	auth := state.NewAdminTable()
	auth.Grant(admin)
	persist := make(chan core.CoreOutput, 64)

	c := core.New(core.Config{
		Auth:        auth,
		Clock:       testutil.NewManualClock(time.Unix(1_700_000_000, 0)),
		PersistChan: persist,
		Logger:      zerolog.Nop(),
	})
	payer := uuid.New()
	if _, err := c.Reserve.Deposit(admin, payer, "USDT", 1_000_000); err != nil {
		t.Fatal(err)
	}
	ticks := testutil.FlatTicks(64, "40000")
	if _, err := c.Rates.RequestComputation(btc, ticks, ticks, 64, 64); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Settlement.Settle(admin, btc, payer, uuid.New()); err != nil {
		t.Fatal(err)
	}
	close(persist)

	src := &fakeEvents{}
	for o := range persist {
		events, _, _ := persistence.RowsFromOutput(o)
		src.rows = append(src.rows, events...)
	}
	return src
}

func newService(p *fakeProjections, e *fakeEvents) *query.QueryService {
	return query.NewQueryService(state.NewDefaultRegistry(), p, e, nil)
}

// ============================================================================
// Test: Balances and history
// ============================================================================

func TestGetBalance(t *testing.T) {
	user := uuid.New()
	p := &fakeProjections{
		watermark: 12,
		balances: map[string]int64{
			ledger.NewUserAccountKey(user, ledger.SubTypeCollateral, 1).AccountPath(): 750,
		},
	}
	qs := newService(p, &fakeEvents{})

	got, err := qs.GetBalance(context.Background(), user, "USDT")
	if err != nil {
		t.Fatal(err)
	}
	if got.Balance != 750 || got.AsOfSequence != 12 || got.Account != user {
		t.Errorf("got %+v", got)
	}

	if _, err := qs.GetBalance(context.Background(), user, "DOGE"); !errors.Is(err, core.ErrUnknownAsset) {
		t.Errorf("unknown asset: got %v", err)
	}
}

func TestGetReserveBalance(t *testing.T) {
	p := &fakeProjections{
		balances: map[string]int64{
			ledger.NewReserveAccountKey(btc, 1).AccountPath(): 250_000,
		},
	}
	qs := newService(p, &fakeEvents{})

	got, err := qs.GetReserveBalance(context.Background(), btc)
	if err != nil {
		t.Fatal(err)
	}
	if got.Balance != 250_000 || got.Asset != "USDT" {
		t.Errorf("got %+v", got)
	}

	if _, err := qs.GetReserveBalance(context.Background(), "DOGE-USDT-PERP"); !errors.Is(err, state.ErrUnknownMarket) {
		t.Errorf("unknown market: got %v", err)
	}
}

func TestGetSettlementHistory_LimitClamped(t *testing.T) {
	p := &fakeProjections{}
	qs := newService(p, &fakeEvents{})

	tests := []struct {
		in, want int
	}{
		{0, query.DefaultHistoryLimit},
		{-3, query.DefaultHistoryLimit},
		{20, 20},
		{10_000, query.MaxHistoryLimit},
	}
	for _, tc := range tests {
		got, err := qs.GetSettlementHistory(context.Background(), uuid.New(), tc.in)
		if err != nil {
			t.Fatal(err)
		}
		if p.lastLimit != tc.want {
			t.Errorf("limit %d: got %d, want %d", tc.in, p.lastLimit, tc.want)
		}
		if got.Entries == nil {
			t.Error("entries must be an empty list, not null")
		}
	}
}

// ============================================================================
// Test: VerifyIntegrity
// ============================================================================

func TestVerifyIntegrity_Healthy(t *testing.T) {
	events := loggedEvents(t)
	qs := newService(&fakeProjections{totals: map[int64]int64{1: 0}}, events)

	report, err := qs.VerifyIntegrity(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !report.IsHealthy || report.EventsVerified != int64(len(events.rows)) {
		t.Errorf("got %+v", report)
	}
	if report.ChainTip == "" {
		t.Error("chain tip missing")
	}
}

func TestVerifyIntegrity_DetectsTamperingAndImbalance(t *testing.T) {
	events := loggedEvents(t)
	events.rows[2].Payload = []byte(`{"market":"BTC-USDT-PERP","amount":1}`)

	qs := newService(&fakeProjections{totals: map[int64]int64{1: 0, 2: -5}}, events)
	report, err := qs.VerifyIntegrity(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if report.IsHealthy {
		t.Fatal("report should be unhealthy")
	}
	if len(report.HashChainBreaks) != 1 || report.HashChainBreaks[0] != events.rows[2].Sequence {
		t.Errorf("breaks: got %v", report.HashChainBreaks)
	}
	if report.EventsVerified != int64(len(events.rows)-1) {
		t.Errorf("verified: got %d", report.EventsVerified)
	}
	if len(report.UnbalancedAssets) != 1 || report.UnbalancedAssets[0].AssetID != 2 {
		t.Errorf("unbalanced: got %+v", report.UnbalancedAssets)
	}
}

func TestVerifyIntegrity_DetectsMissingEvent(t *testing.T) {
	events := loggedEvents(t)
	events.rows = append(events.rows[:1], events.rows[2:]...)

	report, err := newService(&fakeProjections{}, events).VerifyIntegrity(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.IsHealthy || len(report.HashChainBreaks) == 0 {
		t.Errorf("missing event not detected: %+v", report)
	}
}
