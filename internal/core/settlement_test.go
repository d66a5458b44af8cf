package core_test

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"ABRLedger/internal/core"
	"ABRLedger/internal/event"
	"ABRLedger/internal/ledger"
	fpmath "ABRLedger/internal/math"
	"ABRLedger/internal/state"

	"github.com/google/uuid"
)

// fakeStore is a SettlementStore with a canned answer.
type fakeStore struct {
	ts    int64
	found bool
	err   error
	calls int
}

func (s *fakeStore) LastSettled(pairKey string) (int64, bool, error) {
	s.calls++
	return s.ts, s.found, s.err
}

// ============================================================================
// Test: Settle
// ============================================================================

func TestSettle_MovesFundingThroughReserve(t *testing.T) {
	c, _, persist := newTestCore(t, nil)
	payer, payee := uuid.New(), uuid.New()

	deposit(t, c, payer, 1_000_000)
	rs := computeFlat(t, c, btc, "40000")
	drainOutputs(persist)

	res, err := c.Settlement.Settle(admin, btc, payer, payee)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}

	// 40000 * 0.0000125 = 0.5 USDT = 500_000 units
	if !res.Settled || res.Amount != 500_000 {
		t.Fatalf("result: got %+v, want 500000 settled", res)
	}
	if res.From != payer || res.To != payee || res.Epoch != 1 || res.Timestamp != rs.LastTimestamp {
		t.Errorf("result: got %+v", res)
	}
	if got := balance(t, c, payer); got != 500_000 {
		t.Errorf("payer: got %d, want 500000", got)
	}
	if got := balance(t, c, payee); got != 500_000 {
		t.Errorf("payee: got %d, want 500000", got)
	}
	if r, _ := c.Reserve.Balance(btc); r != 0 {
		t.Errorf("reserve: got %d, want 0 (settlement nets to zero)", r)
	}

	outputs := drainOutputs(persist)
	if len(outputs) != 1 {
		t.Fatalf("expected 1 output, got %d", len(outputs))
	}
	out := outputs[0]

	wantTypes := []event.EventType{
		event.EventTypeReserveWithdrawn,
		event.EventTypeTransferDebited,
		event.EventTypeAccountSettled,
		event.EventTypeTransferCredited,
		event.EventTypeReserveDeposited,
		event.EventTypeAccountSettled,
	}
	gotTypes := envelopeTypes(out)
	if len(gotTypes) != len(wantTypes) {
		t.Fatalf("event count: got %d, want %d", len(gotTypes), len(wantTypes))
	}
	for i := range wantTypes {
		if gotTypes[i] != wantTypes[i] {
			t.Errorf("event %d: got %s, want %s", i, gotTypes[i], wantTypes[i])
		}
	}

	for i, env := range out.Envelopes {
		if env.Timestamp.Unix() != rs.LastTimestamp {
			t.Errorf("event %d timestamp: got %d, want rate timestamp %d", i, env.Timestamp.Unix(), rs.LastTimestamp)
		}
	}

	payerSide, err := event.Decode(out.Envelopes[2].EventType, out.Envelopes[2].Payload)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if s := payerSide.(*event.AccountSettled); s.Account != payer || s.Delta != -500_000 || s.Amount != 500_000 {
		t.Errorf("payer AccountSettled: got %+v", s)
	}

	if out.Batch == nil || len(out.Batch.Journals) != 2 || out.Batch.Sequence != out.Envelopes[0].Sequence {
		t.Fatalf("batch: got %+v", out.Batch)
	}
	if out.Settlement == nil || out.Settlement.Amount != 500_000 || out.Settlement.PairKey != core.PairKey(btc, payer, payee) {
		t.Errorf("settlement record: got %+v", out.Settlement)
	}

	if err := c.ValidateInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}
}

func TestSettle_AtMostOncePerRate(t *testing.T) {
	c, clock, persist := newTestCore(t, nil)
	payer, payee := uuid.New(), uuid.New()

	deposit(t, c, payer, 10_000_000)
	computeFlat(t, c, btc, "40000")

	if _, err := c.Settlement.Settle(admin, btc, payer, payee); err != nil {
		t.Fatalf("first Settle: %v", err)
	}
	drainOutputs(persist)

	res, err := c.Settlement.Settle(admin, btc, payer, payee)
	if err != nil {
		t.Fatalf("second Settle: %v", err)
	}
	if res.Settled || res.Reason != core.NoopAlreadySettled {
		t.Errorf("got %+v, want already-settled no-op", res)
	}
	if n := len(drainOutputs(persist)); n != 0 {
		t.Errorf("no-op emitted %d outputs", n)
	}
	if got := balance(t, c, payer); got != 9_500_000 {
		t.Errorf("payer charged twice: got %d", got)
	}

	// The reverse pair is a different pair.
	deposit(t, c, payee, 1_000_000)
	if res, err := c.Settlement.Settle(admin, btc, payee, payer); err != nil || !res.Settled {
		t.Errorf("reverse pair: got %+v, %v", res, err)
	}

	// A new rate can be settled again.
	clock.Advance(core.FundingInterval)
	computeFlat(t, c, btc, "40000")
	res, err = c.Settlement.Settle(admin, btc, payer, payee)
	if err != nil || !res.Settled || res.Epoch != 2 {
		t.Errorf("after recompute: got %+v, %v", res, err)
	}
}

func TestSettle_NoopWhenNeverComputed(t *testing.T) {
	c, _, persist := newTestCore(t, nil)

	res, err := c.Settlement.Settle(admin, btc, uuid.New(), uuid.New())
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if res.Settled || res.Reason != core.NoopRateNotComputed {
		t.Errorf("got %+v, want rate-not-computed no-op", res)
	}
	if n := len(drainOutputs(persist)); n != 0 {
		t.Errorf("no-op emitted %d outputs", n)
	}
}

func TestSettle_Rejections(t *testing.T) {
	c, _, persist := newTestCore(t, nil)
	computeFlat(t, c, btc, "40000")
	drainOutputs(persist)
	a, b := uuid.New(), uuid.New()

	if _, err := c.Settlement.Settle("mallory", btc, a, b); !errors.Is(err, state.ErrUnauthorized) {
		t.Errorf("unauthorized: got %v", err)
	}
	// Authorization comes first, even for bad input.
	if _, err := c.Settlement.Settle("mallory", "DOGE-USDT-PERP", a, a); !errors.Is(err, state.ErrUnauthorized) {
		t.Errorf("unauthorized precedence: got %v", err)
	}
	if _, err := c.Settlement.Settle(admin, "DOGE-USDT-PERP", a, b); !errors.Is(err, state.ErrUnknownMarket) {
		t.Errorf("unknown market: got %v", err)
	}
	if _, err := c.Settlement.Settle(admin, btc, a, a); !errors.Is(err, core.ErrSelfSettlement) {
		t.Errorf("self settlement: got %v", err)
	}
	if n := len(drainOutputs(persist)); n != 0 {
		t.Errorf("rejections emitted %d outputs", n)
	}
}

func TestSettle_InsufficientBalanceIsAtomic(t *testing.T) {
	c, _, persist := newTestCore(t, nil)
	payer, payee := uuid.New(), uuid.New()

	deposit(t, c, payer, 100)
	computeFlat(t, c, btc, "40000")
	drainOutputs(persist)

	_, err := c.Settlement.Settle(admin, btc, payer, payee)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
	if !strings.Contains(err.Error(), "have=100, need=500000") {
		t.Errorf("error should report the payer shortfall: %v", err)
	}
	if balance(t, c, payer) != 100 || balance(t, c, payee) != 0 {
		t.Error("failed settlement changed balances")
	}
	if n := len(drainOutputs(persist)); n != 0 {
		t.Errorf("failed settlement emitted %d outputs", n)
	}

	// Nothing was recorded, so the pair settles once funded.
	deposit(t, c, payer, 1_000_000)
	res, err := c.Settlement.Settle(admin, btc, payer, payee)
	if err != nil || !res.Settled {
		t.Fatalf("after funding: got %+v, %v", res, err)
	}
	if got := balance(t, c, payer); got != 500_100 {
		t.Errorf("payer: got %d, want 500100", got)
	}
}

func TestSettle_NegativeRateReversesDirection(t *testing.T) {
	c, _, _ := newTestCore(t, nil)
	payer, payee := uuid.New(), uuid.New()

	if _, err := c.Rates.SetBaseRate(admin, btc, fpmath.MustParse("-0.0000125")); err != nil {
		t.Fatalf("SetBaseRate: %v", err)
	}
	deposit(t, c, payee, 1_000_000)
	computeFlat(t, c, btc, "40000")

	res, err := c.Settlement.Settle(admin, btc, payer, payee)
	if err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if !res.Settled || res.From != payee || res.To != payer || res.Amount != 500_000 {
		t.Errorf("result: got %+v, want payee -> payer 500000", res)
	}
	if balance(t, c, payer) != 500_000 || balance(t, c, payee) != 500_000 {
		t.Errorf("balances: payer=%d payee=%d", balance(t, c, payer), balance(t, c, payee))
	}
}

func TestSettle_ZeroAmountRecordsWithoutJournals(t *testing.T) {
	c, _, persist := newTestCore(t, nil)
	payer, payee := uuid.New(), uuid.New()

	if _, err := c.Rates.SetBaseRate(admin, btc, fpmath.Zero); err != nil {
		t.Fatalf("SetBaseRate: %v", err)
	}
	computeFlat(t, c, btc, "40000")
	drainOutputs(persist)

	res, err := c.Settlement.Settle(admin, btc, payer, payee)
	if err != nil || !res.Settled || res.Amount != 0 {
		t.Fatalf("got %+v, %v", res, err)
	}

	outputs := drainOutputs(persist)
	if len(outputs) != 1 || outputs[0].Batch != nil || len(outputs[0].Envelopes) != 6 {
		t.Fatalf("expected 6 envelopes and no batch, got %+v", outputs)
	}

	res, _ = c.Settlement.Settle(admin, btc, payer, payee)
	if res.Settled {
		t.Error("zero-amount settlement must still mark the pair")
	}
}

func TestSettle_StoreTier(t *testing.T) {
	t.Run("store error aborts", func(t *testing.T) {
		storeErr := errors.New("connection refused")
		c, _, persist := newTestCore(t, &fakeStore{err: storeErr})
		payer := uuid.New()
		deposit(t, c, payer, 1_000_000)
		computeFlat(t, c, btc, "40000")
		drainOutputs(persist)

		_, err := c.Settlement.Settle(admin, btc, payer, uuid.New())
		if !errors.Is(err, storeErr) {
			t.Fatalf("got %v, want store error", err)
		}
		if balance(t, c, payer) != 1_000_000 {
			t.Error("aborted settlement changed balances")
		}
	})

	t.Run("store hit is cached", func(t *testing.T) {
		store := &fakeStore{ts: genesisTime.Unix(), found: true}
		c, _, _ := newTestCore(t, store)
		payer, payee := uuid.New(), uuid.New()
		computeFlat(t, c, btc, "40000")

		for i := 0; i < 2; i++ {
			res, err := c.Settlement.Settle(admin, btc, payer, payee)
			if err != nil {
				t.Fatalf("Settle: %v", err)
			}
			if res.Settled || res.Reason != core.NoopAlreadySettled {
				t.Errorf("got %+v, want already-settled no-op", res)
			}
		}
		if store.calls != 1 {
			t.Errorf("store calls: got %d, want 1", store.calls)
		}
	})
}

func TestSettlementRecords_CountsStoreLookups(t *testing.T) {
	store := &fakeStore{ts: 500, found: true}
	r := core.NewSettlementRecords(store)
	key := core.PairKey(btc, uuid.New(), uuid.New())

	for i := 0; i < 3; i++ {
		ts, err := r.LastSettled(key)
		if err != nil || ts != 500 {
			t.Fatalf("LastSettled: got %d, %v", ts, err)
		}
	}

	// Replay of an older settlement must not move the mark back
	r.Record(key, 400)
	if ts, _ := r.LastSettled(key); ts != 500 {
		t.Errorf("mark moved backwards: got %d", ts)
	}

	store.err = errors.New("timeout")
	if _, err := r.LastSettled(core.PairKey(btc, uuid.New(), uuid.New())); err == nil {
		t.Error("expected store error")
	}

	hits, errs := r.StoreStats()
	if hits != 1 || errs != 1 {
		t.Errorf("store stats: got hits=%d errors=%d, want 1 and 1", hits, errs)
	}
	if r.Size() != 1 {
		t.Errorf("size: got %d, want 1", r.Size())
	}
}

// ============================================================================
// Test: SettleBatch
// ============================================================================

func TestSettleBatch_StopsAtFirstFailure(t *testing.T) {
	c, _, _ := newTestCore(t, nil)
	funded, broke, last := uuid.New(), uuid.New(), uuid.New()

	deposit(t, c, funded, 1_000_000)
	deposit(t, c, last, 1_000_000)
	computeFlat(t, c, btc, "40000")

	pairs := []core.SettlementPair{
		{Payer: funded, Payee: broke},
		{Payer: uuid.New(), Payee: funded}, // payer has nothing
		{Payer: last, Payee: broke},
	}

	results, err := c.Settlement.SettleBatch(admin, btc, pairs)
	if !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("got %v, want ErrInsufficientBalance", err)
	}
	if len(results) != 1 || !results[0].Settled {
		t.Fatalf("results: got %d, want the first pair settled", len(results))
	}
	if balance(t, c, last) != 1_000_000 {
		t.Error("pairs after the failure must not settle")
	}

	if _, err := c.Settlement.SettleBatch(admin, btc, []core.SettlementPair{{Payer: last, Payee: last}}); !errors.Is(err, core.ErrSelfSettlement) {
		t.Errorf("self pair: got %v", err)
	}
}

func TestSettle_ConcurrentPairsKeepLedgerBalanced(t *testing.T) {
	c, _, persist := newTestCore(t, nil)
	computeFlat(t, c, btc, "40000")
	computeFlat(t, c, eth, "2000")

	const pairs = 20
	payers := make([]uuid.UUID, pairs)
	for i := range payers {
		payers[i] = uuid.New()
		deposit(t, c, payers[i], 1_000_000)
	}
	before := c.GetSequence()
	drainOutputs(persist)

	var wg sync.WaitGroup
	errs := make(chan error, pairs)
	for i := 0; i < pairs; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			market := btc
			if i%2 == 1 {
				market = eth
			}
			if _, err := c.Settlement.Settle(admin, market, payers[i], payers[(i+1)%pairs]); err != nil {
				errs <- err
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Settle: %v", err)
	}

	if got := c.GetSequence() - before; got != pairs*6 {
		t.Errorf("events: got %d, want %d", got, pairs*6)
	}

	var last int64 = before
	for _, out := range drainOutputs(persist) {
		for _, env := range out.Envelopes {
			if env.Sequence != last+1 {
				t.Fatalf("persist order broken: %d after %d", env.Sequence, last)
			}
			last = env.Sequence
		}
	}
	if err := c.ValidateInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}
}

// ============================================================================
// Test: Reserve
// ============================================================================

func TestReserve_FundAndDefund(t *testing.T) {
	c, _, persist := newTestCore(t, nil)

	if _, err := c.Reserve.Fund("mallory", btc, 1_000); !errors.Is(err, state.ErrUnauthorized) {
		t.Errorf("unauthorized: got %v", err)
	}
	if _, err := c.Reserve.Fund(admin, btc, 0); !errors.Is(err, core.ErrInvalidAmount) {
		t.Errorf("zero amount: got %v", err)
	}
	if _, err := c.Reserve.Fund(admin, "DOGE-USDT-PERP", 1_000); !errors.Is(err, state.ErrUnknownMarket) {
		t.Errorf("unknown market: got %v", err)
	}

	bal, err := c.Reserve.Fund(admin, btc, 1_000)
	if err != nil || bal != 1_000 {
		t.Fatalf("Fund: got %d, %v", bal, err)
	}

	if _, err := c.Reserve.Defund(admin, btc, 1_500); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Errorf("overdraw: got %v, want ErrInsufficientBalance", err)
	}

	bal, err = c.Reserve.Defund(admin, btc, 400)
	if err != nil || bal != 600 {
		t.Fatalf("Defund: got %d, %v", bal, err)
	}
	if got, _ := c.Reserve.Balance(btc); got != 600 {
		t.Errorf("Balance: got %d, want 600", got)
	}
	if got, _ := c.Reserve.Balance(eth); got != 0 {
		t.Errorf("ETH reserve: got %d, want 0", got)
	}

	outputs := drainOutputs(persist)
	if len(outputs) != 2 {
		t.Fatalf("expected 2 outputs, got %d", len(outputs))
	}
	if outputs[0].Envelopes[0].EventType != event.EventTypeReserveFunded ||
		outputs[1].Envelopes[0].EventType != event.EventTypeReserveDefunded {
		t.Errorf("types: got %s, %s", outputs[0].Envelopes[0].EventType, outputs[1].Envelopes[0].EventType)
	}
	if err := c.ValidateInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}
}

func TestDeposit_Validation(t *testing.T) {
	c, _, _ := newTestCore(t, nil)
	id := uuid.New()

	if _, err := c.Reserve.Deposit(admin, id, "DOGE", 1); !errors.Is(err, core.ErrUnknownAsset) {
		t.Errorf("unknown asset: got %v", err)
	}
	if _, err := c.Reserve.Deposit(admin, id, "USDT", -5); !errors.Is(err, core.ErrInvalidAmount) {
		t.Errorf("negative amount: got %v", err)
	}
	if _, err := c.Reserve.Deposit("mallory", id, "USDT", 5); !errors.Is(err, state.ErrUnauthorized) {
		t.Errorf("unauthorized: got %v", err)
	}

	bal, err := c.Reserve.Deposit(admin, id, "USDT", 5)
	if err != nil || bal != 5 {
		t.Errorf("Deposit: got %d, %v", bal, err)
	}
	if _, err := c.GetBalance(id, "DOGE"); !errors.Is(err, core.ErrUnknownAsset) {
		t.Errorf("GetBalance unknown asset: got %v", err)
	}
}
