package core_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"ABRLedger/internal/core"
	"ABRLedger/internal/event"
	"ABRLedger/internal/ledger"
	fpmath "ABRLedger/internal/math"
	"ABRLedger/internal/observability"
	"ABRLedger/internal/state"
	"ABRLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

const (
	btc   = "BTC-USDT-PERP"
	eth   = "ETH-USDT-PERP"
	admin = "treasury"
)

var genesisTime = time.Unix(1_700_000_000, 0)

// newTestCore creates a Core with a manual clock, a buffered persist channel
// and one admin holding every action.
func newTestCore(t *testing.T, store core.SettlementStore) (*core.Core, *testutil.ManualClock, chan core.CoreOutput) {
	t.Helper()

	clock := testutil.NewManualClock(genesisTime)
	auth := state.NewAdminTable()
	auth.Grant(admin)

	persist := make(chan core.CoreOutput, 4096)
	c := core.New(core.Config{
		Auth:            auth,
		Clock:           clock,
		SettlementStore: store,
		PersistChan:     persist,
		Logger:          zerolog.Nop(),
	})
	return c, clock, persist
}

func drainOutputs(ch chan core.CoreOutput) []core.CoreOutput {
	var outputs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outputs = append(outputs, o)
		default:
			return outputs
		}
	}
}

func envelopeTypes(out core.CoreOutput) []event.EventType {
	types := make([]event.EventType, len(out.Envelopes))
	for i, env := range out.Envelopes {
		types[i] = env.EventType
	}
	return types
}

// computeFlat runs a computation over 64 identical mark and index ticks.
// The premium is zero, so the stored rate equals the market's base rate.
func computeFlat(t *testing.T, c *core.Core, market, price string) state.RateState {
	t.Helper()
	ticks := testutil.FlatTicks(64, price)
	rs, err := c.Rates.RequestComputation(market, ticks, ticks, len(ticks), len(ticks))
	if err != nil {
		t.Fatalf("RequestComputation(%s): %v", market, err)
	}
	return rs
}

func deposit(t *testing.T, c *core.Core, account uuid.UUID, amount int64) {
	t.Helper()
	if _, err := c.Reserve.Deposit(admin, account, "USDT", amount); err != nil {
		t.Fatalf("Deposit: %v", err)
	}
}

func balance(t *testing.T, c *core.Core, account uuid.UUID) int64 {
	t.Helper()
	b, err := c.GetBalance(account, "USDT")
	if err != nil {
		t.Fatalf("GetBalance: %v", err)
	}
	return b
}

func replayAll(t *testing.T, c *core.Core, outputs []core.CoreOutput) {
	t.Helper()
	for _, out := range outputs {
		for i, env := range out.Envelopes {
			var batch *ledger.Batch
			if i == 0 {
				batch = out.Batch
			}
			if err := c.Replay(env, batch); err != nil {
				t.Fatalf("Replay(%d): %v", env.Sequence, err)
			}
		}
	}
}

// runScenario deposits, funds the reserve, computes a rate and settles one pair.
func runScenario(t *testing.T, c *core.Core) (payer, payee uuid.UUID) {
	t.Helper()
	payer, payee = uuid.New(), uuid.New()

	deposit(t, c, payer, 2_000_000)
	if _, err := c.Reserve.Fund(admin, btc, 250_000); err != nil {
		t.Fatalf("Fund: %v", err)
	}
	if _, err := c.Rates.SetBollingerWidth(admin, btc, fpmath.MustParse("1.5")); err != nil {
		t.Fatalf("SetBollingerWidth: %v", err)
	}
	computeFlat(t, c, btc, "40000")
	if _, err := c.Settlement.Settle(admin, btc, payer, payee); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	return payer, payee
}

// ============================================================================
// Test: Replay and Snapshot
// ============================================================================

func TestReplay_RebuildsIdenticalState(t *testing.T) {
	a, _, persistA := newTestCore(t, nil)
	payer, payee := runScenario(t, a)
	outputs := drainOutputs(persistA)

	b, _, _ := newTestCore(t, nil)
	replayAll(t, b, outputs)

	if b.GetSequence() != a.GetSequence() {
		t.Errorf("sequence: got %d, want %d", b.GetSequence(), a.GetSequence())
	}
	if b.GetStateHash() != a.GetStateHash() {
		t.Error("state hash differs after replay")
	}
	for _, id := range []uuid.UUID{payer, payee} {
		if got, want := balance(t, b, id), balance(t, a, id); got != want {
			t.Errorf("balance %s: got %d, want %d", id, got, want)
		}
	}
	rb, _ := b.Reserve.Balance(btc)
	if rb != 250_000 {
		t.Errorf("reserve: got %d, want 250000", rb)
	}

	ra, rr := a.Rates.GetRate(btc), b.Rates.GetRate(btc)
	if rr.Epoch != ra.Epoch || rr.LastRate.Cmp(ra.LastRate) != 0 || rr.LastTimestamp != ra.LastTimestamp || rr.ComputedAt != ra.ComputedAt {
		t.Errorf("rate: got %+v, want %+v", rr, ra)
	}
	if p := b.Rates.Params(btc); p.Version != 1 || p.BollingerWidth.Cmp(fpmath.MustParse("1.5")) != 0 {
		t.Errorf("params: got %+v", p)
	}

	// Settlement records were replayed: the same rate cannot be charged twice.
	res, err := b.Settlement.Settle(admin, btc, payer, payee)
	if err != nil {
		t.Fatalf("Settle after replay: %v", err)
	}
	if res.Settled || res.Reason != core.NoopAlreadySettled {
		t.Errorf("got %+v, want already-settled no-op", res)
	}

	// Replaying again is a no-op.
	replayAll(t, b, outputs)
	if balance(t, b, payer) != balance(t, a, payer) {
		t.Error("second replay changed balances")
	}
	if err := b.ValidateInvariants(); err != nil {
		t.Errorf("invariants: %v", err)
	}
}

func TestReplay_RejectsGapAndTamperedPayload(t *testing.T) {
	a, _, persistA := newTestCore(t, nil)
	runScenario(t, a)
	outputs := drainOutputs(persistA)

	b, _, _ := newTestCore(t, nil)
	if err := b.Replay(outputs[1].Envelopes[0], outputs[1].Batch); err == nil {
		t.Error("expected gap error")
	}

	tampered := *outputs[0].Envelopes[0]
	tampered.Payload = []byte(`{"amount":1}`)
	if err := b.Replay(&tampered, outputs[0].Batch); err == nil {
		t.Error("expected hash chain error")
	}
	if b.GetSequence() != 0 {
		t.Errorf("sequence advanced to %d on failed replay", b.GetSequence())
	}
}

func TestSnapshot_RestoreThenReplayTail(t *testing.T) {
	a, clock, persistA := newTestCore(t, nil)
	payer, payee := runScenario(t, a)
	head := drainOutputs(persistA)

	data, err := json.Marshal(a.CreateSnapshotState())
	if err != nil {
		t.Fatalf("marshal snapshot: %v", err)
	}
	var snap core.SnapshotState
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}

	// More activity after the snapshot.
	clock.Advance(core.FundingInterval)
	computeFlat(t, a, btc, "41000")
	if _, err := a.Settlement.Settle(admin, btc, payer, payee); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	tail := drainOutputs(persistA)

	c, _, _ := newTestCore(t, nil)
	c.RestoreFromSnapshot(&snap)
	if c.GetSequence() != snap.Sequence {
		t.Errorf("sequence: got %d, want %d", c.GetSequence(), snap.Sequence)
	}

	// Envelopes covered by the snapshot are skipped.
	replayAll(t, c, head)
	replayAll(t, c, tail)

	if c.GetStateHash() != a.GetStateHash() {
		t.Error("state hash differs after snapshot + tail replay")
	}
	if got, want := balance(t, c, payee), balance(t, a, payee); got != want {
		t.Errorf("payee balance: got %d, want %d", got, want)
	}
	if c.Rates.GetRate(btc).Epoch != 2 {
		t.Errorf("epoch: got %d, want 2", c.Rates.GetRate(btc).Epoch)
	}
}

// ============================================================================
// Test: Emitter and Hash Chain
// ============================================================================

func TestVerifyChain_FromGenesis(t *testing.T) {
	a, _, persistA := newTestCore(t, nil)
	runScenario(t, a)

	var envs []*event.EventEnvelope
	var last int64
	for _, out := range drainOutputs(persistA) {
		for _, env := range out.Envelopes {
			if env.Sequence != last+1 {
				t.Fatalf("sequence gap: %d after %d", env.Sequence, last)
			}
			last = env.Sequence
			envs = append(envs, env)
		}
	}

	tip, err := core.VerifyChain(core.GenesisHash(), envs)
	if err != nil {
		t.Fatalf("VerifyChain: %v", err)
	}
	if tip != a.GetStateHash() {
		t.Error("chain tip differs from core state hash")
	}
	if envs[0].PrevHash != core.GenesisHash() {
		t.Error("first envelope must chain from genesis")
	}
}

func TestEmitter_CommitFailureEmitsNothing(t *testing.T) {
	persist := make(chan core.CoreOutput, 4)
	em := core.NewEmitter(persist, nil, nil, zerolog.Nop())
	boom := errors.New("boom")

	evt := &event.BalanceDeposited{DepositID: uuid.New(), UserID: uuid.New(), Asset: "USDT", Amount: 1, Timestamp: 1}
	_, err := em.Emit(core.Emission{
		Events: []event.Event{evt},
		Commit: func() error { return boom },
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want commit error", err)
	}
	if em.Sequence() != 0 || len(persist) != 0 {
		t.Errorf("failed commit emitted: sequence=%d queued=%d", em.Sequence(), len(persist))
	}
	if em.StateHash() != core.GenesisHash() {
		t.Error("failed commit moved the chain tip")
	}
}

func TestEmitter_ProjectionDropDoesNotBlock(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	persist := make(chan core.CoreOutput, 4)
	projection := make(chan core.CoreOutput) // nobody reads
	em := core.NewEmitter(persist, projection, metrics, zerolog.Nop())

	evt := &event.BalanceDeposited{DepositID: uuid.New(), UserID: uuid.New(), Asset: "USDT", Amount: 1, Timestamp: 1}
	out, err := em.Emit(core.Emission{Events: []event.Event{evt}})
	if err != nil {
		t.Fatalf("Emit: %v", err)
	}

	if len(persist) != 1 {
		t.Errorf("persist queue: got %d, want 1", len(persist))
	}
	if got := promtest.ToFloat64(metrics.ProjectionDrops.WithLabelValues("core")); got != 1 {
		t.Errorf("projection drops: got %v, want 1", got)
	}
	if got := promtest.ToFloat64(metrics.CoreSequence); got != 1 {
		t.Errorf("sequence gauge: got %v, want 1", got)
	}

	env := out.Envelopes[0]
	if env.Sequence != 1 || env.Timestamp.Unix() != 1 || env.IdempotencyKey != evt.IdempotencyKey() {
		t.Errorf("envelope: got %+v", env)
	}
}
