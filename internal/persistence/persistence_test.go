package persistence_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"ABRLedger/internal/core"
	"ABRLedger/internal/event"
	"ABRLedger/internal/ledger"
	"ABRLedger/internal/observability"
	"ABRLedger/internal/persistence"
	"ABRLedger/internal/state"
	"ABRLedger/internal/testutil"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

// --- Test helpers ---

const (
	btc   = "BTC-USDT-PERP"
	admin = "treasury"
)

func newCore(t *testing.T, persist chan core.CoreOutput) (*core.Core, *testutil.ManualClock) {
	t.Helper()
	clock := testutil.NewManualClock(time.Unix(1_700_000_000, 0))
	auth := state.NewAdminTable()
	auth.Grant(admin)

	c := core.New(core.Config{
		Auth:        auth,
		Clock:       clock,
		PersistChan: persist,
		Logger:      zerolog.Nop(),
	})
	return c, clock
}

func compute(t *testing.T, c *core.Core, price string) {
	t.Helper()
	ticks := testutil.FlatTicks(64, price)
	if _, err := c.Rates.RequestComputation(btc, ticks, ticks, len(ticks), len(ticks)); err != nil {
		t.Fatalf("RequestComputation: %v", err)
	}
}

func drain(ch chan core.CoreOutput) []core.CoreOutput {
	var outs []core.CoreOutput
	for {
		select {
		case o := <-ch:
			outs = append(outs, o)
		default:
			return outs
		}
	}
}

// memSource is an EventSource holding rows the way Postgres would.
type memSource struct {
	snapshot []byte
	events   []persistence.EventRow
	journals []persistence.JournalRow
}

func (m *memSource) add(outs []core.CoreOutput) {
	for _, o := range outs {
		events, journals, _ := persistence.RowsFromOutput(o)
		m.events = append(m.events, events...)
		m.journals = append(m.journals, journals...)
	}
}

func (m *memSource) LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error) {
	if m.snapshot == nil {
		return nil, nil
	}
	var snap core.SnapshotState
	if err := json.Unmarshal(m.snapshot, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (m *memSource) LoadEventsFrom(ctx context.Context, from int64, limit int) ([]persistence.EventRow, error) {
	var out []persistence.EventRow
	for _, e := range m.events {
		if e.Sequence >= from && len(out) < limit {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memSource) LoadJournalsBetween(ctx context.Context, from, to int64) ([]persistence.JournalRow, error) {
	var out []persistence.JournalRow
	for _, j := range m.journals {
		if j.Sequence >= from && j.Sequence <= to {
			out = append(out, j)
		}
	}
	return out, nil
}

// fakeSink records writes and fails the first failures calls.
type fakeSink struct {
	mu       sync.Mutex
	failures int
	err      error
	calls    int
	events   []persistence.EventRow
	settled  []persistence.SettlementRow
}

func (s *fakeSink) Write(ctx context.Context, b *persistence.WriteBatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.failures > 0 {
		s.failures--
		return s.err
	}
	s.events = append(s.events, b.Events...)
	s.settled = append(s.settled, b.Settlements...)
	return nil
}

func (s *fakeSink) snapshot() (int, []persistence.EventRow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls, append([]persistence.EventRow(nil), s.events...)
}

type fakeSnapshotStore struct {
	mu       sync.Mutex
	saved    []int64
	verified []int64
}

func (f *fakeSnapshotStore) SaveSnapshot(ctx context.Context, snap *core.SnapshotState) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, snap.Sequence)
	return 128, nil
}

func (f *fakeSnapshotStore) MarkVerified(ctx context.Context, seq int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verified = append(f.verified, seq)
	return nil
}

func (f *fakeSnapshotStore) verifiedSeqs() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.verified...)
}

type fixedSnapshotter struct{ seq int64 }

func (f fixedSnapshotter) CreateSnapshotState() *core.SnapshotState {
	return &core.SnapshotState{Sequence: f.seq}
}

func output(seq int64) core.CoreOutput {
	return core.CoreOutput{Envelopes: []*event.EventEnvelope{{
		Sequence:  seq,
		EventType: event.EventTypeRateComputed,
		Timestamp: time.Unix(1_700_000_000, 0).UTC(),
		Payload:   []byte(`{}`),
	}}}
}

func testWorkerConfig(batchSize int) persistence.WorkerConfig {
	return persistence.WorkerConfig{
		BatchSize:      batchSize,
		FlushTimeout:   time.Hour,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     2 * time.Millisecond,
	}
}

func runWorker(pw *persistence.PersistenceWorker) <-chan error {
	done := make(chan error, 1)
	go func() { done <- pw.Run(context.Background()) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop")
	}
}

// ============================================================================
// Test: EventLogWriter
// ============================================================================

type recordingExecer struct {
	queries []string
	args    [][]any
}

func (r *recordingExecer) ExecContext(ctx context.Context, q string, args ...any) (sql.Result, error) {
	r.queries = append(r.queries, q)
	r.args = append(r.args, args)
	return nil, nil
}

func TestWriter_EmptyBatchesSkipDatabase(t *testing.T) {
	w := persistence.NewEventLogWriter()
	db := &recordingExecer{}
	ctx := context.Background()

	if err := w.WriteEventBatch(ctx, db, nil); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteJournalBatch(ctx, db, nil); err != nil {
		t.Fatal(err)
	}
	if err := w.WriteSettlementBatch(ctx, db, nil); err != nil {
		t.Fatal(err)
	}
	if len(db.queries) != 0 {
		t.Errorf("expected no statements, got %d", len(db.queries))
	}
}

func TestWriter_EventBatchPlaceholders(t *testing.T) {
	w := persistence.NewEventLogWriter()
	db := &recordingExecer{}

	rows := []persistence.EventRow{
		persistence.EventRowFromEnvelope(output(1).Envelopes[0]),
		persistence.EventRowFromEnvelope(output(2).Envelopes[0]),
	}
	if err := w.WriteEventBatch(context.Background(), db, rows); err != nil {
		t.Fatal(err)
	}

	q := db.queries[0]
	if !strings.Contains(q, "($10, $11, $12, $13, $14, $15, $16, $17, $18)") {
		t.Errorf("second row placeholders missing: %s", q)
	}
	if !strings.Contains(q, "ON CONFLICT (sequence) DO NOTHING") {
		t.Error("event insert must be idempotent")
	}
	if len(db.args[0]) != 18 {
		t.Errorf("args: got %d, want 18", len(db.args[0]))
	}
}

func TestWriter_SettlementBatchKeepsNewestPerPair(t *testing.T) {
	w := persistence.NewEventLogWriter()
	db := &recordingExecer{}

	rows := []persistence.SettlementRow{
		{PairKey: "a", Timestamp: 200, Sequence: 7},
		{PairKey: "b", Timestamp: 100, Sequence: 8},
		{PairKey: "a", Timestamp: 100, Sequence: 9},
	}
	if err := w.WriteSettlementBatch(context.Background(), db, rows); err != nil {
		t.Fatal(err)
	}

	args := db.args[0]
	if len(args) != 16 {
		t.Fatalf("args: got %d, want 16 (two rows)", len(args))
	}
	if args[0] != "a" || args[5] != int64(200) {
		t.Errorf("pair a should keep timestamp 200, got %v", args[5])
	}
	if !strings.Contains(db.queries[0], "event_log.settlements.timestamp < EXCLUDED.timestamp") {
		t.Error("upsert must never move a mark backwards")
	}
}

func TestRows_EnvelopeAndJournalRoundTrip(t *testing.T) {
	market := btc
	env := &event.EventEnvelope{
		Sequence:       42,
		IdempotencyKey: "k",
		EventType:      event.EventTypeAccountSettled,
		MarketID:       &market,
		Timestamp:      time.Unix(1_700_000_000, 0).UTC(),
		SourceSequence: 3,
		Payload:        []byte(`{"x":1}`),
		StateHash:      [32]byte{1},
		PrevHash:       [32]byte{2},
	}

	got, err := persistence.EventRowFromEnvelope(env).Envelope()
	if err != nil {
		t.Fatal(err)
	}
	if got.EventType != env.EventType || got.StateHash != env.StateHash || got.PrevHash != env.PrevHash || *got.MarketID != market {
		t.Errorf("got %+v", got)
	}

	j := ledger.Journal{
		JournalID:     uuid.New(),
		BatchID:       uuid.New(),
		EventRef:      "ref",
		Sequence:      42,
		DebitAccount:  ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeCollateral, 1),
		CreditAccount: ledger.NewReserveAccountKey(btc, 1),
		AssetID:       1,
		Amount:        500,
		JournalType:   ledger.JournalTypeFundingSettle,
		Timestamp:     1,
	}
	back, err := persistence.JournalRowFromJournal(j).Journal()
	if err != nil {
		t.Fatal(err)
	}
	if back != j {
		t.Errorf("journal: got %+v, want %+v", back, j)
	}

	bad := persistence.EventRow{Sequence: 1, EventType: "Bogus"}
	if _, err := bad.Envelope(); err == nil {
		t.Error("unknown event type should fail")
	}
}

// ============================================================================
// Test: BuildBatches
// ============================================================================

func TestBuildBatches(t *testing.T) {
	batchID := uuid.New()
	user := ledger.NewUserAccountKey(uuid.New(), ledger.SubTypeCollateral, 1)
	reserve := ledger.NewReserveAccountKey(btc, 1)

	row := func(seq int64, batch uuid.UUID) persistence.JournalRow {
		return persistence.JournalRowFromJournal(ledger.Journal{
			JournalID: uuid.New(), BatchID: batch, EventRef: "ref", Sequence: seq,
			DebitAccount: reserve, CreditAccount: user, AssetID: 1, Amount: 10,
		})
	}

	batches, err := persistence.BuildBatches([]persistence.JournalRow{row(5, batchID), row(5, batchID), row(9, uuid.New())})
	if err != nil {
		t.Fatal(err)
	}
	if len(batches) != 2 || len(batches[5].Journals) != 2 || batches[5].BatchID != batchID {
		t.Errorf("got %+v", batches)
	}
	if err := batches[5].Validate(); err != nil {
		t.Errorf("rebuilt batch invalid: %v", err)
	}

	if _, err := persistence.BuildBatches([]persistence.JournalRow{row(5, batchID), row(5, uuid.New())}); err == nil {
		t.Error("two batches on one sequence should fail")
	}
}

// ============================================================================
// Test: PersistenceWorker
// ============================================================================

func TestWorker_BatchesAndFinalFlush(t *testing.T) {
	sink := &fakeSink{}
	in := make(chan core.CoreOutput, 16)
	pw := persistence.NewPersistenceWorker(sink, in, testWorkerConfig(2), nil, zerolog.Nop())
	done := runWorker(pw)

	for seq := int64(1); seq <= 5; seq++ {
		in <- output(seq)
	}
	close(in)
	waitDone(t, done)

	calls, events := sink.snapshot()
	if calls != 3 {
		t.Errorf("writes: got %d, want 3 (2+2+final 1)", calls)
	}
	if len(events) != 5 || events[4].Sequence != 5 {
		t.Errorf("events: got %d", len(events))
	}
	if pw.LastPersisted() != 5 {
		t.Errorf("last persisted: got %d", pw.LastPersisted())
	}
}

func TestWorker_ForwardsOnlyPersistedOutputs(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	sink := &fakeSink{}
	in := make(chan core.CoreOutput, 8)
	fwd := make(chan core.CoreOutput, 2)
	pw := persistence.NewPersistenceWorker(sink, in, testWorkerConfig(3), metrics, zerolog.Nop()).
		WithForward(fwd)
	done := runWorker(pw)

	for seq := int64(1); seq <= 3; seq++ {
		in <- output(seq)
	}
	close(in)
	waitDone(t, done)

	if len(fwd) != 2 {
		t.Fatalf("forwarded: got %d, want 2", len(fwd))
	}
	if first := <-fwd; first.Envelopes[0].Sequence != 1 {
		t.Errorf("first forwarded sequence: got %d", first.Envelopes[0].Sequence)
	}
	if got := promtest.ToFloat64(metrics.PublishDrops); got != 1 {
		t.Errorf("drops: got %v, want 1", got)
	}
}

func TestWorker_RetriesUntilWritten(t *testing.T) {
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	sink := &fakeSink{failures: 2, err: &pq.Error{Code: "40001"}}
	in := make(chan core.CoreOutput, 1)
	pw := persistence.NewPersistenceWorker(sink, in, testWorkerConfig(1), metrics, zerolog.Nop())
	done := runWorker(pw)

	in <- output(1)
	close(in)
	waitDone(t, done)

	calls, events := sink.snapshot()
	if calls != 3 || len(events) != 1 {
		t.Errorf("calls=%d events=%d, want 3 and 1", calls, len(events))
	}
	if got := promtest.ToFloat64(metrics.PersistRetry); got != 2 {
		t.Errorf("retries: got %v", got)
	}
	if got := promtest.ToFloat64(metrics.PersistErrors.WithLabelValues("pg_40")); got != 2 {
		t.Errorf("pg_40 errors: got %v", got)
	}
	if got := promtest.ToFloat64(metrics.PersistLastSequence); got != 1 {
		t.Errorf("last sequence gauge: got %v", got)
	}
}

func TestWorker_SnapshotVerifiedOnceCovered(t *testing.T) {
	sink := &fakeSink{}
	store := &fakeSnapshotStore{}
	in := make(chan core.CoreOutput, 16)

	cfg := testWorkerConfig(2)
	cfg.SnapshotEvery = 2
	pw := persistence.NewPersistenceWorker(sink, in, cfg, nil, zerolog.Nop()).
		WithSnapshots(fixedSnapshotter{seq: 2}, store)
	done := runWorker(pw)

	in <- output(1)
	in <- output(2)

	deadline := time.Now().Add(5 * time.Second)
	for len(store.verifiedSeqs()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	close(in)
	waitDone(t, done)

	if got := store.verifiedSeqs(); len(got) != 1 || got[0] != 2 {
		t.Errorf("verified: got %v, want [2]", got)
	}
}

// ============================================================================
// Test: Recover
// ============================================================================

func TestRecover_ColdStartRebuildsCore(t *testing.T) {
	persist := make(chan core.CoreOutput, 1024)
	live, clock := newCore(t, persist)
	payer, payee := uuid.New(), uuid.New()

	if _, err := live.Reserve.Deposit(admin, payer, "USDT", 2_000_000); err != nil {
		t.Fatal(err)
	}
	compute(t, live, "40000")
	if _, err := live.Settlement.Settle(admin, btc, payer, payee); err != nil {
		t.Fatal(err)
	}
	clock.Advance(core.FundingInterval)
	compute(t, live, "41000")
	if _, err := live.Settlement.Settle(admin, btc, payer, payee); err != nil {
		t.Fatal(err)
	}

	src := &memSource{}
	src.add(drain(persist))

	fresh, _ := newCore(t, nil)
	res, err := persistence.Recover(context.Background(), src, fresh, 7, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}

	if res.LastSequence != live.GetSequence() || res.Replayed != int(live.GetSequence()) {
		t.Errorf("result %+v, live sequence %d", res, live.GetSequence())
	}
	if fresh.GetStateHash() != live.GetStateHash() {
		t.Error("state hash differs after recovery")
	}
	for _, acct := range []uuid.UUID{payer, payee} {
		want, _ := live.GetBalance(acct, "USDT")
		got, _ := fresh.GetBalance(acct, "USDT")
		if got != want {
			t.Errorf("balance %s: got %d, want %d", acct, got, want)
		}
	}

	r, err := fresh.Settlement.Settle(admin, btc, payer, payee)
	if err != nil {
		t.Fatal(err)
	}
	if r.Settled || r.Reason != core.NoopAlreadySettled {
		t.Errorf("recovered core settled twice: %+v", r)
	}
}

func TestRecover_FromSnapshotReplaysTail(t *testing.T) {
	persist := make(chan core.CoreOutput, 1024)
	live, _ := newCore(t, persist)
	payer, payee := uuid.New(), uuid.New()

	if _, err := live.Reserve.Deposit(admin, payer, "USDT", 2_000_000); err != nil {
		t.Fatal(err)
	}
	compute(t, live, "40000")

	snapBytes, err := json.Marshal(live.CreateSnapshotState())
	if err != nil {
		t.Fatal(err)
	}
	src := &memSource{snapshot: snapBytes}
	src.add(drain(persist))

	if _, err := live.Settlement.Settle(admin, btc, payer, payee); err != nil {
		t.Fatal(err)
	}
	src.add(drain(persist))

	fresh, _ := newCore(t, nil)
	res, err := persistence.Recover(context.Background(), src, fresh, 100, nil, zerolog.Nop())
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if res.SnapshotSequence == 0 || res.Replayed != 6 {
		t.Errorf("got %+v, want snapshot start and 6 replayed settlement events", res)
	}
	if fresh.GetStateHash() != live.GetStateHash() {
		t.Error("state hash differs after recovery")
	}
}

func TestRecover_TamperedLogAborts(t *testing.T) {
	persist := make(chan core.CoreOutput, 1024)
	live, _ := newCore(t, persist)
	compute(t, live, "40000")

	src := &memSource{}
	src.add(drain(persist))
	src.events[0].Payload = []byte(`{"market":"BTC-USDT-PERP","tampered":true}`)

	fresh, _ := newCore(t, nil)
	if _, err := persistence.Recover(context.Background(), src, fresh, 100, nil, zerolog.Nop()); err == nil {
		t.Fatal("expected hash chain error")
	}
}

// ============================================================================
// Test: Postgres (integration)
// ============================================================================

func TestPostgres_PersistAndRecover(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	persist := make(chan core.CoreOutput, 1024)
	live, _ := newCore(t, persist)
	payer, payee := uuid.New(), uuid.New()
	if _, err := live.Reserve.Deposit(admin, payer, "USDT", 2_000_000); err != nil {
		t.Fatal(err)
	}
	compute(t, live, "40000")
	if _, err := live.Settlement.Settle(admin, btc, payer, payee); err != nil {
		t.Fatal(err)
	}

	sink := persistence.NewPostgresSink(db)
	batch := &persistence.WriteBatch{}
	for _, o := range drain(persist) {
		events, journals, settlements := persistence.RowsFromOutput(o)
		batch.Events = append(batch.Events, events...)
		batch.Journals = append(batch.Journals, journals...)
		batch.Settlements = append(batch.Settlements, settlements...)
	}
	if err := sink.Write(ctx, batch); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sink.Write(ctx, batch); err != nil {
		t.Fatalf("rewrite should be idempotent: %v", err)
	}

	sm := persistence.NewSnapshotManager(db)
	if seq, err := sm.GetLatestSequence(ctx); err != nil || seq != live.GetSequence() {
		t.Errorf("latest sequence: got %d (%v), want %d", seq, err, live.GetSequence())
	}

	fresh, _ := newCore(t, nil)
	if _, err := persistence.Recover(ctx, sm, fresh, 3, nil, zerolog.Nop()); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if fresh.GetStateHash() != live.GetStateHash() {
		t.Error("state hash differs after recovery")
	}

	store := persistence.NewPostgresSettlementStore(db)
	ts, found, err := store.LastSettled(core.PairKey(btc, payer, payee))
	if err != nil || !found || ts != 1_700_000_000 {
		t.Errorf("LastSettled: ts=%d found=%v err=%v", ts, found, err)
	}
	if _, found, _ := store.LastSettled(core.PairKey(btc, payee, payer)); found {
		t.Error("reverse pair must not be found")
	}
}

func TestPostgres_SnapshotOnlyLoadedOnceVerified(t *testing.T) {
	testutil.RequireIntegration(t)
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()
	ctx := context.Background()

	live, _ := newCore(t, nil)
	compute(t, live, "40000")
	sm := persistence.NewSnapshotManager(db)

	if _, err := sm.SaveSnapshot(ctx, live.CreateSnapshotState()); err != nil {
		t.Fatal(err)
	}
	if snap, err := sm.LoadLatestSnapshot(ctx); err != nil || snap != nil {
		t.Fatalf("unverified snapshot loaded: %v %v", snap, err)
	}

	if err := sm.MarkVerified(ctx, live.GetSequence()); err != nil {
		t.Fatal(err)
	}
	snap, err := sm.LoadLatestSnapshot(ctx)
	if err != nil || snap == nil {
		t.Fatalf("LoadLatestSnapshot: %v", err)
	}
	if snap.StateHash != live.GetStateHash() {
		t.Error("snapshot state hash mismatch")
	}
}
