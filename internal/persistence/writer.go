package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"ABRLedger/internal/core"
	"ABRLedger/internal/event"
	"ABRLedger/internal/ledger"

	"github.com/google/uuid"
)

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// EventLogWriter writes events, journals and settlement marks using multi-row
// INSERTs. Every write is idempotent so a retried batch is harmless.
type EventLogWriter struct{}

// EventRow represents a row in event_log.events
type EventRow struct {
	Sequence       int64
	EventType      string
	IdempotencyKey string
	MarketID       *string
	Payload        []byte // JSON-encoded event payload
	StateHash      []byte
	PrevHash       []byte
	Timestamp      time.Time
	SourceSequence int64
}

// JournalRow represents a row in event_log.journal
type JournalRow struct {
	JournalID     string
	BatchID       string
	EventRef      string
	Sequence      int64
	DebitAccount  string
	CreditAccount string
	AssetID       int64
	Amount        int64
	JournalType   int32
	Timestamp     int64
}

// SettlementRow represents a row in event_log.settlements
type SettlementRow struct {
	PairKey   string
	MarketID  string
	Payer     string
	Payee     string
	Epoch     int64
	Timestamp int64
	Amount    int64
	Sequence  int64
}

func NewEventLogWriter() *EventLogWriter {
	return &EventLogWriter{}
}

// WriteEventBatch writes a batch of events to event_log.events.
func (w *EventLogWriter) WriteEventBatch(ctx context.Context, db execer, events []EventRow) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 9
	args := make([]any, 0, len(events)*cols)
	for _, e := range events {
		args = append(args,
			e.Sequence, e.EventType, e.IdempotencyKey, e.MarketID,
			e.Payload, e.StateHash, e.PrevHash, e.Timestamp, e.SourceSequence,
		)
	}

	query := `INSERT INTO event_log.events
		(sequence, event_type, idempotency_key, market_id, payload, state_hash, prev_hash, timestamp, source_sequence)
		VALUES ` + placeholders(len(events), cols) +
		` ON CONFLICT (sequence) DO NOTHING`

	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// WriteJournalBatch writes a batch of journal entries to event_log.journal.
func (w *EventLogWriter) WriteJournalBatch(ctx context.Context, db execer, journals []JournalRow) error {
	if len(journals) == 0 {
		return nil
	}

	const cols = 10
	args := make([]any, 0, len(journals)*cols)
	for _, j := range journals {
		args = append(args,
			j.JournalID, j.BatchID, j.EventRef, j.Sequence,
			j.DebitAccount, j.CreditAccount, j.AssetID, j.Amount,
			j.JournalType, j.Timestamp,
		)
	}

	query := `INSERT INTO event_log.journal
		(journal_id, batch_id, event_ref, sequence, debit_account, credit_account, asset_id, amount, journal_type, timestamp)
		VALUES ` + placeholders(len(journals), cols) +
		` ON CONFLICT (journal_id) DO NOTHING`

	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// WriteSettlementBatch upserts last-settled marks. A row only moves forward:
// an older timestamp never replaces a newer one.
func (w *EventLogWriter) WriteSettlementBatch(ctx context.Context, db execer, rows []SettlementRow) error {
	rows = latestPerPair(rows)
	if len(rows) == 0 {
		return nil
	}

	const cols = 8
	args := make([]any, 0, len(rows)*cols)
	for _, r := range rows {
		args = append(args,
			r.PairKey, r.MarketID, r.Payer, r.Payee,
			r.Epoch, r.Timestamp, r.Amount, r.Sequence,
		)
	}

	query := `INSERT INTO event_log.settlements
		(pair_key, market_id, payer, payee, epoch, timestamp, amount, sequence)
		VALUES ` + placeholders(len(rows), cols) + `
		ON CONFLICT (pair_key) DO UPDATE SET
			epoch = EXCLUDED.epoch,
			timestamp = EXCLUDED.timestamp,
			amount = EXCLUDED.amount,
			sequence = EXCLUDED.sequence
		WHERE event_log.settlements.timestamp < EXCLUDED.timestamp`

	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// latestPerPair keeps one row per pair key, the one with the newest
// timestamp. Postgres rejects an upsert touching the same row twice.
func latestPerPair(rows []SettlementRow) []SettlementRow {
	if len(rows) < 2 {
		return rows
	}

	idx := make(map[string]int, len(rows))
	out := make([]SettlementRow, 0, len(rows))
	for _, r := range rows {
		i, seen := idx[r.PairKey]
		if !seen {
			idx[r.PairKey] = len(out)
			out = append(out, r)
			continue
		}
		if r.Timestamp > out[i].Timestamp {
			out[i] = r
		}
	}
	return out
}

// placeholders renders "($1, $2), ($3, $4)" for n rows of cols columns.
func placeholders(n, cols int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for c := 0; c < cols; c++ {
			if c > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "$%d", i*cols+c+1)
		}
		b.WriteByte(')')
	}
	return b.String()
}

// ============================================================================
// Row conversion
// ============================================================================

func EventRowFromEnvelope(env *event.EventEnvelope) EventRow {
	return EventRow{
		Sequence:       env.Sequence,
		EventType:      env.EventType.String(),
		IdempotencyKey: env.IdempotencyKey,
		MarketID:       env.MarketID,
		Payload:        env.Payload,
		StateHash:      env.StateHash[:],
		PrevHash:       env.PrevHash[:],
		Timestamp:      env.Timestamp,
		SourceSequence: env.SourceSequence,
	}
}

// Envelope rebuilds the envelope a row was written from.
func (r EventRow) Envelope() (*event.EventEnvelope, error) {
	et, err := event.ParseEventType(r.EventType)
	if err != nil {
		return nil, fmt.Errorf("sequence %d: %w", r.Sequence, err)
	}
	if len(r.StateHash) != 32 || len(r.PrevHash) != 32 {
		return nil, fmt.Errorf("sequence %d: malformed hash", r.Sequence)
	}

	env := &event.EventEnvelope{
		Sequence:       r.Sequence,
		IdempotencyKey: r.IdempotencyKey,
		EventType:      et,
		MarketID:       r.MarketID,
		Timestamp:      r.Timestamp.UTC(),
		SourceSequence: r.SourceSequence,
		Payload:        r.Payload,
	}
	copy(env.StateHash[:], r.StateHash)
	copy(env.PrevHash[:], r.PrevHash)
	return env, nil
}

func JournalRowFromJournal(j ledger.Journal) JournalRow {
	return JournalRow{
		JournalID:     j.JournalID.String(),
		BatchID:       j.BatchID.String(),
		EventRef:      j.EventRef,
		Sequence:      j.Sequence,
		DebitAccount:  j.DebitAccount.AccountPath(),
		CreditAccount: j.CreditAccount.AccountPath(),
		AssetID:       int64(j.AssetID),
		Amount:        j.Amount,
		JournalType:   int32(j.JournalType),
		Timestamp:     j.Timestamp,
	}
}

// Journal rebuilds the ledger entry a row was written from.
func (r JournalRow) Journal() (ledger.Journal, error) {
	journalID, err := uuid.Parse(r.JournalID)
	if err != nil {
		return ledger.Journal{}, fmt.Errorf("journal id: %w", err)
	}
	batchID, err := uuid.Parse(r.BatchID)
	if err != nil {
		return ledger.Journal{}, fmt.Errorf("batch id: %w", err)
	}
	debit, err := ledger.ParseAccountPath(r.DebitAccount)
	if err != nil {
		return ledger.Journal{}, err
	}
	credit, err := ledger.ParseAccountPath(r.CreditAccount)
	if err != nil {
		return ledger.Journal{}, err
	}

	return ledger.Journal{
		JournalID:     journalID,
		BatchID:       batchID,
		EventRef:      r.EventRef,
		Sequence:      r.Sequence,
		DebitAccount:  debit,
		CreditAccount: credit,
		AssetID:       ledger.AssetID(r.AssetID),
		Amount:        r.Amount,
		JournalType:   ledger.JournalType(r.JournalType),
		Timestamp:     r.Timestamp,
	}, nil
}

func SettlementRowFromRecord(rec *core.SettlementRecord) SettlementRow {
	return SettlementRow{
		PairKey:   rec.PairKey,
		MarketID:  rec.Market,
		Payer:     rec.Payer.String(),
		Payee:     rec.Payee.String(),
		Epoch:     rec.Epoch,
		Timestamp: rec.Timestamp,
		Amount:    rec.Amount,
		Sequence:  rec.Sequence,
	}
}

// RowsFromOutput flattens one core output into its table rows.
func RowsFromOutput(out core.CoreOutput) ([]EventRow, []JournalRow, []SettlementRow) {
	events := make([]EventRow, 0, len(out.Envelopes))
	for _, env := range out.Envelopes {
		events = append(events, EventRowFromEnvelope(env))
	}

	var journals []JournalRow
	if out.Batch != nil {
		journals = make([]JournalRow, 0, len(out.Batch.Journals))
		for _, j := range out.Batch.Journals {
			journals = append(journals, JournalRowFromJournal(j))
		}
	}

	var settlements []SettlementRow
	if out.Settlement != nil {
		settlements = []SettlementRow{SettlementRowFromRecord(out.Settlement)}
	}
	return events, journals, settlements
}
