package persistence

import (
	"context"
	"fmt"
	"time"

	"ABRLedger/internal/core"
	"ABRLedger/internal/event"
	"ABRLedger/internal/ledger"
	"ABRLedger/internal/observability"

	"github.com/rs/zerolog"
)

// EventSource reads back what the persistence worker wrote.
// SnapshotManager is the Postgres implementation.
type EventSource interface {
	LoadLatestSnapshot(ctx context.Context) (*core.SnapshotState, error)
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error)
	LoadJournalsBetween(ctx context.Context, from, to int64) ([]JournalRow, error)
}

// Replayer is the state being rebuilt, normally a fresh *core.Core.
type Replayer interface {
	RestoreFromSnapshot(snap *core.SnapshotState)
	Replay(env *event.EventEnvelope, batch *ledger.Batch) error
	GetSequence() int64
}

type RecoveryResult struct {
	SnapshotSequence int64 // 0 on a cold start
	Replayed         int
	LastSequence     int64
	Duration         time.Duration
}

// Recover loads the latest verified snapshot, then replays the event log
// after it page by page. Each envelope is checked against the hash chain
// before it is applied; a break or gap aborts recovery.
func Recover(
	ctx context.Context,
	src EventSource,
	r Replayer,
	pageSize int,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) (RecoveryResult, error) {
	start := time.Now()
	var res RecoveryResult

	if pageSize <= 0 {
		pageSize = 10_000
	}

	snap, err := src.LoadLatestSnapshot(ctx)
	if err != nil {
		return res, err
	}
	if snap != nil {
		r.RestoreFromSnapshot(snap)
		res.SnapshotSequence = snap.Sequence
	}

	next := r.GetSequence() + 1
	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		rows, err := src.LoadEventsFrom(ctx, next, pageSize)
		if err != nil {
			return res, fmt.Errorf("load events from %d: %w", next, err)
		}
		if len(rows) == 0 {
			break
		}

		last := rows[len(rows)-1].Sequence
		journals, err := src.LoadJournalsBetween(ctx, rows[0].Sequence, last)
		if err != nil {
			return res, fmt.Errorf("load journals %d..%d: %w", rows[0].Sequence, last, err)
		}
		batches, err := BuildBatches(journals)
		if err != nil {
			return res, err
		}

		for _, row := range rows {
			env, err := row.Envelope()
			if err != nil {
				return res, err
			}
			if err := r.Replay(env, batches[env.Sequence]); err != nil {
				return res, err
			}
			res.Replayed++
		}

		next = last + 1
		if len(rows) < pageSize {
			break
		}
	}

	res.LastSequence = r.GetSequence()
	res.Duration = time.Since(start)
	if metrics != nil {
		metrics.ReplayDuration.Set(res.Duration.Seconds())
	}

	logger.Info().
		Int64("snapshot_sequence", res.SnapshotSequence).
		Int("replayed", res.Replayed).
		Int64("last_sequence", res.LastSequence).
		Dur("duration", res.Duration).
		Msg("recovery complete")

	return res, nil
}

// BuildBatches groups journal rows into the batches they were written from,
// keyed by the sequence each batch was stamped with.
func BuildBatches(rows []JournalRow) (map[int64]*ledger.Batch, error) {
	batches := make(map[int64]*ledger.Batch)
	for _, row := range rows {
		j, err := row.Journal()
		if err != nil {
			return nil, fmt.Errorf("journal at sequence %d: %w", row.Sequence, err)
		}

		b, ok := batches[j.Sequence]
		if !ok {
			b = &ledger.Batch{
				BatchID:   j.BatchID,
				EventRef:  j.EventRef,
				Sequence:  j.Sequence,
				Timestamp: j.Timestamp,
			}
			batches[j.Sequence] = b
		}
		if b.BatchID != j.BatchID {
			return nil, fmt.Errorf("sequence %d carries journals from batches %s and %s", j.Sequence, b.BatchID, j.BatchID)
		}
		b.Journals = append(b.Journals, j)
	}
	return batches, nil
}
