package projection

import (
	"context"
	"sort"
	"sync/atomic"

	"ABRLedger/internal/core"
	"ABRLedger/internal/ledger"
	"ABRLedger/internal/observability"

	"github.com/rs/zerolog"
)

// BalanceDelta is the net change of one account within one output.
type BalanceDelta struct {
	AccountPath string
	AssetID     int64
	Delta       int64
}

// Update is what one core output changes in the projection tables.
type Update struct {
	Sequence int64 // Last envelope sequence of the output
	Balances []BalanceDelta
	History  []SettlementHistoryEntry
}

// BuildUpdate derives the projection update for one output.
// Debits increase a balance and credits decrease it, as in the ledger.
func BuildUpdate(out core.CoreOutput) (Update, error) {
	var u Update
	if n := len(out.Envelopes); n > 0 {
		u.Sequence = out.Envelopes[n-1].Sequence
	}

	if out.Batch != nil {
		net := make(map[ledger.AccountKey]int64, 2*len(out.Batch.Journals))
		for _, j := range out.Batch.Journals {
			net[j.DebitAccount] += j.Amount
			net[j.CreditAccount] -= j.Amount
		}
		for key, delta := range net {
			if delta == 0 {
				continue
			}
			u.Balances = append(u.Balances, BalanceDelta{
				AccountPath: key.AccountPath(),
				AssetID:     int64(key.AssetID),
				Delta:       delta,
			})
		}
		sort.Slice(u.Balances, func(i, j int) bool {
			return u.Balances[i].AccountPath < u.Balances[j].AccountPath
		})
	}

	history, err := historyEntries(out)
	if err != nil {
		return Update{}, err
	}
	u.History = history
	return u, nil
}

// Store applies projection updates, each in one transaction together with
// the watermark.
type Store interface {
	Apply(ctx context.Context, u Update) error
}

// ProjectionWorker updates the projection tables from core outputs.
// The core drops outputs when this worker's channel is full; a gap is logged
// and the tables are repaired by RebuildProjections on the next start.
type ProjectionWorker struct {
	store     Store
	inputChan <-chan core.CoreOutput
	lastSeq   atomic.Int64
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func NewProjectionWorker(
	store Store,
	inputChan <-chan core.CoreOutput,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ProjectionWorker {
	return &ProjectionWorker{
		store:     store,
		inputChan: inputChan,
		metrics:   metrics,
		logger:    logger,
	}
}

// SetWatermark positions the worker after a rebuild. Outputs at or below
// seq are skipped.
func (pw *ProjectionWorker) SetWatermark(seq int64) {
	pw.lastSeq.Store(seq)
}

// LastSequence returns the last sequence applied to the projections.
func (pw *ProjectionWorker) LastSequence() int64 {
	return pw.lastSeq.Load()
}

// Run consumes outputs until ctx is cancelled or the channel is closed.
func (pw *ProjectionWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case out, ok := <-pw.inputChan:
			if !ok {
				return nil
			}
			pw.process(ctx, out)
		}
	}
}

func (pw *ProjectionWorker) process(ctx context.Context, out core.CoreOutput) {
	if len(out.Envelopes) == 0 {
		return
	}
	first := out.Envelopes[0].Sequence
	last := out.Envelopes[len(out.Envelopes)-1].Sequence

	prev := pw.lastSeq.Load()
	if last <= prev {
		return
	}
	if first != prev+1 {
		pw.logger.Warn().
			Int64("expected", prev+1).
			Int64("got", first).
			Msg("projection gap, rebuild required")
		if pw.metrics != nil {
			pw.metrics.ProjectionDrops.WithLabelValues("gap").Inc()
		}
	}

	u, err := BuildUpdate(out)
	if err == nil {
		err = pw.store.Apply(ctx, u)
	}
	if err != nil {
		pw.logger.Warn().Err(err).Int64("sequence", last).Msg("projection update failed")
		if pw.metrics != nil {
			pw.metrics.ProjectionDrops.WithLabelValues("apply_error").Inc()
		}
	}

	pw.lastSeq.Store(last)
}
