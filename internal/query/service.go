package query

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"sort"

	"ABRLedger/internal/core"
	"ABRLedger/internal/event"
	"ABRLedger/internal/ledger"
	"ABRLedger/internal/persistence"
	"ABRLedger/internal/projection"
	"ABRLedger/internal/state"

	"github.com/google/uuid"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 500

	integrityPageSize = 5_000
	maxReportedBreaks = 10
)

// ProjectionReader reads the projection tables.
// projection.PostgresStore is the production implementation.
type ProjectionReader interface {
	Watermark(ctx context.Context) (int64, error)
	ProjectedBalance(ctx context.Context, accountPath string, assetID int64) (balance, lastSequence int64, err error)
	SettlementHistory(ctx context.Context, account uuid.UUID, limit int) ([]projection.SettlementHistoryEntry, error)
	AssetTotals(ctx context.Context) (map[int64]int64, error)
}

// EventReader pages through the event log.
type EventReader interface {
	LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]persistence.EventRow, error)
}

// QueryService provides read-only access to the projections and the event
// log. Responses carry as_of_sequence, the projection watermark they reflect.
type QueryService struct {
	registry    state.MarketRegistry
	projections ProjectionReader
	events      EventReader
	db          *sql.DB // journal history; nil disables it
}

func NewQueryService(registry state.MarketRegistry, projections ProjectionReader, events EventReader, db *sql.DB) *QueryService {
	return &QueryService{
		registry:    registry,
		projections: projections,
		events:      events,
		db:          db,
	}
}

// GetBalance returns a user's projected collateral balance in asset.
func (qs *QueryService) GetBalance(ctx context.Context, account uuid.UUID, asset string) (*BalanceResponse, error) {
	assetID, ok := ledger.GetAssetID(asset)
	if !ok {
		return nil, fmt.Errorf("%w: %q", core.ErrUnknownAsset, asset)
	}

	asOf, err := qs.projections.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	path := ledger.NewUserAccountKey(account, ledger.SubTypeCollateral, assetID).AccountPath()
	balance, lastSeq, err := qs.projections.ProjectedBalance(ctx, path, int64(assetID))
	if err != nil {
		return nil, err
	}

	return &BalanceResponse{
		Account:      account,
		Asset:        asset,
		Balance:      balance,
		LastSequence: lastSeq,
		AsOfSequence: asOf,
	}, nil
}

// GetReserveBalance returns a market's projected reserve balance.
func (qs *QueryService) GetReserveBalance(ctx context.Context, market string) (*ReserveBalanceResponse, error) {
	m, ok := qs.registry.Lookup(market)
	if !ok {
		return nil, fmt.Errorf("%w: %q", state.ErrUnknownMarket, market)
	}

	asOf, err := qs.projections.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	path := ledger.NewReserveAccountKey(m.ID, m.AssetID).AccountPath()
	balance, lastSeq, err := qs.projections.ProjectedBalance(ctx, path, int64(m.AssetID))
	if err != nil {
		return nil, err
	}

	return &ReserveBalanceResponse{
		Market:       m.ID,
		Asset:        m.SettlementAsset,
		Balance:      balance,
		LastSequence: lastSeq,
		AsOfSequence: asOf,
	}, nil
}

// GetSettlementHistory returns an account's settlements, newest first.
func (qs *QueryService) GetSettlementHistory(ctx context.Context, account uuid.UUID, limit int) (*SettlementHistoryResponse, error) {
	asOf, err := qs.projections.Watermark(ctx)
	if err != nil {
		return nil, fmt.Errorf("watermark: %w", err)
	}

	entries, err := qs.projections.SettlementHistory(ctx, account, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []projection.SettlementHistoryEntry{}
	}

	return &SettlementHistoryResponse{
		Account:      account,
		Entries:      entries,
		AsOfSequence: asOf,
	}, nil
}

// GetJournalHistory returns the journal entries touching a user, newest
// first. afterSequence pages backwards: only entries below it are returned.
func (qs *QueryService) GetJournalHistory(
	ctx context.Context,
	account uuid.UUID,
	limit int,
	afterSequence *int64,
) ([]JournalHistoryEntry, error) {
	if qs.db == nil {
		return nil, fmt.Errorf("journal history unavailable")
	}

	accountPrefix := fmt.Sprintf("user:%s:%%", account)

	query := `
		SELECT journal_id, batch_id, event_ref, sequence,
		       debit_account, credit_account, asset_id, amount, journal_type, timestamp
		FROM event_log.journal
		WHERE (debit_account LIKE $1 OR credit_account LIKE $1)
	`
	args := []any{accountPrefix}
	argIdx := 2

	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, clampLimit(limit))

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalHistoryEntry
	for rows.Next() {
		var (
			e           JournalHistoryEntry
			journalType int32
		)
		if err := rows.Scan(
			&e.JournalID, &e.BatchID, &e.EventRef, &e.Sequence,
			&e.DebitAccount, &e.CreditAccount, &e.AssetID, &e.Amount,
			&journalType, &e.Timestamp,
		); err != nil {
			return nil, err
		}
		e.JournalType = ledger.JournalType(journalType).String()
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity recomputes the hash chain over the whole event log from
// genesis and checks that projected balances sum to zero per asset.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	tip := core.GenesisHash()
	next := int64(1)
	for {
		rows, err := qs.events.LoadEventsFrom(ctx, next, integrityPageSize)
		if err != nil {
			return nil, fmt.Errorf("load events from %d: %w", next, err)
		}

		for _, row := range rows {
			env, err := row.Envelope()
			if err == nil && env.Sequence != next {
				err = fmt.Errorf("sequence gap: expected %d, got %d", next, env.Sequence)
			}
			if err == nil {
				_, err = core.VerifyChain(tip, []*event.EventEnvelope{env})
			}

			if err != nil {
				if len(report.HashChainBreaks) < maxReportedBreaks {
					report.HashChainBreaks = append(report.HashChainBreaks, row.Sequence)
				}
			} else {
				report.EventsVerified++
			}

			// Continue from the stored hash so later breaks are found too.
			if env != nil {
				tip = env.StateHash
			}
			next = row.Sequence + 1
		}

		if len(rows) < integrityPageSize {
			break
		}
	}
	report.ChainTip = hex.EncodeToString(tip[:])

	totals, err := qs.projections.AssetTotals(ctx)
	if err != nil {
		return nil, fmt.Errorf("asset totals: %w", err)
	}
	for asset, total := range totals {
		if total != 0 {
			report.UnbalancedAssets = append(report.UnbalancedAssets, UnbalancedAsset{
				AssetID:   asset,
				Imbalance: total,
			})
		}
	}
	sort.Slice(report.UnbalancedAssets, func(i, j int) bool {
		return report.UnbalancedAssets[i].AssetID < report.UnbalancedAssets[j].AssetID
	})

	report.IsHealthy = len(report.HashChainBreaks) == 0 && len(report.UnbalancedAssets) == 0
	return report, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}
