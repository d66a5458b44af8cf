package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const watermarkID = "main"

// PostgresStore keeps the projections schema: balances, settlement history
// and the watermark.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Apply(ctx context.Context, u Update) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, b := range u.Balances {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (account_path, asset_id)
			DO UPDATE SET balance = projections.balances.balance + $3, last_sequence = $4
		`, b.AccountPath, b.AssetID, b.Delta, u.Sequence); err != nil {
			return fmt.Errorf("balance projection: %w", err)
		}
	}

	for _, h := range u.History {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projections.settlement_history
				(sequence, account, counterparty, market_id, epoch, delta, rate_timestamp)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (sequence, account) DO NOTHING
		`, h.Sequence, h.Account, h.Counterparty, h.Market, h.Epoch, h.Delta, h.RateTimestamp); err != nil {
			return fmt.Errorf("settlement history projection: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (worker_id) DO UPDATE
			SET last_sequence = GREATEST(projections.watermark.last_sequence, $2), updated_at = NOW()
	`, watermarkID, u.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

// Watermark returns the last sequence reflected in the projections.
func (s *PostgresStore) Watermark(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_sequence FROM projections.watermark WHERE worker_id = $1`, watermarkID,
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return seq, err
}

// ProjectedBalance returns an account's projected balance and the sequence
// that last changed it. Unknown accounts read as zero.
func (s *PostgresStore) ProjectedBalance(ctx context.Context, accountPath string, assetID int64) (int64, int64, error) {
	var balance, lastSeq int64
	err := s.db.QueryRowContext(ctx, `
		SELECT balance, last_sequence FROM projections.balances
		WHERE account_path = $1 AND asset_id = $2
	`, accountPath, assetID).Scan(&balance, &lastSeq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	return balance, lastSeq, err
}

// SettlementHistory returns an account's settlements, newest first.
func (s *PostgresStore) SettlementHistory(ctx context.Context, account uuid.UUID, limit int) ([]SettlementHistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, account, counterparty, market_id, epoch, delta, rate_timestamp
		FROM projections.settlement_history
		WHERE account = $1
		ORDER BY sequence DESC
		LIMIT $2
	`, account, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SettlementHistoryEntry
	for rows.Next() {
		var h SettlementHistoryEntry
		if err := rows.Scan(&h.Sequence, &h.Account, &h.Counterparty, &h.Market, &h.Epoch, &h.Delta, &h.RateTimestamp); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// AssetTotals sums projected balances per asset. Every asset sums to zero
// when the projections are consistent.
func (s *PostgresStore) AssetTotals(ctx context.Context) (map[int64]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT asset_id, SUM(balance) FROM projections.balances GROUP BY asset_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	totals := make(map[int64]int64)
	for rows.Next() {
		var asset, total int64
		if err := rows.Scan(&asset, &total); err != nil {
			return nil, err
		}
		totals[asset] = total
	}
	return totals, rows.Err()
}

// RebuildProjections rebuilds every projection table from the event log and
// returns the new watermark.
func RebuildProjections(ctx context.Context, db *sql.DB, logger zerolog.Logger) (int64, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`TRUNCATE projections.balances`,
		`TRUNCATE projections.settlement_history`,
		`DELETE FROM projections.watermark WHERE worker_id = 'main'`,
	} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return 0, fmt.Errorf("truncate: %w", err)
		}
	}

	// Debits add, credits subtract.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.balances (account_path, asset_id, balance, last_sequence)
		SELECT account_path, asset_id, SUM(delta), MAX(sequence)
		FROM (
			SELECT debit_account AS account_path, asset_id, amount AS delta, sequence FROM event_log.journal
			UNION ALL
			SELECT credit_account, asset_id, -amount, sequence FROM event_log.journal
		) legs
		GROUP BY account_path, asset_id
	`); err != nil {
		return 0, fmt.Errorf("rebuild balances: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.settlement_history
			(sequence, account, counterparty, market_id, epoch, delta, rate_timestamp)
		SELECT
			sequence,
			(payload->>'account')::uuid,
			(CASE WHEN payload->>'account' = payload->>'payer'
				THEN payload->>'payee' ELSE payload->>'payer' END)::uuid,
			payload->>'market',
			(payload->>'epoch')::bigint,
			(payload->>'delta')::bigint,
			(payload->>'timestamp')::bigint
		FROM event_log.events
		WHERE event_type = 'AccountSettled'
	`); err != nil {
		return 0, fmt.Errorf("rebuild settlement history: %w", err)
	}

	var watermark int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) FROM event_log.events`,
	).Scan(&watermark); err != nil {
		return 0, fmt.Errorf("read watermark: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ($1, $2, NOW())
	`, watermarkID, watermark); err != nil {
		return 0, fmt.Errorf("write watermark: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	logger.Info().Int64("watermark", watermark).Msg("projection rebuild complete")
	return watermark, nil
}
