package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresSettlementStore answers last-settled lookups from event_log.settlements.
// It backs the in-memory settlement records for pairs not seen since startup.
type PostgresSettlementStore struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresSettlementStore(db *sql.DB) *PostgresSettlementStore {
	return &PostgresSettlementStore{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// LastSettled returns the rate timestamp a pair was last settled at.
func (s *PostgresSettlementStore) LastSettled(pairKey string) (int64, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	var ts int64
	err := s.db.QueryRowContext(ctx,
		`SELECT timestamp FROM event_log.settlements WHERE pair_key = $1`,
		pairKey,
	).Scan(&ts)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return ts, true, nil
}
