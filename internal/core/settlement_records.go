package core

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// SettlementStore is the durable tier of SettlementRecords (Postgres in production).
type SettlementStore interface {
	LastSettled(pairKey string) (timestamp int64, found bool, err error)
}

// SettlementRecords implements two-tier last-settled lookup:
// an in-memory map (hot path), then the optional store (cold path, after a
// restart without a snapshot). Entries are never evicted; a pair's mark is
// what prevents a second charge for the same rate.
type SettlementRecords struct {
	mu    sync.RWMutex
	marks map[string]int64 // pair key -> rate timestamp of the last settlement

	store SettlementStore

	storeHits   int64
	storeErrors int64
}

func NewSettlementRecords(store SettlementStore) *SettlementRecords {
	return &SettlementRecords{
		marks: make(map[string]int64),
		store: store,
	}
}

// PairKey identifies a (market, payer, payee) pair: "{market}:{payer}:{payee}".
// The pair is directional; (a, b) and (b, a) settle independently.
func PairKey(market string, payer, payee uuid.UUID) string {
	return fmt.Sprintf("%s:%s:%s", market, payer, payee)
}

// LastSettled returns the rate timestamp of the pair's last settlement, 0 if never.
// A store error is returned to the caller: settling without knowing the mark
// risks charging the same rate twice.
func (r *SettlementRecords) LastSettled(pairKey string) (int64, error) {
	r.mu.RLock()
	ts, ok := r.marks[pairKey]
	r.mu.RUnlock()
	if ok {
		return ts, nil
	}

	if r.store == nil {
		return 0, nil
	}

	ts, found, err := r.store.LastSettled(pairKey)
	if err != nil {
		r.mu.Lock()
		r.storeErrors++
		r.mu.Unlock()
		return 0, fmt.Errorf("settlement record lookup %s: %w", pairKey, err)
	}
	if !found {
		return 0, nil
	}

	r.mu.Lock()
	r.storeHits++
	// Cache so we don't hit the store again. Never move a mark backwards.
	if cur, ok := r.marks[pairKey]; !ok || ts > cur {
		r.marks[pairKey] = ts
	}
	ts = r.marks[pairKey]
	r.mu.Unlock()
	return ts, nil
}

// Record moves the pair's mark forward. Older timestamps are ignored (replay).
func (r *SettlementRecords) Record(pairKey string, timestamp int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.marks[pairKey]; !ok || timestamp > cur {
		r.marks[pairKey] = timestamp
	}
}

// All returns a copy of every mark (for snapshot creation).
func (r *SettlementRecords) All() map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int64, len(r.marks))
	for k, v := range r.marks {
		out[k] = v
	}
	return out
}

// Restore loads marks from a snapshot.
func (r *SettlementRecords) Restore(marks map[string]int64) {
	for k, v := range marks {
		r.Record(k, v)
	}
}

// Size returns the number of pairs in memory.
func (r *SettlementRecords) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.marks)
}

// StoreStats returns cold-path hits and errors.
func (r *SettlementRecords) StoreStats() (hits, errors int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.storeHits, r.storeErrors
}
