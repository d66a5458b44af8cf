package core

import (
	"errors"
	"fmt"

	"ABRLedger/internal/event"
	"ABRLedger/internal/ledger"
	fpmath "ABRLedger/internal/math"
	"ABRLedger/internal/observability"
	"ABRLedger/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var ErrSelfSettlement = errors.New("payer and payee are the same account")

// BalanceLedger is the balance store settlements and reserve operations write to.
// Debits and credits are expressed as journal batches so that one payment is
// applied all-or-nothing.
type BalanceLedger interface {
	GetBalance(key ledger.AccountKey) int64
	ValidateSufficientAvailable(userID uuid.UUID, assetID ledger.AssetID, required int64) error
	ApplyBatch(batch *ledger.Batch) error
}

// No-op reasons reported in SettlementResult.Reason.
const (
	NoopRateNotComputed = "rate_not_computed"
	NoopAlreadySettled  = "already_settled"
)

// SettlementPair is one (payer, payee) pair of a batch settlement.
type SettlementPair struct {
	Payer uuid.UUID `json:"payer"`
	Payee uuid.UUID `json:"payee"`
}

// SettlementResult describes what one Settle call did.
// From/To are the accounts funds actually moved between; they are the
// reverse of Payer/Payee when the rate is negative.
type SettlementResult struct {
	Market    string       `json:"market"`
	Payer     uuid.UUID    `json:"payer"`
	Payee     uuid.UUID    `json:"payee"`
	From      uuid.UUID    `json:"from"`
	To        uuid.UUID    `json:"to"`
	Amount    int64        `json:"amount"` // Ledger units moved, never negative
	Rate      fpmath.Fixed `json:"rate"`
	Price     fpmath.Fixed `json:"price"`
	Epoch     int64        `json:"epoch"`
	Timestamp int64        `json:"timestamp"` // Rate timestamp, unix seconds
	Settled   bool         `json:"settled"`
	Reason    string       `json:"reason,omitempty"` // Set when Settled is false
}

// SettlementEngine moves the funding payment for the latest rate of a market
// between two accounts, at most once per (market, payer, payee) and rate.
type SettlementEngine struct {
	registry   state.MarketRegistry
	auth       state.Authorizer
	book       *state.RateBook
	locks      *state.KeyedMutex
	balances   BalanceLedger
	journalGen *ledger.JournalGenerator
	records    *SettlementRecords
	clock      Clock
	emitter    *Emitter
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

func NewSettlementEngine(
	registry state.MarketRegistry,
	auth state.Authorizer,
	book *state.RateBook,
	locks *state.KeyedMutex,
	balances BalanceLedger,
	records *SettlementRecords,
	clock Clock,
	emitter *Emitter,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *SettlementEngine {
	return &SettlementEngine{
		registry:   registry,
		auth:       auth,
		book:       book,
		locks:      locks,
		balances:   balances,
		journalGen: ledger.NewJournalGenerator(balances),
		records:    records,
		clock:      clock,
		emitter:    emitter,
		metrics:    metrics,
		logger:     logger,
	}
}

// Settle charges payer the funding for the market's latest rate and pays it
// to payee, routed through the market's ABR reserve.
//
// It is a no-op (Settled == false, nil error) when the market was never
// computed or the pair already settled this rate.
func (se *SettlementEngine) Settle(caller, market string, payer, payee uuid.UUID) (*SettlementResult, error) {
	m, err := se.authorize(caller, market)
	if err != nil {
		return nil, err
	}
	if payer == payee {
		se.count(market, "rejected")
		return nil, fmt.Errorf("%w: %s", ErrSelfSettlement, payer)
	}

	unlock := se.locks.Lock(market)
	defer unlock()

	return se.settleLocked(m, payer, payee)
}

// SettleBatch settles pairs in order under one market lock. It stops at the
// first failure and returns the results of the pairs before it.
func (se *SettlementEngine) SettleBatch(caller, market string, pairs []SettlementPair) ([]*SettlementResult, error) {
	m, err := se.authorize(caller, market)
	if err != nil {
		return nil, err
	}

	unlock := se.locks.Lock(market)
	defer unlock()

	results := make([]*SettlementResult, 0, len(pairs))
	for i, p := range pairs {
		if p.Payer == p.Payee {
			se.count(market, "rejected")
			return results, fmt.Errorf("pair %d: %w: %s", i, ErrSelfSettlement, p.Payer)
		}
		res, err := se.settleLocked(m, p.Payer, p.Payee)
		if err != nil {
			return results, fmt.Errorf("pair %d: %w", i, err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (se *SettlementEngine) authorize(caller, market string) (state.Market, error) {
	if !se.auth.IsAuthorized(caller, state.ActionSettle) {
		se.logger.Warn().Str("caller", caller).Str("market", market).Msg("unauthorized settlement")
		se.count("unknown", "unauthorized")
		return state.Market{}, fmt.Errorf("%w: %q may not %s", state.ErrUnauthorized, caller, state.ActionSettle)
	}
	m, ok := se.registry.Lookup(market)
	if !ok {
		se.count("unknown", "unknown_market")
		return state.Market{}, fmt.Errorf("%w: %s", state.ErrUnknownMarket, market)
	}
	return m, nil
}

// settleLocked runs with the market lock held.
func (se *SettlementEngine) settleLocked(m state.Market, payer, payee uuid.UUID) (*SettlementResult, error) {
	rs := se.book.GetRate(m.ID)
	res := &SettlementResult{
		Market:    m.ID,
		Payer:     payer,
		Payee:     payee,
		From:      payer,
		To:        payee,
		Rate:      rs.LastRate,
		Price:     rs.LastPrice,
		Epoch:     rs.Epoch,
		Timestamp: rs.LastTimestamp,
	}

	if !rs.Computed() {
		res.Reason = NoopRateNotComputed
		se.count(m.ID, "noop")
		return res, nil
	}

	pairKey := PairKey(m.ID, payer, payee)
	last, err := se.records.LastSettled(pairKey)
	if err != nil {
		se.count(m.ID, "error")
		return nil, err
	}
	if rs.LastTimestamp <= last {
		res.Reason = NoopAlreadySettled
		se.count(m.ID, "noop")
		return res, nil
	}

	product, err := rs.LastPrice.Mul(rs.LastRate)
	if err != nil {
		se.count(m.ID, "error")
		return nil, fmt.Errorf("settlement amount for %s: %w", m.ID, err)
	}
	units, err := product.ToScaled(m.QuoteScale)
	if err != nil {
		se.count(m.ID, "error")
		return nil, fmt.Errorf("settlement amount for %s: %w", m.ID, err)
	}

	signed := units
	if units < 0 {
		// Negative rate: the payee pays the payer.
		res.From, res.To = payee, payer
		units = -units
	}
	res.Amount = units

	leg := event.SettlementLeg{
		Market:    m.ID,
		Payer:     payer,
		Payee:     payee,
		Asset:     m.SettlementAsset,
		Amount:    units,
		Epoch:     rs.Epoch,
		Timestamp: rs.LastTimestamp,
	}
	events := settlementEvents(leg, res.From, res.To)

	var batch *ledger.Batch
	if units > 0 {
		if err := se.balances.ValidateSufficientAvailable(res.From, m.AssetID, units); err != nil {
			se.count(m.ID, "rejected")
			return nil, fmt.Errorf("settle %s: %w", leg.SettlementKey(), err)
		}
		batch, err = se.journalGen.GenerateSettlement(
			m.ID, res.From, res.To, leg.SettlementKey(), units, m.AssetID, se.clock.Now().UnixMicro())
		if err != nil {
			se.count(m.ID, "error")
			return nil, err
		}
	}

	record := &SettlementRecord{
		PairKey:   pairKey,
		Market:    m.ID,
		Payer:     payer,
		Payee:     payee,
		Epoch:     rs.Epoch,
		Timestamp: rs.LastTimestamp,
		Amount:    signed,
	}

	_, err = se.emitter.Emit(Emission{
		Events:     events,
		Batch:      batch,
		Settlement: record,
		Commit: func() error {
			if batch != nil {
				if err := se.balances.ApplyBatch(batch); err != nil {
					return err
				}
			}
			se.records.Record(pairKey, rs.LastTimestamp)
			return nil
		},
	})
	if err != nil {
		se.count(m.ID, "rejected")
		se.logger.Warn().
			Err(err).
			Str("market", m.ID).
			Str("from", res.From.String()).
			Str("to", res.To.String()).
			Int64("amount", units).
			Msg("settlement rejected")
		return nil, fmt.Errorf("settle %s: %w", leg.SettlementKey(), err)
	}

	res.Settled = true
	se.count(m.ID, "settled")
	if se.metrics != nil {
		se.metrics.SettledAmount.WithLabelValues(m.ID).Add(float64(units))
		reserve := se.balances.GetBalance(ledger.NewReserveAccountKey(m.ID, m.AssetID))
		se.metrics.ReserveBalance.WithLabelValues(m.ID).Set(float64(reserve))
	}

	se.logger.Info().
		Str("market", m.ID).
		Int64("epoch", rs.Epoch).
		Str("from", res.From.String()).
		Str("to", res.To.String()).
		Int64("amount", units).
		Msg("settled")

	return res, nil
}

// settlementEvents builds the six legs of a settlement in log order.
func settlementEvents(leg event.SettlementLeg, from, to uuid.UUID) []event.Event {
	withAccount := func(id uuid.UUID) event.SettlementLeg {
		l := leg
		l.Account = id
		return l
	}

	return []event.Event{
		&event.ReserveWithdrawn{SettlementLeg: withAccount(from)},
		&event.TransferDebited{SettlementLeg: withAccount(from)},
		&event.AccountSettled{SettlementLeg: withAccount(from), Delta: -leg.Amount},
		&event.TransferCredited{SettlementLeg: withAccount(to)},
		&event.ReserveDeposited{SettlementLeg: withAccount(to)},
		&event.AccountSettled{SettlementLeg: withAccount(to), Delta: leg.Amount},
	}
}

func (se *SettlementEngine) count(market, result string) {
	if se.metrics != nil {
		se.metrics.Settlements.WithLabelValues(market, result).Inc()
	}
}
