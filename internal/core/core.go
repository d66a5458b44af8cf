package core

import (
	"fmt"
	"time"

	"ABRLedger/internal/event"
	"ABRLedger/internal/ledger"
	"ABRLedger/internal/observability"
	"ABRLedger/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Config wires a Core. Nil fields fall back to defaults: the system clock,
// the default market registry and an empty admin table.
type Config struct {
	Registry        state.MarketRegistry
	Auth            state.Authorizer
	Clock           Clock
	SettlementStore SettlementStore

	PersistChan    chan<- CoreOutput
	ProjectionChan chan<- CoreOutput

	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

// Core owns all in-memory ledger state and the components that mutate it.
// Every mutation goes through the shared Emitter, so the event log order is
// the order state changed.
type Core struct {
	Rates      *RateController
	Settlement *SettlementEngine
	Reserve    *ReserveManager

	registry  state.MarketRegistry
	book      *state.RateBook
	balances  *ledger.BalanceTracker
	records   *SettlementRecords
	emitter   *Emitter
	validator *ledger.InvariantValidator
	metrics   *observability.Metrics
	logger    zerolog.Logger
}

func New(cfg Config) *Core {
	if cfg.Clock == nil {
		cfg.Clock = SystemClock{}
	}
	if cfg.Registry == nil {
		cfg.Registry = state.NewDefaultRegistry()
	}
	if cfg.Auth == nil {
		cfg.Auth = state.NewAdminTable()
	}

	book := state.NewRateBook()
	balances := ledger.NewBalanceTracker()
	records := NewSettlementRecords(cfg.SettlementStore)
	locks := state.NewKeyedMutex()
	emitter := NewEmitter(cfg.PersistChan, cfg.ProjectionChan, cfg.Metrics, cfg.Logger.With().Str("sub", "emitter").Logger())

	return &Core{
		Rates: NewRateController(cfg.Registry, cfg.Auth, book, locks, cfg.Clock, emitter, cfg.Metrics,
			cfg.Logger.With().Str("sub", "rate").Logger()),
		Settlement: NewSettlementEngine(cfg.Registry, cfg.Auth, book, locks, balances, records, cfg.Clock, emitter, cfg.Metrics,
			cfg.Logger.With().Str("sub", "settlement").Logger()),
		Reserve: NewReserveManager(cfg.Registry, cfg.Auth, locks, balances, cfg.Clock, emitter, cfg.Metrics,
			cfg.Logger.With().Str("sub", "reserve").Logger()),
		registry:  cfg.Registry,
		book:      book,
		balances:  balances,
		records:   records,
		emitter:   emitter,
		validator: ledger.NewInvariantValidator(balances),
		metrics:   cfg.Metrics,
		logger:    cfg.Logger,
	}
}

// GetBalance returns an account's collateral balance in asset.
func (c *Core) GetBalance(account uuid.UUID, asset string) (int64, error) {
	assetID, ok := ledger.GetAssetID(asset)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	return c.balances.GetUserAvailableBalance(account, assetID), nil
}

// LookupMarket resolves a market through the configured registry.
func (c *Core) LookupMarket(market string) (state.Market, bool) {
	return c.registry.Lookup(market)
}

// GetSequence returns the last assigned global sequence number.
func (c *Core) GetSequence() int64 {
	return c.emitter.Sequence()
}

// GetStateHash returns the current state hash (chain tip).
func (c *Core) GetStateHash() [32]byte {
	return c.emitter.StateHash()
}

// ValidateInvariants checks that guarded accounts are non-negative and that
// every asset sums to zero across all accounts.
func (c *Core) ValidateInvariants() error {
	if err := c.validator.ValidateGuardedNonNegative(); err != nil {
		return err
	}
	return c.validator.ValidateGlobalBalance()
}

// SnapshotState is the full in-memory state at one sequence.
type SnapshotState struct {
	Sequence    int64                           `json:"sequence"`
	StateHash   [32]byte                        `json:"state_hash"`
	Rates       map[string]state.RateState      `json:"rates"`
	Params      map[string]state.RateParameters `json:"params"`
	Balances    map[ledger.AccountKey]int64     `json:"balances"`
	Settlements map[string]int64                `json:"settlements"` // pair key -> last settled rate timestamp
	CreatedAt   time.Time                       `json:"created_at"`
}

// CreateSnapshotState captures a consistent copy of the state. No operation
// commits while it runs.
func (c *Core) CreateSnapshotState() *SnapshotState {
	var snap *SnapshotState
	c.emitter.Quiesce(func(seq int64, hash [32]byte) {
		snap = &SnapshotState{
			Sequence:    seq,
			StateHash:   hash,
			Rates:       c.book.GetAllRates(),
			Params:      c.book.GetAllParams(),
			Balances:    c.balances.Snapshot(),
			Settlements: c.records.All(),
		}
	})
	snap.CreatedAt = time.Now().UTC()
	return snap
}

// RestoreFromSnapshot loads a snapshot into a fresh core.
func (c *Core) RestoreFromSnapshot(snap *SnapshotState) {
	for _, rs := range snap.Rates {
		c.book.RestoreRate(rs)
	}
	for market, p := range snap.Params {
		c.book.RestoreParams(market, p)
	}
	c.balances.Restore(snap.Balances)
	c.records.Restore(snap.Settlements)
	c.emitter.Restore(snap.Sequence, snap.StateHash)

	c.logger.Info().
		Int64("sequence", snap.Sequence).
		Int("rates", len(snap.Rates)).
		Int("balances", len(snap.Balances)).
		Int("settlements", len(snap.Settlements)).
		Msg("restored from snapshot")
}

// Replay re-applies one logged event, and the journal batch stamped with its
// sequence if there is one. Envelopes must arrive in sequence order;
// envelopes already covered by the restored state are skipped.
func (c *Core) Replay(env *event.EventEnvelope, batch *ledger.Batch) error {
	current := c.emitter.Sequence()
	if env.Sequence <= current {
		return nil
	}
	if env.Sequence != current+1 {
		return fmt.Errorf("replay gap: expected sequence %d, got %d", current+1, env.Sequence)
	}
	if _, err := VerifyChain(c.emitter.StateHash(), []*event.EventEnvelope{env}); err != nil {
		return err
	}

	evt, err := event.Decode(env.EventType, env.Payload)
	if err != nil {
		return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
	}

	switch e := evt.(type) {
	case *event.RateComputed:
		err = c.book.StoreRate(state.RateState{
			Market:        e.Market,
			LastRate:      e.Rate,
			LastPrice:     e.LastPrice,
			LastTimestamp: e.Timestamp,
			ComputedAt:    e.ComputedAt,
			Epoch:         e.Epoch,
		})
	case *event.RateParamUpdated:
		c.replayParam(e)
	case *event.AccountSettled:
		c.records.Record(PairKey(e.Market, e.Payer, e.Payee), e.Timestamp)
	}
	if err != nil {
		return fmt.Errorf("replay sequence %d: %w", env.Sequence, err)
	}

	if batch != nil {
		if err := c.balances.ApplyBatch(batch); err != nil {
			return fmt.Errorf("replay batch at sequence %d: %w", env.Sequence, err)
		}
	}

	c.emitter.Restore(env.Sequence, env.StateHash)
	if c.metrics != nil {
		c.metrics.ReplayEventsTotal.Inc()
	}
	return nil
}

func (c *Core) replayParam(e *event.RateParamUpdated) {
	p := c.book.Params(e.Market)
	if e.Version <= p.Version {
		return
	}
	switch e.Param {
	case event.ParamBaseRate:
		p.BaseRate = e.Value
	case event.ParamBollingerWidth:
		p.BollingerWidth = e.Value
	}
	p.Version = e.Version
	c.book.RestoreParams(e.Market, p)
}
