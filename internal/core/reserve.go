package core

import (
	"errors"
	"fmt"

	"ABRLedger/internal/event"
	"ABRLedger/internal/ledger"
	"ABRLedger/internal/observability"
	"ABRLedger/internal/state"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrInvalidAmount = errors.New("amount must be positive")
	ErrUnknownAsset  = errors.New("unknown asset")
)

// ReserveManager handles treasury operations: funding and defunding a
// market's ABR reserve, and crediting account collateral from outside.
type ReserveManager struct {
	registry   state.MarketRegistry
	auth       state.Authorizer
	locks      *state.KeyedMutex
	balances   BalanceLedger
	journalGen *ledger.JournalGenerator
	clock      Clock
	emitter    *Emitter
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

func NewReserveManager(
	registry state.MarketRegistry,
	auth state.Authorizer,
	locks *state.KeyedMutex,
	balances BalanceLedger,
	clock Clock,
	emitter *Emitter,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *ReserveManager {
	return &ReserveManager{
		registry:   registry,
		auth:       auth,
		locks:      locks,
		balances:   balances,
		journalGen: ledger.NewJournalGenerator(balances),
		clock:      clock,
		emitter:    emitter,
		metrics:    metrics,
		logger:     logger,
	}
}

// Fund moves amount from outside into the market's reserve and returns the new balance.
func (rm *ReserveManager) Fund(caller, market string, amount int64) (int64, error) {
	m, err := rm.check(caller, market, amount)
	if err != nil {
		return 0, err
	}

	unlock := rm.locks.Lock(market)
	defer unlock()

	now := rm.clock.Now()
	opID := uuid.New()
	batch, err := rm.journalGen.GenerateReserveFund(market, opID.String(), amount, m.AssetID, now.UnixMicro())
	if err != nil {
		return 0, err
	}

	reserveKey := ledger.NewReserveAccountKey(market, m.AssetID)
	evt := &event.ReserveFunded{
		OperationID: opID,
		Market:      market,
		Asset:       m.SettlementAsset,
		Amount:      amount,
		Caller:      caller,
		Balance:     rm.balances.GetBalance(reserveKey) + amount,
		Timestamp:   now.Unix(),
	}

	if _, err := rm.emitter.Emit(Emission{
		Events: []event.Event{evt},
		Batch:  batch,
		Commit: func() error { return rm.balances.ApplyBatch(batch) },
	}); err != nil {
		return 0, fmt.Errorf("fund reserve %s: %w", market, err)
	}

	rm.observe(market, "fund", reserveKey)
	rm.logger.Info().Str("caller", caller).Str("market", market).Int64("amount", amount).Int64("balance", evt.Balance).Msg("reserve funded")
	return evt.Balance, nil
}

// Defund moves amount out of the market's reserve. The reserve cannot go negative.
func (rm *ReserveManager) Defund(caller, market string, amount int64) (int64, error) {
	m, err := rm.check(caller, market, amount)
	if err != nil {
		return 0, err
	}

	unlock := rm.locks.Lock(market)
	defer unlock()

	now := rm.clock.Now()
	opID := uuid.New()
	batch, err := rm.journalGen.GenerateReserveDefund(market, opID.String(), amount, m.AssetID, now.UnixMicro())
	if err != nil {
		return 0, err
	}

	reserveKey := ledger.NewReserveAccountKey(market, m.AssetID)
	evt := &event.ReserveDefunded{
		OperationID: opID,
		Market:      market,
		Asset:       m.SettlementAsset,
		Amount:      amount,
		Caller:      caller,
		Balance:     rm.balances.GetBalance(reserveKey) - amount,
		Timestamp:   now.Unix(),
	}

	if _, err := rm.emitter.Emit(Emission{
		Events: []event.Event{evt},
		Batch:  batch,
		Commit: func() error { return rm.balances.ApplyBatch(batch) },
	}); err != nil {
		return 0, fmt.Errorf("defund reserve %s: %w", market, err)
	}

	rm.observe(market, "defund", reserveKey)
	rm.logger.Info().Str("caller", caller).Str("market", market).Int64("amount", amount).Int64("balance", evt.Balance).Msg("reserve defunded")
	return evt.Balance, nil
}

// Deposit credits an account's collateral from outside the ledger and
// returns the account's new balance.
func (rm *ReserveManager) Deposit(caller string, account uuid.UUID, asset string, amount int64) (int64, error) {
	if !rm.auth.IsAuthorized(caller, state.ActionManageReserve) {
		return 0, fmt.Errorf("%w: %q may not deposit", state.ErrUnauthorized, caller)
	}
	assetID, ok := ledger.GetAssetID(asset)
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAsset, asset)
	}
	if amount <= 0 {
		return 0, fmt.Errorf("%w: got %d", ErrInvalidAmount, amount)
	}

	now := rm.clock.Now()
	depositID := uuid.New()
	batch, err := rm.journalGen.GenerateDeposit(account, depositID.String(), amount, assetID, now.UnixMicro())
	if err != nil {
		return 0, err
	}

	evt := &event.BalanceDeposited{
		DepositID: depositID,
		UserID:    account,
		Asset:     asset,
		Amount:    amount,
		Caller:    caller,
		Timestamp: now.Unix(),
	}

	if _, err := rm.emitter.Emit(Emission{
		Events: []event.Event{evt},
		Batch:  batch,
		Commit: func() error { return rm.balances.ApplyBatch(batch) },
	}); err != nil {
		return 0, fmt.Errorf("deposit to %s: %w", account, err)
	}

	balance := rm.balances.GetBalance(ledger.NewUserAccountKey(account, ledger.SubTypeCollateral, assetID))
	rm.logger.Info().Str("caller", caller).Str("account", account.String()).Str("asset", asset).Int64("amount", amount).Msg("balance deposited")
	return balance, nil
}

// Balance returns the market's reserve balance.
func (rm *ReserveManager) Balance(market string) (int64, error) {
	m, ok := rm.registry.Lookup(market)
	if !ok {
		return 0, fmt.Errorf("%w: %s", state.ErrUnknownMarket, market)
	}
	return rm.balances.GetBalance(ledger.NewReserveAccountKey(market, m.AssetID)), nil
}

func (rm *ReserveManager) check(caller, market string, amount int64) (state.Market, error) {
	if !rm.auth.IsAuthorized(caller, state.ActionManageReserve) {
		rm.logger.Warn().Str("caller", caller).Str("market", market).Msg("unauthorized reserve operation")
		return state.Market{}, fmt.Errorf("%w: %q may not %s", state.ErrUnauthorized, caller, state.ActionManageReserve)
	}
	m, ok := rm.registry.Lookup(market)
	if !ok {
		return state.Market{}, fmt.Errorf("%w: %s", state.ErrUnknownMarket, market)
	}
	if amount <= 0 {
		return state.Market{}, fmt.Errorf("%w: got %d", ErrInvalidAmount, amount)
	}
	return m, nil
}

func (rm *ReserveManager) observe(market, op string, reserveKey ledger.AccountKey) {
	if rm.metrics == nil {
		return
	}
	rm.metrics.ReserveOperations.WithLabelValues(market, op).Inc()
	rm.metrics.ReserveBalance.WithLabelValues(market).Set(float64(rm.balances.GetBalance(reserveKey)))
}
