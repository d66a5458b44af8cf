package core

import (
	"fmt"
	"time"

	"ABRLedger/internal/event"
	fpmath "ABRLedger/internal/math"
	"ABRLedger/internal/observability"
	"ABRLedger/internal/state"

	"github.com/rs/zerolog"
)

// RateController owns per-market rate state: it gates computations on the
// funding interval, stores results and applies governance parameter updates.
type RateController struct {
	registry state.MarketRegistry
	auth     state.Authorizer
	book     *state.RateBook
	locks    *state.KeyedMutex
	clock    Clock
	emitter  *Emitter
	metrics  *observability.Metrics
	logger   zerolog.Logger
}

func NewRateController(
	registry state.MarketRegistry,
	auth state.Authorizer,
	book *state.RateBook,
	locks *state.KeyedMutex,
	clock Clock,
	emitter *Emitter,
	metrics *observability.Metrics,
	logger zerolog.Logger,
) *RateController {
	return &RateController{
		registry: registry,
		auth:     auth,
		book:     book,
		locks:    locks,
		clock:    clock,
		emitter:  emitter,
		metrics:  metrics,
		logger:   logger,
	}
}

// RequestComputation computes and stores a new rate for market.
//
// declaredMarkLen and declaredIndexLen are the lengths the producer announced
// alongside the ticks; a mismatch means the batch was truncated in transit.
// The first computation of a market is always allowed; later ones need at
// least FundingInterval since the previous one.
func (rc *RateController) RequestComputation(
	market string,
	mark, index []fpmath.Fixed,
	declaredMarkLen, declaredIndexLen int,
) (state.RateState, error) {
	if _, ok := rc.registry.Lookup(market); !ok {
		rc.count("unknown", "unknown_market")
		return state.RateState{}, fmt.Errorf("%w: %s", state.ErrUnknownMarket, market)
	}

	if len(mark) != declaredMarkLen || len(index) != declaredIndexLen {
		rc.count(market, "input_shape")
		return state.RateState{}, fmt.Errorf("%w: declared mark=%d index=%d, got mark=%d index=%d",
			fpmath.ErrInputShape, declaredMarkLen, declaredIndexLen, len(mark), len(index))
	}
	if len(mark) == 0 || len(mark) != len(index) {
		rc.count(market, "input_shape")
		return state.RateState{}, fmt.Errorf("%w: mark=%d index=%d", fpmath.ErrInputShape, len(mark), len(index))
	}

	unlock := rc.locks.Lock(market)
	defer unlock()

	prev := rc.book.GetRate(market)
	nowTime := rc.clock.Now()
	now := nowTime.Unix()

	// Compared at full clock precision: whole seconds would let a call in
	// just under one interval through.
	if prev.Computed() && nowTime.Sub(prev.ComputedTime()) < FundingInterval {
		next := prev.ComputedTime().Add(FundingInterval)
		rc.count(market, "not_ready")
		return state.RateState{}, fmt.Errorf("%w: %s last computed at %s, next allowed at %s",
			state.ErrRateNotReady, market,
			prev.ComputedTime().UTC().Format(time.RFC3339Nano), next.UTC().Format(time.RFC3339Nano))
	}

	params := rc.book.Params(market)

	start := time.Now()
	comp, err := fpmath.ComputeRate(mark, index, params.BaseRate, params.BollingerWidth)
	if rc.metrics != nil {
		rc.metrics.RateComputeDur.WithLabelValues(market).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		rc.count(market, "engine_error")
		return state.RateState{}, fmt.Errorf("compute rate for %s: %w", market, err)
	}

	next := state.RateState{
		Market:        market,
		LastRate:      comp.Rate,
		LastPrice:     comp.LastMark(),
		LastTimestamp: now,
		ComputedAt:    nowTime.UnixNano(),
		Epoch:         prev.Epoch + 1,
	}

	breaches := comp.Breaches()
	evt := &event.RateComputed{
		Market:     market,
		Rate:       next.LastRate,
		LastPrice:  next.LastPrice,
		Epoch:      next.Epoch,
		Timestamp:  now,
		ComputedAt: next.ComputedAt,
		TickCount:  len(mark),
		Points:     len(comp.Points),
		Breaches:   breaches,
	}

	_, err = rc.emitter.Emit(Emission{
		Events: []event.Event{evt},
		Commit: func() error { return rc.book.StoreRate(next) },
	})
	if err != nil {
		rc.count(market, "commit_error")
		return state.RateState{}, fmt.Errorf("store rate for %s: %w", market, err)
	}

	rc.count(market, "ok")
	if rc.metrics != nil {
		rc.metrics.RateLast.WithLabelValues(market).Set(next.LastRate.Float64())
		rc.metrics.RateJumpBreaches.WithLabelValues(market).Add(float64(breaches))
	}

	rc.logger.Info().
		Str("market", market).
		Int64("epoch", next.Epoch).
		Str("rate", next.LastRate.String()).
		Str("last_price", next.LastPrice.String()).
		Int("ticks", len(mark)).
		Int("breaches", breaches).
		Msg("rate computed")

	return next, nil
}

// GetRate returns the market's latest rate state, the zero state if never computed.
func (rc *RateController) GetRate(market string) state.RateState {
	return rc.book.GetRate(market)
}

// Params returns the market's current rate parameters.
func (rc *RateController) Params(market string) state.RateParameters {
	return rc.book.Params(market)
}

// SetBaseRate updates the base rate used by the market's next computation.
func (rc *RateController) SetBaseRate(caller, market string, value fpmath.Fixed) (state.RateParameters, error) {
	return rc.setParam(caller, market, event.ParamBaseRate, state.ActionSetBaseRate, value, rc.book.SetBaseRate)
}

// SetBollingerWidth updates the band width used by the market's next computation.
func (rc *RateController) SetBollingerWidth(caller, market string, value fpmath.Fixed) (state.RateParameters, error) {
	return rc.setParam(caller, market, event.ParamBollingerWidth, state.ActionSetBollingerWidth, value, rc.book.SetBollingerWidth)
}

func (rc *RateController) setParam(
	caller, market, param string,
	action state.Action,
	value fpmath.Fixed,
	set func(string, fpmath.Fixed) state.RateParameters,
) (state.RateParameters, error) {
	if !rc.auth.IsAuthorized(caller, action) {
		rc.logger.Warn().Str("caller", caller).Str("market", market).Str("param", param).Msg("unauthorized parameter update")
		return state.RateParameters{}, fmt.Errorf("%w: %q may not %s", state.ErrUnauthorized, caller, action)
	}
	if _, ok := rc.registry.Lookup(market); !ok {
		return state.RateParameters{}, fmt.Errorf("%w: %s", state.ErrUnknownMarket, market)
	}

	unlock := rc.locks.Lock(market)
	defer unlock()

	version := rc.book.Params(market).Version + 1
	evt := &event.RateParamUpdated{
		Market:    market,
		Param:     param,
		Value:     value,
		Caller:    caller,
		Version:   version,
		Timestamp: rc.clock.Now().Unix(),
	}

	var updated state.RateParameters
	_, err := rc.emitter.Emit(Emission{
		Events: []event.Event{evt},
		Commit: func() error {
			updated = set(market, value)
			return nil
		},
	})
	if err != nil {
		return state.RateParameters{}, err
	}

	if rc.metrics != nil {
		rc.metrics.RateParamUpdates.WithLabelValues(market, param).Inc()
	}
	rc.logger.Info().
		Str("caller", caller).
		Str("market", market).
		Str("param", param).
		Str("value", value.String()).
		Int64("version", updated.Version).
		Msg("rate parameter updated")

	return updated, nil
}

func (rc *RateController) count(market, result string) {
	if rc.metrics != nil {
		rc.metrics.RateComputations.WithLabelValues(market, result).Inc()
	}
}
