package server

import (
	"context"
	"encoding/json"
	"fmt"

	"ABRLedger/internal/core"
	"ABRLedger/internal/ingestion"
	fpmath "ABRLedger/internal/math"
	"ABRLedger/internal/state"

	"github.com/google/uuid"
)

// fundingService implements FundingServiceServer on top of the in-memory core.
type fundingService struct {
	core *core.Core
}

var _ FundingServiceServer = (*fundingService)(nil)

func (s *fundingService) RequestComputation(ctx context.Context, in *json.RawMessage) (*RateResponse, error) {
	return s.compute("", *in)
}

// compute parses a tick payload and runs it through the rate controller.
// subject may name the market the same way a NATS tick subject does.
func (s *fundingService) compute(subject string, payload []byte) (*RateResponse, error) {
	batch, err := ingestion.ParseTickBatch(subject, payload)
	if err != nil {
		return nil, toStatus(err)
	}

	rs, err := s.core.Rates.RequestComputation(batch.Market, batch.Mark, batch.Index, batch.MarkLen, batch.IndexLen)
	if err != nil {
		return nil, toStatus(err)
	}
	return s.rateResponse(rs), nil
}

func (s *fundingService) GetRate(ctx context.Context, in *MarketRequest) (*RateResponse, error) {
	if err := s.requireMarket(in.Market); err != nil {
		return nil, err
	}
	return s.rateResponse(s.core.Rates.GetRate(in.Market)), nil
}

func (s *fundingService) SetBaseRate(ctx context.Context, in *SetParamRequest) (*ParamsResponse, error) {
	return s.setParam(ctx, in, s.core.Rates.SetBaseRate)
}

func (s *fundingService) SetBollingerWidth(ctx context.Context, in *SetParamRequest) (*ParamsResponse, error) {
	return s.setParam(ctx, in, s.core.Rates.SetBollingerWidth)
}

func (s *fundingService) setParam(
	ctx context.Context,
	in *SetParamRequest,
	set func(caller, market string, value fpmath.Fixed) (state.RateParameters, error),
) (*ParamsResponse, error) {
	value, err := fpmath.ParseFixed(in.Value)
	if err != nil {
		return nil, toStatus(badRequest("value: %v", err))
	}

	p, err := set(callerFrom(ctx), in.Market, value)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ParamsResponse{Market: in.Market, RateParameters: p}, nil
}

func (s *fundingService) Settle(ctx context.Context, in *SettleRequest) (*core.SettlementResult, error) {
	payer, payee, err := parsePair(in.Payer, in.Payee)
	if err != nil {
		return nil, toStatus(err)
	}

	res, err := s.core.Settlement.Settle(callerFrom(ctx), in.Market, payer, payee)
	if err != nil {
		return nil, toStatus(err)
	}
	return res, nil
}

func (s *fundingService) SettleBatch(ctx context.Context, in *SettleBatchRequest) (*SettleBatchResponse, error) {
	pairs := make([]core.SettlementPair, 0, len(in.Pairs))
	for i, p := range in.Pairs {
		payer, payee, err := parsePair(p.Payer, p.Payee)
		if err != nil {
			return nil, toStatus(fmt.Errorf("pair %d: %w", i, err))
		}
		pairs = append(pairs, core.SettlementPair{Payer: payer, Payee: payee})
	}

	results, err := s.core.Settlement.SettleBatch(callerFrom(ctx), in.Market, pairs)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SettleBatchResponse{Results: results}, nil
}

func (s *fundingService) FundReserve(ctx context.Context, in *ReserveRequest) (*ReserveResponse, error) {
	bal, err := s.core.Reserve.Fund(callerFrom(ctx), in.Market, in.Amount)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ReserveResponse{Market: in.Market, Balance: bal}, nil
}

func (s *fundingService) DefundReserve(ctx context.Context, in *ReserveRequest) (*ReserveResponse, error) {
	bal, err := s.core.Reserve.Defund(callerFrom(ctx), in.Market, in.Amount)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ReserveResponse{Market: in.Market, Balance: bal}, nil
}

func (s *fundingService) Deposit(ctx context.Context, in *DepositRequest) (*BalanceResponse, error) {
	account, err := parseAccount(in.Account)
	if err != nil {
		return nil, toStatus(err)
	}

	bal, err := s.core.Reserve.Deposit(callerFrom(ctx), account, in.Asset, in.Amount)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BalanceResponse{Account: account.String(), Asset: in.Asset, Balance: bal}, nil
}

func (s *fundingService) GetBalance(ctx context.Context, in *GetBalanceRequest) (*BalanceResponse, error) {
	account, err := parseAccount(in.Account)
	if err != nil {
		return nil, toStatus(err)
	}

	bal, err := s.core.GetBalance(account, in.Asset)
	if err != nil {
		return nil, toStatus(err)
	}
	return &BalanceResponse{Account: account.String(), Asset: in.Asset, Balance: bal}, nil
}

// reserveBalance backs the live reserve route of the HTTP surface.
func (s *fundingService) reserveBalance(market string) (*ReserveResponse, error) {
	bal, err := s.core.Reserve.Balance(market)
	if err != nil {
		return nil, toStatus(err)
	}
	return &ReserveResponse{Market: market, Balance: bal}, nil
}

func (s *fundingService) rateResponse(rs state.RateState) *RateResponse {
	return &RateResponse{
		RateState: rs,
		Computed:  rs.Computed(),
		Params:    s.core.Rates.Params(rs.Market),
	}
}

func (s *fundingService) requireMarket(market string) error {
	if _, ok := s.core.LookupMarket(market); !ok {
		return toStatus(fmt.Errorf("%w: %s", state.ErrUnknownMarket, market))
	}
	return nil
}

func parseAccount(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, badRequest("account %q: %v", s, err)
	}
	return id, nil
}

func parsePair(payer, payee string) (uuid.UUID, uuid.UUID, error) {
	from, err := uuid.Parse(payer)
	if err != nil {
		return uuid.Nil, uuid.Nil, badRequest("payer %q: %v", payer, err)
	}
	to, err := uuid.Parse(payee)
	if err != nil {
		return uuid.Nil, uuid.Nil, badRequest("payee %q: %v", payee, err)
	}
	return from, to, nil
}
