package server

import (
	"context"

	"ABRLedger/internal/query"

	"github.com/google/uuid"
)

// Queries is the read model behind QueryService; *query.QueryService
// satisfies it.
type Queries interface {
	GetBalance(ctx context.Context, account uuid.UUID, asset string) (*query.BalanceResponse, error)
	GetReserveBalance(ctx context.Context, market string) (*query.ReserveBalanceResponse, error)
	GetSettlementHistory(ctx context.Context, account uuid.UUID, limit int) (*query.SettlementHistoryResponse, error)
	GetJournalHistory(ctx context.Context, account uuid.UUID, limit int, afterSequence *int64) ([]query.JournalHistoryEntry, error)
	VerifyIntegrity(ctx context.Context) (*query.IntegrityReport, error)
}

var _ Queries = (*query.QueryService)(nil)

type queryService struct {
	q Queries
}

var _ QueryServiceServer = (*queryService)(nil)

func (s *queryService) GetProjectedBalance(ctx context.Context, in *GetBalanceRequest) (*query.BalanceResponse, error) {
	account, err := parseAccount(in.Account)
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := s.q.GetBalance(ctx, account, in.Asset)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *queryService) GetReserveBalance(ctx context.Context, in *MarketRequest) (*query.ReserveBalanceResponse, error) {
	resp, err := s.q.GetReserveBalance(ctx, in.Market)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *queryService) GetSettlementHistory(ctx context.Context, in *HistoryRequest) (*query.SettlementHistoryResponse, error) {
	account, err := parseAccount(in.Account)
	if err != nil {
		return nil, toStatus(err)
	}
	resp, err := s.q.GetSettlementHistory(ctx, account, in.Limit)
	if err != nil {
		return nil, toStatus(err)
	}
	return resp, nil
}

func (s *queryService) GetJournalHistory(ctx context.Context, in *JournalHistoryRequest) (*JournalHistoryResponse, error) {
	account, err := parseAccount(in.Account)
	if err != nil {
		return nil, toStatus(err)
	}
	entries, err := s.q.GetJournalHistory(ctx, account, in.Limit, in.AfterSequence)
	if err != nil {
		return nil, toStatus(err)
	}
	if entries == nil {
		entries = []query.JournalHistoryEntry{}
	}
	return &JournalHistoryResponse{Account: account.String(), Entries: entries}, nil
}

func (s *queryService) VerifyIntegrity(ctx context.Context, _ *Empty) (*query.IntegrityReport, error) {
	report, err := s.q.VerifyIntegrity(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	return report, nil
}
