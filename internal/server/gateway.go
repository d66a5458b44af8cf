package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"ABRLedger/internal/ingestion"
	"ABRLedger/internal/observability"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
)

const maxBodyBytes = 1 << 20

// callFunc serves one HTTP route. ctx already carries the caller identity.
type callFunc func(ctx context.Context, r *http.Request, params map[string]string) (any, error)

// gateway exposes the services as HTTP/JSON routes on a grpc-gateway mux.
// Handlers call the service implementations in-process, so the gRPC listener
// is not on the request path.
type gateway struct {
	mux        *runtime.ServeMux
	funding    *fundingService
	queries    QueryServiceServer
	metrics    *observability.Metrics
	errMarshal runtime.Marshaler
}

func newGateway(funding *fundingService, queries QueryServiceServer, metrics *observability.Metrics) (*gateway, error) {
	g := &gateway{
		mux:        runtime.NewServeMux(),
		funding:    funding,
		queries:    queries,
		metrics:    metrics,
		errMarshal: &runtime.JSONPb{},
	}
	if err := g.registerFunding(); err != nil {
		return nil, err
	}
	if queries != nil {
		if err := g.registerQueries(); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *gateway) registerFunding() error {
	f := g.funding
	routes := []struct {
		method, pattern, name string
		call                  callFunc
	}{
		{"POST", "/v1/markets/{market}/computations", "RequestComputation", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
			if err != nil {
				return nil, badRequest("read body: %v", err)
			}
			return f.compute(ingestion.TickSubjectPrefix+p["market"], body)
		}},
		{"GET", "/v1/markets/{market}/rate", "GetRate", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			return f.GetRate(ctx, &MarketRequest{Market: p["market"]})
		}},
		{"PUT", "/v1/markets/{market}/params/base-rate", "SetBaseRate", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			var in SetParamRequest
			if err := decodeBody(r, &in); err != nil {
				return nil, err
			}
			in.Market = p["market"]
			return f.SetBaseRate(ctx, &in)
		}},
		{"PUT", "/v1/markets/{market}/params/bollinger-width", "SetBollingerWidth", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			var in SetParamRequest
			if err := decodeBody(r, &in); err != nil {
				return nil, err
			}
			in.Market = p["market"]
			return f.SetBollingerWidth(ctx, &in)
		}},
		{"POST", "/v1/markets/{market}/settlements", "Settle", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			var in SettleRequest
			if err := decodeBody(r, &in); err != nil {
				return nil, err
			}
			in.Market = p["market"]
			return f.Settle(ctx, &in)
		}},
		{"POST", "/v1/markets/{market}/settlement-batches", "SettleBatch", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			var in SettleBatchRequest
			if err := decodeBody(r, &in); err != nil {
				return nil, err
			}
			in.Market = p["market"]
			return f.SettleBatch(ctx, &in)
		}},
		{"GET", "/v1/markets/{market}/reserve", "GetReserve", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			return f.reserveBalance(p["market"])
		}},
		{"POST", "/v1/markets/{market}/reserve/fund", "FundReserve", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			var in ReserveRequest
			if err := decodeBody(r, &in); err != nil {
				return nil, err
			}
			in.Market = p["market"]
			return f.FundReserve(ctx, &in)
		}},
		{"POST", "/v1/markets/{market}/reserve/defund", "DefundReserve", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			var in ReserveRequest
			if err := decodeBody(r, &in); err != nil {
				return nil, err
			}
			in.Market = p["market"]
			return f.DefundReserve(ctx, &in)
		}},
		{"POST", "/v1/accounts/{account}/deposits", "Deposit", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			var in DepositRequest
			if err := decodeBody(r, &in); err != nil {
				return nil, err
			}
			in.Account = p["account"]
			return f.Deposit(ctx, &in)
		}},
		{"GET", "/v1/accounts/{account}/balances/{asset}", "GetBalance", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			return f.GetBalance(ctx, &GetBalanceRequest{Account: p["account"], Asset: p["asset"]})
		}},
	}

	for _, rt := range routes {
		if err := g.handle(rt.method, rt.pattern, rt.name, rt.call); err != nil {
			return err
		}
	}
	return nil
}

func (g *gateway) registerQueries() error {
	q := g.queries
	routes := []struct {
		pattern, name string
		call          callFunc
	}{
		{"/v1/accounts/{account}/projected-balances/{asset}", "GetProjectedBalance", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			return q.GetProjectedBalance(ctx, &GetBalanceRequest{Account: p["account"], Asset: p["asset"]})
		}},
		{"/v1/markets/{market}/projected-reserve", "GetReserveBalance", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			return q.GetReserveBalance(ctx, &MarketRequest{Market: p["market"]})
		}},
		{"/v1/accounts/{account}/settlements", "GetSettlementHistory", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			limit, err := intParam(r, "limit")
			if err != nil {
				return nil, err
			}
			return q.GetSettlementHistory(ctx, &HistoryRequest{Account: p["account"], Limit: limit})
		}},
		{"/v1/accounts/{account}/journals", "GetJournalHistory", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			limit, err := intParam(r, "limit")
			if err != nil {
				return nil, err
			}
			in := &JournalHistoryRequest{Account: p["account"], Limit: limit}
			if v := r.URL.Query().Get("after_sequence"); v != "" {
				after, err := strconv.ParseInt(v, 10, 64)
				if err != nil {
					return nil, badRequest("after_sequence %q", v)
				}
				in.AfterSequence = &after
			}
			return q.GetJournalHistory(ctx, in)
		}},
		{"/v1/integrity", "VerifyIntegrity", func(ctx context.Context, r *http.Request, p map[string]string) (any, error) {
			return q.VerifyIntegrity(ctx, &Empty{})
		}},
	}

	for _, rt := range routes {
		if err := g.handle("GET", rt.pattern, rt.name, rt.call); err != nil {
			return err
		}
	}
	return nil
}

func (g *gateway) handle(method, pattern, name string, call callFunc) error {
	return g.mux.HandlePath(method, pattern, func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		start := time.Now()
		ctx := withCaller(r.Context(), r.Header.Get(CallerHeader))

		resp, err := call(ctx, r, params)
		err = toStatus(err)
		observeCall(g.metrics, "http/"+name, err, start)
		if err != nil {
			runtime.HTTPError(ctx, g.mux, g.errMarshal, w, r, err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return badRequest("empty body")
		}
		return badRequest("decode body: %v", err)
	}
	return nil
}

func intParam(r *http.Request, key string) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, badRequest("%s %q", key, v)
	}
	return n, nil
}
