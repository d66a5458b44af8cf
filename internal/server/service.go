package server

import (
	"context"
	"encoding/json"

	"ABRLedger/internal/core"
	"ABRLedger/internal/query"

	"google.golang.org/grpc"
)

const (
	FundingServiceName = "abrledger.v1.FundingService"
	QueryServiceName   = "abrledger.v1.QueryService"
)

// FundingServiceServer is the write side: rate computation, governance,
// settlement and reserve management. Every method is unary.
type FundingServiceServer interface {
	RequestComputation(context.Context, *json.RawMessage) (*RateResponse, error)
	GetRate(context.Context, *MarketRequest) (*RateResponse, error)
	SetBaseRate(context.Context, *SetParamRequest) (*ParamsResponse, error)
	SetBollingerWidth(context.Context, *SetParamRequest) (*ParamsResponse, error)
	Settle(context.Context, *SettleRequest) (*core.SettlementResult, error)
	SettleBatch(context.Context, *SettleBatchRequest) (*SettleBatchResponse, error)
	FundReserve(context.Context, *ReserveRequest) (*ReserveResponse, error)
	DefundReserve(context.Context, *ReserveRequest) (*ReserveResponse, error)
	Deposit(context.Context, *DepositRequest) (*BalanceResponse, error)
	GetBalance(context.Context, *GetBalanceRequest) (*BalanceResponse, error)
}

// QueryServiceServer answers from the Postgres projections and the event log.
type QueryServiceServer interface {
	GetProjectedBalance(context.Context, *GetBalanceRequest) (*query.BalanceResponse, error)
	GetReserveBalance(context.Context, *MarketRequest) (*query.ReserveBalanceResponse, error)
	GetSettlementHistory(context.Context, *HistoryRequest) (*query.SettlementHistoryResponse, error)
	GetJournalHistory(context.Context, *JournalHistoryRequest) (*JournalHistoryResponse, error)
	VerifyIntegrity(context.Context, *Empty) (*query.IntegrityReport, error)
}

// FundingServiceDesc is registered with grpc.Server.RegisterService.
var FundingServiceDesc = grpc.ServiceDesc{
	ServiceName: FundingServiceName,
	HandlerType: (*FundingServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(FundingServiceName, "RequestComputation", FundingServiceServer.RequestComputation),
		unary(FundingServiceName, "GetRate", FundingServiceServer.GetRate),
		unary(FundingServiceName, "SetBaseRate", FundingServiceServer.SetBaseRate),
		unary(FundingServiceName, "SetBollingerWidth", FundingServiceServer.SetBollingerWidth),
		unary(FundingServiceName, "Settle", FundingServiceServer.Settle),
		unary(FundingServiceName, "SettleBatch", FundingServiceServer.SettleBatch),
		unary(FundingServiceName, "FundReserve", FundingServiceServer.FundReserve),
		unary(FundingServiceName, "DefundReserve", FundingServiceServer.DefundReserve),
		unary(FundingServiceName, "Deposit", FundingServiceServer.Deposit),
		unary(FundingServiceName, "GetBalance", FundingServiceServer.GetBalance),
	},
	Streams: []grpc.StreamDesc{},
}

// QueryServiceDesc is registered only when a database is configured.
var QueryServiceDesc = grpc.ServiceDesc{
	ServiceName: QueryServiceName,
	HandlerType: (*QueryServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(QueryServiceName, "GetProjectedBalance", QueryServiceServer.GetProjectedBalance),
		unary(QueryServiceName, "GetReserveBalance", QueryServiceServer.GetReserveBalance),
		unary(QueryServiceName, "GetSettlementHistory", QueryServiceServer.GetSettlementHistory),
		unary(QueryServiceName, "GetJournalHistory", QueryServiceServer.GetJournalHistory),
		unary(QueryServiceName, "VerifyIntegrity", QueryServiceServer.VerifyIntegrity),
	},
	Streams: []grpc.StreamDesc{},
}

// unary builds the MethodDesc that generated code would: decode the request,
// then call the method directly or through the interceptor chain.
func unary[S any, Req any, Resp any](
	service, method string,
	call func(S, context.Context, *Req) (*Resp, error),
) grpc.MethodDesc {
	fullMethod := "/" + service + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(S), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(S), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Invoke calls a unary method with the JSON codec, e.g.
// Invoke(ctx, conn, FundingServiceName, "GetRate", &MarketRequest{...}, &RateResponse{}).
func Invoke(ctx context.Context, cc grpc.ClientConnInterface, service, method string, in, out any, opts ...grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return cc.Invoke(ctx, "/"+service+"/"+method, in, out, opts...)
}
