package server

import (
	"context"
	"errors"
	"fmt"

	"ABRLedger/internal/core"
	"ABRLedger/internal/ingestion"
	"ABRLedger/internal/ledger"
	fpmath "ABRLedger/internal/math"
	"ABRLedger/internal/state"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// CallerMetadataKey carries the caller identity on gRPC requests; the HTTP
// surface reads the same value from CallerHeader.
const (
	CallerMetadataKey = "x-abr-caller"
	CallerHeader      = "X-ABR-Caller"
)

// errBadRequest marks request fields that fail to parse.
var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

// toStatus maps domain errors onto gRPC codes. Errors that already carry a
// status pass through unchanged.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	code := codes.Internal
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, ingestion.ErrMalformedPayload),
		errors.Is(err, fpmath.ErrInputShape),
		errors.Is(err, core.ErrInvalidAmount),
		errors.Is(err, core.ErrUnknownAsset):
		code = codes.InvalidArgument
	case errors.Is(err, state.ErrRateNotReady),
		errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, core.ErrSelfSettlement):
		code = codes.FailedPrecondition
	case errors.Is(err, state.ErrUnauthorized):
		code = codes.PermissionDenied
	case errors.Is(err, state.ErrUnknownMarket):
		code = codes.NotFound
	case errors.Is(err, context.Canceled):
		code = codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		code = codes.DeadlineExceeded
	}
	return status.Error(code, err.Error())
}

type callerKey struct{}

// withCaller attaches an identity read outside gRPC (the HTTP header).
func withCaller(ctx context.Context, caller string) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// callerFrom returns the identity set by withCaller, else the first
// x-abr-caller metadata value, else "".
func callerFrom(ctx context.Context) string {
	if c, ok := ctx.Value(callerKey{}).(string); ok {
		return c
	}
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if v := md.Get(CallerMetadataKey); len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

// WithCaller returns an outgoing client context that identifies as caller.
func WithCaller(ctx context.Context, caller string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, CallerMetadataKey, caller)
}
