package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"ABRLedger/internal/core"
	"ABRLedger/internal/observability"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

// Deps holds everything the services need. Queries may be nil, in which case
// QueryService and its HTTP routes are not registered.
type Deps struct {
	Core    *core.Core
	Queries Queries
	Health  *observability.HealthChecker
	Metrics *observability.Metrics
	Logger  zerolog.Logger
}

// Server owns the gRPC server and the HTTP gateway in front of the same
// service implementations.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	checker    *observability.HealthChecker
	handler    http.Handler
	httpServer *http.Server
	grpcAddr   string
	httpAddr   string
	services   []string
	logger     zerolog.Logger
}

// New registers the services on a fresh gRPC server and builds the HTTP
// handler. Both report NOT_SERVING until SetServing(true).
func New(grpcAddr, httpAddr string, deps Deps) (*Server, error) {
	if deps.Core == nil {
		return nil, errors.New("server: core is required")
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(unaryObserver(deps.Metrics, deps.Logger)),
	)

	funding := &fundingService{core: deps.Core}
	grpcServer.RegisterService(&FundingServiceDesc, funding)
	services := []string{FundingServiceName}

	var queries QueryServiceServer
	if deps.Queries != nil {
		queries = &queryService{q: deps.Queries}
		grpcServer.RegisterService(&QueryServiceDesc, queries)
		services = append(services, QueryServiceName)
	}

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	// Reflection for grpcurl / grpcui
	reflection.Register(grpcServer)

	gw, err := newGateway(funding, queries, deps.Metrics)
	if err != nil {
		return nil, fmt.Errorf("register gateway routes: %w", err)
	}

	httpMux := http.NewServeMux()
	if deps.Health != nil {
		httpMux.HandleFunc("/healthz", deps.Health.LivenessHandler)
		httpMux.HandleFunc("/readyz", deps.Health.ReadinessHandler)
	}
	httpMux.Handle("/", gw.mux)

	s := &Server{
		grpcServer: grpcServer,
		health:     healthServer,
		checker:    deps.Health,
		handler:    httpMux,
		grpcAddr:   grpcAddr,
		httpAddr:   httpAddr,
		services:   services,
		logger:     deps.Logger,
	}
	s.SetServing(false)
	return s, nil
}

// GRPCServer exposes the underlying server, e.g. to serve on a custom listener.
func (s *Server) GRPCServer() *grpc.Server {
	return s.grpcServer
}

// Handler is the HTTP surface: gateway routes plus /healthz and /readyz.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// SetServing flips the gRPC health status of every service and the HTTP
// readiness probe together.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	for _, name := range s.services {
		s.health.SetServingStatus(name, st)
	}
	if s.checker != nil {
		s.checker.SetReady(serving)
	}
}

// StartGRPC serves gRPC until ctx is cancelled (blocking).
func (s *Server) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", s.grpcAddr).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTP serves the HTTP gateway until ctx is cancelled (blocking).
func (s *Server) StartHTTP(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn().Err(err).Msg("HTTP gateway shutdown")
		}
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// unaryObserver records request metrics and logs failed calls.
func unaryObserver(metrics *observability.Metrics, logger zerolog.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		observeCall(metrics, info.FullMethod, err, start)

		switch status.Code(err) {
		case codes.OK:
		case codes.Internal, codes.Unknown:
			logger.Error().Err(err).Str("method", info.FullMethod).Str("caller", callerFrom(ctx)).Msg("call failed")
		default:
			logger.Debug().Err(err).Str("method", info.FullMethod).Str("caller", callerFrom(ctx)).Msg("call rejected")
		}
		return resp, err
	}
}

func observeCall(metrics *observability.Metrics, method string, err error, start time.Time) {
	if metrics == nil {
		return
	}
	metrics.APIRequests.WithLabelValues(method, status.Code(err).String()).Inc()
	metrics.APIDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
}
