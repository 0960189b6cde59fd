package server

import (
	"TermLedger/internal/errs"
	"TermLedger/internal/observability"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"path"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/encoding"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "termledger.v1.Ledger"

// CodecName is the content subtype the ledger service speaks. Messages are
// plain Go structs encoded as JSON.
const CodecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// ServiceDesc describes termledger.v1.Ledger for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Submit", LedgerServer.Submit),
		unary("PlaceOrder", LedgerServer.PlaceOrder),
		unary("Repay", LedgerServer.Repay),
		unary("CreateMarket", LedgerServer.CreateMarket),
		unary("ListMarkets", LedgerServer.ListMarkets),
		unary("GetMarket", LedgerServer.GetMarket),
		unary("GetUser", LedgerServer.GetUser),
		unary("GetBook", LedgerServer.GetBook),
		unary("GetOrder", LedgerServer.GetOrder),
		unary("Rollable", LedgerServer.Rollable),
		unary("DueLoans", LedgerServer.DueLoans),
		unary("DirtyUsers", LedgerServer.DirtyUsers),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "termledger/v1/ledger.json",
}

func fullMethod(name string) string { return "/" + ServiceName + "/" + name }

// unary builds the method descriptor for one handler. Ledger errors leave
// the handler already converted to gRPC status.
func unary[Req, Resp any](name string, call func(LedgerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, status.Error(codes.InvalidArgument, errs.ErrInvalidRequest.With("decode %s: %v", name, err).Error())
			}
			handler := func(ctx context.Context, req any) (any, error) {
				resp, err := call(srv.(LedgerServer), ctx, req.(*Req))
				if err != nil {
					return nil, Status(err)
				}
				return resp, nil
			}
			if interceptor == nil {
				return handler(ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// Status converts an error to a gRPC status. Ledger errors keep their
// Error() text as the message so clients can rebuild them with errs.Parse.
func Status(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	var e *errs.Error
	if errors.As(err, &e) {
		return status.Error(CodeFor(e), e.Error())
	}
	switch {
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// CodeFor maps a ledger error to the gRPC code a client should react to.
func CodeFor(e *errs.Error) codes.Code {
	switch {
	case errors.Is(e, errs.ErrDuplicate), errors.Is(e, errs.ErrAlreadyExists):
		return codes.AlreadyExists
	case errors.Is(e, errs.ErrOrdersPaused), errors.Is(e, errs.ErrRedemptionPaused):
		return codes.FailedPrecondition
	}
	switch e.Kind {
	case errs.KindPolicy:
		return codes.InvalidArgument
	case errs.KindSequencing:
		return codes.FailedPrecondition
	case errs.KindArithmetic:
		return codes.OutOfRange
	case errs.KindReconciliation:
		return codes.Aborted
	case errs.KindTransient:
		return codes.Unavailable
	case errs.KindNotFound:
		return codes.NotFound
	}
	return codes.Unknown
}

// GRPCServer serves the ledger over gRPC and its HTTP gateway.
type GRPCServer struct {
	grpcServer *grpc.Server
	httpServer *http.Server
	health     *health.Server
	grpcAddr   string
	httpAddr   string
	gateway    http.Handler
	metrics    *observability.Metrics
	logger     zerolog.Logger
}

// Deps holds what the servers need.
type Deps struct {
	Service     *Service
	History     History
	Health      *observability.HealthChecker
	Metrics     *observability.Metrics
	Gatherer    prometheus.Gatherer
	CORSOrigins []string
	Logger      zerolog.Logger
}

func NewGRPCServer(grpcAddr, httpAddr string, deps Deps) *GRPCServer {
	s := &GRPCServer{
		grpcAddr: grpcAddr,
		httpAddr: httpAddr,
		metrics:  deps.Metrics,
		logger:   deps.Logger,
	}
	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.observe))
	s.grpcServer.RegisterService(&ServiceDesc, deps.Service)

	s.health = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	s.gateway = NewGateway(deps.Service, deps.History, deps.Health, deps.Gatherer, deps.CORSOrigins, deps.Logger)
	return s
}

// SetServing flips the gRPC health status of the ledger service.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, st)
	s.health.SetServingStatus("", st)
}

// observe records request metrics and logs internal failures.
func (s *GRPCServer) observe(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	method := path.Base(info.FullMethod)
	code := status.Code(err)
	if s.metrics != nil {
		s.metrics.RequestsTotal.WithLabelValues(method, code.String()).Inc()
		s.metrics.RequestDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}
	if code == codes.Internal || code == codes.Unknown {
		s.logger.Error().Err(err).Str("method", method).Msg("request failed")
	}
	return resp, err
}

// StartGRPC listens on the configured address and serves until ctx is done.
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves gRPC on lis until ctx is done, then stops gracefully.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("gRPC server shutting down")
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("gRPC server listening")
	return s.grpcServer.Serve(lis)
}

// StartHTTPGateway serves the HTTP gateway until ctx is done.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.gateway,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP gateway shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.httpAddr).Msg("HTTP gateway listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
