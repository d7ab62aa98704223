// Package rpc exposes the settlement sweep over gRPC so an external
// scheduler can drive it, together with the standard health service.
package rpc

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"marketcore.org/internal/auth"
	"marketcore.org/internal/domain"
	"marketcore.org/internal/obs"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName          = "marketcore.v1.Settlement"
	releaseClearedMethod = "/" + ServiceName + "/ReleaseCleared"
)

// Sweeper releases every cleared prerelease.
type Sweeper interface {
	ReleaseCleared(ctx context.Context) ([]domain.Transaction, error)
}

// SettlementServer is the server API of marketcore.v1.Settlement.
type SettlementServer interface {
	ReleaseCleared(ctx context.Context, in *emptypb.Empty) (*wrapperspb.Int64Value, error)
}

// Server implements SettlementServer over a Sweeper.
type Server struct {
	sweeper Sweeper
	log     logrus.FieldLogger
}

// NewServer creates the gRPC service wrapper.
func NewServer(s Sweeper) *Server {
	return &Server{sweeper: s, log: obs.Logger().WithField("component", "rpc")}
}

// ReleaseCleared runs one settlement sweep and reports how many rows it released.
func (s *Server) ReleaseCleared(ctx context.Context, _ *emptypb.Empty) (*wrapperspb.Int64Value, error) {
	released, err := s.sweeper.ReleaseCleared(ctx)
	if err != nil && len(released) == 0 {
		return nil, toStatus(err)
	}
	if err != nil {
		// partial sweep: the released rows are committed, the rest retry next run
		s.log.WithError(err).WithField("released", len(released)).Warn("sweep finished with errors")
	}
	return wrapperspb.Int64(int64(len(released))), nil
}

func releaseClearedHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(SettlementServer).ReleaseCleared(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: releaseClearedMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(SettlementServer).ReleaseCleared(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// SettlementServiceDesc describes marketcore.v1.Settlement for grpc.Server.
var SettlementServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*SettlementServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ReleaseCleared", Handler: releaseClearedHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "marketcore/v1/settlement.proto",
}

// Register attaches the settlement and health services to gs. The returned
// health server starts SERVING; callers flip it on shutdown.
func Register(gs *grpc.Server, srv SettlementServer) *health.Server {
	gs.RegisterService(&SettlementServiceDesc, srv)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	return hs
}

// AuthInterceptor admits only system or admin callers to the settlement
// service. Health checks pass through unauthenticated.
func AuthInterceptor(v *auth.Verifier) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if info.FullMethod != releaseClearedMethod {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		var header string
		if vals := md.Get("authorization"); len(vals) > 0 {
			header = vals[0]
		}
		token, ok := auth.BearerToken(header)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing bearer token")
		}
		claims, err := v.ParseAndValidate(token)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		ctx = auth.ContextWithUser(ctx, claims.Subject, claims.Roles)
		if !auth.HasRole(ctx, auth.RoleSystem) && !auth.HasRole(ctx, auth.RoleAdmin) {
			return nil, status.Error(codes.PermissionDenied, "settlement requires a system token")
		}
		return handler(ctx, req)
	}
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidTransactionState):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}
