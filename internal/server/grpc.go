package server

import (
	"PortfolioFederation/internal/observability"
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// GRPCServer serves the standard grpc.health.v1 service and reflection.
// Its serving status follows the health checker's readiness.
type GRPCServer struct {
	grpcServer *grpc.Server
	health     *health.Server
	addr       string
	logger     zerolog.Logger
}

func NewGRPCServer(addr string, checker *observability.HealthChecker, logger zerolog.Logger) *GRPCServer {
	grpcServer := grpc.NewServer()

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	s := &GRPCServer{grpcServer: grpcServer, health: healthServer, addr: addr, logger: logger}
	s.setServing(checker != nil && checker.IsReady())
	if checker != nil {
		checker.OnChange(s.setServing)
	}
	return s
}

func (s *GRPCServer) setServing(ready bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

// Start listens on the configured address and serves until ctx is cancelled.
func (s *GRPCServer) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled.
func (s *GRPCServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("grpc server shutting down")
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}()

	s.logger.Info().Str("addr", lis.Addr().String()).Msg("grpc server listening")
	if err := s.grpcServer.Serve(lis); err != nil && err != grpc.ErrServerStopped {
		return fmt.Errorf("grpc serve: %w", err)
	}
	return nil
}
