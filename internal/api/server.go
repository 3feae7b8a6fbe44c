package api

import (
	"context"
	"fmt"
	"net"
	"time"

	"dailysync/internal/config"
	"dailysync/internal/models"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// HealthService is the service name reported alongside the overall status.
const HealthService = "dailysync.Sync"

// StatusSource is observed to drive health.
type StatusSource interface {
	Status() models.SyncStatus
	AddStatusListener(fn func(models.SyncStatus)) func()
}

// GRPCServer serves the standard health protocol. Health follows the sync
// status: SERVING while online or syncing, NOT_SERVING while offline.
type GRPCServer struct {
	server      *grpc.Server
	health      *health.Server
	listener    net.Listener
	unsubscribe func()
	log         zerolog.Logger
}

func NewGRPCServer(cfg config.APIConfig, source StatusSource, limiter *RateLimiter, logger *zerolog.Logger) (*GRPCServer, error) {
	addr := fmt.Sprintf(":%d", cfg.GRPC.Port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("grpc listen %s: %w", addr, err)
	}
	return newGRPCServer(cfg, lis, source, limiter, logger), nil
}

func newGRPCServer(cfg config.APIConfig, lis net.Listener, source StatusSource, limiter *RateLimiter, logger *zerolog.Logger) *GRPCServer {
	auth := NewAuthInterceptor(cfg, limiter)
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		LoggingUnaryInterceptor(logger),
		auth.Unary(),
	))

	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	if cfg.GRPC.Reflection {
		reflection.Register(grpcServer)
	}

	serverLogger := zerolog.Nop()
	if logger != nil {
		serverLogger = logger.With().Str("component", "grpc").Logger()
	}

	s := &GRPCServer{
		server:   grpcServer,
		health:   healthServer,
		listener: lis,
		log:      serverLogger,
	}
	if source != nil {
		s.setHealth(source.Status())
		s.unsubscribe = source.AddStatusListener(s.setHealth)
	}
	return s
}

func servingStatus(status models.SyncStatus) healthpb.HealthCheckResponse_ServingStatus {
	if status == models.StatusOffline {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

func (s *GRPCServer) setHealth(status models.SyncStatus) {
	serving := servingStatus(status)
	s.health.SetServingStatus("", serving)
	s.health.SetServingStatus(HealthService, serving)
}

func (s *GRPCServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *GRPCServer) Serve() error {
	s.log.Info().Str("addr", s.Addr()).Msg("gRPC health listening")
	return s.server.Serve(s.listener)
}

func (s *GRPCServer) Shutdown(ctx context.Context) {
	if s.server == nil {
		return
	}
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-ctx.Done():
		s.log.Warn().Msg("gRPC graceful shutdown timed out; forcing stop")
		s.server.Stop()
		return
	case <-time.After(10 * time.Second):
		s.log.Warn().Msg("gRPC graceful shutdown timed out; forcing stop")
		s.server.Stop()
		return
	}
}
