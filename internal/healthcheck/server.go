// Package healthcheck exposes the standard gRPC health protocol for the
// service and the backing stores it depends on.
package healthcheck

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/example/skin-check/internal/logging"
)

// Check reports whether a dependency is usable.
type Check func(ctx context.Context) error

// Server serves grpc.health.v1.Health. The overall status (empty service
// name) is SERVING only while every named check passes.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *zap.Logger

	mu     sync.Mutex
	checks map[string]Check
}

// New builds a health server; checks are keyed by service name.
func New(logger *zap.Logger, checks map[string]Check) *Server {
	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	copied := make(map[string]Check, len(checks))
	for name, check := range checks {
		copied[name] = check
		hs.SetServingStatus(name, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	return &Server{grpc: gs, health: hs, logger: logger, checks: copied}
}

// Refresh runs every check once and publishes the results.
func (s *Server) Refresh(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	overall := healthpb.HealthCheckResponse_SERVING
	for name, check := range s.checks {
		status := healthpb.HealthCheckResponse_SERVING
		if err := check(ctx); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			overall = healthpb.HealthCheckResponse_NOT_SERVING
			wrapped := logging.NewOperationError("healthcheck.check", "", err)
			s.logger.Warn("health check failed", zap.String("service", name), zap.Error(wrapped))
		}
		s.health.SetServingStatus(name, status)
	}
	s.health.SetServingStatus("", overall)
}

// Watch refreshes on every tick until ctx is done.
func (s *Server) Watch(ctx context.Context, interval time.Duration) {
	s.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

// Serve blocks until the listener fails or Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC health listening", zap.String("addr", lis.Addr().String()))
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return logging.NewOperationError("healthcheck.serve", "", err)
	}
	return nil
}

// Stop marks everything NOT_SERVING and drains the gRPC server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
