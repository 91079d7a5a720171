// Package healthcheck exposes session availability over the gRPC health protocol.
package healthcheck

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// ServiceName is the health service name reported for the broker.
const ServiceName = "quotebroker.Broker"

// Server serves grpc.health.v1. The broker service is SERVING while a session is held.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

// New creates a health server. The broker starts out NOT_SERVING.
func New() *Server {
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer(grpc.KeepaliveParams(keepalive.ServerParameters{
		Time:    2 * time.Minute,
		Timeout: 10 * time.Second,
	}))
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{grpc: gs, health: hs}
}

// SetAuthenticated updates the broker service status. It matches the
// session manager's change hook.
func (s *Server) SetAuthenticated(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	slog.Info("gRPC health service listening", "addr", lis.Addr().String())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve grpc health: %w", err)
	}
	return nil
}

// Stop marks every service NOT_SERVING and stops the server gracefully.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
