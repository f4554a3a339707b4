// Package probe exposes the aggregated health state over the standard
// gRPC health protocol, so orchestrators can liveness-check the daemon
// without parsing the dashboard API.
package probe

import (
	"context"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"stock_sentinel/internal/core"
)

// refreshInterval is how often the serving status is recomputed from
// the health manager.
const refreshInterval = 5 * time.Second

// Server bridges the health manager onto grpc_health_v1.
type Server struct {
	addr    string
	monitor core.IHealthMonitor
	logger  core.ILogger

	grpcServer   *grpc.Server
	healthServer *health.Server
	cancel       context.CancelFunc
}

// NewServer creates a probe server bound to addr.
func NewServer(addr string, monitor core.IHealthMonitor, logger core.ILogger) *Server {
	return &Server{
		addr:    addr,
		monitor: monitor,
		logger:  logger.WithField("component", "probe"),
	}
}

// Start begins listening and refreshing the serving status.
func (s *Server) Start() error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.grpcServer = grpc.NewServer()
	s.healthServer = health.NewServer()
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.healthServer)
	s.publish()

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go func() {
		ticker := time.NewTicker(refreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.publish()
			}
		}
	}()

	go func() {
		s.logger.Info("Health probe listening", "addr", s.addr)
		if err := s.grpcServer.Serve(lis); err != nil {
			s.logger.Error("Probe server stopped", "error", err)
		}
	}()
	return nil
}

// Stop shuts the probe down.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}

func (s *Server) publish() {
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if s.monitor != nil && !s.monitor.IsHealthy() {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	s.healthServer.SetServingStatus("", status)
	s.healthServer.SetServingStatus("stock_sentinel.v1.Sentinel", status)
}
