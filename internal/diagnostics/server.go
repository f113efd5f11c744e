// Package diagnostics is the read-only introspection surface (SPEC_FULL
// §4.10), adapted from the teacher's internal/grpc/server.go: a gRPC
// server exposing health checking and reflection over a Client's
// runtime counters, with no ability to mutate client state.
package diagnostics

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

// StatusSource is the subset of Client's read-only surface the
// diagnostics server reports on. asyncmy.Client satisfies this
// structurally; this package never imports the root package.
type StatusSource interface {
	ActiveConnections() int
	PendingOperations() int
	ShuttingDown() bool
}

// Server is the diagnostics gRPC server.
type Server struct {
	address string
	port    int
	source  StatusSource
	logger  *logrus.Logger

	mu           sync.RWMutex
	running      bool
	grpcServer   *grpc.Server
	healthServer *health.Server
	listener     net.Listener

	stopPoll chan struct{}
}

const serviceName = "asyncmy.Diagnostics"

// NewServer builds a diagnostics server reporting on source.
func NewServer(address string, port int, source StatusSource, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	return &Server{address: address, port: port, source: source, logger: logger}
}

// Start listens and serves until Stop is called. It blocks, so callers
// typically run it in its own goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("diagnostics server already running")
	}

	addr := fmt.Sprintf("%s:%d", s.address, s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	opts := []grpc.ServerOption{
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 15 * time.Minute,
			Time:              30 * time.Second,
			Timeout:           5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	s.grpcServer = grpc.NewServer(opts...)

	s.healthServer = health.NewServer()
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.healthServer)
	s.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	s.healthServer.SetServingStatus(serviceName, grpc_health_v1.HealthCheckResponse_SERVING)

	reflection.Register(s.grpcServer)

	s.stopPoll = make(chan struct{})
	go s.pollShutdown()

	s.running = true
	s.mu.Unlock()

	s.logger.WithField("address", addr).Info("diagnostics server starting")

	if err := s.grpcServer.Serve(listener); err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("diagnostics server error: %w", err)
	}
	return nil
}

// pollShutdown flips the health status to NOT_SERVING once the
// underlying Client begins shutting down, so load balancers stop
// routing to a process that will not accept new connections much
// longer.
func (s *Server) pollShutdown() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if s.source.ShuttingDown() {
				s.healthServer.SetServingStatus(serviceName, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
			}
		case <-s.stopPoll:
			return
		}
	}
}

// Stop gracefully stops the server, forcing a hard stop after 10s.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	close(s.stopPoll)

	s.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
		s.logger.Info("diagnostics server stopped gracefully")
	case <-time.After(10 * time.Second):
		s.logger.Warn("diagnostics server graceful stop timed out, forcing")
		s.grpcServer.Stop()
	}

	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.running = false
	return nil
}

// Snapshot is a point-in-time view of the Client's counters, returned by
// Status. The gRPC surface does not expose it; it serves only health
// checking and reflection.
type Snapshot struct {
	ActiveConnections int
	PendingOperations int
	ShuttingDown      bool
}

// Status returns the current Snapshot without going through gRPC,
// useful for in-process health checks (e.g. an HTTP /healthz handler
// layered on top by the embedding program).
func (s *Server) Status(context.Context) Snapshot {
	return Snapshot{
		ActiveConnections: s.source.ActiveConnections(),
		PendingOperations: s.source.PendingOperations(),
		ShuttingDown:      s.source.ShuttingDown(),
	}
}
