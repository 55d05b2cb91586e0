// Package server exposes the daemon's liveness over the standard gRPC health
// checking protocol, so supervisors (launchd wrappers, systemd, k8s-style
// probes) can tell a wedged run loop from a healthy one.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var log = slog.Default()

// ServiceName is the health service name reported for the run loop. The empty
// name ("overall server health") mirrors it.
const ServiceName = "heimdall.Runloop"

// staleFactor is how many tick intervals may pass without a finished tick
// before the run loop counts as unhealthy.
const staleFactor = 3

// LivenessSource is implemented by runloop.Runner.
type LivenessSource interface {
	LastTick() time.Time
	TickInterval() time.Duration
}

// Server is a gRPC server carrying only the health service.
type Server struct {
	source LivenessSource
	now    func() time.Time

	grpc   *grpc.Server
	health *health.Server

	mu     sync.Mutex
	status healthpb.HealthCheckResponse_ServingStatus
}

// NewServer creates the server. Status starts NOT_SERVING until the first
// refresh sees a tick.
func NewServer(source LivenessSource) *Server {
	s := &Server{
		source: source,
		now:    time.Now,
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		status: healthpb.HealthCheckResponse_UNKNOWN,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Evaluate computes the status the run loop deserves at now.
func (s *Server) Evaluate(now time.Time) healthpb.HealthCheckResponse_ServingStatus {
	last := s.source.LastTick()
	if last.IsZero() {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	if now.Sub(last) > staleFactor*s.source.TickInterval() {
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	return healthpb.HealthCheckResponse_SERVING
}

// Refresh re-evaluates and publishes the status.
func (s *Server) Refresh() healthpb.HealthCheckResponse_ServingStatus {
	status := s.Evaluate(s.now())
	s.setStatus(status)
	return status
}

func (s *Server) setStatus(status healthpb.HealthCheckResponse_ServingStatus) {
	s.mu.Lock()
	changed := status != s.status
	s.status = status
	s.mu.Unlock()

	if !changed {
		return
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	log.Info("Health status changed", "status", status.String())
}

// Serve serves on lis and refreshes the status once per tick interval until
// ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	go s.refreshLoop(ctx)

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.grpc.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		return nil
	}
}

// ListenAndServe listens on port and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context, port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen on gRPC port %d: %w", port, err)
	}
	log.Info("Starting gRPC health server", "port", port)
	return s.Serve(ctx, lis)
}

func (s *Server) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(s.source.TickInterval())
	defer ticker.Stop()

	s.Refresh()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh()
		}
	}
}
