// ============================================================================
// Control-Plane Health Service
// ============================================================================
//
// Package: internal/healthsvc
// File: healthsvc.go
// Purpose: Exposes whether a controller has failed as a standard gRPC health check
// (grpc.health.v1.Health), the same grpc.Server-hosting pattern the
// teacher uses in internal/server/server.go, but serving the pre-compiled
// health service that ships with grpc-go instead of a hand-rolled RPC.
//
// ============================================================================

package healthsvc

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/flowlog/streamproc/internal/controller"
)

var log = slog.Default()

// StatusSource is the subset of *controller.Controller this package needs;
// narrowed to an interface so tests can fake it.
type StatusSource interface {
	Status() controller.Status
}

// Server wraps a grpc.Server hosting the standard health service, polling
// a controller's Status: SERVING while it has not failed, NOT_SERVING once
// Status().Failed is set. Other phases are not distinguished.
type Server struct {
	grpcServer  *grpc.Server
	healthSrv   *health.Server
	source      StatusSource
	serviceName string

	stop chan struct{}
}

// NewServer builds a health Server for source, reported under
// serviceName (empty string means "the overall server").
func NewServer(source StatusSource, serviceName string) *Server {
	healthSrv := health.NewServer()
	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)

	return &Server{
		grpcServer:  grpcServer,
		healthSrv:   healthSrv,
		source:      source,
		serviceName: serviceName,
		stop:        make(chan struct{}),
	}
}

// Serve listens on addr and blocks serving gRPC requests, polling the
// controller's status on a fixed interval to update the health registry
// until Stop is called. Mirrors internal/server/server.go's
// grpcServer.Serve(lis) pattern, minus the Raft-specific RPC handlers.
func (s *Server) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("healthsvc: listen on %s: %w", addr, err)
	}

	go s.pollStatus(200 * time.Millisecond)

	log.Info("health service listening", "addr", addr)
	if err := s.grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("healthsvc: serve: %w", err)
	}
	return nil
}

func (s *Server) pollStatus(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			status := s.source.Status()
			serving := healthpb.HealthCheckResponse_SERVING
			if status.Failed {
				serving = healthpb.HealthCheckResponse_NOT_SERVING
			}
			s.healthSrv.SetServingStatus(s.serviceName, serving)
		}
	}
}

// Stop gracefully stops the gRPC server and the status poller.
func (s *Server) Stop() {
	close(s.stop)
	s.grpcServer.GracefulStop()
}
