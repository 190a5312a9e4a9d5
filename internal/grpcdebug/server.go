// Package grpcdebug exposes gsmstackd's NS-VC and BVC state as a read-only
// gRPC health service, for external tooling (health checkers, grpcurl) to
// introspect the daemon without touching THE CORE's single-threaded run
// loop beyond a periodic, already-synchronized Refresh call. It is
// explicitly not part of NS or BSSGP themselves and never gates any
// protocol decision; see SPEC_FULL.md §6.1.
//
// Rather than defining a bespoke protobuf service (which would need a
// proto compiler this environment does not have), introspection rides on
// grpc-health-v1: each NS-VC and BVC is reported as its own "service" name
// (e.g. "nsvc.5", "bvc.20.1"), SERVING when unblocked/unblocked-equivalent
// and NOT_SERVING otherwise, plus the well-known "" overall status.
// grpc/reflection is registered alongside so grpcurl and similar tools can
// discover the health service without a local copy of its proto.
package grpcdebug

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/oriys/gsmstack/internal/bssgp"
	"github.com/oriys/gsmstack/internal/logging"
	"github.com/oriys/gsmstack/internal/ns"
)

// Server is gsmstackd's read-only debug introspection endpoint.
type Server struct {
	ni     *ns.NsInstance
	bvcs   *bssgp.Manager
	health *health.Server
	server *grpc.Server
}

// New creates a debug server reporting on ni's Nsvcs and bvcs' BVCContexts.
// Either may be nil if that subsystem is not in use.
func New(ni *ns.NsInstance, bvcs *bssgp.Manager) *Server {
	return &Server{ni: ni, bvcs: bvcs, health: health.NewServer()}
}

// Start listens on addr and serves the health and reflection services in
// a background goroutine. It does not itself call Refresh; the daemon run
// loop is expected to call Refresh periodically (gsmstackd does so on its
// status ticker), so reported status lags the core by at most one such
// interval.
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpcdebug: listen: %w", err)
	}

	s.server = grpc.NewServer()
	healthpb.RegisterHealthServer(s.server, s.health)
	reflection.Register(s.server)

	s.Refresh()

	logging.Op().Info("grpcdebug server started", "addr", addr)
	go func() {
		if err := s.server.Serve(lis); err != nil {
			logging.Op().Error("grpcdebug server error", "err", err)
		}
	}()
	return nil
}

// Stop gracefully shuts down the debug server.
func (s *Server) Stop() {
	if s.server != nil {
		s.server.GracefulStop()
	}
}

// Refresh recomputes every reported service's health status from the
// current NS-VC and BVC state. Must be called from the same goroutine
// that owns THE CORE, since it reads Nsvc/BVCContext fields that are only
// safe to read without additional locking from that goroutine.
func (s *Server) Refresh() {
	overall := healthpb.HealthCheckResponse_SERVING

	if s.ni != nil {
		for _, v := range s.ni.All() {
			status := healthpb.HealthCheckResponse_NOT_SERVING
			if v.IsUnblocked() {
				status = healthpb.HealthCheckResponse_SERVING
			}
			s.health.SetServingStatus(fmt.Sprintf("nsvc.%d", v.NSVCI), status)
		}
	}

	if s.bvcs != nil {
		for _, bvc := range s.bvcs.All() {
			status := healthpb.HealthCheckResponse_SERVING
			if bvc.Blocked() {
				status = healthpb.HealthCheckResponse_NOT_SERVING
				overall = healthpb.HealthCheckResponse_NOT_SERVING
			}
			s.health.SetServingStatus(fmt.Sprintf("bvc.%d.%d", bvc.BVCI, bvc.NSEI), status)
		}
	}

	s.health.SetServingStatus("", overall)
}

// Check implements a thin pass-through for tests that want to query
// status without opening a socket; production clients use the standard
// grpc_health_v1 client against Start's listener instead.
func (s *Server) Check(service string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := s.health.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.Status, nil
}
