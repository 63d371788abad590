package grpcserver

import (
	"context"
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/Shylock-Hg/tikv/internal/raftstore"
	"github.com/Shylock-Hg/tikv/internal/transport"
	"github.com/Shylock-Hg/tikv/pkg/api"
)

// Config holds gRPC server configuration.
type Config struct {
	Address string
}

// Server exposes the KV API and the raft transport of one store over a
// single gRPC listener, with a health service for probes.
type Server struct {
	cfg    Config
	store  *raftstore.Store
	srv    *grpc.Server
	health *health.Server
}

// New constructs a Server. A nil store registers only the health service,
// which tests use.
func New(cfg Config, store *raftstore.Store) *Server {
	s := &Server{
		cfg:    cfg,
		store:  store,
		srv:    grpc.NewServer(),
		health: health.NewServer(),
	}
	if store != nil {
		api.RegisterKVServer(s.srv, NewKVService(store))
		transport.RegisterGRPCTransportServer(s.srv, store)
	}
	healthpb.RegisterHealthServer(s.srv, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Start begins listening on the configured address and serves until ctx is
// cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Address == "" {
		return fmt.Errorf("grpc address is empty")
	}
	lis, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	s.setServing(true)
	go func() {
		<-ctx.Done()
		s.setServing(false)
		s.srv.GracefulStop()
		_ = lis.Close()
	}()
	go func() {
		_ = s.srv.Serve(lis)
	}()
	return nil
}

// Stop shuts down the server.
func (s *Server) Stop() {
	if s.srv != nil {
		s.setServing(false)
		s.srv.GracefulStop()
	}
}

func (s *Server) setServing(serving bool) {
	if s.health == nil {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}
