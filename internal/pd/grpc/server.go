package pdgrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	pd "github.com/Shylock-Hg/tikv/internal/pd"
	"github.com/Shylock-Hg/tikv/pkg/api"
)

// Server adapts pd.Service to the PD gRPC API.
type Server struct {
	service *pd.Service
}

func NewServer(service *pd.Service) *Server {
	return &Server{service: service}
}

func (s *Server) RegionHeartbeat(ctx context.Context, req *api.RegionHeartbeatRequest) (*api.RegionHeartbeatResponse, error) {
	resp, err := s.service.HandleRegionHeartbeat(req)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return resp, nil
}

func (s *Server) StoreHeartbeat(ctx context.Context, req *api.StoreHeartbeatRequest) (*api.StoreHeartbeatResponse, error) {
	if err := s.service.HandleStoreHeartbeat(req); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &api.StoreHeartbeatResponse{}, nil
}

func (s *Server) AllocID(ctx context.Context, req *api.AllocIDRequest) (*api.AllocIDResponse, error) {
	count := req.Count
	if count == 0 {
		count = 1
	}
	base, err := s.service.AllocIDs(count)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &api.AllocIDResponse{Base: base, Count: count}, nil
}

func (s *Server) GetRegion(ctx context.Context, req *api.GetRegionRequest) (*api.GetRegionResponse, error) {
	if len(req.Key) == 0 {
		return nil, status.Error(codes.InvalidArgument, "key is empty")
	}
	info, ok := s.service.RegionForKey(req.Key)
	if !ok {
		return nil, status.Error(codes.NotFound, "region not found")
	}
	return &api.GetRegionResponse{Region: info.Region.ToWire()}, nil
}

func Register(g grpc.ServiceRegistrar, service *pd.Service) {
	api.RegisterPDServer(g, NewServer(service))
}
