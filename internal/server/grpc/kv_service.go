package grpcserver

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/Shylock-Hg/tikv/internal/raftstore"
	regionpkg "github.com/Shylock-Hg/tikv/internal/region"
	"github.com/Shylock-Hg/tikv/pkg/api"
)

// KVService adapts one store's region replicas to the gRPC KV service.
// Routing failures come back as RegionError in the response body so clients
// can refresh their region cache and retry; everything else is a gRPC
// status.
type KVService struct {
	store *raftstore.Store
}

func NewKVService(store *raftstore.Store) *KVService {
	return &KVService{store: store}
}

func (s *KVService) Put(ctx context.Context, req *api.PutRequest) (*api.PutResponse, error) {
	cmd, regionErr := s.command(req.Header, req.Key)
	if regionErr != nil {
		return &api.PutResponse{RegionError: regionErr}, nil
	}
	cmd.Operations = []raftstore.Operation{{Type: raftstore.OpPut, Key: req.Key, Value: req.Value}}
	res := s.store.Propose(cmd)
	if res.Err != nil {
		if regionErr := regionErrorFrom(res.Err); regionErr != nil {
			return &api.PutResponse{RegionError: regionErr}, nil
		}
		return nil, status.Error(codes.Internal, res.Err.Error())
	}
	return &api.PutResponse{}, nil
}

func (s *KVService) Delete(ctx context.Context, req *api.DeleteRequest) (*api.DeleteResponse, error) {
	cmd, regionErr := s.command(req.Header, req.Key)
	if regionErr != nil {
		return &api.DeleteResponse{RegionError: regionErr}, nil
	}
	cmd.Operations = []raftstore.Operation{{Type: raftstore.OpDelete, Key: req.Key}}
	res := s.store.Propose(cmd)
	if res.Err != nil {
		if regionErr := regionErrorFrom(res.Err); regionErr != nil {
			return &api.DeleteResponse{RegionError: regionErr}, nil
		}
		return nil, status.Error(codes.Internal, res.Err.Error())
	}
	return &api.DeleteResponse{}, nil
}

func (s *KVService) Get(ctx context.Context, req *api.GetRequest) (*api.GetResponse, error) {
	epoch := regionpkg.Epoch{Version: req.Header.Epoch.Version, ConfVersion: req.Header.Epoch.ConfVersion}
	if req.Header.RegionID == 0 {
		r, ok := s.store.RegionForKey(req.Key)
		if !ok {
			return &api.GetResponse{RegionError: &api.RegionError{Message: "no region for key", Retryable: true}}, nil
		}
		epoch = r.Epoch
	}
	res := s.store.Read(req.Key, epoch, readConsistency(req.Consistency))
	if res.Err != nil {
		if regionErr := regionErrorFrom(res.Err); regionErr != nil {
			return &api.GetResponse{RegionError: regionErr}, nil
		}
		return nil, status.Error(codes.Internal, res.Err.Error())
	}
	return &api.GetResponse{Value: res.Value, Found: res.Value != nil}, nil
}

func (s *KVService) Regions(ctx context.Context, req *api.RegionsRequest) (*api.RegionsResponse, error) {
	regions := s.store.Regions()
	resp := &api.RegionsResponse{Regions: make([]*api.Region, 0, len(regions))}
	for i := range regions {
		resp.Regions = append(resp.Regions, regions[i].ToWire())
	}
	return resp, nil
}

func (s *KVService) command(h api.RequestHeader, key []byte) (*raftstore.Command, *api.RegionError) {
	if h.RegionID != 0 {
		return &raftstore.Command{
			RegionID: regionpkg.ID(h.RegionID),
			Epoch:    regionpkg.Epoch{Version: h.Epoch.Version, ConfVersion: h.Epoch.ConfVersion},
		}, nil
	}
	r, ok := s.store.RegionForKey(key)
	if !ok {
		return nil, &api.RegionError{Message: "no region for key", Retryable: true}
	}
	return &raftstore.Command{RegionID: r.ID, Epoch: r.Epoch}, nil
}

func readConsistency(c api.ReadConsistency) raftstore.ReadConsistency {
	switch c {
	case api.ReadConsistencyIndex:
		return raftstore.ReadIndex
	case api.ReadConsistencyStale:
		return raftstore.ReadStale
	default:
		return raftstore.ReadLease
	}
}

// regionErrorFrom maps recoverable routing failures to a RegionError. A nil
// return means the error is not recoverable by re-routing.
func regionErrorFrom(err error) *api.RegionError {
	var notLeader *raftstore.NotLeaderError
	if errors.As(err, &notLeader) {
		return &api.RegionError{
			Message:    err.Error(),
			NotLeader:  true,
			LeaderHint: notLeader.Leader,
			Retryable:  true,
		}
	}
	var epochErr *raftstore.EpochMismatchError
	if errors.As(err, &epochErr) {
		return &api.RegionError{
			Message:    err.Error(),
			StaleEpoch: true,
			Current:    epochErr.Current.ToWire(),
			Retryable:  true,
		}
	}
	var keyErr *raftstore.KeyNotInRegionError
	if errors.As(err, &keyErr) {
		return &api.RegionError{Message: err.Error(), StaleEpoch: true, Retryable: true}
	}
	switch {
	case errors.Is(err, raftstore.ErrRegionNotFound),
		errors.Is(err, raftstore.ErrMailboxFull),
		errors.Is(err, raftstore.ErrTimeout),
		errors.Is(err, raftstore.ErrStaleCommand),
		errors.Is(err, raftstore.ErrPendingMerge),
		errors.Is(err, raftstore.ErrProposalDropped):
		return &api.RegionError{Message: err.Error(), Retryable: true}
	}
	return nil
}
