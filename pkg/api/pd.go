package api

import (
	"context"

	"google.golang.org/grpc"
)

// AdminDirectiveType enumerates commands the placement service can hand a
// region leader in a heartbeat response.
type AdminDirectiveType int32

const (
	AdminDirectiveNone AdminDirectiveType = iota
	AdminDirectiveSplit
	AdminDirectiveTransferLeader
	AdminDirectiveAddPeer
	AdminDirectiveAddLearner
	AdminDirectiveRemovePeer
	AdminDirectiveMerge
)

// AdminDirective is a placement decision for one region. ExpectedEpoch
// guards against acting on stale metadata.
type AdminDirective struct {
	Type          AdminDirectiveType `json:"type"`
	ExpectedEpoch RegionEpoch        `json:"expected_epoch"`
	SplitKeys     [][]byte           `json:"split_keys,omitempty"`
	NewRegionIDs  []uint64           `json:"new_region_ids,omitempty"`
	NewPeerIDs    [][]uint64         `json:"new_peer_ids,omitempty"`
	TargetPeer    *PeerMeta          `json:"target_peer,omitempty"`
	MergeTarget   *Region            `json:"merge_target,omitempty"`
}

type RegionHeartbeatRequest struct {
	StoreID         uint64  `json:"store_id"`
	Region          *Region `json:"region"`
	Leader          uint64  `json:"leader"`
	ApproximateSize uint64  `json:"approximate_size"`
	ApproximateKeys uint64  `json:"approximate_keys"`
	// SplitKeys asks placement to schedule a split at these keys; the
	// leader fills it when the region outgrows its size bound.
	SplitKeys [][]byte `json:"split_keys,omitempty"`
}

type RegionHeartbeatResponse struct {
	Directive *AdminDirective `json:"directive,omitempty"`
}

type StoreHeartbeatRequest struct {
	StoreID     uint64 `json:"store_id"`
	Address     string `json:"address"`
	RegionCount int    `json:"region_count"`
	LeaderCount int    `json:"leader_count"`
}

type StoreHeartbeatResponse struct{}

type AllocIDRequest struct {
	Count uint64 `json:"count"`
}

type AllocIDResponse struct {
	Base  uint64 `json:"base"`
	Count uint64 `json:"count"`
}

type GetRegionRequest struct {
	Key []byte `json:"key"`
}

type GetRegionResponse struct {
	Region *Region `json:"region,omitempty"`
}

type PDServer interface {
	RegionHeartbeat(context.Context, *RegionHeartbeatRequest) (*RegionHeartbeatResponse, error)
	StoreHeartbeat(context.Context, *StoreHeartbeatRequest) (*StoreHeartbeatResponse, error)
	AllocID(context.Context, *AllocIDRequest) (*AllocIDResponse, error)
	GetRegion(context.Context, *GetRegionRequest) (*GetRegionResponse, error)
}

type PDClient interface {
	RegionHeartbeat(ctx context.Context, in *RegionHeartbeatRequest, opts ...grpc.CallOption) (*RegionHeartbeatResponse, error)
	StoreHeartbeat(ctx context.Context, in *StoreHeartbeatRequest, opts ...grpc.CallOption) (*StoreHeartbeatResponse, error)
	AllocID(ctx context.Context, in *AllocIDRequest, opts ...grpc.CallOption) (*AllocIDResponse, error)
	GetRegion(ctx context.Context, in *GetRegionRequest, opts ...grpc.CallOption) (*GetRegionResponse, error)
}

type pdClient struct {
	cc grpc.ClientConnInterface
}

func NewPDClient(cc grpc.ClientConnInterface) PDClient {
	return &pdClient{cc: cc}
}

func (c *pdClient) invoke(ctx context.Context, method string, in, out interface{}, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, method, in, out, opts...)
}

func (c *pdClient) RegionHeartbeat(ctx context.Context, in *RegionHeartbeatRequest, opts ...grpc.CallOption) (*RegionHeartbeatResponse, error) {
	out := new(RegionHeartbeatResponse)
	if err := c.invoke(ctx, "/tikv.api.PD/RegionHeartbeat", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *pdClient) StoreHeartbeat(ctx context.Context, in *StoreHeartbeatRequest, opts ...grpc.CallOption) (*StoreHeartbeatResponse, error) {
	out := new(StoreHeartbeatResponse)
	if err := c.invoke(ctx, "/tikv.api.PD/StoreHeartbeat", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *pdClient) AllocID(ctx context.Context, in *AllocIDRequest, opts ...grpc.CallOption) (*AllocIDResponse, error) {
	out := new(AllocIDResponse)
	if err := c.invoke(ctx, "/tikv.api.PD/AllocID", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *pdClient) GetRegion(ctx context.Context, in *GetRegionRequest, opts ...grpc.CallOption) (*GetRegionResponse, error) {
	out := new(GetRegionResponse)
	if err := c.invoke(ctx, "/tikv.api.PD/GetRegion", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func _PD_RegionHeartbeat_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RegionHeartbeatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PDServer).RegionHeartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/tikv.api.PD/RegionHeartbeat"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PDServer).RegionHeartbeat(ctx, req.(*RegionHeartbeatRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _PD_StoreHeartbeat_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StoreHeartbeatRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PDServer).StoreHeartbeat(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/tikv.api.PD/StoreHeartbeat"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PDServer).StoreHeartbeat(ctx, req.(*StoreHeartbeatRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _PD_AllocID_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(AllocIDRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PDServer).AllocID(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/tikv.api.PD/AllocID"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PDServer).AllocID(ctx, req.(*AllocIDRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _PD_GetRegion_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetRegionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(PDServer).GetRegion(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/tikv.api.PD/GetRegion"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(PDServer).GetRegion(ctx, req.(*GetRegionRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var pdServiceDesc = grpc.ServiceDesc{
	ServiceName: "tikv.api.PD",
	HandlerType: (*PDServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "RegionHeartbeat", Handler: _PD_RegionHeartbeat_Handler},
		{MethodName: "StoreHeartbeat", Handler: _PD_StoreHeartbeat_Handler},
		{MethodName: "AllocID", Handler: _PD_AllocID_Handler},
		{MethodName: "GetRegion", Handler: _PD_GetRegion_Handler},
	},
}

func RegisterPDServer(s grpc.ServiceRegistrar, srv PDServer) {
	s.RegisterService(&pdServiceDesc, srv)
}
