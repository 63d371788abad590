package api

import (
	"context"

	"google.golang.org/grpc"
)

// RequestHeader routes a command to a region and carries the epoch the
// client last observed. A stale epoch gets the current metadata back in the
// region error so the client can refresh its cache.
type RequestHeader struct {
	RegionID uint64      `json:"region_id"`
	Epoch    RegionEpoch `json:"epoch"`
}

// RegionError reports routing level failures the client can recover from.
type RegionError struct {
	Message    string  `json:"message"`
	NotLeader  bool    `json:"not_leader,omitempty"`
	LeaderHint uint64  `json:"leader_hint,omitempty"` // peer id
	StaleEpoch bool    `json:"stale_epoch,omitempty"`
	Current    *Region `json:"current,omitempty"`
	Retryable  bool    `json:"retryable,omitempty"`
}

// Region is the wire form of region metadata returned to clients.
type Region struct {
	ID       uint64      `json:"id"`
	StartKey []byte      `json:"start_key,omitempty"`
	EndKey   []byte      `json:"end_key,omitempty"`
	Epoch    RegionEpoch `json:"epoch"`
	Peers    []PeerMeta  `json:"peers,omitempty"`
	Leader   uint64      `json:"leader,omitempty"`
}

// ReadConsistency selects the read path.
type ReadConsistency int32

const (
	ReadConsistencyLease ReadConsistency = iota
	ReadConsistencyIndex
	ReadConsistencyStale
)

type PutRequest struct {
	Header RequestHeader `json:"header"`
	Key    []byte        `json:"key"`
	Value  []byte        `json:"value"`
}

type PutResponse struct {
	RegionError *RegionError `json:"region_error,omitempty"`
}

type DeleteRequest struct {
	Header RequestHeader `json:"header"`
	Key    []byte        `json:"key"`
}

type DeleteResponse struct {
	RegionError *RegionError `json:"region_error,omitempty"`
}

type GetRequest struct {
	Header      RequestHeader   `json:"header"`
	Key         []byte          `json:"key"`
	Consistency ReadConsistency `json:"consistency"`
}

type GetResponse struct {
	RegionError *RegionError `json:"region_error,omitempty"`
	Value       []byte       `json:"value,omitempty"`
	Found       bool         `json:"found"`
}

// RegionsRequest asks the store for its current region layout.
type RegionsRequest struct{}

type RegionsResponse struct {
	Regions []*Region `json:"regions,omitempty"`
}

type KVServer interface {
	Put(context.Context, *PutRequest) (*PutResponse, error)
	Get(context.Context, *GetRequest) (*GetResponse, error)
	Delete(context.Context, *DeleteRequest) (*DeleteResponse, error)
	Regions(context.Context, *RegionsRequest) (*RegionsResponse, error)
}

type KVClient interface {
	Put(ctx context.Context, in *PutRequest, opts ...grpc.CallOption) (*PutResponse, error)
	Get(ctx context.Context, in *GetRequest, opts ...grpc.CallOption) (*GetResponse, error)
	Delete(ctx context.Context, in *DeleteRequest, opts ...grpc.CallOption) (*DeleteResponse, error)
	Regions(ctx context.Context, in *RegionsRequest, opts ...grpc.CallOption) (*RegionsResponse, error)
}

type kvClient struct {
	cc grpc.ClientConnInterface
}

func NewKVClient(cc grpc.ClientConnInterface) KVClient {
	return &kvClient{cc: cc}
}

func (c *kvClient) invoke(ctx context.Context, method string, in, out interface{}, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, method, in, out, opts...)
}

func (c *kvClient) Put(ctx context.Context, in *PutRequest, opts ...grpc.CallOption) (*PutResponse, error) {
	out := new(PutResponse)
	if err := c.invoke(ctx, "/tikv.api.KV/Put", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *kvClient) Get(ctx context.Context, in *GetRequest, opts ...grpc.CallOption) (*GetResponse, error) {
	out := new(GetResponse)
	if err := c.invoke(ctx, "/tikv.api.KV/Get", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *kvClient) Delete(ctx context.Context, in *DeleteRequest, opts ...grpc.CallOption) (*DeleteResponse, error) {
	out := new(DeleteResponse)
	if err := c.invoke(ctx, "/tikv.api.KV/Delete", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *kvClient) Regions(ctx context.Context, in *RegionsRequest, opts ...grpc.CallOption) (*RegionsResponse, error) {
	out := new(RegionsResponse)
	if err := c.invoke(ctx, "/tikv.api.KV/Regions", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func _KV_Put_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(PutRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVServer).Put(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/tikv.api.KV/Put"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KVServer).Put(ctx, req.(*PutRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _KV_Get_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(GetRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/tikv.api.KV/Get"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KVServer).Get(ctx, req.(*GetRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _KV_Delete_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DeleteRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVServer).Delete(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/tikv.api.KV/Delete"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KVServer).Delete(ctx, req.(*DeleteRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _KV_Regions_Handler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RegionsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(KVServer).Regions(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/tikv.api.KV/Regions"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(KVServer).Regions(ctx, req.(*RegionsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

var kvServiceDesc = grpc.ServiceDesc{
	ServiceName: "tikv.api.KV",
	HandlerType: (*KVServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Put", Handler: _KV_Put_Handler},
		{MethodName: "Get", Handler: _KV_Get_Handler},
		{MethodName: "Delete", Handler: _KV_Delete_Handler},
		{MethodName: "Regions", Handler: _KV_Regions_Handler},
	},
}

func RegisterKVServer(s grpc.ServiceRegistrar, srv KVServer) {
	s.RegisterService(&kvServiceDesc, srv)
}
