package api

import (
	"context"

	"google.golang.org/grpc"
)

// RegionEpoch mirrors the region's structural version counters on the wire.
type RegionEpoch struct {
	Version     uint64 `json:"version"`
	ConfVersion uint64 `json:"conf_version"`
}

// PeerMeta identifies one replica of a region.
type PeerMeta struct {
	ID        uint64 `json:"id"`
	StoreID   uint64 `json:"store_id"`
	IsLearner bool   `json:"is_learner,omitempty"`
}

// RaftMessage is the transport envelope for one raft protocol message. The
// region metadata lets the receiving store create the peer on first contact
// and reject stale senders.
type RaftMessage struct {
	RegionID uint64      `json:"region_id"`
	FromPeer PeerMeta    `json:"from_peer"`
	ToPeer   PeerMeta    `json:"to_peer"`
	Epoch    RegionEpoch `json:"epoch"`
	StartKey []byte      `json:"start_key,omitempty"`
	EndKey   []byte      `json:"end_key,omitempty"`
	// Message holds the raftpb.Message in its proto encoding.
	Message []byte `json:"message"`
	// IsTombstone tells the receiver its peer was removed and should
	// destroy itself.
	IsTombstone bool `json:"is_tombstone,omitempty"`
}

// RaftAck closes a raft send stream.
type RaftAck struct{}

// --- RaftTransport service (client-streaming Send) ---

type RaftTransport_SendClient interface {
	Send(*RaftMessage) error
	CloseAndRecv() (*RaftAck, error)
	grpc.ClientStream
}

type RaftTransport_SendServer interface {
	Recv() (*RaftMessage, error)
	SendAndClose(*RaftAck) error
	grpc.ServerStream
}

type RaftTransportClient interface {
	Send(ctx context.Context, opts ...grpc.CallOption) (RaftTransport_SendClient, error)
}

type RaftTransportServer interface {
	Send(RaftTransport_SendServer) error
}

type raftTransportClient struct {
	cc grpc.ClientConnInterface
}

func NewRaftTransportClient(cc grpc.ClientConnInterface) RaftTransportClient {
	return &raftTransportClient{cc: cc}
}

func (c *raftTransportClient) Send(ctx context.Context, opts ...grpc.CallOption) (RaftTransport_SendClient, error) {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	stream, err := c.cc.NewStream(ctx, &raftTransportServiceDesc.Streams[0], "/tikv.api.RaftTransport/Send", opts...)
	if err != nil {
		return nil, err
	}
	return &raftTransportSendClient{stream}, nil
}

type raftTransportSendClient struct {
	grpc.ClientStream
}

func (x *raftTransportSendClient) Send(m *RaftMessage) error {
	return x.ClientStream.SendMsg(m)
}

func (x *raftTransportSendClient) CloseAndRecv() (*RaftAck, error) {
	if err := x.ClientStream.CloseSend(); err != nil {
		return nil, err
	}
	ack := new(RaftAck)
	if err := x.ClientStream.RecvMsg(ack); err != nil {
		return nil, err
	}
	return ack, nil
}

type raftTransportSendServer struct {
	grpc.ServerStream
}

func (x *raftTransportSendServer) Recv() (*RaftMessage, error) {
	m := new(RaftMessage)
	if err := x.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (x *raftTransportSendServer) SendAndClose(ack *RaftAck) error {
	return x.ServerStream.SendMsg(ack)
}

func _RaftTransport_Send_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(RaftTransportServer).Send(&raftTransportSendServer{stream})
}

var raftTransportServiceDesc = grpc.ServiceDesc{
	ServiceName: "tikv.api.RaftTransport",
	HandlerType: (*RaftTransportServer)(nil),
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Send",
			Handler:       _RaftTransport_Send_Handler,
			ClientStreams: true,
		},
	},
}

func RegisterRaftTransportServer(s grpc.ServiceRegistrar, srv RaftTransportServer) {
	s.RegisterService(&raftTransportServiceDesc, srv)
}
