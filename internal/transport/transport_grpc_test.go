package transport

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"

	"github.com/Shylock-Hg/tikv/pkg/api"
)

type recordingHandler struct {
	ch chan *api.RaftMessage
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{ch: make(chan *api.RaftMessage, 8)}
}

func (h *recordingHandler) HandleRaftMessage(msg *api.RaftMessage) error {
	select {
	case h.ch <- msg:
	default:
	}
	return nil
}

func envelope(region, from, to uint64) *api.RaftMessage {
	return &api.RaftMessage{
		RegionID: region,
		FromPeer: api.PeerMeta{ID: from, StoreID: 1},
		ToPeer:   api.PeerMeta{ID: to, StoreID: 2},
		Message:  []byte{0x08, 0x01},
	}
}

func TestGRPCTransportSend(t *testing.T) {
	handler := newRecordingHandler()
	server := grpc.NewServer()
	RegisterGRPCTransportServer(server, handler)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer lis.Close()

	go func() { _ = server.Serve(lis) }()
	defer server.GracefulStop()

	trans := NewGRPCTransport(1, DefaultDialer{})
	defer trans.Close()
	trans.SetStoreAddress(2, lis.Addr().String())

	require.NoError(t, trans.Send(envelope(7, 101, 102)))

	select {
	case got := <-handler.ch:
		require.Equal(t, uint64(7), got.RegionID)
		require.Equal(t, uint64(101), got.FromPeer.ID)
		require.Equal(t, uint64(2), got.ToPeer.StoreID)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestGRPCTransportUnknownStore(t *testing.T) {
	trans := NewGRPCTransport(1, DefaultDialer{})
	defer trans.Close()
	err := trans.Send(envelope(7, 101, 102))
	require.ErrorIs(t, err, ErrStoreUnreachable)
}

func TestMemoryNetworkDrop(t *testing.T) {
	net := NewMemoryNetwork()
	handler := newRecordingHandler()
	net.Register(2, handler)

	trans := net.Transport(1)
	require.NoError(t, trans.Send(envelope(7, 101, 102)))
	require.Len(t, handler.ch, 1)

	net.SetDrop(func(*api.RaftMessage) bool { return true })
	require.NoError(t, trans.Send(envelope(7, 101, 102)))
	require.Len(t, handler.ch, 1)

	net.Unregister(2)
	net.SetDrop(nil)
	require.ErrorIs(t, trans.Send(envelope(7, 101, 102)), ErrStoreUnreachable)
}
