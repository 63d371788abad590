package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/Shylock-Hg/tikv/pkg/api"
)

// GRPCDialer abstracts dialing so tests can inject custom behaviour.
type GRPCDialer interface {
	Dial(ctx context.Context, target string) (*grpc.ClientConn, error)
}

type DefaultDialer struct{}

func (DefaultDialer) Dial(ctx context.Context, target string) (*grpc.ClientConn, error) {
	return grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
}

type clientStream struct {
	conn   *grpc.ClientConn
	stream api.RaftTransport_SendClient
}

// GRPCTransport sends raft envelopes over one cached client stream per
// destination store, reconnecting on send failure.
type GRPCTransport struct {
	mu        sync.RWMutex
	storeID   uint64
	addresses map[uint64]string
	streams   map[uint64]*clientStream
	dialer    GRPCDialer
}

func NewGRPCTransport(storeID uint64, dialer GRPCDialer) *GRPCTransport {
	if dialer == nil {
		dialer = DefaultDialer{}
	}
	return &GRPCTransport{
		storeID:   storeID,
		addresses: make(map[uint64]string),
		streams:   make(map[uint64]*clientStream),
		dialer:    dialer,
	}
}

// SetStoreAddress records where a store can be reached. Safe to call again
// when a store moves; the next send redials.
func (t *GRPCTransport) SetStoreAddress(storeID uint64, addr string) {
	t.mu.Lock()
	if t.addresses[storeID] != addr {
		t.addresses[storeID] = addr
		t.closeStreamLocked(storeID)
	}
	t.mu.Unlock()
}

// RemoveStore drops the address and any live stream for a store.
func (t *GRPCTransport) RemoveStore(storeID uint64) {
	t.mu.Lock()
	delete(t.addresses, storeID)
	t.closeStreamLocked(storeID)
	t.mu.Unlock()
}

// Close tears down every cached stream.
func (t *GRPCTransport) Close() {
	t.mu.Lock()
	for id := range t.streams {
		t.closeStreamLocked(id)
	}
	t.mu.Unlock()
}

func (t *GRPCTransport) Send(msg *api.RaftMessage) error {
	to := msg.ToPeer.StoreID
	cs, err := t.ensureStream(to)
	if err != nil {
		return err
	}
	if err := cs.stream.Send(msg); err != nil {
		t.closeStream(to)
		return err
	}
	return nil
}

func (t *GRPCTransport) ensureStream(to uint64) (*clientStream, error) {
	t.mu.RLock()
	cs, ok := t.streams[to]
	addr := t.addresses[to]
	t.mu.RUnlock()
	if ok {
		return cs, nil
	}
	if addr == "" {
		return nil, fmt.Errorf("%w: no address for store %d", ErrStoreUnreachable, to)
	}
	conn, err := t.dialer.Dial(context.Background(), addr)
	if err != nil {
		return nil, err
	}
	client := api.NewRaftTransportClient(conn)
	stream, err := client.Send(context.Background())
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	t.mu.Lock()
	// Lost the race: keep the established stream, drop ours.
	if existing, ok := t.streams[to]; ok {
		t.mu.Unlock()
		_ = stream.CloseSend()
		_ = conn.Close()
		return existing, nil
	}
	cs = &clientStream{conn: conn, stream: stream}
	t.streams[to] = cs
	t.mu.Unlock()
	return cs, nil
}

func (t *GRPCTransport) closeStream(to uint64) {
	t.mu.Lock()
	t.closeStreamLocked(to)
	t.mu.Unlock()
}

func (t *GRPCTransport) closeStreamLocked(to uint64) {
	if cs, ok := t.streams[to]; ok {
		_, _ = cs.stream.CloseAndRecv()
		_ = cs.conn.Close()
		delete(t.streams, to)
	}
}

// GRPCTransportServer receives envelope streams and feeds them to the local
// store.
type GRPCTransportServer struct {
	handler Handler
}

func NewGRPCTransportServer(handler Handler) *GRPCTransportServer {
	return &GRPCTransportServer{handler: handler}
}

func (s *GRPCTransportServer) Send(stream api.RaftTransport_SendServer) error {
	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return stream.SendAndClose(&api.RaftAck{})
		}
		if err != nil {
			return err
		}
		// Raft tolerates loss; a full mailbox must not kill the stream.
		_ = s.handler.HandleRaftMessage(msg)
	}
}

func RegisterGRPCTransportServer(s grpc.ServiceRegistrar, handler Handler) {
	api.RegisterRaftTransportServer(s, NewGRPCTransportServer(handler))
}
