package transport

import (
	"errors"
	"sync"

	"github.com/Shylock-Hg/tikv/pkg/api"
)

// Handler consumes raft message envelopes on the receiving store.
type Handler interface {
	HandleRaftMessage(msg *api.RaftMessage) error
}

var ErrStoreUnreachable = errors.New("transport: store unreachable")

// MemoryNetwork connects stores in-process. Useful for tests and
// single-binary demos; SetDrop lets a test inject loss or partitions.
type MemoryNetwork struct {
	mu       sync.RWMutex
	handlers map[uint64]Handler
	drop     func(msg *api.RaftMessage) bool
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{handlers: make(map[uint64]Handler)}
}

// Register attaches a store's handler to the network.
func (n *MemoryNetwork) Register(storeID uint64, h Handler) {
	n.mu.Lock()
	n.handlers[storeID] = h
	n.mu.Unlock()
}

// Unregister detaches a store, simulating a crashed node.
func (n *MemoryNetwork) Unregister(storeID uint64) {
	n.mu.Lock()
	delete(n.handlers, storeID)
	n.mu.Unlock()
}

// SetDrop installs a per-message filter; returning true discards the
// message. Pass nil to heal the network.
func (n *MemoryNetwork) SetDrop(fn func(msg *api.RaftMessage) bool) {
	n.mu.Lock()
	n.drop = fn
	n.mu.Unlock()
}

// Transport returns the sending side for one store.
func (n *MemoryNetwork) Transport(storeID uint64) *MemoryTransport {
	return &MemoryTransport{net: n, storeID: storeID}
}

// MemoryTransport implements the store transport over a MemoryNetwork.
type MemoryTransport struct {
	net     *MemoryNetwork
	storeID uint64
}

func (t *MemoryTransport) Send(msg *api.RaftMessage) error {
	t.net.mu.RLock()
	drop := t.net.drop
	h, ok := t.net.handlers[msg.ToPeer.StoreID]
	t.net.mu.RUnlock()
	if drop != nil && drop(msg) {
		return nil
	}
	if !ok {
		return ErrStoreUnreachable
	}
	return h.HandleRaftMessage(msg)
}
