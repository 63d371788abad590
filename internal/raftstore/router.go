package raftstore

import (
	"sync"
	"sync/atomic"
	"time"

	regionpkg "github.com/Shylock-Hg/tikv/internal/region"
)

// mailbox is the single entry point into a peer. Messages queue on a
// bounded channel; exactly one worker at a time drains it, which is what
// makes the peer single-writer without locks.
type mailbox struct {
	peer      *Peer
	ch        chan Message
	scheduled atomic.Bool
}

// Router owns the peer mailboxes and the readiness queue the worker pool
// feeds from. Messages for regions with no local peer fall through to the
// store mailbox, which may create the peer.
type Router struct {
	mu        sync.RWMutex
	mailboxes map[regionpkg.ID]*mailbox

	readyCh chan *mailbox
	storeCh chan Message
	stopc   chan struct{}
}

func newRouter(mailboxCap int) *Router {
	return &Router{
		mailboxes: make(map[regionpkg.ID]*mailbox),
		readyCh:   make(chan *mailbox, 4096),
		storeCh:   make(chan Message, mailboxCap),
		stopc:     make(chan struct{}),
	}
}

func (r *Router) register(p *Peer, capacity int) *mailbox {
	mb := &mailbox{peer: p, ch: make(chan Message, capacity)}
	r.mu.Lock()
	r.mailboxes[p.regionID] = mb
	r.mu.Unlock()
	return mb
}

func (r *Router) unregister(id regionpkg.ID) {
	r.mu.Lock()
	delete(r.mailboxes, id)
	r.mu.Unlock()
}

func (r *Router) mailbox(id regionpkg.ID) *mailbox {
	r.mu.RLock()
	mb := r.mailboxes[id]
	r.mu.RUnlock()
	return mb
}

// Send enqueues a message for a peer without blocking. A full mailbox is
// backpressure: the caller gets ErrMailboxFull and retries later.
func (r *Router) Send(id regionpkg.ID, msg Message) error {
	mb := r.mailbox(id)
	if mb == nil {
		return ErrRegionNotFound
	}
	select {
	case mb.ch <- msg:
		r.schedule(mb)
		return nil
	case <-r.stopc:
		return ErrStoreStopped
	default:
		return ErrMailboxFull
	}
}

// sendBlocking delivers must-not-drop messages such as apply results. It
// waits out a full mailbox, re-checking that the peer still exists so a
// destroyed region cannot wedge a worker.
func (r *Router) sendBlocking(id regionpkg.ID, msg Message) error {
	for {
		mb := r.mailbox(id)
		if mb == nil {
			return ErrRegionNotFound
		}
		select {
		case mb.ch <- msg:
			r.schedule(mb)
			return nil
		case <-r.stopc:
			return ErrStoreStopped
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// sendStore routes a message to the store-level mailbox.
func (r *Router) sendStore(msg Message) error {
	select {
	case r.storeCh <- msg:
		return nil
	case <-r.stopc:
		return ErrStoreStopped
	default:
		return ErrMailboxFull
	}
}

// schedule puts the mailbox on the readiness queue unless it is already
// there. The scheduled flag guarantees at most one worker owns a peer.
func (r *Router) schedule(mb *mailbox) {
	if mb.scheduled.CompareAndSwap(false, true) {
		select {
		case r.readyCh <- mb:
		case <-r.stopc:
		}
	}
}

// finish releases the mailbox after a processing round and reschedules it
// when messages arrived in the meantime.
func (r *Router) finish(mb *mailbox) {
	mb.scheduled.Store(false)
	if len(mb.ch) > 0 {
		r.schedule(mb)
	}
}

func (r *Router) close() {
	close(r.stopc)
}

// worker drains one peer at a time: up to batch messages, then the peer's
// raft ready. Requeueing after each round keeps dispatch round-robin fair
// across busy peers.
func (r *Router) worker(batch int, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		select {
		case <-r.stopc:
			return
		case mb := <-r.readyCh:
			p := mb.peer
		drain:
			for i := 0; i < batch; i++ {
				select {
				case msg := <-mb.ch:
					p.handleMessage(msg)
				default:
					break drain
				}
			}
			p.handleRaftReady()
			r.finish(mb)
		}
	}
}
