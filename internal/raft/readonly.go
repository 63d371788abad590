package raft

import "go.etcd.io/etcd/raft/v3/raftpb"

// ReadState carries the outcome of a ReadIndex request: reads registered
// with RequestCtx may be served once the local applied index reaches Index.
type ReadState struct {
	Index      uint64
	RequestCtx []byte
}

type readIndexStatus struct {
	req   raftpb.Message
	index uint64
	acks  map[uint64]struct{}
}

// readOnly tracks pending ReadIndex requests. A request is confirmed once a
// quorum of heartbeat responses carrying its context has arrived, proving
// the leader still held leadership when the request was registered.
type readOnly struct {
	pendingReadIndex map[string]*readIndexStatus
	readIndexQueue   []string
}

func newReadOnly() *readOnly {
	return &readOnly{pendingReadIndex: make(map[string]*readIndexStatus)}
}

// addRequest records a read-only request keyed by its context. index is the
// leader's commit index at registration time.
func (ro *readOnly) addRequest(index uint64, m raftpb.Message) {
	ctx := string(m.Entries[0].Data)
	if _, ok := ro.pendingReadIndex[ctx]; ok {
		return
	}
	ro.pendingReadIndex[ctx] = &readIndexStatus{index: index, req: m, acks: make(map[uint64]struct{})}
	ro.readIndexQueue = append(ro.readIndexQueue, ctx)
}

// recvAck notes a heartbeat response for the given context and returns the
// current ack count.
func (ro *readOnly) recvAck(from uint64, context []byte) int {
	rs, ok := ro.pendingReadIndex[string(context)]
	if !ok {
		return 0
	}
	rs.acks[from] = struct{}{}
	// add one to include the leader itself
	return len(rs.acks) + 1
}

// advance pops all requests up to and including the one identified by the
// given context; the heartbeat quorum that confirmed it confirms everything
// queued before it too.
func (ro *readOnly) advance(context []byte) []*readIndexStatus {
	var (
		i     int
		found bool
	)
	ctx := string(context)
	var rss []*readIndexStatus
	for _, okctx := range ro.readIndexQueue {
		i++
		rs, ok := ro.pendingReadIndex[okctx]
		if !ok {
			panic("raft: cannot find corresponding read state from pending map")
		}
		rss = append(rss, rs)
		if okctx == ctx {
			found = true
			break
		}
	}
	if found {
		ro.readIndexQueue = ro.readIndexQueue[i:]
		for _, rs := range rss {
			delete(ro.pendingReadIndex, string(rs.req.Entries[0].Data))
		}
		return rss
	}
	return nil
}

// lastPendingRequestCtx returns the context of the most recent request, so
// heartbeats can piggyback it.
func (ro *readOnly) lastPendingRequestCtx() string {
	if len(ro.readIndexQueue) == 0 {
		return ""
	}
	return ro.readIndexQueue[len(ro.readIndexQueue)-1]
}

func (ro *readOnly) reset() {
	ro.pendingReadIndex = make(map[string]*readIndexStatus)
	ro.readIndexQueue = nil
}
