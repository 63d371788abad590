package raftstore

import (
	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/Shylock-Hg/tikv/internal/region"
	"github.com/Shylock-Hg/tikv/pkg/api"
)

// MsgType tags messages flowing through peer mailboxes. Everything that
// touches a peer goes through its mailbox so a single worker at a time
// mutates it.
type MsgType int

const (
	// MsgTypeRaftMessage carries a raft protocol message from another store.
	MsgTypeRaftMessage MsgType = iota
	// MsgTypeTick drives elections, heartbeats and periodic checks.
	MsgTypeTick
	// MsgTypeProposal carries a client command with its callback.
	MsgTypeProposal
	// MsgTypeRead carries a consistent read request.
	MsgTypeRead
	// MsgTypeApplyResult returns the outcome of an apply batch to the peer.
	MsgTypeApplyResult
	// MsgTypeSnapshotGenerated hands a built snapshot to the peer.
	MsgTypeSnapshotGenerated
	// MsgTypeSnapshotFailed reports that snapshot generation gave up after
	// its retry budget.
	MsgTypeSnapshotFailed
	// MsgTypeCommitMerge asks the merge target to propose the commit phase.
	MsgTypeCommitMerge
	// MsgTypeTransferLeader asks the peer to hand leadership away.
	MsgTypeTransferLeader
	// MsgTypeDestroy tears the peer down and removes its data.
	MsgTypeDestroy
	// MsgTypeCampaign makes a freshly split child elect immediately
	// instead of waiting out an election timeout.
	MsgTypeCampaign
	// MsgTypePDHeartbeat makes a leader peer report to the placement
	// service.
	MsgTypePDHeartbeat
	// MsgTypeApplyFatal reports an unrecoverable apply-side failure; the
	// peer takes the region out of service.
	MsgTypeApplyFatal
)

// Message is one unit of work in a peer mailbox.
type Message struct {
	Type     MsgType
	RegionID region.ID
	Data     interface{}
}

// Callback delivers the outcome of an asynchronous command exactly once.
type Callback struct {
	done chan CmdResult
}

// CmdResult is what a proposal or read resolves to.
type CmdResult struct {
	Err   error
	Value []byte // read result, nil for writes
}

// NewCallback returns a callback with a buffered completion channel so the
// resolving worker never blocks.
func NewCallback() *Callback {
	return &Callback{done: make(chan CmdResult, 1)}
}

// Done resolves the callback. Extra calls are dropped.
func (c *Callback) Done(res CmdResult) {
	if c == nil {
		return
	}
	select {
	case c.done <- res:
	default:
	}
}

// Wait blocks until the callback resolves.
func (c *Callback) Wait() CmdResult { return <-c.done }

// Chan exposes the completion channel for select loops.
func (c *Callback) Chan() <-chan CmdResult { return c.done }

// proposalRequest pairs a command with its callback on the mailbox.
type proposalRequest struct {
	cmd *Command
	cc  *raftpb.ConfChange
	cb  *Callback
}

// ReadConsistency selects how a read is made linearizable (or not).
type ReadConsistency int

const (
	// ReadLease serves from the leader's applied state while its lease
	// holds, falling back to ReadIndex when it does not.
	ReadLease ReadConsistency = iota
	// ReadIndex confirms leadership with a quorum round before reading.
	ReadIndex
	// ReadStale reads local applied state on any peer. May lag.
	ReadStale
)

type readRequest struct {
	key         []byte
	epoch       region.Epoch
	consistency ReadConsistency
	cb          *Callback
}

// transferLeaderRequest carries the target peer for a leadership handover.
type transferLeaderRequest struct {
	targetPeer uint64
	cb         *Callback
}

// commitMergeRequest asks the target peer to propose CommitMerge for the
// prepared source region.
type commitMergeRequest struct {
	source region.Region
}

// inboundRaftMessage pairs the transport envelope with its decoded raft
// payload.
type inboundRaftMessage struct {
	env *api.RaftMessage
	msg raftpb.Message
}

// snapshotGenerated carries a finished snapshot back to its peer.
type snapshotGenerated struct {
	snap raftpb.Snapshot
}
