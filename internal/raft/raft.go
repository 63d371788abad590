package raft

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"sort"

	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"
)

// None is a placeholder node ID used when there is no leader.
const None uint64 = 0

// StateType is the role of a node in the consensus group.
type StateType uint64

const (
	StateFollower StateType = iota
	StateCandidate
	StateLeader
	StatePreCandidate
)

var stateNames = [...]string{
	"StateFollower",
	"StateCandidate",
	"StateLeader",
	"StatePreCandidate",
}

func (st StateType) String() string { return stateNames[st] }

type campaignType string

const (
	// campaignPreElection probes cluster liveness before bumping the term.
	campaignPreElection campaignType = "CampaignPreElection"
	// campaignElection is a normal time-based election.
	campaignElection campaignType = "CampaignElection"
	// campaignTransfer is an election forced by a leadership transfer; it
	// overrides leader-lease vote protection on the receivers.
	campaignTransfer campaignType = "CampaignTransfer"
)

// Config holds the parameters to start a Raft instance.
type Config struct {
	// ID is the identity of this peer. Cannot be 0.
	ID uint64

	// Peers holds the IDs of all voters when bootstrapping a fresh group.
	// Restarting nodes recover the configuration from Storage instead.
	Peers []uint64
	// Learners holds the IDs of learner replicas at bootstrap.
	Learners []uint64

	// ElectionTick is the number of Tick calls without leader contact after
	// which a follower campaigns. Randomized jitter in
	// [ElectionTick, 2*ElectionTick) breaks ties between candidates.
	ElectionTick int
	// HeartbeatTick is the number of Tick calls between leader heartbeats.
	HeartbeatTick int

	// Storage provides the persisted log prefix and initial states.
	Storage Storage
	// Applied is the last applied index, set on restart so committed
	// entries are not re-delivered.
	Applied uint64

	// MaxSizePerMsg caps the byte size of each append message.
	MaxSizePerMsg uint64
	// MaxInflightMsgs caps optimistic in-flight append messages per
	// follower.
	MaxInflightMsgs int

	// CheckQuorum makes the leader step down when it cannot reach a quorum
	// within an election timeout, and lets followers ignore vote requests
	// while they believe a current leader exists.
	CheckQuorum bool
	// PreVote enables the two-phase election that avoids term inflation
	// from partitioned nodes.
	PreVote bool

	Logger *zap.Logger
}

func (c *Config) validate() error {
	if c.ID == None {
		return errors.New("raft: cannot use none as id")
	}
	if c.HeartbeatTick <= 0 {
		return errors.New("raft: heartbeat tick must be greater than 0")
	}
	if c.ElectionTick <= c.HeartbeatTick {
		return errors.New("raft: election tick must be greater than heartbeat tick")
	}
	if c.Storage == nil {
		return errors.New("raft: storage cannot be nil")
	}
	if c.MaxInflightMsgs <= 0 {
		return errors.New("raft: max inflight messages must be greater than 0")
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	return nil
}

// Raft is a single consensus group's state machine. It is not goroutine
// safe: the owner must guarantee single-writer access (the raftstore router
// does this by construction).
type Raft struct {
	id uint64

	Term uint64
	Vote uint64

	readStates []ReadState

	raftLog *raftLog

	maxMsgSize      uint64
	maxInflight     int
	prs             map[uint64]*Progress
	state           StateType
	votes           map[uint64]bool
	msgs            []raftpb.Message
	lead            uint64
	leadTransferee  uint64
	pendingConfIndex uint64
	readOnly        *readOnly

	// number of ticks since it reached last electionTimeout or received a
	// valid message from current leader while it is a follower.
	electionElapsed  int
	heartbeatElapsed int

	checkQuorum bool
	preVote     bool

	heartbeatTimeout          int
	electionTimeout           int
	randomizedElectionTimeout int

	tick func()
	step stepFunc

	prevSoftSt *SoftState
	prevHardSt raftpb.HardState

	rand   *rand.Rand
	logger *zap.Logger
}

type stepFunc func(r *Raft, m raftpb.Message) error

// NewRaft constructs a Raft instance from config and storage state.
func NewRaft(c *Config) (*Raft, error) {
	if err := c.validate(); err != nil {
		return nil, err
	}
	raftlog := newLog(c.Storage, c.MaxSizePerMsg)
	hs, cs, err := c.Storage.InitialState()
	if err != nil {
		return nil, err
	}
	peers := c.Peers
	learners := c.Learners
	if len(cs.Voters) > 0 || len(cs.Learners) > 0 {
		if len(peers) > 0 || len(learners) > 0 {
			return nil, errors.New("raft: cannot specify both bootstrap peers and a non-empty ConfState")
		}
		peers = cs.Voters
		learners = cs.Learners
	}
	r := &Raft{
		id:               c.ID,
		lead:             None,
		raftLog:          raftlog,
		maxMsgSize:       c.MaxSizePerMsg,
		maxInflight:      c.MaxInflightMsgs,
		prs:              make(map[uint64]*Progress),
		electionTimeout:  c.ElectionTick,
		heartbeatTimeout: c.HeartbeatTick,
		checkQuorum:      c.CheckQuorum,
		preVote:          c.PreVote,
		readOnly:         newReadOnly(),
		logger:           c.Logger.Named("raft").With(zap.Uint64("id", c.ID)),
	}
	r.rand = rand.New(rand.NewSource(int64(c.ID)))
	for _, p := range peers {
		r.prs[p] = &Progress{Next: 1, ins: newInflights(r.maxInflight)}
	}
	for _, p := range learners {
		if _, ok := r.prs[p]; ok {
			return nil, fmt.Errorf("raft: node %d is in both learner and peer list", p)
		}
		r.prs[p] = &Progress{Next: 1, ins: newInflights(r.maxInflight), IsLearner: true}
	}

	if !IsEmptyHardState(hs) {
		r.loadState(hs)
	}
	if c.Applied > 0 {
		raftlog.appliedTo(c.Applied)
	}
	r.becomeFollower(r.Term, None)
	r.prevSoftSt = r.softState()
	r.prevHardSt = r.hardState()

	return r, nil
}

func (r *Raft) softState() *SoftState { return &SoftState{Lead: r.lead, RaftState: r.state} }

func (r *Raft) hardState() raftpb.HardState {
	return raftpb.HardState{
		Term:   r.Term,
		Vote:   r.Vote,
		Commit: r.raftLog.committed,
	}
}

// ID returns the peer id this instance was configured with.
func (r *Raft) ID() uint64 { return r.id }

// State returns the current role.
func (r *Raft) State() StateType { return r.state }

// Lead returns the best-known leader id, None if unknown.
func (r *Raft) Lead() uint64 { return r.lead }

// CommittedIndex returns the current commit cursor.
func (r *Raft) CommittedIndex() uint64 { return r.raftLog.committed }

// AppliedIndex returns the current apply cursor.
func (r *Raft) AppliedIndex() uint64 { return r.raftLog.applied }

// LastIndex returns the last index in the log.
func (r *Raft) LastIndex() uint64 { return r.raftLog.lastIndex() }

// LeadTransferee returns the in-flight transfer target, None when idle.
func (r *Raft) LeadTransferee() uint64 { return r.leadTransferee }

// Progress returns a copy of the leader's progress map (nil on followers).
func (r *Raft) ProgressMap() map[uint64]Progress {
	if r.state != StateLeader {
		return nil
	}
	out := make(map[uint64]Progress, len(r.prs))
	for id, pr := range r.prs {
		out[id] = *pr
	}
	return out
}

func (r *Raft) quorum() int { return len(r.voterIDs())/2 + 1 }

func (r *Raft) voterIDs() []uint64 {
	ids := make([]uint64, 0, len(r.prs))
	for id, pr := range r.prs {
		if !pr.IsLearner {
			ids = append(ids, id)
		}
	}
	return ids
}

func (r *Raft) nodeIDs() []uint64 {
	ids := make([]uint64, 0, len(r.prs))
	for id := range r.prs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// send schedules m for delivery, stamping term and sender.
func (r *Raft) send(m raftpb.Message) {
	m.From = r.id
	if m.Type == raftpb.MsgVote || m.Type == raftpb.MsgVoteResp ||
		m.Type == raftpb.MsgPreVote || m.Type == raftpb.MsgPreVoteResp {
		if m.Term == 0 {
			// Pre-vote messages are stamped by campaign(); all other vote
			// messages must carry an explicit term.
			panic(fmt.Sprintf("raft: term should be set when sending %s", m.Type))
		}
	} else {
		if m.Term != 0 {
			panic(fmt.Sprintf("raft: term should not be set when sending %s (was %d)", m.Type, m.Term))
		}
		// Proposals and read requests are forwarded as-is without term.
		if m.Type != raftpb.MsgProp && m.Type != raftpb.MsgReadIndex {
			m.Term = r.Term
		}
	}
	r.msgs = append(r.msgs, m)
}

// sendAppend sends an append (or snapshot) to the given peer.
func (r *Raft) sendAppend(to uint64) {
	r.maybeSendAppend(to, true)
}

func (r *Raft) maybeSendAppend(to uint64, sendIfEmpty bool) bool {
	pr := r.prs[to]
	if pr.isPaused() {
		return false
	}
	m := raftpb.Message{To: to}

	term, errt := r.raftLog.term(pr.Next - 1)
	ents, erre := r.raftLog.entries(pr.Next, r.maxMsgSize)
	if len(ents) == 0 && !sendIfEmpty {
		return false
	}

	if errt != nil || erre != nil {
		// The follower's needed entries were compacted away: ship a
		// snapshot instead.
		if !pr.RecentActive {
			return false
		}
		m.Type = raftpb.MsgSnap
		snapshot, err := r.raftLog.snapshot()
		if err != nil {
			if errors.Is(err, ErrSnapshotTemporarilyUnavailable) {
				r.logger.Debug("snapshot not ready yet", zap.Uint64("to", to))
				return false
			}
			panic(err)
		}
		if IsEmptySnap(snapshot) {
			panic("raft: need non-empty snapshot")
		}
		m.Snapshot = snapshot
		sindex, sterm := snapshot.Metadata.Index, snapshot.Metadata.Term
		pr.becomeSnapshot(sindex)
		r.logger.Debug("sending snapshot",
			zap.Uint64("to", to), zap.Uint64("snapIndex", sindex), zap.Uint64("snapTerm", sterm))
	} else {
		m.Type = raftpb.MsgApp
		m.Index = pr.Next - 1
		m.LogTerm = term
		m.Entries = ents
		m.Commit = r.raftLog.committed
		if n := len(m.Entries); n != 0 {
			switch pr.State {
			case ProgressStateReplicate:
				last := m.Entries[n-1].Index
				pr.optimisticUpdate(last)
				pr.ins.add(last)
			case ProgressStateProbe:
				pr.pause()
			default:
				panic(fmt.Sprintf("raft: sending append in unhandled state %s", pr.State))
			}
		}
	}
	r.send(m)
	return true
}

func (r *Raft) sendHeartbeat(to uint64, ctx []byte) {
	// Commit attached to a heartbeat must not exceed what the follower has
	// matched.
	commit := min(r.prs[to].Match, r.raftLog.committed)
	r.send(raftpb.Message{
		To:      to,
		Type:    raftpb.MsgHeartbeat,
		Commit:  commit,
		Context: ctx,
	})
}

func (r *Raft) bcastAppend() {
	for _, id := range r.nodeIDs() {
		if id == r.id {
			continue
		}
		r.sendAppend(id)
	}
}

func (r *Raft) bcastHeartbeat() {
	lastCtx := r.readOnly.lastPendingRequestCtx()
	if len(lastCtx) == 0 {
		r.bcastHeartbeatWithCtx(nil)
	} else {
		r.bcastHeartbeatWithCtx([]byte(lastCtx))
	}
}

func (r *Raft) bcastHeartbeatWithCtx(ctx []byte) {
	for _, id := range r.nodeIDs() {
		if id == r.id {
			continue
		}
		r.sendHeartbeat(id, ctx)
	}
}

// maybeCommit advances the commit index using the quorum of match indexes.
func (r *Raft) maybeCommit() bool {
	matches := make([]uint64, 0, len(r.prs))
	for _, id := range r.voterIDs() {
		matches = append(matches, r.prs[id].Match)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i] > matches[j] })
	mci := matches[r.quorum()-1]
	return r.raftLog.maybeCommit(mci, r.Term)
}

func (r *Raft) reset(term uint64) {
	if r.Term != term {
		r.Term = term
		r.Vote = None
	}
	r.lead = None
	r.electionElapsed = 0
	r.heartbeatElapsed = 0
	r.resetRandomizedElectionTimeout()
	r.abortLeaderTransfer()
	r.votes = make(map[uint64]bool)
	for id, pr := range r.prs {
		isLearner := pr.IsLearner
		r.prs[id] = &Progress{
			Next:      r.raftLog.lastIndex() + 1,
			ins:       newInflights(r.maxInflight),
			IsLearner: isLearner,
		}
		if id == r.id {
			r.prs[id].Match = r.raftLog.lastIndex()
		}
	}
	r.pendingConfIndex = 0
	r.readOnly = newReadOnly()
}

func (r *Raft) appendEntry(es ...raftpb.Entry) {
	li := r.raftLog.lastIndex()
	for i := range es {
		es[i].Term = r.Term
		es[i].Index = li + 1 + uint64(i)
	}
	r.raftLog.append(es...)
	r.prs[r.id].maybeUpdate(r.raftLog.lastIndex())
	// A single-node group commits immediately.
	r.maybeCommit()
}

// Tick advances the logical clock by one tick.
func (r *Raft) Tick() { r.tick() }

// tickElection runs on followers and candidates.
func (r *Raft) tickElection() {
	r.electionElapsed++
	if r.promotable() && r.pastElectionTimeout() {
		r.electionElapsed = 0
		_ = r.Step(raftpb.Message{From: r.id, Type: raftpb.MsgHup})
	}
}

// tickHeartbeat runs on the leader.
func (r *Raft) tickHeartbeat() {
	r.heartbeatElapsed++
	r.electionElapsed++

	if r.electionElapsed >= r.electionTimeout {
		r.electionElapsed = 0
		if r.checkQuorum {
			_ = r.Step(raftpb.Message{From: r.id, Type: raftpb.MsgCheckQuorum})
		}
		// Abort an unfinished leadership transfer; the original leader
		// resumes proposing.
		if r.state == StateLeader && r.leadTransferee != None {
			r.abortLeaderTransfer()
		}
	}

	if r.state != StateLeader {
		return
	}

	if r.heartbeatElapsed >= r.heartbeatTimeout {
		r.heartbeatElapsed = 0
		_ = r.Step(raftpb.Message{From: r.id, Type: raftpb.MsgBeat})
	}
}

func (r *Raft) becomeFollower(term uint64, lead uint64) {
	r.step = stepFollower
	r.reset(term)
	r.tick = r.tickElection
	r.lead = lead
	r.state = StateFollower
	r.logger.Info("became follower", zap.Uint64("term", r.Term), zap.Uint64("lead", lead))
}

func (r *Raft) becomePreCandidate() {
	if r.state == StateLeader {
		panic("raft: invalid transition [leader -> pre-candidate]")
	}
	// Pre-vote does not bump the term or change Vote.
	r.step = stepCandidate
	r.votes = make(map[uint64]bool)
	r.tick = r.tickElection
	r.lead = None
	r.state = StatePreCandidate
	r.logger.Info("became pre-candidate", zap.Uint64("term", r.Term))
}

func (r *Raft) becomeCandidate() {
	if r.state == StateLeader {
		panic("raft: invalid transition [leader -> candidate]")
	}
	r.step = stepCandidate
	r.reset(r.Term + 1)
	r.tick = r.tickElection
	r.Vote = r.id
	r.state = StateCandidate
	r.logger.Info("became candidate", zap.Uint64("term", r.Term))
}

func (r *Raft) becomeLeader() {
	if r.state == StateFollower {
		panic("raft: invalid transition [follower -> leader]")
	}
	r.step = stepLeader
	r.reset(r.Term)
	r.tick = r.tickHeartbeat
	r.lead = r.id
	r.state = StateLeader

	// Conservatively set pendingConfIndex to the last index in the log:
	// there may or may not be a pending conf change, but it is safe to
	// delay any future ones until the log is committed.
	r.pendingConfIndex = r.raftLog.lastIndex()

	// Commit an empty entry from the new term so earlier entries become
	// committable (the noop entry rule).
	r.appendEntry(raftpb.Entry{Data: nil})
	r.logger.Info("became leader", zap.Uint64("term", r.Term))
}

func (r *Raft) campaign(t campaignType) {
	var term uint64
	var voteMsg raftpb.MessageType
	if t == campaignPreElection {
		r.becomePreCandidate()
		voteMsg = raftpb.MsgPreVote
		// Pre-vote RPCs are sent for the next term before the term bump.
		term = r.Term + 1
	} else {
		r.becomeCandidate()
		voteMsg = raftpb.MsgVote
		term = r.Term
	}
	if r.quorum() == r.poll(r.id, voteRespMsgType(voteMsg), true) {
		// Single-voter group wins immediately.
		if t == campaignPreElection {
			r.campaign(campaignElection)
		} else {
			r.becomeLeader()
		}
		return
	}
	for _, id := range r.voterIDs() {
		if id == r.id {
			continue
		}
		var ctx []byte
		if t == campaignTransfer {
			ctx = []byte(t)
		}
		r.send(raftpb.Message{
			Term:    term,
			To:      id,
			Type:    voteMsg,
			Index:   r.raftLog.lastIndex(),
			LogTerm: r.raftLog.lastTerm(),
			Context: ctx,
		})
	}
}

func (r *Raft) poll(id uint64, t raftpb.MessageType, v bool) (granted int) {
	if v {
		r.logger.Debug("received vote", zap.Uint64("from", id), zap.String("type", t.String()))
	} else {
		r.logger.Debug("received vote rejection", zap.Uint64("from", id), zap.String("type", t.String()))
	}
	if _, ok := r.votes[id]; !ok {
		r.votes[id] = v
	}
	for _, vv := range r.votes {
		if vv {
			granted++
		}
	}
	return granted
}

func voteRespMsgType(t raftpb.MessageType) raftpb.MessageType {
	switch t {
	case raftpb.MsgVote:
		return raftpb.MsgVoteResp
	case raftpb.MsgPreVote:
		return raftpb.MsgPreVoteResp
	default:
		panic(fmt.Sprintf("raft: not a vote message: %s", t))
	}
}

// Step advances the state machine with the given message.
func (r *Raft) Step(m raftpb.Message) error {
	switch {
	case m.Term == 0:
		// local message
	case m.Term > r.Term:
		if m.Type == raftpb.MsgVote || m.Type == raftpb.MsgPreVote {
			force := bytes.Equal(m.Context, []byte(campaignTransfer))
			inLease := r.checkQuorum && r.lead != None && r.electionElapsed < r.electionTimeout
			if !force && inLease {
				// A current leader lease exists; ignore the vote to keep a
				// removed or partitioned node from disrupting the group.
				r.logger.Info("ignored vote from higher term; lease is active",
					zap.Uint64("from", m.From), zap.Uint64("msgTerm", m.Term))
				return nil
			}
		}
		switch {
		case m.Type == raftpb.MsgPreVote:
			// Never change term in response to a pre-vote.
		case m.Type == raftpb.MsgPreVoteResp && !m.Reject:
			// A granted pre-vote for a future term is handled below with
			// the term unchanged; the term bump happens in becomeCandidate.
		default:
			r.logger.Info("received message with higher term",
				zap.Uint64("from", m.From), zap.String("type", m.Type.String()), zap.Uint64("msgTerm", m.Term))
			if m.Type == raftpb.MsgApp || m.Type == raftpb.MsgHeartbeat || m.Type == raftpb.MsgSnap {
				r.becomeFollower(m.Term, m.From)
			} else {
				r.becomeFollower(m.Term, None)
			}
		}

	case m.Term < r.Term:
		if (r.checkQuorum || r.preVote) && (m.Type == raftpb.MsgHeartbeat || m.Type == raftpb.MsgApp) {
			// A stale leader is still out there. Responding at our term
			// makes it step down without disrupting our lease.
			r.send(raftpb.Message{To: m.From, Type: raftpb.MsgAppResp})
		} else if m.Type == raftpb.MsgPreVote {
			r.send(raftpb.Message{To: m.From, Term: r.Term, Type: raftpb.MsgPreVoteResp, Reject: true})
		}
		// Ignore other stale messages.
		return nil
	}

	switch m.Type {
	case raftpb.MsgHup:
		if r.state != StateLeader {
			if !r.promotable() {
				r.logger.Warn("unpromotable; dropping MsgHup")
				return nil
			}
			if r.preVote {
				r.campaign(campaignPreElection)
			} else {
				r.campaign(campaignElection)
			}
		}

	case raftpb.MsgVote, raftpb.MsgPreVote:
		if r.prs[r.id] != nil && r.prs[r.id].IsLearner {
			// Learners do not vote.
			return nil
		}
		// A vote can be granted when we have not voted for anyone else at
		// this term (or are repeating a vote), or for pre-votes at a future
		// term, provided the candidate's log is up to date.
		canVote := r.Vote == m.From ||
			(r.Vote == None && r.lead == None) ||
			(m.Type == raftpb.MsgPreVote && m.Term > r.Term)
		if canVote && r.raftLog.isUpToDate(m.Index, m.LogTerm) {
			r.send(raftpb.Message{To: m.From, Term: m.Term, Type: voteRespMsgType(m.Type)})
			if m.Type == raftpb.MsgVote {
				r.electionElapsed = 0
				r.Vote = m.From
			}
		} else {
			r.send(raftpb.Message{To: m.From, Term: r.Term, Type: voteRespMsgType(m.Type), Reject: true})
		}

	default:
		return r.step(r, m)
	}
	return nil
}

func stepLeader(r *Raft, m raftpb.Message) error {
	switch m.Type {
	case raftpb.MsgBeat:
		r.bcastHeartbeat()
		return nil
	case raftpb.MsgCheckQuorum:
		if !r.checkQuorumActive() {
			r.logger.Warn("stepped down to follower; quorum is not active")
			r.becomeFollower(r.Term, None)
		}
		return nil
	case raftpb.MsgProp:
		if len(m.Entries) == 0 {
			panic("raft: stepped empty MsgProp")
		}
		if r.prs[r.id] == nil {
			// This node was removed from the configuration while serving as
			// leader; drop any new proposals.
			return ErrProposalDropped
		}
		if r.leadTransferee != None {
			r.logger.Debug("dropping proposal; leadership transfer in progress",
				zap.Uint64("transferee", r.leadTransferee))
			return ErrProposalDropped
		}
		for i, e := range m.Entries {
			if e.Type == raftpb.EntryConfChange {
				if r.pendingConfIndex > r.raftLog.applied {
					// One conf change at a time: replace with a no-op until
					// the pending one is applied.
					r.logger.Info("ignoring conf change; possible unapplied conf change",
						zap.Uint64("pendingIndex", r.pendingConfIndex))
					m.Entries[i] = raftpb.Entry{Type: raftpb.EntryNormal}
				} else {
					r.pendingConfIndex = r.raftLog.lastIndex() + uint64(i) + 1
				}
			}
		}
		r.appendEntry(m.Entries...)
		r.bcastAppend()
		return nil
	case raftpb.MsgReadIndex:
		if r.quorum() > 1 {
			if r.raftLog.zeroTermOnErrCompacted(r.raftLog.term(r.raftLog.committed)) != r.Term {
				// The leader has not committed anything in its own term yet;
				// the commit index may be stale.
				return nil
			}
			r.readOnly.addRequest(r.raftLog.committed, m)
			r.bcastHeartbeatWithCtx(m.Entries[0].Data)
		} else {
			// Single-voter group: answer immediately.
			if m.From == None || m.From == r.id {
				r.readStates = append(r.readStates, ReadState{Index: r.raftLog.committed, RequestCtx: m.Entries[0].Data})
			} else {
				r.send(raftpb.Message{To: m.From, Type: raftpb.MsgReadIndexResp, Index: r.raftLog.committed, Entries: m.Entries})
			}
		}
		return nil
	}

	pr := r.prs[m.From]
	if pr == nil {
		r.logger.Debug("no progress available", zap.Uint64("from", m.From))
		return nil
	}
	switch m.Type {
	case raftpb.MsgAppResp:
		pr.RecentActive = true
		if m.Reject {
			r.logger.Debug("received MsgAppResp rejection",
				zap.Uint64("from", m.From), zap.Uint64("rejectHint", m.RejectHint), zap.Uint64("index", m.Index))
			if pr.maybeDecrTo(m.Index, m.RejectHint) {
				if pr.State == ProgressStateReplicate {
					pr.becomeProbe()
				}
				r.sendAppend(m.From)
			}
		} else {
			oldPaused := pr.isPaused()
			if pr.maybeUpdate(m.Index) {
				switch {
				case pr.State == ProgressStateProbe:
					pr.becomeReplicate()
				case pr.State == ProgressStateSnapshot && pr.needSnapshotAbort():
					pr.becomeProbe()
				case pr.State == ProgressStateReplicate:
					pr.ins.freeTo(m.Index)
				}
				if r.maybeCommit() {
					r.bcastAppend()
				} else if oldPaused {
					r.sendAppend(m.From)
				}
				// Transfer leadership once the transferee has caught up.
				if m.From == r.leadTransferee && pr.Match == r.raftLog.lastIndex() {
					r.logger.Info("transferee log is up to date; sending MsgTimeoutNow",
						zap.Uint64("transferee", m.From))
					r.sendTimeoutNow(m.From)
				}
			}
		}
	case raftpb.MsgHeartbeatResp:
		pr.RecentActive = true
		pr.resume()
		// free one slot for the full inflights window to allow progress.
		if pr.State == ProgressStateReplicate && pr.ins.full() {
			pr.ins.freeFirstOne()
		}
		if pr.Match < r.raftLog.lastIndex() {
			r.sendAppend(m.From)
		}
		if len(m.Context) == 0 {
			return nil
		}
		ackCount := r.readOnly.recvAck(m.From, m.Context)
		if ackCount < r.quorum() {
			return nil
		}
		rss := r.readOnly.advance(m.Context)
		for _, rs := range rss {
			req := rs.req
			if req.From == None || req.From == r.id {
				r.readStates = append(r.readStates, ReadState{Index: rs.index, RequestCtx: req.Entries[0].Data})
			} else {
				r.send(raftpb.Message{To: req.From, Type: raftpb.MsgReadIndexResp, Index: rs.index, Entries: req.Entries})
			}
		}
	case raftpb.MsgSnapStatus:
		if pr.State != ProgressStateSnapshot {
			return nil
		}
		if !m.Reject {
			pr.becomeProbe()
			r.logger.Debug("snapshot succeeded, resumed probing", zap.Uint64("from", m.From))
		} else {
			pr.snapshotFailure()
			pr.becomeProbe()
			r.logger.Debug("snapshot failed, resumed probing", zap.Uint64("from", m.From))
		}
		// Pause until the next heartbeat response so a slow follower is not
		// flooded right after a snapshot.
		pr.pause()
	case raftpb.MsgUnreachable:
		// An optimistic pipeline is likely wasted on an unreachable
		// follower; drop to probe.
		if pr.State == ProgressStateReplicate {
			pr.becomeProbe()
		}
	case raftpb.MsgTransferLeader:
		if pr.IsLearner {
			r.logger.Debug("ignored transferring leadership to a learner", zap.Uint64("from", m.From))
			return nil
		}
		leadTransferee := m.From
		lastLeadTransferee := r.leadTransferee
		if lastLeadTransferee != None {
			if lastLeadTransferee == leadTransferee {
				return nil
			}
			r.abortLeaderTransfer()
		}
		if leadTransferee == r.id {
			return nil
		}
		r.logger.Info("starting leadership transfer", zap.Uint64("transferee", leadTransferee))
		// Transfer must finish within one election timeout, otherwise it is
		// aborted and this leader resumes.
		r.electionElapsed = 0
		r.leadTransferee = leadTransferee
		if r.prs[leadTransferee].Match == r.raftLog.lastIndex() {
			r.sendTimeoutNow(leadTransferee)
		} else {
			r.sendAppend(leadTransferee)
		}
	}
	return nil
}

// stepCandidate is shared by StateCandidate and StatePreCandidate; the
// difference is the vote response type they expect.
func stepCandidate(r *Raft, m raftpb.Message) error {
	var myVoteRespType raftpb.MessageType
	if r.state == StatePreCandidate {
		myVoteRespType = raftpb.MsgPreVoteResp
	} else {
		myVoteRespType = raftpb.MsgVoteResp
	}
	switch m.Type {
	case raftpb.MsgProp:
		r.logger.Info("no leader; dropping proposal")
		return ErrProposalDropped
	case raftpb.MsgApp:
		r.becomeFollower(m.Term, m.From)
		r.handleAppendEntries(m)
	case raftpb.MsgHeartbeat:
		r.becomeFollower(m.Term, m.From)
		r.handleHeartbeat(m)
	case raftpb.MsgSnap:
		r.becomeFollower(m.Term, m.From)
		r.handleSnapshot(m)
	case myVoteRespType:
		gr := r.poll(m.From, m.Type, !m.Reject)
		r.logger.Info("vote tally",
			zap.Int("granted", gr), zap.Int("quorum", r.quorum()), zap.String("respType", m.Type.String()))
		switch r.quorum() {
		case gr:
			if r.state == StatePreCandidate {
				r.campaign(campaignElection)
			} else {
				r.becomeLeader()
				r.bcastAppend()
			}
		case len(r.votes) - gr:
			// A majority rejected: return to follower at the current term.
			r.becomeFollower(r.Term, None)
		}
	case raftpb.MsgTimeoutNow:
		r.logger.Debug("ignored MsgTimeoutNow while candidate", zap.Uint64("from", m.From))
	}
	return nil
}

func stepFollower(r *Raft, m raftpb.Message) error {
	switch m.Type {
	case raftpb.MsgProp:
		// Proposals are not forwarded; the caller must retry against the
		// leader.
		return ErrProposalDropped
	case raftpb.MsgApp:
		r.electionElapsed = 0
		r.lead = m.From
		r.handleAppendEntries(m)
	case raftpb.MsgHeartbeat:
		r.electionElapsed = 0
		r.lead = m.From
		r.handleHeartbeat(m)
	case raftpb.MsgSnap:
		r.electionElapsed = 0
		r.lead = m.From
		r.handleSnapshot(m)
	case raftpb.MsgTransferLeader:
		if r.lead == None {
			r.logger.Info("no leader; dropping leader transfer request")
			return nil
		}
		m.To = r.lead
		r.send(m)
	case raftpb.MsgTimeoutNow:
		if r.promotable() {
			r.logger.Info("received MsgTimeoutNow; starting transfer election", zap.Uint64("from", m.From))
			// Transfer elections bypass pre-vote and lease protection even
			// when a leader lease has not expired yet.
			r.campaign(campaignTransfer)
		}
	case raftpb.MsgReadIndex:
		// Followers do not serve read index themselves; reads on followers
		// are rejected at the raftstore layer unless stale reads were
		// requested.
		r.logger.Debug("dropping MsgReadIndex on follower")
	case raftpb.MsgReadIndexResp:
		if len(m.Entries) != 1 {
			r.logger.Error("invalid MsgReadIndexResp", zap.Int("entries", len(m.Entries)))
			return nil
		}
		r.readStates = append(r.readStates, ReadState{Index: m.Index, RequestCtx: m.Entries[0].Data})
	}
	return nil
}

func (r *Raft) handleAppendEntries(m raftpb.Message) {
	if m.Index < r.raftLog.committed {
		r.send(raftpb.Message{To: m.From, Type: raftpb.MsgAppResp, Index: r.raftLog.committed})
		return
	}
	if mlastIndex, ok := r.raftLog.maybeAppend(m.Index, m.LogTerm, m.Commit, m.Entries...); ok {
		r.send(raftpb.Message{To: m.From, Type: raftpb.MsgAppResp, Index: mlastIndex})
	} else {
		r.logger.Debug("rejected append",
			zap.Uint64("index", m.Index), zap.Uint64("logTerm", m.LogTerm), zap.Uint64("from", m.From))
		r.send(raftpb.Message{
			To:         m.From,
			Type:       raftpb.MsgAppResp,
			Index:      m.Index,
			Reject:     true,
			RejectHint: r.raftLog.lastIndex(),
		})
	}
}

func (r *Raft) handleHeartbeat(m raftpb.Message) {
	r.raftLog.commitTo(m.Commit)
	r.send(raftpb.Message{To: m.From, Type: raftpb.MsgHeartbeatResp, Context: m.Context})
}

func (r *Raft) handleSnapshot(m raftpb.Message) {
	sindex, sterm := m.Snapshot.Metadata.Index, m.Snapshot.Metadata.Term
	if r.restore(m.Snapshot) {
		r.logger.Info("restored snapshot",
			zap.Uint64("snapIndex", sindex), zap.Uint64("snapTerm", sterm))
		r.send(raftpb.Message{To: m.From, Type: raftpb.MsgAppResp, Index: r.raftLog.lastIndex()})
	} else {
		r.logger.Info("ignored old snapshot",
			zap.Uint64("snapIndex", sindex), zap.Uint64("snapTerm", sterm))
		r.send(raftpb.Message{To: m.From, Type: raftpb.MsgAppResp, Index: r.raftLog.committed})
	}
}

// restore recovers the state machine from a snapshot, discarding any
// conflicting log prefix. It returns true when the snapshot was accepted.
func (r *Raft) restore(s raftpb.Snapshot) bool {
	if s.Metadata.Index <= r.raftLog.committed {
		return false
	}
	if r.raftLog.matchTerm(s.Metadata.Index, s.Metadata.Term) {
		// Already have the snapshot point in the log: just fast-forward the
		// commit cursor.
		r.raftLog.commitTo(s.Metadata.Index)
		return false
	}
	r.raftLog.restore(s)
	r.prs = make(map[uint64]*Progress)
	for _, n := range s.Metadata.ConfState.Voters {
		r.setProgress(n, 0, r.raftLog.lastIndex()+1, false)
	}
	for _, n := range s.Metadata.ConfState.Learners {
		r.setProgress(n, 0, r.raftLog.lastIndex()+1, true)
	}
	return true
}

// promotable indicates whether the node may campaign: it must be part of
// the configuration as a voter.
func (r *Raft) promotable() bool {
	pr := r.prs[r.id]
	return pr != nil && !pr.IsLearner && !r.raftLog.hasPendingSnapshot()
}

// ApplyConfChange applies a committed configuration change and returns the
// resulting configuration.
func (r *Raft) ApplyConfChange(cc raftpb.ConfChange) *raftpb.ConfState {
	if cc.NodeID != None {
		switch cc.Type {
		case raftpb.ConfChangeAddNode:
			r.addNodeOrLearner(cc.NodeID, false)
		case raftpb.ConfChangeAddLearnerNode:
			r.addNodeOrLearner(cc.NodeID, true)
		case raftpb.ConfChangeRemoveNode:
			r.removeNode(cc.NodeID)
		case raftpb.ConfChangeUpdateNode:
		default:
			panic("raft: unexpected conf change type")
		}
	}
	cs := &raftpb.ConfState{}
	for id, pr := range r.prs {
		if pr.IsLearner {
			cs.Learners = append(cs.Learners, id)
		} else {
			cs.Voters = append(cs.Voters, id)
		}
	}
	sort.Slice(cs.Voters, func(i, j int) bool { return cs.Voters[i] < cs.Voters[j] })
	sort.Slice(cs.Learners, func(i, j int) bool { return cs.Learners[i] < cs.Learners[j] })
	return cs
}

func (r *Raft) addNodeOrLearner(id uint64, isLearner bool) {
	pr := r.prs[id]
	if pr == nil {
		r.setProgress(id, 0, r.raftLog.lastIndex()+1, isLearner)
		pr = r.prs[id]
	} else {
		if isLearner && !pr.IsLearner {
			// Voter demotion is not supported via this path.
			r.logger.Info("ignored demoting voter to learner", zap.Uint64("node", id))
			return
		}
		pr.IsLearner = isLearner
	}
	// When a node rejoins, do not wait for the next heartbeat gap to probe.
	pr.RecentActive = true
}

func (r *Raft) removeNode(id uint64) {
	delete(r.prs, id)
	if len(r.prs) == 0 {
		return
	}
	// The quorum size shrank: pending entries may become committable.
	if r.state == StateLeader && r.maybeCommit() {
		r.bcastAppend()
	}
	// An in-flight transfer to the removed node is void.
	if r.state == StateLeader && r.leadTransferee == id {
		r.abortLeaderTransfer()
	}
}

func (r *Raft) setProgress(id, match, next uint64, isLearner bool) {
	r.prs[id] = &Progress{
		Match:     match,
		Next:      next,
		ins:       newInflights(r.maxInflight),
		IsLearner: isLearner,
	}
}

func (r *Raft) loadState(state raftpb.HardState) {
	if state.Commit < r.raftLog.committed || state.Commit > r.raftLog.lastIndex() {
		panic(fmt.Sprintf("raft: HardState.commit %d is out of range [%d, %d]",
			state.Commit, r.raftLog.committed, r.raftLog.lastIndex()))
	}
	r.raftLog.committed = state.Commit
	r.Term = state.Term
	r.Vote = state.Vote
}

// pastElectionTimeout reports whether electionElapsed reached the
// randomized timeout for this term.
func (r *Raft) pastElectionTimeout() bool {
	return r.electionElapsed >= r.randomizedElectionTimeout
}

func (r *Raft) resetRandomizedElectionTimeout() {
	r.randomizedElectionTimeout = r.electionTimeout + r.rand.Intn(r.electionTimeout)
}

// checkQuorumActive consumes the RecentActive flags: true when a quorum of
// voters (including self) responded since the last check.
func (r *Raft) checkQuorumActive() bool {
	var act int
	for _, id := range r.voterIDs() {
		if id == r.id {
			act++
			continue
		}
		if r.prs[id].RecentActive {
			act++
		}
		r.prs[id].RecentActive = false
	}
	return act >= r.quorum()
}

func (r *Raft) sendTimeoutNow(to uint64) {
	r.send(raftpb.Message{To: to, Type: raftpb.MsgTimeoutNow})
}

func (r *Raft) abortLeaderTransfer() { r.leadTransferee = None }

// Campaign starts an election locally.
func (r *Raft) Campaign() error {
	return r.Step(raftpb.Message{From: r.id, Type: raftpb.MsgHup})
}

// Propose appends opaque command bytes to the log, to be replicated.
func (r *Raft) Propose(data []byte) error {
	return r.Step(raftpb.Message{
		From:    r.id,
		Type:    raftpb.MsgProp,
		Entries: []raftpb.Entry{{Data: data}},
	})
}

// ProposeConfChange proposes a single-node configuration change.
func (r *Raft) ProposeConfChange(cc raftpb.ConfChange) error {
	data, err := cc.Marshal()
	if err != nil {
		return err
	}
	return r.Step(raftpb.Message{
		From:    r.id,
		Type:    raftpb.MsgProp,
		Entries: []raftpb.Entry{{Type: raftpb.EntryConfChange, Data: data}},
	})
}

// ReadIndex registers a read-only request identified by rctx. The matching
// ReadState surfaces in a later Ready once the quorum confirmed leadership.
func (r *Raft) ReadIndex(rctx []byte) error {
	return r.Step(raftpb.Message{
		From:    r.id,
		Type:    raftpb.MsgReadIndex,
		Entries: []raftpb.Entry{{Data: rctx}},
	})
}

// TransferLeader requests moving leadership to transferee.
func (r *Raft) TransferLeader(transferee uint64) error {
	return r.Step(raftpb.Message{From: transferee, To: r.id, Type: raftpb.MsgTransferLeader})
}

// ReportSnapshotStatus tells the leader how a snapshot send to the given
// follower concluded.
func (r *Raft) ReportSnapshotStatus(id uint64, reject bool) {
	_ = r.Step(raftpb.Message{From: id, Type: raftpb.MsgSnapStatus, Reject: reject})
}

// ReportUnreachable tells the leader the given follower is unreachable.
func (r *Raft) ReportUnreachable(id uint64) {
	_ = r.Step(raftpb.Message{From: id, Type: raftpb.MsgUnreachable})
}
