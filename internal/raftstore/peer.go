package raftstore

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"time"

	"github.com/gogo/protobuf/proto"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"github.com/Shylock-Hg/tikv/internal/raft"
	regionpkg "github.com/Shylock-Hg/tikv/internal/region"
	"github.com/Shylock-Hg/tikv/internal/storage"
	"github.com/Shylock-Hg/tikv/pkg/api"
)

// proposal tracks an in-flight command between propose and apply. The
// (index, term) pair decides at apply time whether the entry that landed is
// ours or a replacement from another leader.
type proposal struct {
	index      uint64
	term       uint64
	cb         *Callback
	proposedAt time.Time
	deadline   time.Time
}

type pendingRead struct {
	id       uint64
	index    uint64 // 0 until the quorum round confirms
	req      readRequest
	started  time.Time
	deadline time.Time
}

// confChangeContext rides inside raftpb.ConfChange.Context so apply can
// validate the epoch and learn the new peer's placement.
type confChangeContext struct {
	Peer  regionpkg.Peer  `json:"peer"`
	Epoch regionpkg.Epoch `json:"epoch"`
}

// Peer is one replica of a region on this store. It owns the raft state
// machine and the per-region storage view. Only the router worker holding
// its mailbox touches it.
type Peer struct {
	store    *Store
	regionID regionpkg.ID
	peerID   uint64
	rn       *raft.Raft
	ps       *storage.PeerStorage
	logger   *zap.Logger

	proposals    []*proposal
	pendingReads []*pendingRead
	readSeq      uint64

	leaseUntil time.Time
	wasLeader  bool

	pendingApplies    int
	pendingDestroy    bool
	destroyRemoveData bool
	stopped           bool
	unhealthy         bool
}

func newPeer(store *Store, region regionpkg.Region) (*Peer, error) {
	local, ok := region.PeerOnStore(store.storeID)
	if !ok {
		return nil, ErrRegionNotFound
	}
	logger := store.logger.With(
		zap.Uint64("region", uint64(region.ID)),
		zap.Uint64("peer", local.ID),
	)
	ps, err := storage.NewPeerStorage(store.engine, region, store.logger)
	if err != nil {
		return nil, err
	}
	cfg := &raft.Config{
		ID:              local.ID,
		ElectionTick:    store.cfg.ElectionTicks,
		HeartbeatTick:   store.cfg.HeartbeatTicks,
		Storage:         ps,
		Applied:         ps.ApplyState().AppliedIndex,
		MaxSizePerMsg:   store.cfg.MaxSizePerMsg,
		MaxInflightMsgs: store.cfg.MaxInflightMsgs,
		CheckQuorum:     true,
		PreVote:         true,
		Logger:          logger,
	}
	rn, err := raft.NewRaft(cfg)
	if err != nil {
		return nil, err
	}
	return &Peer{
		store:    store,
		regionID: region.ID,
		peerID:   local.ID,
		rn:       rn,
		ps:       ps,
		logger:   logger,
	}, nil
}

func (p *Peer) region() regionpkg.Region { return p.ps.Region() }

func (p *Peer) isLeader() bool { return p.rn.State() == raft.StateLeader }

// leaderHint maps the raft leader id to a peer for NotLeader errors.
func (p *Peer) leaderHint() uint64 {
	lead := p.rn.Lead()
	if lead == raft.None {
		return 0
	}
	if _, ok := p.region().GetPeer(lead); ok {
		return lead
	}
	return 0
}

func (p *Peer) handleMessage(msg Message) {
	switch msg.Type {
	case MsgTypeTick:
		p.onTick()
	case MsgTypeRaftMessage:
		p.onRaftMessage(msg.Data.(inboundRaftMessage))
	case MsgTypeProposal:
		p.onPropose(msg.Data.(proposalRequest))
	case MsgTypeRead:
		p.onRead(msg.Data.(readRequest))
	case MsgTypeApplyResult:
		p.onApplyResult(msg.Data.(*applyResult))
	case MsgTypeSnapshotGenerated:
		if !p.stopped {
			p.ps.SetSnapshot(msg.Data.(snapshotGenerated).snap)
		}
	case MsgTypeSnapshotFailed:
		p.store.coll.SnapshotsFailed.Inc()
		// The retry budget absorbed transient trouble already; a region
		// whose engine cannot produce a snapshot can never catch a
		// lagging follower up, so it goes out of service.
		if !p.stopped {
			p.fatal("generate snapshot", msg.Data.(error))
		}
	case MsgTypeCommitMerge:
		p.onCommitMerge(msg.Data.(commitMergeRequest))
	case MsgTypeTransferLeader:
		req := msg.Data.(transferLeaderRequest)
		err := p.rn.TransferLeader(req.targetPeer)
		req.cb.Done(CmdResult{Err: err})
	case MsgTypeCampaign:
		if !p.stopped {
			_ = p.rn.Campaign()
		}
	case MsgTypePDHeartbeat:
		p.reportToPD()
	case MsgTypeApplyFatal:
		if !p.stopped {
			p.fatal("apply batch", msg.Data.(error))
		}
	case MsgTypeDestroy:
		removeData, ok := msg.Data.(bool)
		if !ok {
			removeData = true
		}
		p.destroy(removeData)
	}
}

func (p *Peer) onTick() {
	if p.stopped {
		return
	}
	p.rn.Tick()
	now := time.Now()
	p.expireProposals(now)
	p.expireReads(now)
	p.maybeCompactLog()
}

func (p *Peer) expireProposals(now time.Time) {
	kept := p.proposals[:0]
	for _, pr := range p.proposals {
		if now.After(pr.deadline) {
			pr.cb.Done(CmdResult{Err: ErrTimeout})
			p.store.coll.Proposals.WithLabelValues("timeout").Inc()
			continue
		}
		kept = append(kept, pr)
	}
	p.proposals = kept
}

func (p *Peer) expireReads(now time.Time) {
	kept := p.pendingReads[:0]
	for _, rd := range p.pendingReads {
		if now.After(rd.deadline) {
			rd.req.cb.Done(CmdResult{Err: ErrTimeout})
			continue
		}
		kept = append(kept, rd)
	}
	p.pendingReads = kept
}

// maybeCompactLog proposes a CompactLog once enough applied entries piled
// up past the truncation point.
func (p *Peer) maybeCompactLog() {
	if !p.isLeader() {
		return
	}
	st := p.ps.ApplyState()
	if st.AppliedIndex-st.TruncatedIndex < p.store.cfg.LogGCCountLimit {
		return
	}
	region := p.region()
	cmd := &Command{
		RegionID: p.regionID,
		Epoch:    region.Epoch,
		Admin: &AdminRequest{
			Type: AdminCompactLog,
			CompactLog: &CompactLogRequest{
				CompactIndex: st.AppliedIndex,
				CompactTerm:  st.AppliedTerm,
			},
		},
	}
	data, err := cmd.Marshal()
	if err != nil {
		return
	}
	_ = p.rn.Propose(data)
}

func (p *Peer) onRaftMessage(in inboundRaftMessage) {
	if p.stopped {
		return
	}
	if in.env.IsTombstone {
		p.logger.Info("peer removed by conf change, destroying")
		p.destroy(true)
		return
	}
	region := p.region()
	senderEpoch := regionpkg.Epoch{
		Version:     in.env.Epoch.Version,
		ConfVersion: in.env.Epoch.ConfVersion,
	}
	// A sender with older structural state is talking about a region that
	// no longer looks like this; its messages cannot be stepped safely.
	if senderEpoch.StaleAgainst(region.Epoch) {
		if _, known := region.GetPeer(in.env.FromPeer.ID); !known {
			// The sender was removed by a conf change it never observed.
			// Tell it to destroy itself, otherwise it campaigns forever.
			p.gcStalePeer(region, in.env.FromPeer)
			return
		}
	}
	if err := p.rn.Step(in.msg); err != nil && !errors.Is(err, raft.ErrProposalDropped) {
		p.logger.Warn("step raft message failed", zap.Error(err))
	}
}

func (p *Peer) gcStalePeer(region regionpkg.Region, stale api.PeerMeta) {
	self, ok := region.GetPeer(p.peerID)
	if !ok {
		return
	}
	env := &api.RaftMessage{
		RegionID:    uint64(p.regionID),
		FromPeer:    api.PeerMeta{ID: self.ID, StoreID: self.StoreID, IsLearner: self.Role == regionpkg.Learner},
		ToPeer:      stale,
		Epoch:       api.RegionEpoch{Version: region.Epoch.Version, ConfVersion: region.Epoch.ConfVersion},
		StartKey:    region.Range.Start,
		EndKey:      region.Range.End,
		IsTombstone: true,
	}
	if err := p.store.trans.Send(env); err != nil {
		p.logger.Warn("notify removed peer failed",
			zap.Uint64("to_peer", stale.ID),
			zap.Uint64("to_store", stale.StoreID),
			zap.Error(err))
	}
}

func (p *Peer) onPropose(req proposalRequest) {
	err := p.propose(req)
	if err != nil {
		p.store.coll.Proposals.WithLabelValues("rejected").Inc()
		req.cb.Done(CmdResult{Err: err})
	}
}

func (p *Peer) propose(req proposalRequest) error {
	if p.stopped {
		if p.unhealthy {
			return ErrRegionUnhealthy
		}
		return ErrRegionNotFound
	}
	if !p.isLeader() {
		return &NotLeaderError{RegionID: p.regionID, Leader: p.leaderHint()}
	}
	region := p.region()

	if req.cc != nil {
		return p.proposeConfChange(region, req)
	}

	cmd := req.cmd
	if cmd.Epoch.StaleAgainst(region.Epoch) {
		return &EpochMismatchError{Current: region.Clone()}
	}
	if region.State == regionpkg.StateMerging && !cmd.IsAdmin() {
		return ErrPendingMerge
	}
	for i := range cmd.Operations {
		if !region.ContainsKey(cmd.Operations[i].Key) {
			return &KeyNotInRegionError{Key: cmd.Operations[i].Key, RegionID: p.regionID}
		}
	}
	if cmd.IsAdmin() && cmd.Admin.Type == AdminSplit {
		for _, key := range cmd.Admin.Split.SplitKeys {
			if !region.ContainsKey(key) {
				return &KeyNotInRegionError{Key: key, RegionID: p.regionID}
			}
		}
	}

	data, err := cmd.Marshal()
	if err != nil {
		return err
	}
	if err := p.rn.Propose(data); err != nil {
		if errors.Is(err, raft.ErrProposalDropped) {
			return ErrProposalDropped
		}
		return err
	}
	p.trackProposal(req.cb)
	return nil
}

func (p *Peer) proposeConfChange(region regionpkg.Region, req proposalRequest) error {
	var ctx confChangeContext
	if err := json.Unmarshal(req.cc.Context, &ctx); err != nil {
		return err
	}
	if ctx.Epoch.StaleAgainst(region.Epoch) {
		return &EpochMismatchError{Current: region.Clone()}
	}
	if region.State == regionpkg.StateMerging {
		return ErrPendingMerge
	}
	if err := p.rn.ProposeConfChange(*req.cc); err != nil {
		if errors.Is(err, raft.ErrProposalDropped) {
			return ErrProposalDropped
		}
		return err
	}
	p.trackProposal(req.cb)
	return nil
}

func (p *Peer) trackProposal(cb *Callback) {
	now := time.Now()
	p.proposals = append(p.proposals, &proposal{
		index:      p.rn.LastIndex(),
		term:       p.rn.Term,
		cb:         cb,
		proposedAt: now,
		deadline:   now.Add(p.store.cfg.ProposalTimeout),
	})
	p.store.coll.Proposals.WithLabelValues("accepted").Inc()
}

// notifyStale fails every in-flight proposal and consistent read, used when
// leadership is lost or the peer shuts down.
func (p *Peer) notifyStale(err error) {
	for _, pr := range p.proposals {
		pr.cb.Done(CmdResult{Err: err})
		p.store.coll.Proposals.WithLabelValues("dropped").Inc()
	}
	p.proposals = nil
	for _, rd := range p.pendingReads {
		rd.req.cb.Done(CmdResult{Err: err})
	}
	p.pendingReads = nil
}

func (p *Peer) handleRaftReady() {
	if p.stopped || !p.rn.HasReady() {
		return
	}
	rd := p.rn.Ready()
	p.store.coll.ReadyHandled.Inc()

	if rd.SoftState != nil {
		p.onLeadershipChange(rd.SoftState)
	}
	if !raft.IsEmptySnap(rd.Snapshot) {
		if err := p.installSnapshot(rd.Snapshot); err != nil {
			p.fatal("install snapshot", err)
			return
		}
	}
	if err := p.ps.Append(rd.Entries, rd.HardState); err != nil {
		p.fatal("persist raft state", err)
		return
	}
	p.sendRaftMessages(rd.Messages)

	for _, rs := range rd.ReadStates {
		p.confirmRead(rs)
	}
	p.maybeFinishReads()

	if len(rd.CommittedEntries) > 0 && !p.pendingDestroy {
		p.pendingApplies++
		p.store.applySched.schedule(applyTask{
			regionID: p.regionID,
			entries:  rd.CommittedEntries,
		})
	}
	p.rn.Advance(rd)

	if p.ps.TakeSnapshotRequest() {
		p.store.scheduleSnapshot(p.regionID)
	}
}

func (p *Peer) onLeadershipChange(ss *raft.SoftState) {
	leader := ss.RaftState == raft.StateLeader
	if p.wasLeader && !leader {
		p.notifyStale(ErrProposalDropped)
		p.leaseUntil = time.Time{}
	}
	p.wasLeader = leader
	region := p.ps.Region()
	region.Leader = ss.Lead
	p.ps.SetRegion(region)
	p.store.onLeaderChange(p, leader)
}

// fatal takes the region out of service after an unrecoverable per-region
// failure. Other regions are unaffected.
func (p *Peer) fatal(op string, err error) {
	p.logger.Error("region out of service", zap.String("op", op), zap.Error(err))
	p.store.coll.RegionErrors.WithLabelValues("fatal").Inc()
	p.unhealthy = true
	p.stopped = true
	p.notifyStale(ErrRegionUnhealthy)
	p.store.onRegionUnhealthy(p)
}

func (p *Peer) installSnapshot(snap raftpb.Snapshot) error {
	snapRegion, kvs, err := decodeSnapshotData(snap.Data)
	if err != nil {
		return err
	}
	old := p.region()
	if err := p.ps.ApplySnapshot(snap, snapRegion, kvs); err != nil {
		return err
	}
	p.store.coll.SnapshotsApplied.Inc()
	p.store.onRegionChanged(p, old, snapRegion)
	return nil
}

func (p *Peer) sendRaftMessages(msgs []raftpb.Message) {
	if len(msgs) == 0 {
		return
	}
	region := p.region()
	for i := range msgs {
		m := msgs[i]
		toPeer, ok := region.GetPeer(m.To)
		if !ok {
			continue
		}
		fromPeer, _ := region.GetPeer(m.From)
		data, err := proto.Marshal(&msgs[i])
		if err != nil {
			p.logger.Error("marshal raft message", zap.Error(err))
			continue
		}
		env := &api.RaftMessage{
			RegionID: uint64(p.regionID),
			FromPeer: api.PeerMeta{ID: fromPeer.ID, StoreID: fromPeer.StoreID, IsLearner: fromPeer.Role == regionpkg.Learner},
			ToPeer:   api.PeerMeta{ID: toPeer.ID, StoreID: toPeer.StoreID, IsLearner: toPeer.Role == regionpkg.Learner},
			Epoch:    api.RegionEpoch{Version: region.Epoch.Version, ConfVersion: region.Epoch.ConfVersion},
			StartKey: region.Range.Start,
			EndKey:   region.Range.End,
			Message:  data,
		}
		if err := p.store.trans.Send(env); err != nil {
			if m.Type == raftpb.MsgSnap {
				p.rn.ReportSnapshotStatus(m.To, true)
			}
			p.rn.ReportUnreachable(m.To)
		} else if m.Type == raftpb.MsgSnap {
			p.rn.ReportSnapshotStatus(m.To, false)
		}
	}
}

// renewLease extends the lease from the moment its quorum round began,
// never from when the acknowledgement arrived: the followers' promise not
// to elect starts when the round does, and a delayed ack must not push
// the lease past it.
func (p *Peer) renewLease(start time.Time) {
	if start.IsZero() {
		return
	}
	until := start.Add(p.store.cfg.LeaseDuration)
	if until.After(p.leaseUntil) {
		p.leaseUntil = until
	}
}

func (p *Peer) nextReadID() uint64 {
	p.readSeq++
	return p.readSeq
}

func readCtx(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

func (p *Peer) confirmRead(rs raft.ReadState) {
	if len(rs.RequestCtx) != 8 {
		return
	}
	id := binary.BigEndian.Uint64(rs.RequestCtx)
	for _, rd := range p.pendingReads {
		if rd.id == id {
			rd.index = rs.Index
			// A completed quorum round doubles as a lease grant.
			p.renewLease(rd.started)
			return
		}
	}
}

// maybeFinishReads serves confirmed reads once apply caught up with their
// commit index.
func (p *Peer) maybeFinishReads() {
	applied := p.ps.ApplyState().AppliedIndex
	kept := p.pendingReads[:0]
	for _, rd := range p.pendingReads {
		if rd.index != 0 && rd.index <= applied {
			p.serveRead(rd.req, "read_index")
			continue
		}
		kept = append(kept, rd)
	}
	p.pendingReads = kept
}

func (p *Peer) onApplyResult(res *applyResult) {
	if p.stopped {
		return
	}
	p.pendingApplies--

	st := p.ps.ApplyState()
	st.AppliedIndex = res.appliedIndex
	st.AppliedTerm = res.appliedTerm
	p.ps.SetApplyState(st)

	p.resolveProposals(res)
	for _, exec := range res.execs {
		p.handleExecResult(exec)
		if p.stopped {
			return
		}
	}
	p.maybeFinishReads()

	if p.pendingDestroy && p.pendingApplies == 0 {
		p.destroy(p.destroyRemoveData)
	}
}

func (p *Peer) resolveProposals(res *applyResult) {
	if len(p.proposals) == 0 {
		return
	}
	terms := make(map[uint64]entryResult, len(res.entries))
	for _, er := range res.entries {
		terms[er.index] = er
	}
	kept := p.proposals[:0]
	for _, pr := range p.proposals {
		if pr.index > res.appliedIndex {
			kept = append(kept, pr)
			continue
		}
		er, ok := terms[pr.index]
		switch {
		case ok && er.term == pr.term:
			// Commit of an own-term entry is quorum evidence; it renews
			// the lease from the moment the entry was proposed.
			if p.isLeader() {
				p.renewLease(pr.proposedAt)
			}
			pr.cb.Done(CmdResult{Err: er.err})
			if er.err == nil {
				p.store.coll.Proposals.WithLabelValues("applied").Inc()
			} else {
				p.store.coll.Proposals.WithLabelValues("failed").Inc()
			}
		default:
			// The slot was filled by someone else's entry.
			pr.cb.Done(CmdResult{Err: ErrProposalDropped})
			p.store.coll.Proposals.WithLabelValues("dropped").Inc()
		}
	}
	p.proposals = kept
}

func (p *Peer) onCommitMerge(req commitMergeRequest) {
	if p.stopped || !p.isLeader() {
		return
	}
	region := p.region()
	cmd := &Command{
		RegionID: p.regionID,
		Epoch:    region.Epoch,
		Admin: &AdminRequest{
			Type:        AdminCommitMerge,
			CommitMerge: &CommitMergeRequest{Source: req.source},
		},
	}
	data, err := cmd.Marshal()
	if err != nil {
		return
	}
	_ = p.rn.Propose(data)
}

// destroy removes the peer from this store. Data is removed unless the
// range was handed to another region by a merge.
func (p *Peer) destroy(removeData bool) {
	if p.stopped {
		return
	}
	// Apply batches already handed to a worker may still write this
	// region; removing its data underneath them would race. Defer the
	// teardown until the in-flight results drain.
	if p.pendingApplies > 0 {
		p.pendingDestroy = true
		p.destroyRemoveData = p.destroyRemoveData || removeData
		return
	}
	p.stopped = true
	p.notifyStale(ErrRegionNotFound)
	p.store.destroyPeer(p, removeData)
}
