package raftstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gogo/protobuf/proto"
	"github.com/google/btree"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"github.com/Shylock-Hg/tikv/internal/config"
	"github.com/Shylock-Hg/tikv/internal/observability/metrics"
	regionpkg "github.com/Shylock-Hg/tikv/internal/region"
	"github.com/Shylock-Hg/tikv/internal/storage"
	"github.com/Shylock-Hg/tikv/pkg/api"
)

// Transport carries raft messages between stores. Delivery is best effort;
// raft tolerates loss.
type Transport interface {
	Send(msg *api.RaftMessage) error
}

// PlacementDriver is the slice of the placement service the store needs:
// heartbeats out, admin directives in via heartbeat responses.
type PlacementDriver interface {
	RegionHeartbeat(ctx context.Context, req *api.RegionHeartbeatRequest) (*api.RegionHeartbeatResponse, error)
	StoreHeartbeat(ctx context.Context, req *api.StoreHeartbeatRequest) (*api.StoreHeartbeatResponse, error)
}

// rangeItem indexes a region by its start key for key routing.
type rangeItem struct {
	start []byte
	id    regionpkg.ID
}

func rangeItemLess(a, b rangeItem) bool {
	return bytes.Compare(a.start, b.start) < 0
}

// Store coordinates every region replica on this node: it owns the router,
// the worker pools, the range index and the placement-service glue.
type Store struct {
	cfg     config.RaftstoreConfig
	storeID uint64
	address string
	engine  *storage.Store
	trans   Transport
	pd      PlacementDriver
	coll    *metrics.StoreCollector
	logger  *zap.Logger

	router     *Router
	applySched *applyScheduler
	snapSched  *snapshotScheduler

	mu      sync.RWMutex
	peers   map[regionpkg.ID]*Peer
	regions map[regionpkg.ID]regionpkg.Region
	leaders map[regionpkg.ID]bool
	ranges  *btree.BTreeG[rangeItem]
	subs    []chan regionpkg.Region

	stopc    chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// Options carries the collaborators a store needs.
type Options struct {
	Config    config.RaftstoreConfig
	StoreID   uint64
	Address   string
	Engine    *storage.Store
	Transport Transport
	PD        PlacementDriver
	Collector *metrics.StoreCollector
	Logger    *zap.Logger
}

func NewStore(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	coll := opts.Collector
	if coll == nil {
		coll = metrics.NewStoreCollector(nil, "")
	}
	s := &Store{
		cfg:     opts.Config,
		storeID: opts.StoreID,
		address: opts.Address,
		engine:  opts.Engine,
		trans:   opts.Transport,
		pd:      opts.PD,
		coll:    coll,
		logger:  logger.Named("raftstore").With(zap.Uint64("store", opts.StoreID)),
		peers:   make(map[regionpkg.ID]*Peer),
		regions: make(map[regionpkg.ID]regionpkg.Region),
		leaders: make(map[regionpkg.ID]bool),
		ranges:  btree.NewG(32, rangeItemLess),
		stopc:   make(chan struct{}),
	}
	s.router = newRouter(opts.Config.MailboxCapacity)
	s.applySched = newApplyScheduler(s, opts.Config.ApplyWorkerCount)
	return s
}

// Bootstrap seeds an empty store with its first region. Must run before
// Start, exactly once across the cluster's stores with identical metadata.
func (s *Store) Bootstrap(r regionpkg.Region) error {
	existing, err := s.engine.ListRegions()
	if err != nil {
		return err
	}
	for i := range existing {
		if existing[i].ID == r.ID {
			return nil
		}
	}
	return s.engine.PutRegion(r)
}

// Start recovers every region from storage and spins up the worker pools
// and periodic drivers.
func (s *Store) Start() error {
	regions, err := s.engine.ListRegions()
	if err != nil {
		return err
	}
	s.snapSched = newSnapshotScheduler(s, s.cfg.SnapshotWorkerCount)
	s.applySched.start()
	for i := range regions {
		if _, ok := regions[i].PeerOnStore(s.storeID); !ok {
			continue
		}
		if err := s.createPeer(regions[i], false); err != nil {
			s.logger.Error("recover region failed",
				zap.Uint64("region", uint64(regions[i].ID)), zap.Error(err))
		}
	}
	for i := 0; i < s.cfg.WorkerCount; i++ {
		s.wg.Add(1)
		go s.router.worker(s.cfg.MessagesPerBatch, &s.wg)
	}
	s.wg.Add(2)
	go s.tickLoop()
	go s.storeLoop()
	if s.pd != nil {
		s.wg.Add(1)
		go s.heartbeatLoop()
	}
	s.logger.Info("store started", zap.Int("regions", len(regions)))
	return nil
}

// Stop shuts down workers and drivers. In-flight callbacks resolve with
// ErrStoreStopped.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopc)
		s.router.close()
		s.wg.Wait()
		s.applySched.stop()
		if s.snapSched != nil {
			s.snapSched.stop()
		}
	})
}

func (s *Store) createPeer(r regionpkg.Region, campaign bool) error {
	s.mu.RLock()
	_, exists := s.peers[r.ID]
	s.mu.RUnlock()
	if exists {
		return nil
	}
	p, err := newPeer(s, r)
	if err != nil {
		return err
	}
	s.applySched.register(p)
	s.router.register(p, s.cfg.MailboxCapacity)

	s.mu.Lock()
	s.peers[r.ID] = p
	s.regions[r.ID] = r.Clone()
	s.ranges.ReplaceOrInsert(rangeItem{start: r.Range.Start, id: r.ID})
	s.coll.RegionCount.Set(float64(len(s.peers)))
	s.mu.Unlock()

	if campaign {
		_ = s.router.Send(r.ID, Message{Type: MsgTypeCampaign, RegionID: r.ID})
	}
	return nil
}

func (s *Store) destroyPeer(p *Peer, removeData bool) {
	region := p.region()
	s.router.unregister(p.regionID)
	s.applySched.unregister(p.regionID)

	s.mu.Lock()
	delete(s.peers, p.regionID)
	delete(s.regions, p.regionID)
	delete(s.leaders, p.regionID)
	s.ranges.Delete(rangeItem{start: region.Range.Start})
	s.coll.RegionCount.Set(float64(len(s.peers)))
	s.mu.Unlock()

	if err := s.engine.DestroyRegion(region, removeData); err != nil {
		s.logger.Error("destroy region data failed",
			zap.Uint64("region", uint64(p.regionID)), zap.Error(err))
	}
	tomb := region.Clone()
	tomb.State = regionpkg.StateTombstone
	s.publish(tomb)
}

// onRegionUnhealthy pulls a broken region out of service without touching
// its data. Other regions keep running.
func (s *Store) onRegionUnhealthy(p *Peer) {
	region := p.region()
	s.router.unregister(p.regionID)
	s.applySched.unregister(p.regionID)

	s.mu.Lock()
	delete(s.peers, p.regionID)
	delete(s.leaders, p.regionID)
	s.ranges.Delete(rangeItem{start: region.Range.Start})
	s.coll.RegionCount.Set(float64(len(s.peers)))
	s.mu.Unlock()
}

func (s *Store) reportApplyFailure(id regionpkg.ID, err error) {
	s.coll.RegionErrors.WithLabelValues("apply").Inc()
	s.logger.Error("apply failure", zap.Uint64("region", uint64(id)), zap.Error(err))
	_ = s.router.sendBlocking(id, Message{Type: MsgTypeApplyFatal, RegionID: id, Data: err})
}

func (s *Store) onLeaderChange(p *Peer, leader bool) {
	s.mu.Lock()
	s.leaders[p.regionID] = leader
	if r, ok := s.regions[p.regionID]; ok {
		r.Leader = p.rn.Lead()
		s.regions[p.regionID] = r
	}
	count := 0
	for _, l := range s.leaders {
		if l {
			count++
		}
	}
	s.coll.LeaderCount.Set(float64(count))
	s.mu.Unlock()
}

func (s *Store) onRegionChanged(p *Peer, old, updated regionpkg.Region) {
	s.mu.Lock()
	s.regions[updated.ID] = updated.Clone()
	if !bytes.Equal(old.Range.Start, updated.Range.Start) {
		s.ranges.Delete(rangeItem{start: old.Range.Start})
		s.ranges.ReplaceOrInsert(rangeItem{start: updated.Range.Start, id: updated.ID})
	}
	s.mu.Unlock()
	s.publish(updated)
}

func (s *Store) onSplit(p *Peer, old, parent regionpkg.Region, children []regionpkg.Region) {
	s.mu.Lock()
	s.regions[parent.ID] = parent.Clone()
	s.mu.Unlock()
	s.publish(parent)

	wasLeader := p.isLeader()
	for i := range children {
		if _, ok := children[i].PeerOnStore(s.storeID); !ok {
			continue
		}
		if err := s.createPeer(children[i], wasLeader); err != nil {
			s.logger.Error("create split child failed",
				zap.Uint64("region", uint64(children[i].ID)), zap.Error(err))
			continue
		}
		s.publish(children[i])
	}
}

func (s *Store) onCommitMerge(p *Peer, old, target, source regionpkg.Region) {
	s.mu.Lock()
	s.regions[target.ID] = target.Clone()
	if !bytes.Equal(old.Range.Start, target.Range.Start) {
		s.ranges.Delete(rangeItem{start: old.Range.Start})
		s.ranges.ReplaceOrInsert(rangeItem{start: target.Range.Start, id: target.ID})
	}
	_, sourceLocal := s.peers[source.ID]
	s.mu.Unlock()
	s.publish(target)

	if sourceLocal {
		// The source's range now belongs to the target; keep the data.
		_ = s.router.Send(source.ID, Message{Type: MsgTypeDestroy, RegionID: source.ID, Data: false})
	}
}

func (s *Store) scheduleSnapshot(id regionpkg.ID) {
	s.applySched.schedule(applyTask{regionID: id, capture: true})
}

// regionForKey resolves a key to the region covering it.
func (s *Store) regionForKey(key []byte) (regionpkg.ID, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var found rangeItem
	ok := false
	s.ranges.DescendLessOrEqual(rangeItem{start: key}, func(it rangeItem) bool {
		found = it
		ok = true
		return false
	})
	if !ok {
		return 0, false
	}
	r, ok := s.regions[found.id]
	if !ok || !r.ContainsKey(key) {
		return 0, false
	}
	return found.id, true
}

// Regions returns a copy of the store's current region layout.
func (s *Store) Regions() []regionpkg.Region {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]regionpkg.Region, 0, len(s.regions))
	for _, r := range s.regions {
		out = append(out, r.Clone())
	}
	return out
}

// RegionByID returns the cached metadata for a region.
func (s *Store) RegionByID(id regionpkg.ID) (regionpkg.Region, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.regions[id]
	if !ok {
		return regionpkg.Region{}, false
	}
	return r.Clone(), true
}

// RegionForKey exposes key routing for the serving layer.
func (s *Store) RegionForKey(key []byte) (regionpkg.Region, bool) {
	id, ok := s.regionForKey(key)
	if !ok {
		return regionpkg.Region{}, false
	}
	return s.RegionByID(id)
}

// SubscribeRegionChanges returns a channel that receives region metadata
// whenever an epoch changes, a leader moves or a region is removed. Slow
// consumers miss events rather than block the store.
func (s *Store) SubscribeRegionChanges() <-chan regionpkg.Region {
	ch := make(chan regionpkg.Region, 64)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

func (s *Store) publish(r regionpkg.Region) {
	s.mu.RLock()
	subs := s.subs
	s.mu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- r.Clone():
		default:
		}
	}
}

// Propose replicates a command through its region's log and waits for the
// apply outcome.
func (s *Store) Propose(cmd *Command) CmdResult {
	return s.proposeRequest(cmd.RegionID, proposalRequest{cmd: cmd, cb: NewCallback()})
}

// Put writes one key through the region covering it.
func (s *Store) Put(key, value []byte) CmdResult {
	return s.mutate(Operation{Type: OpPut, Key: key, Value: value})
}

// Delete removes one key through the region covering it.
func (s *Store) Delete(key []byte) CmdResult {
	return s.mutate(Operation{Type: OpDelete, Key: key})
}

// Get reads one key with the given consistency through the region covering
// it.
func (s *Store) Get(key []byte, consistency ReadConsistency) CmdResult {
	r, ok := s.RegionForKey(key)
	if !ok {
		return CmdResult{Err: ErrRegionNotFound}
	}
	return s.Read(key, r.Epoch, consistency)
}

func (s *Store) mutate(op Operation) CmdResult {
	r, ok := s.RegionForKey(op.Key)
	if !ok {
		return CmdResult{Err: ErrRegionNotFound}
	}
	return s.Propose(&Command{
		RegionID:   r.ID,
		Epoch:      r.Epoch,
		Operations: []Operation{op},
	})
}

// ProposeConfChange adds, promotes or removes a single peer.
func (s *Store) ProposeConfChange(id regionpkg.ID, typ raftpb.ConfChangeType, peer regionpkg.Peer, epoch regionpkg.Epoch) CmdResult {
	ctx, err := json.Marshal(confChangeContext{Peer: peer, Epoch: epoch})
	if err != nil {
		return CmdResult{Err: err}
	}
	cc := &raftpb.ConfChange{Type: typ, NodeID: peer.ID, Context: ctx}
	return s.proposeRequest(id, proposalRequest{cc: cc, cb: NewCallback()})
}

// ProposeSplit cuts a region at the given keys using pre-allocated ids.
func (s *Store) ProposeSplit(id regionpkg.ID, epoch regionpkg.Epoch, keys [][]byte, newRegionIDs []uint64, newPeerIDs [][]uint64) CmdResult {
	cmd := &Command{
		RegionID: id,
		Epoch:    epoch,
		Admin: &AdminRequest{
			Type: AdminSplit,
			Split: &SplitRequest{
				SplitKeys:    keys,
				NewRegionIDs: newRegionIDs,
				NewPeerIDs:   newPeerIDs,
			},
		},
	}
	return s.Propose(cmd)
}

// ProposePrepareMerge starts folding source into target.
func (s *Store) ProposePrepareMerge(source, target regionpkg.ID) CmdResult {
	src, ok := s.RegionByID(source)
	if !ok {
		return CmdResult{Err: ErrRegionNotFound}
	}
	tgt, ok := s.RegionByID(target)
	if !ok {
		return CmdResult{Err: ErrRegionNotFound}
	}
	cmd := &Command{
		RegionID: source,
		Epoch:    src.Epoch,
		Admin: &AdminRequest{
			Type:         AdminPrepareMerge,
			PrepareMerge: &PrepareMergeRequest{Target: tgt},
		},
	}
	return s.Propose(cmd)
}

// ProposeRollbackMerge aborts a prepared merge on the source region.
func (s *Store) ProposeRollbackMerge(source regionpkg.ID) CmdResult {
	src, ok := s.RegionByID(source)
	if !ok {
		return CmdResult{Err: ErrRegionNotFound}
	}
	cmd := &Command{
		RegionID: source,
		Epoch:    src.Epoch,
		Admin:    &AdminRequest{Type: AdminRollbackMerge, RollbackMerge: true},
	}
	return s.Propose(cmd)
}

// TransferLeader asks a region to hand leadership to the target peer. Best
// effort: the transfer can time out and leadership resumes where it was.
func (s *Store) TransferLeader(id regionpkg.ID, targetPeer uint64) error {
	cb := NewCallback()
	err := s.router.Send(id, Message{
		Type:     MsgTypeTransferLeader,
		RegionID: id,
		Data:     transferLeaderRequest{targetPeer: targetPeer, cb: cb},
	})
	if err != nil {
		return err
	}
	return cb.Wait().Err
}

func (s *Store) proposeRequest(id regionpkg.ID, req proposalRequest) CmdResult {
	err := s.router.Send(id, Message{Type: MsgTypeProposal, RegionID: id, Data: req})
	if err != nil {
		if errors.Is(err, ErrMailboxFull) {
			s.coll.MailboxFull.Inc()
		}
		return CmdResult{Err: err}
	}
	select {
	case res := <-req.cb.Chan():
		return res
	case <-time.After(s.cfg.ProposalTimeout + s.cfg.TickInterval):
		return CmdResult{Err: ErrTimeout}
	case <-s.stopc:
		return CmdResult{Err: ErrStoreStopped}
	}
}

// HandleRaftMessage feeds one transport envelope into the right mailbox,
// falling back to the store mailbox when the peer does not exist yet.
func (s *Store) HandleRaftMessage(env *api.RaftMessage) error {
	if env.ToPeer.StoreID != s.storeID {
		return nil
	}
	var m raftpb.Message
	if err := proto.Unmarshal(env.Message, &m); err != nil {
		return err
	}
	msg := Message{
		Type:     MsgTypeRaftMessage,
		RegionID: regionpkg.ID(env.RegionID),
		Data:     inboundRaftMessage{env: env, msg: m},
	}
	err := s.router.Send(msg.RegionID, msg)
	switch {
	case errors.Is(err, ErrRegionNotFound):
		return s.router.sendStore(msg)
	case errors.Is(err, ErrMailboxFull):
		s.coll.MailboxFull.Inc()
		return err
	default:
		return err
	}
}

// storeLoop handles messages addressed to regions with no local peer,
// creating the peer when a legitimate first contact arrives.
func (s *Store) storeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopc:
			return
		case msg := <-s.router.storeCh:
			in, ok := msg.Data.(inboundRaftMessage)
			if !ok {
				continue
			}
			if err := s.maybeCreatePeer(in); err != nil {
				s.logger.Debug("dropped message for unknown region",
					zap.Uint64("region", uint64(msg.RegionID)), zap.Error(err))
				continue
			}
			_ = s.router.Send(msg.RegionID, msg)
		}
	}
}

func (s *Store) maybeCreatePeer(in inboundRaftMessage) error {
	env := in.env
	id := regionpkg.ID(env.RegionID)
	if env.IsTombstone {
		return ErrRegionNotFound
	}
	meta, err := s.engine.GetRegion(id)
	if err == nil && meta.State == regionpkg.StateTombstone {
		if !meta.Epoch.StaleAgainst(regionpkg.Epoch{Version: env.Epoch.Version, ConfVersion: env.Epoch.ConfVersion}) {
			return ErrStaleCommand
		}
	} else if err != nil && !errors.Is(err, storage.ErrKeyNotFound) {
		return err
	}

	r := regionpkg.Region{
		ID: id,
		Range: regionpkg.KeyRange{
			Start: append([]byte(nil), env.StartKey...),
			End:   append([]byte(nil), env.EndKey...),
		},
		Epoch: regionpkg.Epoch{Version: env.Epoch.Version, ConfVersion: env.Epoch.ConfVersion},
		Peers: []regionpkg.Peer{
			peerFromMeta(env.FromPeer),
			peerFromMeta(env.ToPeer),
		},
		State: regionpkg.StateActive,
	}
	if err := s.engine.PutRegion(r); err != nil {
		return err
	}
	return s.createPeer(r, false)
}

func peerFromMeta(m api.PeerMeta) regionpkg.Peer {
	role := regionpkg.Voter
	if m.IsLearner {
		role = regionpkg.Learner
	}
	return regionpkg.Peer{ID: m.ID, StoreID: m.StoreID, Role: role}
}

func (s *Store) tickLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopc:
			return
		case <-ticker.C:
			s.mu.RLock()
			ids := make([]regionpkg.ID, 0, len(s.peers))
			for id := range s.peers {
				ids = append(ids, id)
			}
			s.mu.RUnlock()
			for _, id := range ids {
				// A lost tick under backpressure is harmless.
				_ = s.router.Send(id, Message{Type: MsgTypeTick, RegionID: id})
			}
		}
	}
}

func (s *Store) heartbeatLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopc:
			return
		case <-ticker.C:
			s.sendStoreHeartbeat()
			s.mu.RLock()
			ids := make([]regionpkg.ID, 0, len(s.peers))
			for id := range s.peers {
				ids = append(ids, id)
			}
			s.mu.RUnlock()
			for _, id := range ids {
				_ = s.router.Send(id, Message{Type: MsgTypePDHeartbeat, RegionID: id})
			}
		}
	}
}

func (s *Store) sendStoreHeartbeat() {
	s.mu.RLock()
	regionCount := len(s.peers)
	leaderCount := 0
	for _, l := range s.leaders {
		if l {
			leaderCount++
		}
	}
	s.mu.RUnlock()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, err := s.pd.StoreHeartbeat(ctx, &api.StoreHeartbeatRequest{
		StoreID:     s.storeID,
		Address:     s.address,
		RegionCount: regionCount,
		LeaderCount: leaderCount,
	})
	if err != nil {
		s.logger.Warn("store heartbeat failed", zap.Error(err))
	}
}

// reportToPD runs on the peer's dispatch slot so the reported metadata is
// consistent; the network call happens off it.
func (p *Peer) reportToPD() {
	if p.stopped || !p.isLeader() || p.store.pd == nil {
		return
	}
	region := p.region()
	size, keys, err := p.store.engine.RangeSize(region.Range)
	if err != nil {
		p.logger.Warn("range size estimate failed", zap.Error(err))
		return
	}
	req := &api.RegionHeartbeatRequest{
		StoreID:         p.store.storeID,
		Region:          region.ToWire(),
		Leader:          p.peerID,
		ApproximateSize: size,
		ApproximateKeys: keys,
		SplitKeys:       p.checkSplit(region, size),
	}
	go p.store.sendRegionHeartbeat(req)
}

// checkSplit returns a split key to ask placement for once the region
// outgrows RegionMaxSize. The key targets RegionSplitSize for the left
// child so repeated splits converge on evenly sized regions.
func (p *Peer) checkSplit(region regionpkg.Region, size uint64) [][]byte {
	cfg := p.store.cfg
	if cfg.RegionMaxSize == 0 || size < cfg.RegionMaxSize {
		return nil
	}
	if region.State == regionpkg.StateMerging {
		return nil
	}
	key, err := p.store.engine.SplitKey(region.Range, cfg.RegionSplitSize)
	if err != nil {
		p.logger.Warn("split key scan failed", zap.Error(err))
		return nil
	}
	if key == nil || bytes.Equal(key, region.Range.Start) || !region.ContainsKey(key) {
		return nil
	}
	return [][]byte{key}
}

func (s *Store) sendRegionHeartbeat(req *api.RegionHeartbeatRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	resp, err := s.pd.RegionHeartbeat(ctx, req)
	if err != nil {
		s.logger.Warn("region heartbeat failed",
			zap.Uint64("region", req.Region.ID), zap.Error(err))
		return
	}
	if resp.Directive != nil && resp.Directive.Type != api.AdminDirectiveNone {
		s.applyDirective(regionpkg.ID(req.Region.ID), resp.Directive)
	}
}

// applyDirective turns a placement decision into the matching proposal.
// Everything is epoch-guarded; a decision made against stale metadata
// fails with EpochMismatch and the next heartbeat carries fresh state.
func (s *Store) applyDirective(id regionpkg.ID, d *api.AdminDirective) {
	epoch := regionpkg.Epoch{Version: d.ExpectedEpoch.Version, ConfVersion: d.ExpectedEpoch.ConfVersion}
	var res CmdResult
	switch d.Type {
	case api.AdminDirectiveSplit:
		res = s.ProposeSplit(id, epoch, d.SplitKeys, d.NewRegionIDs, d.NewPeerIDs)
	case api.AdminDirectiveTransferLeader:
		if d.TargetPeer != nil {
			res = CmdResult{Err: s.TransferLeader(id, d.TargetPeer.ID)}
		}
	case api.AdminDirectiveAddPeer:
		if d.TargetPeer != nil {
			res = s.ProposeConfChange(id, raftpb.ConfChangeAddNode, peerFromMeta(*d.TargetPeer), epoch)
		}
	case api.AdminDirectiveAddLearner:
		if d.TargetPeer != nil {
			res = s.ProposeConfChange(id, raftpb.ConfChangeAddLearnerNode, peerFromMeta(*d.TargetPeer), epoch)
		}
	case api.AdminDirectiveRemovePeer:
		if d.TargetPeer != nil {
			res = s.ProposeConfChange(id, raftpb.ConfChangeRemoveNode, peerFromMeta(*d.TargetPeer), epoch)
		}
	case api.AdminDirectiveMerge:
		if d.MergeTarget != nil {
			res = s.ProposePrepareMerge(id, regionpkg.ID(d.MergeTarget.ID))
		}
	}
	if res.Err != nil {
		s.logger.Info("placement directive rejected",
			zap.Uint64("region", uint64(id)),
			zap.Int32("type", int32(d.Type)),
			zap.Error(res.Err))
	}
}
