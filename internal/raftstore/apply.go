package raftstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	regionpkg "github.com/Shylock-Hg/tikv/internal/region"
	"github.com/Shylock-Hg/tikv/internal/storage"
)

// applyTask asks the apply pool to execute one batch of committed entries.
// A capture task instead takes a consistent engine view at the delegate's
// current applied cursor for snapshot generation.
type applyTask struct {
	regionID regionpkg.ID
	entries  []raftpb.Entry
	capture  bool
}

// entryResult records the per-entry outcome so the peer can settle its
// proposal queue against what actually landed.
type entryResult struct {
	index uint64
	term  uint64
	err   error
}

// applyResult is posted back to the peer mailbox after a batch landed.
type applyResult struct {
	regionID     regionpkg.ID
	appliedIndex uint64
	appliedTerm  uint64
	entries      []entryResult
	execs        []interface{}
}

type execResultSplit struct {
	parent   regionpkg.Region
	children []regionpkg.Region
}

type execResultConfChange struct {
	cc          raftpb.ConfChange
	region      regionpkg.Region
	removedSelf bool
}

type execResultPrepareMerge struct {
	region regionpkg.Region
	target regionpkg.Region
}

type execResultCommitMerge struct {
	region regionpkg.Region
	source regionpkg.Region
}

type execResultRollbackMerge struct {
	region regionpkg.Region
}

type execResultCompactLog struct {
	index uint64
	term  uint64
}

// applyDelegate is the apply-side shadow of a peer. It owns its own copy of
// the region metadata so epoch checks see the metadata exactly as of each
// entry, even when lifecycle commands land mid-batch.
type applyDelegate struct {
	regionID regionpkg.ID
	storeID  uint64
	region   regionpkg.Region

	appliedIndex uint64
	appliedTerm  uint64
	truncated    struct{ index, term uint64 }

	store  *Store
	logger *zap.Logger
}

// taskQueue is an unbounded FIFO. The raft worker must never block on the
// apply side or a full mailbox could wedge both pools against each other,
// so scheduling a task always succeeds immediately.
type taskQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []applyTask
	closed bool
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *taskQueue) push(t applyTask) {
	q.mu.Lock()
	if !q.closed {
		q.items = append(q.items, t)
	}
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *taskQueue) pop() (applyTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return applyTask{}, false
	}
	t := q.items[0]
	q.items = q.items[1:]
	return t, true
}

func (q *taskQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// applyScheduler fans apply tasks over a fixed worker pool. Tasks for one
// region always land on the same worker, which preserves apply order.
type applyScheduler struct {
	store     *Store
	workers   []*taskQueue
	delegates sync.Map // regionpkg.ID -> *applyDelegate
	wg        sync.WaitGroup
}

func newApplyScheduler(store *Store, workerCount int) *applyScheduler {
	s := &applyScheduler{
		store:   store,
		workers: make([]*taskQueue, workerCount),
	}
	for i := range s.workers {
		s.workers[i] = newTaskQueue()
	}
	return s
}

func (s *applyScheduler) start() {
	for i := range s.workers {
		s.wg.Add(1)
		go s.run(s.workers[i])
	}
}

func (s *applyScheduler) stop() {
	for _, q := range s.workers {
		q.close()
	}
	s.wg.Wait()
}

func (s *applyScheduler) register(p *Peer) {
	st := p.ps.ApplyState()
	d := &applyDelegate{
		regionID:     p.regionID,
		storeID:      p.store.storeID,
		region:       p.region().Clone(),
		appliedIndex: st.AppliedIndex,
		appliedTerm:  st.AppliedTerm,
		store:        p.store,
		logger:       p.logger.Named("apply"),
	}
	d.truncated.index = st.TruncatedIndex
	d.truncated.term = st.TruncatedTerm
	s.delegates.Store(p.regionID, d)
}

func (s *applyScheduler) unregister(id regionpkg.ID) {
	s.delegates.Delete(id)
}

func (s *applyScheduler) schedule(t applyTask) {
	s.workers[uint64(t.regionID)%uint64(len(s.workers))].push(t)
}

func (s *applyScheduler) run(q *taskQueue) {
	defer s.wg.Done()
	for {
		t, ok := q.pop()
		if !ok {
			return
		}
		v, ok := s.delegates.Load(t.regionID)
		if !ok {
			continue
		}
		d := v.(*applyDelegate)
		if t.capture {
			s.store.snapSched.schedule(snapshotCapture{
				regionID: d.regionID,
				region:   d.region.Clone(),
				index:    d.appliedIndex,
				term:     d.appliedTerm,
				view:     s.store.engine.Snapshot(),
			})
			continue
		}
		start := time.Now()
		res, err := d.apply(t)
		s.store.coll.ApplyDuration.Observe(time.Since(start).Seconds())
		if err != nil {
			d.logger.Error("apply batch failed", zap.Error(err))
			s.store.reportApplyFailure(t.regionID, err)
			continue
		}
		_ = s.store.router.sendBlocking(t.regionID, Message{
			Type:     MsgTypeApplyResult,
			RegionID: t.regionID,
			Data:     res,
		})
	}
}

func (d *applyDelegate) apply(t applyTask) (*applyResult, error) {
	res := &applyResult{regionID: d.regionID}
	batch := storage.ApplyBatch{RegionID: d.regionID}

	advanced := false
	for i := range t.entries {
		ent := &t.entries[i]
		if ent.Index <= d.appliedIndex {
			// Re-delivered after a restart; the effect is already durable.
			continue
		}
		switch ent.Type {
		case raftpb.EntryConfChange:
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(ent.Data); err != nil {
				return nil, err
			}
			err := d.execConfChange(cc, &batch, res)
			res.entries = append(res.entries, entryResult{index: ent.Index, term: ent.Term, err: err})
		case raftpb.EntryNormal:
			if len(ent.Data) == 0 {
				break // leader noop
			}
			cmd, err := UnmarshalCommand(ent.Data)
			if err == nil {
				err = d.execCommand(cmd, &batch, res)
			}
			res.entries = append(res.entries, entryResult{index: ent.Index, term: ent.Term, err: err})
		}
		d.appliedIndex = ent.Index
		d.appliedTerm = ent.Term
		advanced = true
	}

	res.appliedIndex = d.appliedIndex
	res.appliedTerm = d.appliedTerm
	if !advanced {
		return res, nil
	}

	batch.State = storage.ApplyState{
		AppliedIndex:   d.appliedIndex,
		AppliedTerm:    d.appliedTerm,
		TruncatedIndex: d.truncated.index,
		TruncatedTerm:  d.truncated.term,
	}
	if err := d.store.engine.ApplyWrite(batch); err != nil {
		return nil, err
	}
	return res, nil
}

func (d *applyDelegate) execCommand(cmd *Command, batch *storage.ApplyBatch, res *applyResult) error {
	if cmd.Epoch.StaleAgainst(d.region.Epoch) {
		return &EpochMismatchError{Current: d.region.Clone()}
	}
	if cmd.IsAdmin() {
		return d.execAdmin(cmd.Admin, batch, res)
	}
	if d.region.State == regionpkg.StateMerging {
		return ErrPendingMerge
	}
	for i := range cmd.Operations {
		if !d.region.ContainsKey(cmd.Operations[i].Key) {
			return &KeyNotInRegionError{Key: cmd.Operations[i].Key, RegionID: d.regionID}
		}
	}
	for i := range cmd.Operations {
		op := &cmd.Operations[i]
		switch op.Type {
		case OpPut:
			batch.KVs = append(batch.KVs, storage.KV{Key: op.Key, Value: op.Value})
		case OpDelete:
			batch.KVs = append(batch.KVs, storage.KV{Key: op.Key})
		default:
			return fmt.Errorf("raftstore: unknown operation type %d", op.Type)
		}
	}
	return nil
}

func (d *applyDelegate) execAdmin(req *AdminRequest, batch *storage.ApplyBatch, res *applyResult) error {
	switch req.Type {
	case AdminSplit:
		return d.execSplit(req.Split, batch, res)
	case AdminPrepareMerge:
		return d.execPrepareMerge(req.PrepareMerge, batch, res)
	case AdminCommitMerge:
		return d.execCommitMerge(req.CommitMerge, batch, res)
	case AdminRollbackMerge:
		return d.execRollbackMerge(batch, res)
	case AdminCompactLog:
		return d.execCompactLog(req.CompactLog, res)
	default:
		return fmt.Errorf("raftstore: unknown admin command %d", req.Type)
	}
}

// execSplit cuts the region at the split keys. The parent keeps the
// left-most slice; each key starts a new region. Children cover the parent
// range exactly and every epoch comes out strictly greater than the
// parent's old one.
func (d *applyDelegate) execSplit(req *SplitRequest, batch *storage.ApplyBatch, res *applyResult) error {
	if req == nil || len(req.SplitKeys) == 0 {
		return fmt.Errorf("raftstore: split without keys")
	}
	if len(req.NewRegionIDs) != len(req.SplitKeys) || len(req.NewPeerIDs) != len(req.SplitKeys) {
		return fmt.Errorf("raftstore: split id allocation mismatch")
	}
	if d.region.State != regionpkg.StateActive {
		return ErrPendingMerge
	}
	prev := []byte(nil)
	for _, key := range req.SplitKeys {
		if !d.region.ContainsKey(key) || bytes.Equal(key, d.region.Range.Start) {
			return &KeyNotInRegionError{Key: key, RegionID: d.regionID}
		}
		if prev != nil && bytes.Compare(key, prev) <= 0 {
			return fmt.Errorf("raftstore: split keys out of order")
		}
		prev = key
	}

	parent := d.region.Clone()
	newVersion := parent.Epoch.Version + uint64(len(req.SplitKeys))
	parent.Epoch.Version = newVersion

	children := make([]regionpkg.Region, 0, len(req.SplitKeys))
	for i, key := range req.SplitKeys {
		if len(req.NewPeerIDs[i]) != len(parent.Peers) {
			return fmt.Errorf("raftstore: split peer allocation mismatch")
		}
		end := parent.Range.End
		if i+1 < len(req.SplitKeys) {
			end = req.SplitKeys[i+1]
		}
		child := regionpkg.Region{
			ID: regionpkg.ID(req.NewRegionIDs[i]),
			Range: regionpkg.KeyRange{
				Start: append([]byte(nil), key...),
				End:   append([]byte(nil), end...),
			},
			Epoch: regionpkg.Epoch{Version: newVersion, ConfVersion: parent.Epoch.ConfVersion},
			State: regionpkg.StateActive,
		}
		for j, pp := range parent.Peers {
			child.Peers = append(child.Peers, regionpkg.Peer{
				ID:      req.NewPeerIDs[i][j],
				StoreID: pp.StoreID,
				Role:    pp.Role,
			})
		}
		children = append(children, child)
	}
	parent.Range.End = append([]byte(nil), req.SplitKeys[0]...)

	d.region = parent
	batch.Regions = append(batch.Regions, parent)
	batch.Regions = append(batch.Regions, children...)
	res.execs = append(res.execs, execResultSplit{parent: parent, children: children})
	d.store.coll.RegionSplits.Inc()
	return nil
}

func (d *applyDelegate) execPrepareMerge(req *PrepareMergeRequest, batch *storage.ApplyBatch, res *applyResult) error {
	if req == nil {
		return fmt.Errorf("raftstore: prepare merge without target")
	}
	if d.region.State != regionpkg.StateActive {
		return ErrPendingMerge
	}
	region := d.region.Clone()
	if !region.AdjacentBefore(req.Target) && !req.Target.AdjacentBefore(region) {
		return fmt.Errorf("raftstore: merge regions %d and %d are not adjacent", region.ID, req.Target.ID)
	}
	region.State = regionpkg.StateMerging
	region.Epoch.Version++

	d.region = region
	batch.Regions = append(batch.Regions, region)
	res.execs = append(res.execs, execResultPrepareMerge{region: region, target: req.Target.Clone()})
	return nil
}

func (d *applyDelegate) execCommitMerge(req *CommitMergeRequest, batch *storage.ApplyBatch, res *applyResult) error {
	if req == nil {
		return fmt.Errorf("raftstore: commit merge without source")
	}
	source := req.Source
	region := d.region.Clone()
	switch {
	case source.AdjacentBefore(region):
		region.Range.Start = append([]byte(nil), source.Range.Start...)
	case region.AdjacentBefore(source):
		region.Range.End = append([]byte(nil), source.Range.End...)
	default:
		return fmt.Errorf("raftstore: merge source %d not adjacent to %d", source.ID, region.ID)
	}
	if source.Epoch.Version > region.Epoch.Version {
		region.Epoch.Version = source.Epoch.Version
	}
	region.Epoch.Version++

	tomb := source.Clone()
	tomb.State = regionpkg.StateTombstone

	d.region = region
	batch.Regions = append(batch.Regions, region, tomb)
	res.execs = append(res.execs, execResultCommitMerge{region: region, source: source})
	d.store.coll.RegionMerges.Inc()
	return nil
}

func (d *applyDelegate) execRollbackMerge(batch *storage.ApplyBatch, res *applyResult) error {
	if d.region.State != regionpkg.StateMerging {
		return ErrStaleCommand
	}
	region := d.region.Clone()
	region.State = regionpkg.StateActive
	region.Epoch.Version++

	d.region = region
	batch.Regions = append(batch.Regions, region)
	res.execs = append(res.execs, execResultRollbackMerge{region: region})
	return nil
}

func (d *applyDelegate) execCompactLog(req *CompactLogRequest, res *applyResult) error {
	if req == nil || req.CompactIndex <= d.truncated.index {
		return nil
	}
	if req.CompactIndex > d.appliedIndex {
		return fmt.Errorf("raftstore: compact %d past applied %d", req.CompactIndex, d.appliedIndex)
	}
	d.truncated.index = req.CompactIndex
	d.truncated.term = req.CompactTerm
	res.execs = append(res.execs, execResultCompactLog{index: req.CompactIndex, term: req.CompactTerm})
	return nil
}

func (d *applyDelegate) execConfChange(cc raftpb.ConfChange, batch *storage.ApplyBatch, res *applyResult) error {
	var ctx confChangeContext
	if err := json.Unmarshal(cc.Context, &ctx); err != nil {
		return err
	}
	if ctx.Epoch.StaleAgainst(d.region.Epoch) {
		return &EpochMismatchError{Current: d.region.Clone()}
	}
	region := d.region.Clone()
	removedSelf := false

	switch cc.Type {
	case raftpb.ConfChangeAddNode:
		found := false
		for i := range region.Peers {
			if region.Peers[i].ID == cc.NodeID {
				region.Peers[i].Role = regionpkg.Voter
				found = true
				break
			}
		}
		if !found {
			p := ctx.Peer
			p.Role = regionpkg.Voter
			region.Peers = append(region.Peers, p)
		}
	case raftpb.ConfChangeAddLearnerNode:
		found := false
		for i := range region.Peers {
			if region.Peers[i].ID == cc.NodeID {
				found = true
				break
			}
		}
		if !found {
			p := ctx.Peer
			p.Role = regionpkg.Learner
			region.Peers = append(region.Peers, p)
		}
	case raftpb.ConfChangeRemoveNode:
		kept := region.Peers[:0]
		for _, pp := range region.Peers {
			if pp.ID == cc.NodeID {
				removedSelf = pp.StoreID == d.storeID
				continue
			}
			kept = append(kept, pp)
		}
		region.Peers = kept
	default:
		return fmt.Errorf("raftstore: unknown conf change type %d", cc.Type)
	}
	region.Epoch.ConfVersion++

	d.region = region
	batch.Regions = append(batch.Regions, region)
	res.execs = append(res.execs, execResultConfChange{cc: cc, region: region, removedSelf: removedSelf})
	d.store.coll.ConfChanges.Inc()
	return nil
}
