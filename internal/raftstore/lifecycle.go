package raftstore

import (
	"errors"

	"go.uber.org/zap"

	"github.com/Shylock-Hg/tikv/internal/raft"
)

// handleExecResult finishes a lifecycle command on the peer side once its
// effects are durable: the raft membership view, the cached metadata, and
// the store's range index all move here, on the peer's own dispatch slot.
func (p *Peer) handleExecResult(exec interface{}) {
	switch e := exec.(type) {
	case execResultSplit:
		old := p.region()
		p.ps.SetRegion(e.parent)
		p.store.onSplit(p, old, e.parent, e.children)

	case execResultConfChange:
		old := p.region()
		p.rn.ApplyConfChange(e.cc)
		p.ps.SetRegion(e.region)
		p.store.onRegionChanged(p, old, e.region)
		if e.removedSelf {
			p.logger.Info("removed from region by conf change")
			p.destroy(true)
		}

	case execResultPrepareMerge:
		old := p.region()
		p.ps.SetRegion(e.region)
		p.store.onRegionChanged(p, old, e.region)
		// Hand the baton to the local target peer. Every source replica
		// does this; only the store hosting the target leader proposes the
		// commit phase, so the handoff survives split leaderships.
		err := p.store.router.Send(e.target.ID, Message{
			Type:     MsgTypeCommitMerge,
			RegionID: e.target.ID,
			Data:     commitMergeRequest{source: e.region},
		})
		if err != nil && !errors.Is(err, ErrRegionNotFound) {
			p.logger.Warn("merge handoff to target failed", zap.Error(err))
		}

	case execResultCommitMerge:
		old := p.region()
		p.ps.SetRegion(e.region)
		p.store.onCommitMerge(p, old, e.region, e.source)

	case execResultRollbackMerge:
		old := p.region()
		p.ps.SetRegion(e.region)
		p.store.onRegionChanged(p, old, e.region)

	case execResultCompactLog:
		if err := p.ps.Truncate(e.index, e.term); err != nil && !errors.Is(err, raft.ErrCompacted) {
			p.logger.Warn("log truncation failed", zap.Error(err))
		}
	}
}
