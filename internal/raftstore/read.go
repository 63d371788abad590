package raftstore

import (
	"errors"
	"time"

	regionpkg "github.com/Shylock-Hg/tikv/internal/region"
	"github.com/Shylock-Hg/tikv/internal/storage"
)

// onRead routes one read through the requested consistency path. Stale
// reads serve local applied state on any peer; everything else requires
// the leader.
func (p *Peer) onRead(req readRequest) {
	if p.stopped {
		req.cb.Done(CmdResult{Err: ErrRegionNotFound})
		return
	}
	region := p.region()
	if req.epoch.StaleAgainst(region.Epoch) {
		req.cb.Done(CmdResult{Err: &EpochMismatchError{Current: region.Clone()}})
		return
	}
	if !region.ContainsKey(req.key) {
		req.cb.Done(CmdResult{Err: &KeyNotInRegionError{Key: req.key, RegionID: p.regionID}})
		return
	}

	if req.consistency == ReadStale {
		p.serveRead(req, "stale")
		return
	}
	if !p.isLeader() {
		req.cb.Done(CmdResult{Err: &NotLeaderError{RegionID: p.regionID, Leader: p.leaderHint()}})
		return
	}
	if req.consistency == ReadLease && time.Now().Before(p.leaseUntil) {
		p.serveRead(req, "lease")
		return
	}
	p.startReadIndex(req)
}

// startReadIndex runs the quorum round; the read completes from
// maybeFinishReads once apply reaches the confirmed index.
func (p *Peer) startReadIndex(req readRequest) {
	id := p.nextReadID()
	now := time.Now()
	if err := p.rn.ReadIndex(readCtx(id)); err != nil {
		req.cb.Done(CmdResult{Err: ErrProposalDropped})
		return
	}
	p.pendingReads = append(p.pendingReads, &pendingRead{
		id:       id,
		req:      req,
		started:  now,
		deadline: now.Add(p.store.cfg.ProposalTimeout),
	})
}

func (p *Peer) serveRead(req readRequest, path string) {
	val, err := p.store.engine.Get(req.key)
	if err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			p.store.coll.ReadsServed.WithLabelValues(path).Inc()
			req.cb.Done(CmdResult{})
			return
		}
		req.cb.Done(CmdResult{Err: err})
		return
	}
	p.store.coll.ReadsServed.WithLabelValues(path).Inc()
	req.cb.Done(CmdResult{Value: val})
}

// Read resolves the key to a region and runs the read through its peer.
func (s *Store) Read(key []byte, epoch regionpkg.Epoch, consistency ReadConsistency) CmdResult {
	id, ok := s.regionForKey(key)
	if !ok {
		return CmdResult{Err: ErrRegionNotFound}
	}
	cb := NewCallback()
	err := s.router.Send(id, Message{
		Type:     MsgTypeRead,
		RegionID: id,
		Data:     readRequest{key: key, epoch: epoch, consistency: consistency, cb: cb},
	})
	if err != nil {
		return CmdResult{Err: err}
	}
	select {
	case res := <-cb.Chan():
		return res
	case <-time.After(s.cfg.ProposalTimeout):
		return CmdResult{Err: ErrTimeout}
	case <-s.stopc:
		return CmdResult{Err: ErrStoreStopped}
	}
}
