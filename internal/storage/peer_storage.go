package storage

import (
	"encoding/binary"
	"fmt"

	"github.com/cockroachdb/pebble"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"github.com/Shylock-Hg/tikv/internal/raft"
	regionpkg "github.com/Shylock-Hg/tikv/internal/region"
)

// PeerStorage is the per-region view of the shared store. It implements the
// raft Storage interface, caches the hot state, and is the single writer
// for its region's log and states.
type PeerStorage struct {
	store  *Store
	region regionpkg.Region
	logger *zap.Logger

	hardState  raftpb.HardState
	applyState ApplyState
	lastIndex  uint64
	lastTerm   uint64

	// snapshotRequested is set when Snapshot() was asked for a snapshot
	// that is not ready yet; the snapshot worker picks it up.
	snapshotRequested bool
	pendingSnapshot   *raftpb.Snapshot
}

// NewPeerStorage opens the per-region view, validating the persisted state
// against the applied <= committed <= last invariant.
func NewPeerStorage(store *Store, region regionpkg.Region, logger *zap.Logger) (*PeerStorage, error) {
	ps := &PeerStorage{
		store:  store,
		region: region,
		logger: logger.With(zap.Uint64("region", uint64(region.ID))),
	}
	if err := ps.loadState(); err != nil {
		return nil, err
	}
	if err := ps.validate(); err != nil {
		return nil, err
	}
	return ps, nil
}

func (ps *PeerStorage) loadState() error {
	val, closer, err := ps.store.db.Get(raftStateKey(ps.region.ID))
	switch {
	case err == nil:
		if len(val) < 8 {
			closer.Close()
			return fmt.Errorf("%w: raft state record has %d bytes", ErrLogCorruption, len(val))
		}
		ps.lastIndex = binary.BigEndian.Uint64(val[:8])
		if err := ps.hardState.Unmarshal(val[8:]); err != nil {
			closer.Close()
			return fmt.Errorf("%w: %v", ErrLogCorruption, err)
		}
		closer.Close()
	case err == pebble.ErrNotFound:
		// fresh region
	default:
		return err
	}

	st, err := ps.store.GetApplyState(ps.region.ID)
	if err != nil {
		return err
	}
	ps.applyState = st
	if ps.lastIndex < st.TruncatedIndex {
		ps.lastIndex = st.TruncatedIndex
	}
	term, err := ps.termOf(ps.lastIndex)
	if err != nil {
		return err
	}
	ps.lastTerm = term
	return nil
}

func (ps *PeerStorage) validate() error {
	st := ps.applyState
	if st.AppliedIndex < st.TruncatedIndex {
		return fmt.Errorf("%w: applied %d < truncated %d", ErrLogCorruption, st.AppliedIndex, st.TruncatedIndex)
	}
	if ps.hardState.Commit < st.AppliedIndex {
		// The commit index is volatile in raft terms; trust the applied
		// index, which only moves after a durable apply.
		ps.hardState.Commit = st.AppliedIndex
	}
	if ps.lastIndex < ps.hardState.Commit {
		return fmt.Errorf("%w: last %d < committed %d", ErrLogCorruption, ps.lastIndex, ps.hardState.Commit)
	}
	return nil
}

// Region returns the metadata this view was opened with.
func (ps *PeerStorage) Region() regionpkg.Region { return ps.region }

// SetRegion updates the cached metadata after an applied epoch change.
func (ps *PeerStorage) SetRegion(r regionpkg.Region) { ps.region = r }

// ApplyState returns the cached durable apply cursor.
func (ps *PeerStorage) ApplyState() ApplyState { return ps.applyState }

// SetApplyState refreshes the cache after an ApplyWrite moved the cursor.
func (ps *PeerStorage) SetApplyState(st ApplyState) { ps.applyState = st }

// InitialState implements raft.Storage.
func (ps *PeerStorage) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	cs := raftpb.ConfState{}
	for _, p := range ps.region.Peers {
		if p.Role == regionpkg.Learner {
			cs.Learners = append(cs.Learners, p.ID)
		} else {
			cs.Voters = append(cs.Voters, p.ID)
		}
	}
	return ps.hardState, cs, nil
}

// Entries implements raft.Storage.
func (ps *PeerStorage) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	if lo <= ps.applyState.TruncatedIndex {
		return nil, raft.ErrCompacted
	}
	if hi > ps.lastIndex+1 {
		return nil, fmt.Errorf("storage: entries hi %d out of bound %d", hi, ps.lastIndex)
	}
	iter, err := ps.store.db.NewIter(&pebble.IterOptions{
		LowerBound: logKey(ps.region.ID, lo),
		UpperBound: logKey(ps.region.ID, hi),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	ents := make([]raftpb.Entry, 0, hi-lo)
	var size uint64
	next := lo
	for iter.First(); iter.Valid(); iter.Next() {
		var ent raftpb.Entry
		if err := ent.Unmarshal(iter.Value()); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrLogCorruption, err)
		}
		if ent.Index != next {
			return nil, fmt.Errorf("%w: log gap at %d, found %d", ErrLogCorruption, next, ent.Index)
		}
		next++
		size += uint64(ent.Size())
		if len(ents) > 0 && size > maxSize {
			break
		}
		ents = append(ents, ent)
	}
	if err := iter.Error(); err != nil {
		return nil, err
	}
	if next < hi && size <= maxSize {
		return nil, fmt.Errorf("%w: log truncated early at %d, want %d", ErrLogCorruption, next, hi)
	}
	return ents, nil
}

// Term implements raft.Storage.
func (ps *PeerStorage) Term(i uint64) (uint64, error) {
	return ps.termOf(i)
}

func (ps *PeerStorage) termOf(i uint64) (uint64, error) {
	if i == ps.applyState.TruncatedIndex {
		return ps.applyState.TruncatedTerm, nil
	}
	if i < ps.applyState.TruncatedIndex {
		return 0, raft.ErrCompacted
	}
	if i > ps.lastIndex {
		return 0, raft.ErrUnavailable
	}
	val, closer, err := ps.store.db.Get(logKey(ps.region.ID, i))
	if err != nil {
		if err == pebble.ErrNotFound {
			return 0, raft.ErrUnavailable
		}
		return 0, err
	}
	defer closer.Close()
	var ent raftpb.Entry
	if err := ent.Unmarshal(val); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrLogCorruption, err)
	}
	return ent.Term, nil
}

// LastIndex implements raft.Storage.
func (ps *PeerStorage) LastIndex() (uint64, error) { return ps.lastIndex, nil }

// FirstIndex implements raft.Storage.
func (ps *PeerStorage) FirstIndex() (uint64, error) {
	return ps.applyState.TruncatedIndex + 1, nil
}

// Snapshot implements raft.Storage. Snapshots are built asynchronously by
// the snapshot worker; the first call flags a request and reports the
// snapshot as temporarily unavailable.
func (ps *PeerStorage) Snapshot() (raftpb.Snapshot, error) {
	if ps.pendingSnapshot != nil {
		snap := *ps.pendingSnapshot
		ps.pendingSnapshot = nil
		ps.snapshotRequested = false
		return snap, nil
	}
	ps.snapshotRequested = true
	return raftpb.Snapshot{}, raft.ErrSnapshotTemporarilyUnavailable
}

// TakeSnapshotRequest reports and clears the pending generation request.
func (ps *PeerStorage) TakeSnapshotRequest() bool {
	if ps.snapshotRequested && ps.pendingSnapshot == nil {
		ps.snapshotRequested = false
		return true
	}
	return false
}

// SetSnapshot hands a generated snapshot to the next Snapshot() call.
func (ps *PeerStorage) SetSnapshot(snap raftpb.Snapshot) {
	ps.pendingSnapshot = &snap
}

// Append persists new log entries and the hard state in one synced batch.
// Entries may overwrite a conflicting suffix; stale entries past the new
// last index are removed in the same batch.
func (ps *PeerStorage) Append(entries []raftpb.Entry, hs raftpb.HardState) error {
	if len(entries) == 0 && raft.IsEmptyHardState(hs) {
		return nil
	}
	b := ps.store.db.NewBatch()
	defer b.Close()

	lastIndex := ps.lastIndex
	lastTerm := ps.lastTerm
	for i := range entries {
		data, err := entries[i].Marshal()
		if err != nil {
			return err
		}
		if err := b.Set(logKey(ps.region.ID, entries[i].Index), data, nil); err != nil {
			return err
		}
	}
	if n := len(entries); n > 0 {
		newLast := entries[n-1].Index
		if newLast < lastIndex {
			if err := b.DeleteRange(logKey(ps.region.ID, newLast+1), logKey(ps.region.ID, lastIndex+1), nil); err != nil {
				return err
			}
		}
		lastIndex = newLast
		lastTerm = entries[n-1].Term
	}
	if !raft.IsEmptyHardState(hs) {
		ps.hardState = hs
	}
	state, err := encodeRaftState(lastIndex, ps.hardState)
	if err != nil {
		return err
	}
	if err := b.Set(raftStateKey(ps.region.ID), state, nil); err != nil {
		return err
	}
	if err := ps.store.db.Apply(b, pebble.Sync); err != nil {
		return err
	}
	ps.lastIndex = lastIndex
	ps.lastTerm = lastTerm
	return nil
}

// Truncate drops log entries up to and including compactTo and records the
// truncation cursor. compactTo must not pass the applied index.
func (ps *PeerStorage) Truncate(compactTo, compactTerm uint64) error {
	if compactTo <= ps.applyState.TruncatedIndex {
		return raft.ErrCompacted
	}
	if compactTo > ps.applyState.AppliedIndex {
		return fmt.Errorf("storage: compact %d past applied %d", compactTo, ps.applyState.AppliedIndex)
	}
	st := ps.applyState
	st.TruncatedIndex = compactTo
	st.TruncatedTerm = compactTerm

	b := ps.store.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(logKey(ps.region.ID, 0), logKey(ps.region.ID, compactTo+1), nil); err != nil {
		return err
	}
	if err := b.Set(applyStateKey(ps.region.ID), st.encode(), nil); err != nil {
		return err
	}
	if err := ps.store.db.Apply(b, pebble.Sync); err != nil {
		return err
	}
	ps.applyState = st
	return nil
}

// ApplySnapshot installs a received snapshot: the region's old data and log
// are dropped, the snapshot data lands, and every cursor jumps to the
// snapshot index, all in one synced batch.
func (ps *PeerStorage) ApplySnapshot(snap raftpb.Snapshot, newRegion regionpkg.Region, kvs []KV) error {
	b := ps.store.db.NewBatch()
	defer b.Close()

	if err := b.DeleteRange(logPrefix(ps.region.ID), raftStateKey(ps.region.ID), nil); err != nil {
		return err
	}
	oldStart := DataKey(ps.region.Range.Start)
	if len(ps.region.Range.Start) == 0 {
		oldStart = []byte{dataPrefix}
	}
	if err := b.DeleteRange(oldStart, dataKeyUpperBound(ps.region.Range.End), nil); err != nil {
		return err
	}
	for _, kv := range kvs {
		if err := b.Set(DataKey(kv.Key), kv.Value, nil); err != nil {
			return err
		}
	}

	idx, term := snap.Metadata.Index, snap.Metadata.Term
	st := ApplyState{
		AppliedIndex:   idx,
		AppliedTerm:    term,
		TruncatedIndex: idx,
		TruncatedTerm:  term,
	}
	if err := b.Set(applyStateKey(ps.region.ID), st.encode(), nil); err != nil {
		return err
	}
	hs := ps.hardState
	if hs.Commit < idx {
		hs.Commit = idx
	}
	state, err := encodeRaftState(idx, hs)
	if err != nil {
		return err
	}
	if err := b.Set(raftStateKey(ps.region.ID), state, nil); err != nil {
		return err
	}
	meta, err := regionMetaValue(newRegion)
	if err != nil {
		return err
	}
	if err := b.Set(regionMetaKey(newRegion.ID), meta, nil); err != nil {
		return err
	}
	if err := ps.store.db.Apply(b, pebble.Sync); err != nil {
		return err
	}
	ps.hardState = hs
	ps.applyState = st
	ps.lastIndex = idx
	ps.lastTerm = term
	ps.region = newRegion
	ps.pendingSnapshot = nil
	ps.snapshotRequested = false
	return nil
}

func encodeRaftState(lastIndex uint64, hs raftpb.HardState) ([]byte, error) {
	data, err := hs.Marshal()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 8, 8+len(data))
	binary.BigEndian.PutUint64(buf, lastIndex)
	return append(buf, data...), nil
}
