package raft

import "go.etcd.io/etcd/raft/v3/raftpb"

// SoftState is volatile state not persisted to storage.
type SoftState struct {
	Lead      uint64
	RaftState StateType
}

func (a *SoftState) equal(b *SoftState) bool {
	return a.Lead == b.Lead && a.RaftState == b.RaftState
}

// Ready is one processing cycle's batch of work: entries to persist,
// messages to send, committed entries to apply. The caller must persist
// HardState, Entries and Snapshot before sending Messages, then apply
// CommittedEntries and call Advance.
type Ready struct {
	*SoftState

	raftpb.HardState

	ReadStates []ReadState

	Entries []raftpb.Entry

	Snapshot raftpb.Snapshot

	CommittedEntries []raftpb.Entry

	Messages []raftpb.Message
}

// IsEmptyHardState reports whether hs is the zero HardState.
func IsEmptyHardState(st raftpb.HardState) bool {
	return st.Vote == 0 && st.Term == 0 && st.Commit == 0
}

// IsEmptySnap reports whether the snapshot carries no data.
func IsEmptySnap(sp raftpb.Snapshot) bool {
	return sp.Metadata.Index == 0
}

func (rd Ready) containsUpdates() bool {
	return rd.SoftState != nil || !IsEmptyHardState(rd.HardState) ||
		!IsEmptySnap(rd.Snapshot) || len(rd.Entries) > 0 ||
		len(rd.CommittedEntries) > 0 || len(rd.Messages) > 0 || len(rd.ReadStates) > 0
}

// HasReady reports whether there is pending work to hand out in a Ready.
func (r *Raft) HasReady() bool {
	if st := r.softState(); !st.equal(r.prevSoftSt) {
		return true
	}
	if hs := r.hardState(); !IsEmptyHardState(hs) && !isHardStateEqual(hs, r.prevHardSt) {
		return true
	}
	if r.raftLog.hasPendingSnapshot() {
		return true
	}
	if len(r.msgs) > 0 || len(r.raftLog.unstableEntries()) > 0 || r.raftLog.hasNextEnts() {
		return true
	}
	if len(r.readStates) > 0 {
		return true
	}
	return false
}

// Ready produces the next batch of work. Advance must be called once the
// batch has been persisted and applied.
func (r *Raft) Ready() Ready {
	rd := Ready{
		Entries:          r.raftLog.unstableEntries(),
		CommittedEntries: r.raftLog.nextEnts(),
		Messages:         r.msgs,
	}
	if softSt := r.softState(); !softSt.equal(r.prevSoftSt) {
		rd.SoftState = softSt
		r.prevSoftSt = softSt
	}
	if hardSt := r.hardState(); !isHardStateEqual(hardSt, r.prevHardSt) {
		rd.HardState = hardSt
	}
	if r.raftLog.unstable.snapshot != nil {
		rd.Snapshot = *r.raftLog.unstable.snapshot
	}
	if len(r.readStates) != 0 {
		rd.ReadStates = r.readStates
	}
	r.msgs = nil
	return rd
}

// Advance acknowledges that the given Ready has been persisted and its
// committed entries applied, letting the log cursors move forward.
func (r *Raft) Advance(rd Ready) {
	if !IsEmptyHardState(rd.HardState) {
		r.prevHardSt = rd.HardState
	}
	if newApplied := rd.appliedCursor(); newApplied > 0 {
		r.raftLog.appliedTo(newApplied)
	}
	if len(rd.Entries) > 0 {
		e := rd.Entries[len(rd.Entries)-1]
		r.raftLog.stableTo(e.Index, e.Term)
	}
	if !IsEmptySnap(rd.Snapshot) {
		r.raftLog.stableSnapTo(rd.Snapshot.Metadata.Index)
	}
	if len(rd.ReadStates) != 0 {
		r.readStates = nil
	}
}

// appliedCursor extracts the highest index the Ready advances the applied
// cursor to once processed.
func (rd Ready) appliedCursor() uint64 {
	if n := len(rd.CommittedEntries); n > 0 {
		return rd.CommittedEntries[n-1].Index
	}
	if index := rd.Snapshot.Metadata.Index; index > 0 {
		return index
	}
	return 0
}

func isHardStateEqual(a, b raftpb.HardState) bool {
	return a.Term == b.Term && a.Vote == b.Vote && a.Commit == b.Commit
}
