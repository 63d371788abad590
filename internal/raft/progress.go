package raft

import "fmt"

// ProgressState is the replication state the leader tracks for a follower.
type ProgressState int

const (
	// ProgressStateProbe sends at most one append per heartbeat interval
	// while the leader is still locating the follower's match index.
	ProgressStateProbe ProgressState = iota
	// ProgressStateReplicate streams appends optimistically, window-limited
	// by inflights.
	ProgressStateReplicate
	// ProgressStateSnapshot pauses log replication until the in-flight
	// snapshot has been reported as applied.
	ProgressStateSnapshot
)

func (st ProgressState) String() string {
	switch st {
	case ProgressStateProbe:
		return "ProgressStateProbe"
	case ProgressStateReplicate:
		return "ProgressStateReplicate"
	case ProgressStateSnapshot:
		return "ProgressStateSnapshot"
	default:
		return fmt.Sprintf("ProgressState(%d)", st)
	}
}

// Progress is the leader's view of one follower's log.
type Progress struct {
	Match, Next uint64
	State       ProgressState

	// Paused is set in probe state when an append has been sent and no
	// response has arrived yet.
	Paused bool

	// PendingSnapshot is the index of the snapshot being sent while in
	// snapshot state.
	PendingSnapshot uint64

	// RecentActive is true when the follower responded recently; reset on
	// election timeout by the quorum check.
	RecentActive bool

	// IsLearner marks replicas that receive the log but do not vote.
	IsLearner bool

	ins *inflights
}

func (pr *Progress) resetState(state ProgressState) {
	pr.Paused = false
	pr.PendingSnapshot = 0
	pr.State = state
	pr.ins.reset()
}

func (pr *Progress) becomeProbe() {
	// If the original state is snapshot, progress is known up to the
	// pending snapshot index.
	if pr.State == ProgressStateSnapshot {
		pendingSnapshot := pr.PendingSnapshot
		pr.resetState(ProgressStateProbe)
		pr.Next = max(pr.Match+1, pendingSnapshot+1)
	} else {
		pr.resetState(ProgressStateProbe)
		pr.Next = pr.Match + 1
	}
}

func (pr *Progress) becomeReplicate() {
	pr.resetState(ProgressStateReplicate)
	pr.Next = pr.Match + 1
}

func (pr *Progress) becomeSnapshot(snapshoti uint64) {
	pr.resetState(ProgressStateSnapshot)
	pr.PendingSnapshot = snapshoti
}

// maybeUpdate advances Match/Next from a successful append response and
// reports whether progress actually moved.
func (pr *Progress) maybeUpdate(n uint64) bool {
	var updated bool
	if pr.Match < n {
		pr.Match = n
		updated = true
		pr.Paused = false
	}
	if pr.Next < n+1 {
		pr.Next = n + 1
	}
	return updated
}

func (pr *Progress) optimisticUpdate(n uint64) { pr.Next = n + 1 }

// maybeDecrTo adjusts Next after a rejected append. rejected is the index
// the follower refused, last its actual last index.
func (pr *Progress) maybeDecrTo(rejected, last uint64) bool {
	if pr.State == ProgressStateReplicate {
		// The rejection must be stale if the progress has matched and
		// rejected is smaller than match.
		if rejected <= pr.Match {
			return false
		}
		pr.Next = pr.Match + 1
		return true
	}
	// The rejection must be stale if rejected does not match next - 1.
	if pr.Next-1 != rejected {
		return false
	}
	if pr.Next = min(rejected, last+1); pr.Next < 1 {
		pr.Next = 1
	}
	pr.Paused = false
	return true
}

func (pr *Progress) pause()  { pr.Paused = true }
func (pr *Progress) resume() { pr.Paused = false }

// isPaused reports whether the leader should stop sending entries to this
// follower for now.
func (pr *Progress) isPaused() bool {
	switch pr.State {
	case ProgressStateProbe:
		return pr.Paused
	case ProgressStateReplicate:
		return pr.ins.full()
	case ProgressStateSnapshot:
		return true
	default:
		panic("raft: unexpected progress state")
	}
}

func (pr *Progress) snapshotFailure() { pr.PendingSnapshot = 0 }

// needSnapshotAbort reports whether the pending snapshot became redundant
// because log replication caught up past it.
func (pr *Progress) needSnapshotAbort() bool {
	return pr.State == ProgressStateSnapshot && pr.Match >= pr.PendingSnapshot
}

func (pr *Progress) String() string {
	return fmt.Sprintf("next = %d, match = %d, state = %s, waiting = %v, pendingSnapshot = %d",
		pr.Next, pr.Match, pr.State, pr.isPaused(), pr.PendingSnapshot)
}

// inflights limits the number of outstanding optimistic append messages.
type inflights struct {
	start int
	count int
	size  int
	// buffer holds the last index of each inflight message, ring-ordered.
	buffer []uint64
}

func newInflights(size int) *inflights {
	return &inflights{size: size}
}

func (in *inflights) add(inflight uint64) {
	if in.full() {
		panic("raft: cannot add into a full inflights")
	}
	next := in.start + in.count
	if next >= in.size {
		next -= in.size
	}
	if next >= len(in.buffer) {
		in.grow()
	}
	in.buffer[next] = inflight
	in.count++
}

// grow the buffer lazily instead of preallocating max size per follower.
func (in *inflights) grow() {
	newSize := len(in.buffer) * 2
	if newSize == 0 {
		newSize = 1
	} else if newSize > in.size {
		newSize = in.size
	}
	newBuffer := make([]uint64, newSize)
	copy(newBuffer, in.buffer)
	in.buffer = newBuffer
}

// freeTo frees the inflights smaller or equal to the given index.
func (in *inflights) freeTo(to uint64) {
	if in.count == 0 || to < in.buffer[in.start] {
		return
	}
	idx := in.start
	var i int
	for i = 0; i < in.count; i++ {
		if to < in.buffer[idx] {
			break
		}
		idx++
		if idx >= in.size {
			idx -= in.size
		}
	}
	in.count -= i
	in.start = idx
	if in.count == 0 {
		in.start = 0
	}
}

func (in *inflights) freeFirstOne() {
	if in.count > 0 {
		in.freeTo(in.buffer[in.start])
	}
}

func (in *inflights) full() bool { return in.count == in.size }

func (in *inflights) reset() {
	in.count = 0
	in.start = 0
}
