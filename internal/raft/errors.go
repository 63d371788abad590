package raft

import "errors"

var (
	// ErrProposalDropped is returned when a proposal is ignored by the state
	// machine, typically because the node is not the leader or leadership is
	// being transferred away. The caller should retry against the new leader.
	ErrProposalDropped = errors.New("raft: proposal dropped")

	// ErrCompacted is returned by Storage.Entries/Term when the requested
	// index is unavailable because it predates the last snapshot.
	ErrCompacted = errors.New("raft: requested index is unavailable due to compaction")

	// ErrUnavailable is returned when the requested log entries are not
	// available yet.
	ErrUnavailable = errors.New("raft: requested entry at index is unavailable")

	// ErrSnapOutOfDate is returned when trying to create or apply a snapshot
	// at an index older than the existing snapshot.
	ErrSnapOutOfDate = errors.New("raft: snapshot is out of date")

	// ErrSnapshotTemporarilyUnavailable is returned by Storage.Snapshot when
	// the snapshot is still being generated; the leader should retry later.
	ErrSnapshotTemporarilyUnavailable = errors.New("raft: snapshot is temporarily unavailable")
)
