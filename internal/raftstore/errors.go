package raftstore

import (
	"errors"
	"fmt"

	regionpkg "github.com/Shylock-Hg/tikv/internal/region"
)

var (
	// ErrProposalDropped reports that a proposal was silently lost, most
	// often because leadership moved while it was in flight. Retryable.
	ErrProposalDropped = errors.New("raftstore: proposal dropped")
	// ErrTimeout reports that a proposal or read did not complete within
	// the configured deadline. Retryable; the command may still apply.
	ErrTimeout = errors.New("raftstore: request timed out")
	// ErrMailboxFull is backpressure from a saturated peer mailbox. The
	// sender should retry after a delay.
	ErrMailboxFull = errors.New("raftstore: peer mailbox full")
	// ErrRegionNotFound reports that no peer for the region lives on this
	// store.
	ErrRegionNotFound = errors.New("raftstore: region not found")
	// ErrStoreStopped is returned once the store began shutting down.
	ErrStoreStopped = errors.New("raftstore: store stopped")
	// ErrStaleCommand reports an entry that was superseded before apply,
	// for example a command from an old term replayed after restart.
	ErrStaleCommand = errors.New("raftstore: stale command")
	// ErrRegionUnhealthy is returned for regions pulled out of service
	// after a fatal per-region failure such as log corruption.
	ErrRegionUnhealthy = errors.New("raftstore: region out of service")
	// ErrPendingMerge rejects new proposals while a region is inside the
	// merge handshake.
	ErrPendingMerge = errors.New("raftstore: region is merging")
)

// NotLeaderError rejects a proposal or consistent read on a follower. The
// hint carries the last known leader so clients can re-route.
type NotLeaderError struct {
	RegionID regionpkg.ID
	Leader   uint64 // peer id, 0 when unknown
}

func (e *NotLeaderError) Error() string {
	if e.Leader == 0 {
		return fmt.Sprintf("raftstore: region %d has no known leader here", e.RegionID)
	}
	return fmt.Sprintf("raftstore: region %d not leader, try peer %d", e.RegionID, e.Leader)
}

// EpochMismatchError rejects a command carrying a stale region epoch. The
// current metadata tells the client what to refresh.
type EpochMismatchError struct {
	Current regionpkg.Region
}

func (e *EpochMismatchError) Error() string {
	return fmt.Sprintf("raftstore: stale epoch for region %d, current %d/%d",
		e.Current.ID, e.Current.Epoch.Version, e.Current.Epoch.ConfVersion)
}

// KeyNotInRegionError rejects a command whose key falls outside the
// region's range, typically right after a split.
type KeyNotInRegionError struct {
	Key      []byte
	RegionID regionpkg.ID
}

func (e *KeyNotInRegionError) Error() string {
	return fmt.Sprintf("raftstore: key %q not in region %d", e.Key, e.RegionID)
}
