package raft

import (
	"sync"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

// Storage is the interface a Raft instance reads persisted log state through.
// Writes flow the other way: the caller persists the Entries, HardState and
// Snapshot carried in each Ready before acknowledging it with Advance.
type Storage interface {
	// InitialState returns the persisted HardState and ConfState.
	InitialState() (raftpb.HardState, raftpb.ConfState, error)
	// Entries returns the log entries in [lo, hi), limited to maxSize bytes
	// (but always at least one entry if any exist in range).
	Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error)
	// Term returns the term of the entry at index i, which must be in
	// [FirstIndex()-1, LastIndex()].
	Term(i uint64) (uint64, error)
	// LastIndex returns the index of the last entry in the log.
	LastIndex() (uint64, error)
	// FirstIndex returns the index of the first available entry; older
	// entries have been compacted into the snapshot.
	FirstIndex() (uint64, error)
	// Snapshot returns the most recent snapshot. If a snapshot is being
	// built it may return ErrSnapshotTemporarilyUnavailable.
	Snapshot() (raftpb.Snapshot, error)
}

// MemoryStorage is an in-memory Storage backed by a slice. The first slot
// holds a dummy entry at the snapshot index, mirroring the window layout the
// persistent store exposes. Used by tests and fresh bootstrap paths.
type MemoryStorage struct {
	mu sync.Mutex

	hardState raftpb.HardState
	snapshot  raftpb.Snapshot
	// ents[i] has raft log position i+snapshot.Metadata.Index.
	ents []raftpb.Entry
}

// NewMemoryStorage creates an empty MemoryStorage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{ents: make([]raftpb.Entry, 1)}
}

func (ms *MemoryStorage) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.hardState, ms.snapshot.Metadata.ConfState, nil
}

// SetHardState saves the current HardState.
func (ms *MemoryStorage) SetHardState(st raftpb.HardState) error {
	ms.mu.Lock()
	ms.hardState = st
	ms.mu.Unlock()
	return nil
}

// SetConfState saves the ConfState into the snapshot metadata.
func (ms *MemoryStorage) SetConfState(cs raftpb.ConfState) {
	ms.mu.Lock()
	ms.snapshot.Metadata.ConfState = cs
	ms.mu.Unlock()
}

func (ms *MemoryStorage) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	offset := ms.ents[0].Index
	if lo <= offset {
		return nil, ErrCompacted
	}
	if hi > ms.lastIndexLocked()+1 {
		return nil, ErrUnavailable
	}
	// only a dummy entry in storage
	if len(ms.ents) == 1 {
		return nil, ErrUnavailable
	}
	ents := ms.ents[lo-offset : hi-offset]
	return limitSize(cloneEntries(ents), maxSize), nil
}

func (ms *MemoryStorage) Term(i uint64) (uint64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	offset := ms.ents[0].Index
	if i < offset {
		return 0, ErrCompacted
	}
	if int(i-offset) >= len(ms.ents) {
		return 0, ErrUnavailable
	}
	return ms.ents[i-offset].Term, nil
}

func (ms *MemoryStorage) LastIndex() (uint64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.lastIndexLocked(), nil
}

func (ms *MemoryStorage) lastIndexLocked() uint64 {
	return ms.ents[0].Index + uint64(len(ms.ents)) - 1
}

func (ms *MemoryStorage) FirstIndex() (uint64, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.ents[0].Index + 1, nil
}

func (ms *MemoryStorage) Snapshot() (raftpb.Snapshot, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return ms.snapshot, nil
}

// ApplySnapshot overwrites the storage contents with the given snapshot.
func (ms *MemoryStorage) ApplySnapshot(snap raftpb.Snapshot) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if snap.Metadata.Index <= ms.snapshot.Metadata.Index {
		return ErrSnapOutOfDate
	}
	ms.snapshot = snap
	ms.ents = []raftpb.Entry{{Term: snap.Metadata.Term, Index: snap.Metadata.Index}}
	return nil
}

// CreateSnapshot makes a snapshot at index i with the given data and conf
// state, retaining the log so it remains truncatable via Compact.
func (ms *MemoryStorage) CreateSnapshot(i uint64, cs *raftpb.ConfState, data []byte) (raftpb.Snapshot, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if i <= ms.snapshot.Metadata.Index {
		return raftpb.Snapshot{}, ErrSnapOutOfDate
	}
	offset := ms.ents[0].Index
	if i > ms.lastIndexLocked() {
		return raftpb.Snapshot{}, ErrUnavailable
	}
	ms.snapshot.Metadata.Index = i
	ms.snapshot.Metadata.Term = ms.ents[i-offset].Term
	if cs != nil {
		ms.snapshot.Metadata.ConfState = *cs
	}
	ms.snapshot.Data = data
	return ms.snapshot, nil
}

// Compact discards all entries up to and including compactIndex.
func (ms *MemoryStorage) Compact(compactIndex uint64) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	offset := ms.ents[0].Index
	if compactIndex <= offset {
		return ErrCompacted
	}
	if compactIndex > ms.lastIndexLocked() {
		return ErrUnavailable
	}
	i := compactIndex - offset
	ents := make([]raftpb.Entry, 1, uint64(len(ms.ents))-i)
	ents[0].Index = ms.ents[i].Index
	ents[0].Term = ms.ents[i].Term
	ents = append(ents, ms.ents[i+1:]...)
	ms.ents = ents
	return nil
}

// Append adds the new entries to storage, overwriting any conflicting
// suffix.
func (ms *MemoryStorage) Append(entries []raftpb.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()

	first := ms.ents[0].Index + 1
	last := entries[0].Index + uint64(len(entries)) - 1
	if last < first {
		return nil
	}
	// truncate compacted entries
	if first > entries[0].Index {
		entries = entries[first-entries[0].Index:]
	}
	offset := entries[0].Index - ms.ents[0].Index
	switch {
	case uint64(len(ms.ents)) > offset:
		ms.ents = append([]raftpb.Entry{}, ms.ents[:offset]...)
		ms.ents = append(ms.ents, entries...)
	case uint64(len(ms.ents)) == offset:
		ms.ents = append(ms.ents, entries...)
	default:
		return ErrUnavailable
	}
	return nil
}

func cloneEntries(entries []raftpb.Entry) []raftpb.Entry {
	if len(entries) == 0 {
		return nil
	}
	return append([]raftpb.Entry(nil), entries...)
}

func limitSize(ents []raftpb.Entry, maxSize uint64) []raftpb.Entry {
	if len(ents) == 0 || maxSize == noLimit {
		return ents
	}
	size := uint64(ents[0].Size())
	var limit int
	for limit = 1; limit < len(ents); limit++ {
		size += uint64(ents[limit].Size())
		if size > maxSize {
			break
		}
	}
	return ents[:limit]
}
