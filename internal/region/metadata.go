package region

import "bytes"

// ID uniquely identifies a Region.
type ID uint64

// KeyRange describes the inclusive-exclusive key range handled by a Region.
type KeyRange struct {
	Start []byte
	End   []byte // empty slice denotes infinity
}

// Contains reports whether key falls inside the range.
func (kr KeyRange) Contains(key []byte) bool {
	if len(kr.Start) > 0 && bytes.Compare(key, kr.Start) < 0 {
		return false
	}
	if len(kr.End) > 0 && bytes.Compare(key, kr.End) >= 0 {
		return false
	}
	return true
}

// Epoch tracks structural changes of a Region.
type Epoch struct {
	// Version increases when the key range of a Region changes (split/merge).
	Version uint64
	// ConfVersion increases when the peer set changes (add/remove peers).
	ConfVersion uint64
}

// StaleAgainst reports whether e lags behind current in either dimension.
// A command carrying a stale epoch must be rejected, never applied.
func (e Epoch) StaleAgainst(current Epoch) bool {
	return e.Version < current.Version || e.ConfVersion < current.ConfVersion
}

// Equal reports whether both version counters match.
func (e Epoch) Equal(other Epoch) bool {
	return e.Version == other.Version && e.ConfVersion == other.ConfVersion
}

// PeerRole distinguishes voting members from learners.
type PeerRole int

const (
	// Voter is a full voting member of the Region's Raft group.
	Voter PeerRole = iota
	// Learner only receives logs; not part of quorum until promoted.
	Learner
)

// Peer describes a Region replica hosted on a Store.
type Peer struct {
	ID      uint64
	StoreID uint64
	Role    PeerRole
}

// State captures the lifecycle of a Region.
type State int

const (
	// StateActive indicates the Region is serving traffic.
	StateActive State = iota
	// StateMerging indicates the Region entered the merge handshake and
	// rejects new writes until the merge commits or rolls back.
	StateMerging
	// StateTombstone indicates the Region has been removed from this store.
	StateTombstone
)

// Region aggregates metadata describing a single shard of the keyspace.
type Region struct {
	ID     ID
	Range  KeyRange
	Epoch  Epoch
	Peers  []Peer
	State  State
	Leader uint64 // Peer ID currently considered leader (best-effort hint)
}

// ContainsKey reports whether the region manages the provided key.
func (r Region) ContainsKey(key []byte) bool {
	return r.Range.Contains(key)
}

// GetPeer returns the peer with the given id, if present.
func (r Region) GetPeer(peerID uint64) (Peer, bool) {
	for _, p := range r.Peers {
		if p.ID == peerID {
			return p, true
		}
	}
	return Peer{}, false
}

// PeerOnStore returns the peer hosted on the given store, if present.
func (r Region) PeerOnStore(storeID uint64) (Peer, bool) {
	for _, p := range r.Peers {
		if p.StoreID == storeID {
			return p, true
		}
	}
	return Peer{}, false
}

// VoterIDs returns the ids of all voting peers.
func (r Region) VoterIDs() []uint64 {
	ids := make([]uint64, 0, len(r.Peers))
	for _, p := range r.Peers {
		if p.Role == Voter {
			ids = append(ids, p.ID)
		}
	}
	return ids
}

// AdjacentBefore reports whether r's range ends exactly where other's begins.
// Merge requires source and target to be adjacent in one direction.
func (r Region) AdjacentBefore(other Region) bool {
	if len(r.Range.End) == 0 {
		return false
	}
	return bytes.Equal(r.Range.End, other.Range.Start)
}

// Clone returns a deep copy of the Region metadata for safe mutation.
func (r Region) Clone() Region {
	cp := r
	cp.Range = KeyRange{
		Start: append([]byte(nil), r.Range.Start...),
		End:   append([]byte(nil), r.Range.End...),
	}
	if len(r.Peers) > 0 {
		cp.Peers = append([]Peer(nil), r.Peers...)
	}
	return cp
}
