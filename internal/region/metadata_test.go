package region

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyRangeContains(t *testing.T) {
	full := KeyRange{}
	require.True(t, full.Contains([]byte("")))
	require.True(t, full.Contains([]byte("anything")))

	mid := KeyRange{Start: []byte("b"), End: []byte("m")}
	require.True(t, mid.Contains([]byte("b")))
	require.True(t, mid.Contains([]byte("lzzz")))
	require.False(t, mid.Contains([]byte("m"))) // end is exclusive
	require.False(t, mid.Contains([]byte("a")))

	open := KeyRange{Start: []byte("m")}
	require.True(t, open.Contains([]byte("zzz")))
	require.False(t, open.Contains([]byte("a")))
}

func TestEpochStaleAgainst(t *testing.T) {
	current := Epoch{Version: 3, ConfVersion: 2}
	require.True(t, Epoch{Version: 2, ConfVersion: 2}.StaleAgainst(current))
	require.True(t, Epoch{Version: 3, ConfVersion: 1}.StaleAgainst(current))
	require.False(t, Epoch{Version: 3, ConfVersion: 2}.StaleAgainst(current))
	// Being ahead is not stale; the receiver is.
	require.False(t, Epoch{Version: 4, ConfVersion: 2}.StaleAgainst(current))
}

func TestAdjacentBefore(t *testing.T) {
	left := Region{ID: 1, Range: KeyRange{End: []byte("m")}}
	right := Region{ID: 2, Range: KeyRange{Start: []byte("m")}}
	require.True(t, left.AdjacentBefore(right))
	require.False(t, right.AdjacentBefore(left)) // right is unbounded
	gap := Region{ID: 3, Range: KeyRange{Start: []byte("q")}}
	require.False(t, left.AdjacentBefore(gap))
}

func TestAccessorsOnReturnedCopies(t *testing.T) {
	// Accessors must work directly on values returned from functions,
	// which are not addressable.
	current := func() Region {
		return Region{
			ID:    5,
			Range: KeyRange{Start: []byte("a"), End: []byte("m")},
			Epoch: Epoch{Version: 2, ConfVersion: 1},
			Peers: []Peer{{ID: 501, StoreID: 1, Role: Voter}},
		}
	}
	cp := current().Clone()
	require.Equal(t, ID(5), cp.ID)
	p, ok := current().GetPeer(501)
	require.True(t, ok)
	require.Equal(t, uint64(1), p.StoreID)
	_, ok = current().PeerOnStore(2)
	require.False(t, ok)
	require.True(t, current().ContainsKey([]byte("b")))
	require.Equal(t, []uint64{501}, current().VoterIDs())
}

func TestCloneIsDeep(t *testing.T) {
	r := Region{
		ID:    1,
		Range: KeyRange{Start: []byte("a"), End: []byte("z")},
		Peers: []Peer{{ID: 101, StoreID: 1}},
	}
	cp := r.Clone()
	cp.Range.Start[0] = 'x'
	cp.Peers[0].ID = 999
	require.Equal(t, []byte("a"), r.Range.Start)
	require.Equal(t, uint64(101), r.Peers[0].ID)
}

func TestWireRoundTripKeepsLearners(t *testing.T) {
	r := Region{
		ID:    7,
		Range: KeyRange{Start: []byte("g"), End: []byte("p")},
		Epoch: Epoch{Version: 4, ConfVersion: 3},
		Peers: []Peer{
			{ID: 701, StoreID: 1, Role: Voter},
			{ID: 702, StoreID: 2, Role: Learner},
		},
		Leader: 701,
	}
	got := FromWire(r.ToWire())
	require.Equal(t, r.ID, got.ID)
	require.Equal(t, r.Epoch, got.Epoch)
	require.Equal(t, Learner, got.Peers[1].Role)
	require.Equal(t, uint64(701), got.Leader)
}
