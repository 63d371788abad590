package storage

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	"github.com/Shylock-Hg/tikv/internal/raft"
	regionpkg "github.com/Shylock-Hg/tikv/internal/region"
)

func testRegion() regionpkg.Region {
	return regionpkg.Region{
		ID:    1,
		Range: regionpkg.KeyRange{Start: nil, End: nil},
		Epoch: regionpkg.Epoch{Version: 1, ConfVersion: 1},
		Peers: []regionpkg.Peer{
			{ID: 1, StoreID: 1},
			{ID: 2, StoreID: 2},
			{ID: 3, StoreID: 3, Role: regionpkg.Learner},
		},
	}
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func entry(index, term uint64, data string) raftpb.Entry {
	return raftpb.Entry{Index: index, Term: term, Data: []byte(data)}
}

func TestOpenLocksDirectory(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir, zap.NewNop())
	require.NoError(t, err)
	defer s.Close()

	_, err = Open(dir, zap.NewNop())
	require.Error(t, err)
}

func TestPeerStorageAppendAndRead(t *testing.T) {
	s := openTestStore(t)
	ps, err := NewPeerStorage(s, testRegion(), zap.NewNop())
	require.NoError(t, err)

	ents := []raftpb.Entry{entry(1, 1, "a"), entry(2, 1, "b"), entry(3, 2, "c")}
	require.NoError(t, ps.Append(ents, raftpb.HardState{Term: 2, Vote: 1, Commit: 2}))

	last, err := ps.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(3), last)

	first, err := ps.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(1), first)

	got, err := ps.Entries(1, 4, noLimit())
	require.NoError(t, err)
	require.Equal(t, ents, got)

	term, err := ps.Term(3)
	require.NoError(t, err)
	require.Equal(t, uint64(2), term)
}

func TestPeerStorageAppendOverwritesConflictingSuffix(t *testing.T) {
	s := openTestStore(t)
	ps, err := NewPeerStorage(s, testRegion(), zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, ps.Append([]raftpb.Entry{
		entry(1, 1, "a"), entry(2, 1, "b"), entry(3, 1, "c"),
	}, raftpb.HardState{Term: 1, Commit: 1}))

	// A new leader rewrites indexes 2..2; the old index 3 must disappear.
	require.NoError(t, ps.Append([]raftpb.Entry{entry(2, 2, "x")}, raftpb.HardState{Term: 2, Commit: 1}))

	last, err := ps.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(2), last)

	_, err = ps.Term(3)
	require.Equal(t, raft.ErrUnavailable, err)

	got, err := ps.Entries(2, 3, noLimit())
	require.NoError(t, err)
	require.Equal(t, []raftpb.Entry{entry(2, 2, "x")}, got)
}

func TestPeerStorageStateSurvivesReopen(t *testing.T) {
	s := openTestStore(t)
	region := testRegion()
	ps, err := NewPeerStorage(s, region, zap.NewNop())
	require.NoError(t, err)

	hs := raftpb.HardState{Term: 3, Vote: 2, Commit: 2}
	require.NoError(t, ps.Append([]raftpb.Entry{entry(1, 1, "a"), entry(2, 3, "b")}, hs))
	require.NoError(t, s.ApplyWrite(ApplyBatch{
		RegionID: region.ID,
		KVs:      []KV{{Key: []byte("k"), Value: []byte("v")}},
		State:    ApplyState{AppliedIndex: 2, AppliedTerm: 3},
	}))

	reopened, err := NewPeerStorage(s, region, zap.NewNop())
	require.NoError(t, err)

	gotHS, cs, err := reopened.InitialState()
	require.NoError(t, err)
	require.Equal(t, hs, gotHS)
	require.Equal(t, []uint64{1, 2}, cs.Voters)
	require.Equal(t, []uint64{3}, cs.Learners)
	require.Equal(t, uint64(2), reopened.ApplyState().AppliedIndex)

	val, err := s.Get([]byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("v"), val)
}

func TestPeerStorageTruncate(t *testing.T) {
	s := openTestStore(t)
	ps, err := NewPeerStorage(s, testRegion(), zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, ps.Append([]raftpb.Entry{
		entry(1, 1, "a"), entry(2, 1, "b"), entry(3, 1, "c"), entry(4, 1, "d"),
	}, raftpb.HardState{Term: 1, Commit: 4}))
	require.NoError(t, s.ApplyWrite(ApplyBatch{
		RegionID: 1,
		State:    ApplyState{AppliedIndex: 3, AppliedTerm: 1},
	}))
	ps.SetApplyState(ApplyState{AppliedIndex: 3, AppliedTerm: 1})

	require.NoError(t, ps.Truncate(2, 1))

	first, err := ps.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(3), first)

	_, err = ps.Entries(1, 3, noLimit())
	require.Equal(t, raft.ErrCompacted, err)

	term, err := ps.Term(2)
	require.NoError(t, err)
	require.Equal(t, uint64(1), term)
	_, err = ps.Term(1)
	require.Equal(t, raft.ErrCompacted, err)

	// Compacting past the applied index is refused.
	require.Error(t, ps.Truncate(4, 1))
}

func TestPeerStorageSnapshotFlow(t *testing.T) {
	s := openTestStore(t)
	ps, err := NewPeerStorage(s, testRegion(), zap.NewNop())
	require.NoError(t, err)

	_, err = ps.Snapshot()
	require.Equal(t, raft.ErrSnapshotTemporarilyUnavailable, err)
	require.True(t, ps.TakeSnapshotRequest())
	require.False(t, ps.TakeSnapshotRequest())

	snap := raftpb.Snapshot{Metadata: raftpb.SnapshotMetadata{Index: 5, Term: 2}}
	ps.SetSnapshot(snap)
	got, err := ps.Snapshot()
	require.NoError(t, err)
	require.Equal(t, snap, got)
}

func TestPeerStorageApplySnapshot(t *testing.T) {
	s := openTestStore(t)
	region := testRegion()
	ps, err := NewPeerStorage(s, region, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, ps.Append([]raftpb.Entry{entry(1, 1, "a")}, raftpb.HardState{Term: 1, Commit: 1}))
	require.NoError(t, s.ApplyWrite(ApplyBatch{
		RegionID: region.ID,
		KVs:      []KV{{Key: []byte("old"), Value: []byte("1")}},
		State:    ApplyState{AppliedIndex: 1, AppliedTerm: 1},
	}))
	ps.SetApplyState(ApplyState{AppliedIndex: 1, AppliedTerm: 1})

	newRegion := region.Clone()
	newRegion.Epoch.ConfVersion = 2
	snap := raftpb.Snapshot{Metadata: raftpb.SnapshotMetadata{Index: 10, Term: 4}}
	require.NoError(t, ps.ApplySnapshot(snap, newRegion, []KV{
		{Key: []byte("new"), Value: []byte("2")},
	}))

	_, err = s.Get([]byte("old"))
	require.Equal(t, ErrKeyNotFound, err)
	val, err := s.Get([]byte("new"))
	require.NoError(t, err)
	require.Equal(t, []byte("2"), val)

	st := ps.ApplyState()
	require.Equal(t, uint64(10), st.AppliedIndex)
	require.Equal(t, uint64(10), st.TruncatedIndex)
	require.Equal(t, uint64(4), st.TruncatedTerm)
	last, err := ps.LastIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(10), last)
	first, err := ps.FirstIndex()
	require.NoError(t, err)
	require.Equal(t, uint64(11), first)

	term, err := ps.Term(10)
	require.NoError(t, err)
	require.Equal(t, uint64(4), term)
}

func TestStoreDestroyRegion(t *testing.T) {
	s := openTestStore(t)
	region := regionpkg.Region{
		ID:    7,
		Range: regionpkg.KeyRange{Start: []byte("b"), End: []byte("m")},
		Epoch: regionpkg.Epoch{Version: 2, ConfVersion: 1},
		Peers: []regionpkg.Peer{{ID: 1, StoreID: 1}},
	}
	require.NoError(t, s.PutRegion(region))
	ps, err := NewPeerStorage(s, region, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, ps.Append([]raftpb.Entry{entry(1, 1, "a")}, raftpb.HardState{Term: 1, Commit: 1}))
	require.NoError(t, s.ApplyWrite(ApplyBatch{
		RegionID: region.ID,
		KVs: []KV{
			{Key: []byte("c"), Value: []byte("in")},
		},
		State: ApplyState{AppliedIndex: 1, AppliedTerm: 1},
	}))
	// Key outside the region's range must survive the destroy.
	require.NoError(t, s.ApplyWrite(ApplyBatch{
		RegionID: 8,
		KVs:      []KV{{Key: []byte("z"), Value: []byte("out")}},
	}))

	require.NoError(t, s.DestroyRegion(region, true))

	_, err = s.Get([]byte("c"))
	require.Equal(t, ErrKeyNotFound, err)
	val, err := s.Get([]byte("z"))
	require.NoError(t, err)
	require.Equal(t, []byte("out"), val)

	got, err := s.GetRegion(region.ID)
	require.NoError(t, err)
	require.Equal(t, regionpkg.StateTombstone, got.State)

	regions, err := s.ListRegions()
	require.NoError(t, err)
	for _, r := range regions {
		require.NotEqual(t, region.ID, r.ID)
	}
}

func TestStoreListRegions(t *testing.T) {
	s := openTestStore(t)
	r1 := regionpkg.Region{ID: 1, Range: regionpkg.KeyRange{End: []byte("m")}, Epoch: regionpkg.Epoch{Version: 1, ConfVersion: 1}}
	r2 := regionpkg.Region{ID: 2, Range: regionpkg.KeyRange{Start: []byte("m")}, Epoch: regionpkg.Epoch{Version: 1, ConfVersion: 1}}
	require.NoError(t, s.PutRegion(r1))
	require.NoError(t, s.PutRegion(r2))

	regions, err := s.ListRegions()
	require.NoError(t, err)
	require.Len(t, regions, 2)
}

func TestStoreRangeSizeAndSplitKey(t *testing.T) {
	s := openTestStore(t)
	keys := []string{"a", "b", "c", "d"}
	for _, k := range keys {
		require.NoError(t, s.ApplyWrite(ApplyBatch{
			RegionID: 1,
			KVs:      []KV{{Key: []byte(k), Value: make([]byte, 100)}},
		}))
	}

	size, count, err := s.RangeSize(regionpkg.KeyRange{})
	require.NoError(t, err)
	require.Equal(t, uint64(4), count)
	require.Greater(t, size, uint64(400))

	split, err := s.SplitKey(regionpkg.KeyRange{}, 0)
	require.NoError(t, err)
	require.Equal(t, []byte("b"), split)

	// A byte target lands on the first key past it instead of the midpoint.
	split, err = s.SplitKey(regionpkg.KeyRange{}, size-50)
	require.NoError(t, err)
	require.Equal(t, []byte("d"), split)

	// A sub-range only counts its own keys.
	_, count, err = s.RangeSize(regionpkg.KeyRange{Start: []byte("c"), End: []byte("d")})
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)
}

func TestEngineSnapshotIsolatedFromLaterWrites(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.ApplyWrite(ApplyBatch{
		RegionID: 1,
		KVs:      []KV{{Key: []byte("k1"), Value: []byte("v1")}},
	}))

	snap := s.Snapshot()
	defer snap.Close()

	require.NoError(t, s.ApplyWrite(ApplyBatch{
		RegionID: 1,
		KVs:      []KV{{Key: []byte("k2"), Value: []byte("v2")}},
	}))

	var seen []string
	require.NoError(t, snap.IterateRange(regionpkg.KeyRange{}, func(key, value []byte) error {
		seen = append(seen, string(key))
		return nil
	}))
	require.Equal(t, []string{"k1"}, seen)
}

func noLimit() uint64 { return ^uint64(0) }
