package raftstore_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap/zaptest"

	"github.com/Shylock-Hg/tikv/internal/config"
	"github.com/Shylock-Hg/tikv/internal/observability/metrics"
	"github.com/Shylock-Hg/tikv/internal/pd"
	"github.com/Shylock-Hg/tikv/internal/raftstore"
	regionpkg "github.com/Shylock-Hg/tikv/internal/region"
	"github.com/Shylock-Hg/tikv/internal/storage"
	"github.com/Shylock-Hg/tikv/internal/transport"
	"github.com/Shylock-Hg/tikv/pkg/api"
)

const waitFor = 20 * time.Second

func testConfig() config.RaftstoreConfig {
	cfg := config.DefaultRaftstore()
	cfg.TickInterval = 10 * time.Millisecond
	cfg.LeaseDuration = 90 * time.Millisecond
	cfg.ProposalTimeout = 3 * time.Second
	cfg.SnapshotRetryBackoff = 50 * time.Millisecond
	cfg.WorkerCount = 2
	cfg.ApplyWorkerCount = 2
	// Placement heartbeats are exercised separately; keep them out of the
	// replication scenarios.
	cfg.HeartbeatInterval = time.Hour
	return cfg
}

// testCluster runs several stores in one process over a memory network.
type testCluster struct {
	t       *testing.T
	cfg     config.RaftstoreConfig
	network *transport.MemoryNetwork
	pd      raftstore.PlacementDriver
	stores  map[uint64]*raftstore.Store
	engines map[uint64]*storage.Store
	dirs    map[uint64]string
	stopped map[uint64]bool
}

// bootstrapRegion spans the whole keyspace with one voter per store.
func bootstrapRegion(storeIDs ...uint64) regionpkg.Region {
	r := regionpkg.Region{
		ID:    1,
		Epoch: regionpkg.Epoch{Version: 1, ConfVersion: 1},
		State: regionpkg.StateActive,
	}
	for _, id := range storeIDs {
		r.Peers = append(r.Peers, regionpkg.Peer{ID: 100 + id, StoreID: id, Role: regionpkg.Voter})
	}
	return r
}

func startCluster(t *testing.T, n int, cfg config.RaftstoreConfig) *testCluster {
	t.Helper()
	c := &testCluster{
		t:       t,
		cfg:     cfg,
		network: transport.NewMemoryNetwork(),
		stores:  make(map[uint64]*raftstore.Store),
		engines: make(map[uint64]*storage.Store),
		dirs:    make(map[uint64]string),
		stopped: make(map[uint64]bool),
	}
	ids := make([]uint64, 0, n)
	for i := 1; i <= n; i++ {
		ids = append(ids, uint64(i))
	}
	seed := bootstrapRegion(ids...)
	for _, id := range ids {
		c.addStore(id, &seed)
	}
	t.Cleanup(func() {
		for id := range c.stores {
			c.stores[id].Stop()
		}
		for id := range c.engines {
			_ = c.engines[id].Close()
		}
	})
	return c
}

func (c *testCluster) addStore(id uint64, seed *regionpkg.Region) *raftstore.Store {
	c.t.Helper()
	dir := c.t.TempDir()
	engine, err := storage.Open(dir, zaptest.NewLogger(c.t))
	require.NoError(c.t, err)
	store := raftstore.NewStore(raftstore.Options{
		Config:    c.cfg,
		StoreID:   id,
		Engine:    engine,
		Transport: c.network.Transport(id),
		PD:        c.pd,
		Collector: metrics.NewStoreCollector(prometheus.NewRegistry(), "test"),
		Logger:    zaptest.NewLogger(c.t),
	})
	if seed != nil {
		require.NoError(c.t, store.Bootstrap(*seed))
	}
	require.NoError(c.t, store.Start())
	c.network.Register(id, store)
	c.stores[id] = store
	c.engines[id] = engine
	c.dirs[id] = dir
	return store
}

func (c *testCluster) stopStore(id uint64) {
	c.network.Unregister(id)
	c.stores[id].Stop()
	c.stopped[id] = true
}

func (c *testCluster) restartStore(id uint64) {
	c.t.Helper()
	c.stopStore(id)
	require.NoError(c.t, c.engines[id].Close())
	engine, err := storage.Open(c.dirs[id], zaptest.NewLogger(c.t))
	require.NoError(c.t, err)
	store := raftstore.NewStore(raftstore.Options{
		Config:    c.cfg,
		StoreID:   id,
		Engine:    engine,
		Transport: c.network.Transport(id),
		PD:        c.pd,
		Collector: metrics.NewStoreCollector(prometheus.NewRegistry(), "test"),
		Logger:    zaptest.NewLogger(c.t),
	})
	require.NoError(c.t, store.Start())
	c.network.Register(id, store)
	c.stores[id] = store
	c.engines[id] = engine
	c.stopped[id] = false
}

func (c *testCluster) alive() map[uint64]*raftstore.Store {
	out := make(map[uint64]*raftstore.Store)
	for id, s := range c.stores {
		if !c.stopped[id] {
			out[id] = s
		}
	}
	return out
}

// waitLeader blocks until some store leads the region and returns it.
func (c *testCluster) waitLeader(regionID regionpkg.ID) *raftstore.Store {
	c.t.Helper()
	var leader *raftstore.Store
	require.Eventually(c.t, func() bool {
		for id, s := range c.alive() {
			r, ok := s.RegionByID(regionID)
			if !ok || r.Leader == 0 {
				continue
			}
			if p, ok := r.PeerOnStore(id); ok && p.ID == r.Leader {
				leader = s
				return true
			}
		}
		return false
	}, waitFor, 20*time.Millisecond)
	return leader
}

// mustPut writes through whichever store currently leads the key's region.
func (c *testCluster) mustPut(key, value []byte) {
	c.t.Helper()
	require.Eventually(c.t, func() bool {
		for _, s := range c.alive() {
			if s.Put(key, value).Err == nil {
				return true
			}
		}
		return false
	}, waitFor, 50*time.Millisecond)
}

// mustGet reads the key with read-index consistency through the leader.
func (c *testCluster) mustGet(key, want []byte) {
	c.t.Helper()
	require.Eventually(c.t, func() bool {
		for _, s := range c.alive() {
			res := s.Get(key, raftstore.ReadIndex)
			if res.Err == nil && bytes.Equal(res.Value, want) {
				return true
			}
		}
		return false
	}, waitFor, 50*time.Millisecond)
}

// waitStaleValue waits until the given store's local applied state holds
// the value, proving replication reached it.
func (c *testCluster) waitStaleValue(storeID uint64, key, want []byte) {
	c.t.Helper()
	s := c.stores[storeID]
	require.Eventually(c.t, func() bool {
		res := s.Get(key, raftstore.ReadStale)
		return res.Err == nil && bytes.Equal(res.Value, want)
	}, waitFor, 50*time.Millisecond)
}

func TestSingleNodeRestartRecovers(t *testing.T) {
	c := startCluster(t, 1, testConfig())
	c.waitLeader(1)
	c.mustPut([]byte("alpha"), []byte("1"))
	c.mustGet([]byte("alpha"), []byte("1"))

	c.restartStore(1)
	c.waitLeader(1)
	c.mustGet([]byte("alpha"), []byte("1"))
	c.mustPut([]byte("beta"), []byte("2"))
	c.mustGet([]byte("beta"), []byte("2"))
}

func TestThreeNodeReplication(t *testing.T) {
	c := startCluster(t, 3, testConfig())
	c.waitLeader(1)

	for i := 0; i < 10; i++ {
		key := []byte(fmt.Sprintf("key-%02d", i))
		c.mustPut(key, []byte(fmt.Sprintf("val-%02d", i)))
	}
	for id := uint64(1); id <= 3; id++ {
		c.waitStaleValue(id, []byte("key-09"), []byte("val-09"))
	}

	c.mustPut([]byte("key-00"), []byte("rewritten"))
	c.mustGet([]byte("key-00"), []byte("rewritten"))
}

func TestLeaderFailover(t *testing.T) {
	c := startCluster(t, 3, testConfig())
	leader := c.waitLeader(1)
	c.mustPut([]byte("before"), []byte("1"))

	var leaderID uint64
	for id, s := range c.stores {
		if s == leader {
			leaderID = id
		}
	}
	c.stopStore(leaderID)

	c.waitLeader(1)
	c.mustPut([]byte("after"), []byte("2"))
	c.mustGet([]byte("after"), []byte("2"))
	c.mustGet([]byte("before"), []byte("1"))
}

func TestPartitionedLeaderStepsDown(t *testing.T) {
	c := startCluster(t, 3, testConfig())
	leader := c.waitLeader(1)
	c.mustPut([]byte("before"), []byte("1"))

	var leaderID uint64
	for id, s := range c.stores {
		if s == leader {
			leaderID = id
		}
	}
	c.network.SetDrop(func(msg *api.RaftMessage) bool {
		return msg.ToPeer.StoreID == leaderID || msg.FromPeer.StoreID == leaderID
	})

	// The majority side elects a new leader and keeps accepting writes.
	require.Eventually(t, func() bool {
		for id, s := range c.stores {
			if id == leaderID {
				continue
			}
			if s.Put([]byte("during"), []byte("2")).Err == nil {
				return true
			}
		}
		return false
	}, waitFor, 100*time.Millisecond)

	// The cut-off leader cannot commit; check-quorum makes it step down, so
	// callers see a retryable rejection rather than a hang.
	res := leader.Put([]byte("minority"), []byte("x"))
	require.Error(t, res.Err)
	var notLeader *raftstore.NotLeaderError
	if !errors.As(res.Err, &notLeader) {
		require.True(t,
			errors.Is(res.Err, raftstore.ErrTimeout) ||
				errors.Is(res.Err, raftstore.ErrProposalDropped),
			"unexpected error: %v", res.Err)
	}

	c.network.SetDrop(nil)
	c.waitStaleValue(leaderID, []byte("during"), []byte("2"))
}

func TestReadConsistencyPaths(t *testing.T) {
	c := startCluster(t, 3, testConfig())
	leader := c.waitLeader(1)
	c.mustPut([]byte("k"), []byte("v"))

	region, ok := leader.RegionByID(1)
	require.True(t, ok)

	// Lease reads settle once the leader applied an own-term entry.
	require.Eventually(t, func() bool {
		res := leader.Read([]byte("k"), region.Epoch, raftstore.ReadLease)
		return res.Err == nil && bytes.Equal(res.Value, []byte("v"))
	}, waitFor, 50*time.Millisecond)

	res := leader.Read([]byte("k"), region.Epoch, raftstore.ReadIndex)
	require.NoError(t, res.Err)
	require.Equal(t, []byte("v"), res.Value)

	var follower *raftstore.Store
	for _, s := range c.stores {
		if s != leader {
			follower = s
			break
		}
	}
	require.Eventually(t, func() bool {
		res := follower.Read([]byte("k"), region.Epoch, raftstore.ReadLease)
		var notLeader *raftstore.NotLeaderError
		return errors.As(res.Err, &notLeader)
	}, waitFor, 50*time.Millisecond)

	require.Eventually(t, func() bool {
		res := follower.Read([]byte("k"), region.Epoch, raftstore.ReadStale)
		return res.Err == nil && bytes.Equal(res.Value, []byte("v"))
	}, waitFor, 50*time.Millisecond)
}

func TestStaleEpochProposalRejected(t *testing.T) {
	c := startCluster(t, 3, testConfig())
	leader := c.waitLeader(1)
	c.mustPut([]byte("k"), []byte("v"))

	res := leader.Propose(&raftstore.Command{
		RegionID:   1,
		Epoch:      regionpkg.Epoch{Version: 0, ConfVersion: 0},
		Operations: []raftstore.Operation{{Type: raftstore.OpPut, Key: []byte("k"), Value: []byte("x")}},
	})
	require.Error(t, res.Err)
	var epochErr *raftstore.EpochMismatchError
	if errors.As(res.Err, &epochErr) {
		require.Equal(t, regionpkg.ID(1), epochErr.Current.ID)
	} else {
		// Leadership may have moved between waitLeader and the proposal.
		var notLeader *raftstore.NotLeaderError
		require.ErrorAs(t, res.Err, &notLeader)
	}
}

func TestKeyOutsideRegionRejected(t *testing.T) {
	c := startCluster(t, 1, testConfig())
	c.waitLeader(1)
	c.splitAt([]byte("m"), 2)

	// Region 1 now ends at "m"; pushing "z" through it must fail.
	leader := c.waitLeader(1)
	region, ok := leader.RegionByID(1)
	require.True(t, ok)
	res := leader.Propose(&raftstore.Command{
		RegionID:   1,
		Epoch:      region.Epoch,
		Operations: []raftstore.Operation{{Type: raftstore.OpPut, Key: []byte("z"), Value: []byte("1")}},
	})
	var keyErr *raftstore.KeyNotInRegionError
	require.ErrorAs(t, res.Err, &keyErr)
}

// splitAt cuts region 1 at key, creating newRegionID, and waits for both
// halves to be routable everywhere.
func (c *testCluster) splitAt(key []byte, newRegionID uint64) {
	c.t.Helper()
	require.Eventually(c.t, func() bool {
		for id, s := range c.alive() {
			region, ok := s.RegionByID(1)
			if !ok {
				continue
			}
			if p, ok := region.PeerOnStore(id); !ok || p.ID != region.Leader {
				continue
			}
			peerIDs := make([]uint64, 0, len(region.Peers))
			for i := range region.Peers {
				peerIDs = append(peerIDs, newRegionID*100+uint64(i)+1)
			}
			res := s.ProposeSplit(1, region.Epoch, [][]byte{key}, []uint64{newRegionID}, [][]uint64{peerIDs})
			if res.Err == nil {
				return true
			}
		}
		return false
	}, waitFor, 100*time.Millisecond)

	for _, s := range c.alive() {
		require.Eventually(c.t, func() bool {
			parent, ok := s.RegionByID(1)
			if !ok || !bytes.Equal(parent.Range.End, key) {
				return false
			}
			child, ok := s.RegionByID(regionpkg.ID(newRegionID))
			return ok && bytes.Equal(child.Range.Start, key)
		}, waitFor, 50*time.Millisecond)
	}
}

func TestSplitServesBothHalves(t *testing.T) {
	c := startCluster(t, 3, testConfig())
	c.waitLeader(1)
	c.mustPut([]byte("apple"), []byte("1"))
	c.mustPut([]byte("zebra"), []byte("2"))

	c.splitAt([]byte("m"), 2)

	// Both halves keep serving their slice of the data.
	c.mustGet([]byte("apple"), []byte("1"))
	c.mustGet([]byte("zebra"), []byte("2"))
	c.mustPut([]byte("banana"), []byte("3"))
	c.mustPut([]byte("yak"), []byte("4"))
	c.mustGet([]byte("banana"), []byte("3"))
	c.mustGet([]byte("yak"), []byte("4"))

	// Epochs moved past the parent's pre-split version.
	leader := c.waitLeader(1)
	region, ok := leader.RegionByID(1)
	require.True(t, ok)
	require.Greater(t, region.Epoch.Version, uint64(1))

	// Replaying the split against the old epoch is rejected.
	res := leader.ProposeSplit(1, regionpkg.Epoch{Version: 1, ConfVersion: 1},
		[][]byte{[]byte("g")}, []uint64{9}, [][]uint64{{901, 902, 903}})
	require.Error(t, res.Err)
	var epochErr *raftstore.EpochMismatchError
	if !errors.As(res.Err, &epochErr) {
		var notLeader *raftstore.NotLeaderError
		require.ErrorAs(t, res.Err, &notLeader)
	}
}

func TestMergeReunitesRegions(t *testing.T) {
	c := startCluster(t, 3, testConfig())
	c.waitLeader(1)
	c.mustPut([]byte("apple"), []byte("1"))
	c.mustPut([]byte("zebra"), []byte("2"))
	c.splitAt([]byte("m"), 2)
	c.waitLeader(2)

	require.Eventually(t, func() bool {
		for _, s := range c.alive() {
			if res := s.ProposePrepareMerge(2, 1); res.Err == nil {
				return true
			}
		}
		return false
	}, waitFor, 100*time.Millisecond)

	// The target absorbs the source's range; the source disappears.
	for _, s := range c.alive() {
		store := s
		require.Eventually(t, func() bool {
			region, ok := store.RegionByID(1)
			if !ok || len(region.Range.End) != 0 {
				return false
			}
			_, sourceAlive := store.RegionByID(2)
			return !sourceAlive
		}, waitFor, 50*time.Millisecond)
	}

	// Data from both former halves is intact and writable.
	c.mustGet([]byte("apple"), []byte("1"))
	c.mustGet([]byte("zebra"), []byte("2"))
	c.mustPut([]byte("quokka"), []byte("3"))
	c.mustGet([]byte("quokka"), []byte("3"))
}

func TestConfChangeAddPromoteRemove(t *testing.T) {
	c := startCluster(t, 3, testConfig())
	c.waitLeader(1)
	c.mustPut([]byte("seed"), []byte("1"))

	// An empty store joins the cluster.
	c.addStore(4, nil)
	newPeer := regionpkg.Peer{ID: 104, StoreID: 4, Role: regionpkg.Learner}

	c.mustConfChange(raftpb.ConfChangeAddLearnerNode, newPeer)
	c.waitStaleValue(4, []byte("seed"), []byte("1"))

	newPeer.Role = regionpkg.Voter
	c.mustConfChange(raftpb.ConfChangeAddNode, newPeer)
	require.Eventually(t, func() bool {
		r, ok := c.stores[4].RegionByID(1)
		if !ok {
			return false
		}
		p, ok := r.PeerOnStore(4)
		return ok && p.Role == regionpkg.Voter
	}, waitFor, 50*time.Millisecond)

	// Drop the original peer on store 1; its replica destroys itself.
	c.mustConfChange(raftpb.ConfChangeRemoveNode, regionpkg.Peer{ID: 101, StoreID: 1, Role: regionpkg.Voter})
	require.Eventually(t, func() bool {
		_, ok := c.stores[1].RegionByID(1)
		return !ok
	}, waitFor, 50*time.Millisecond)

	c.mustPut([]byte("post"), []byte("2"))
	c.mustGet([]byte("post"), []byte("2"))
}

func TestRemovedPeerOnIsolatedStoreIsDestroyed(t *testing.T) {
	c := startCluster(t, 3, testConfig())
	c.waitLeader(1)
	c.mustPut([]byte("seed"), []byte("1"))
	c.waitStaleValue(3, []byte("seed"), []byte("1"))

	// Cut store 3 off, then drop its peer while it cannot observe the
	// conf change.
	c.network.SetDrop(func(msg *api.RaftMessage) bool {
		return msg.ToPeer.StoreID == 3 || msg.FromPeer.StoreID == 3
	})
	c.mustConfChange(raftpb.ConfChangeRemoveNode, regionpkg.Peer{ID: 103, StoreID: 3, Role: regionpkg.Voter})
	require.Eventually(t, func() bool {
		for _, id := range []uint64{1, 2} {
			r, ok := c.stores[id].RegionByID(1)
			if !ok {
				return false
			}
			if _, still := r.PeerOnStore(3); still {
				return false
			}
		}
		return true
	}, waitFor, 50*time.Millisecond)

	// The removed replica comes back at its old epoch and still hosts the
	// region. Once the partition heals its campaigns are answered with a
	// tombstone and it destroys itself.
	c.restartStore(3)
	_, ok := c.stores[3].RegionByID(1)
	require.True(t, ok)

	c.network.SetDrop(nil)
	require.Eventually(t, func() bool {
		_, ok := c.stores[3].RegionByID(1)
		return !ok
	}, waitFor, 50*time.Millisecond)

	c.mustPut([]byte("after"), []byte("2"))
	c.mustGet([]byte("after"), []byte("2"))
}

func (c *testCluster) mustConfChange(typ raftpb.ConfChangeType, peer regionpkg.Peer) {
	c.t.Helper()
	require.Eventually(c.t, func() bool {
		for _, s := range c.alive() {
			region, ok := s.RegionByID(1)
			if !ok {
				continue
			}
			if res := s.ProposeConfChange(1, typ, peer, region.Epoch); res.Err == nil {
				return true
			}
		}
		return false
	}, waitFor, 100*time.Millisecond)
}

func TestSnapshotCatchUpAfterCompaction(t *testing.T) {
	cfg := testConfig()
	cfg.LogGCCountLimit = 8
	c := startCluster(t, 3, cfg)
	c.waitLeader(1)
	c.mustPut([]byte("pre"), []byte("0"))
	c.waitStaleValue(3, []byte("pre"), []byte("0"))

	// Cut store 3 off, then write enough to trigger log compaction so the
	// healed follower can only catch up via snapshot.
	c.network.SetDrop(func(msg *api.RaftMessage) bool {
		return msg.ToPeer.StoreID == 3 || msg.FromPeer.StoreID == 3
	})
	for i := 0; i < 40; i++ {
		key := []byte(fmt.Sprintf("bulk-%02d", i))
		c.mustPut(key, []byte("x"))
	}
	// Give the leader a few ticks to truncate.
	time.Sleep(500 * time.Millisecond)
	c.network.SetDrop(nil)

	c.waitStaleValue(3, []byte("bulk-39"), []byte("x"))
	c.mustPut([]byte("post"), []byte("1"))
	c.waitStaleValue(3, []byte("post"), []byte("1"))
}

func TestTransferLeader(t *testing.T) {
	c := startCluster(t, 3, testConfig())
	leader := c.waitLeader(1)

	region, ok := leader.RegionByID(1)
	require.True(t, ok)
	var target uint64
	for _, p := range region.Peers {
		if p.ID != region.Leader {
			target = p.ID
			break
		}
	}
	require.NotZero(t, target)

	require.Eventually(t, func() bool {
		_ = leader.TransferLeader(1, target)
		r, ok := leader.RegionByID(1)
		return ok && r.Leader == target
	}, waitFor, 100*time.Millisecond)

	c.mustPut([]byte("after-transfer"), []byte("1"))
	c.mustGet([]byte("after-transfer"), []byte("1"))
}

func TestRegionChangeSubscription(t *testing.T) {
	c := startCluster(t, 1, testConfig())
	leader := c.waitLeader(1)
	events := leader.SubscribeRegionChanges()

	c.splitAt([]byte("m"), 2)

	require.Eventually(t, func() bool {
		for {
			select {
			case r := <-events:
				if r.ID == 2 {
					return true
				}
			default:
				return false
			}
		}
	}, waitFor, 50*time.Millisecond)
}

// localPD runs the placement service in-process without the gRPC hop.
type localPD struct{ svc *pd.Service }

func (l localPD) RegionHeartbeat(_ context.Context, req *api.RegionHeartbeatRequest) (*api.RegionHeartbeatResponse, error) {
	return l.svc.HandleRegionHeartbeat(req)
}

func (l localPD) StoreHeartbeat(_ context.Context, req *api.StoreHeartbeatRequest) (*api.StoreHeartbeatResponse, error) {
	if err := l.svc.HandleStoreHeartbeat(req); err != nil {
		return nil, err
	}
	return &api.StoreHeartbeatResponse{}, nil
}

func TestOversizedRegionSplitsAutomatically(t *testing.T) {
	cfg := testConfig()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.RegionSplitSize = 2 << 10
	cfg.RegionMaxSize = 4 << 10

	svc, err := pd.NewService(filepath.Join(t.TempDir(), "pd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	// Burn the low ids so split allocations cannot collide with the seed
	// region or its peer.
	_, err = svc.AllocIDs(1000)
	require.NoError(t, err)

	c := &testCluster{
		t:       t,
		cfg:     cfg,
		network: transport.NewMemoryNetwork(),
		pd:      localPD{svc: svc},
		stores:  make(map[uint64]*raftstore.Store),
		engines: make(map[uint64]*storage.Store),
		dirs:    make(map[uint64]string),
		stopped: make(map[uint64]bool),
	}
	seed := bootstrapRegion(1)
	c.addStore(1, &seed)
	t.Cleanup(func() {
		c.stores[1].Stop()
		_ = c.engines[1].Close()
	})
	c.waitLeader(1)

	payload := bytes.Repeat([]byte("v"), 320)
	for i := 0; i < 16; i++ {
		c.mustPut([]byte(fmt.Sprintf("auto-%02d", i)), payload)
	}

	// The leader notices it outgrew the bound, asks placement for a split
	// and carries it out.
	require.Eventually(t, func() bool {
		return len(c.stores[1].Regions()) >= 2
	}, waitFor, 50*time.Millisecond)
	c.mustGet([]byte("auto-00"), payload)
	c.mustGet([]byte("auto-15"), payload)

	// Both children end up in the placement view via their heartbeats.
	require.Eventually(t, func() bool {
		return len(svc.Regions()) >= 2
	}, waitFor, 50*time.Millisecond)
}
