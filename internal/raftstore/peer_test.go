package raftstore

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Shylock-Hg/tikv/internal/config"
	"github.com/Shylock-Hg/tikv/internal/observability/metrics"
	regionpkg "github.com/Shylock-Hg/tikv/internal/region"
	"github.com/Shylock-Hg/tikv/internal/storage"
)

func newTestPeer(t *testing.T) (*Peer, *storage.Store) {
	t.Helper()
	engine, err := storage.Open(t.TempDir(), zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	r := regionpkg.Region{
		ID:    1,
		Epoch: regionpkg.Epoch{Version: 1, ConfVersion: 1},
		Peers: []regionpkg.Peer{{ID: 101, StoreID: 1, Role: regionpkg.Voter}},
		State: regionpkg.StateActive,
	}
	require.NoError(t, engine.PutRegion(r))

	store := NewStore(Options{
		Config:    config.DefaultRaftstore(),
		StoreID:   1,
		Engine:    engine,
		Collector: metrics.NewStoreCollector(prometheus.NewRegistry(), "test"),
		Logger:    zaptest.NewLogger(t),
	})
	p, err := newPeer(store, r)
	require.NoError(t, err)
	return p, engine
}

func TestDestroyWaitsForInflightApplies(t *testing.T) {
	p, engine := newTestPeer(t)

	// One batch is still with an apply worker; teardown must not pull the
	// region data out from under it.
	p.pendingApplies = 1
	p.destroy(true)
	require.False(t, p.stopped)
	require.True(t, p.pendingDestroy)
	meta, err := engine.GetRegion(1)
	require.NoError(t, err)
	require.Equal(t, regionpkg.StateActive, meta.State)

	// The drained result completes the deferred teardown.
	st := p.ps.ApplyState()
	p.onApplyResult(&applyResult{
		regionID:     1,
		appliedIndex: st.AppliedIndex,
		appliedTerm:  st.AppliedTerm,
	})
	require.True(t, p.stopped)
	require.Zero(t, p.pendingApplies)
	meta, err = engine.GetRegion(1)
	require.NoError(t, err)
	require.Equal(t, regionpkg.StateTombstone, meta.State)
}

func TestDestroyImmediateWhenIdle(t *testing.T) {
	p, engine := newTestPeer(t)
	p.destroy(true)
	require.True(t, p.stopped)
	meta, err := engine.GetRegion(1)
	require.NoError(t, err)
	require.Equal(t, regionpkg.StateTombstone, meta.State)
}

func TestLeaseExtendsFromRoundStart(t *testing.T) {
	p, _ := newTestPeer(t)
	lease := p.store.cfg.LeaseDuration

	start := time.Now().Add(-lease / 2)
	p.renewLease(start)
	require.Equal(t, start.Add(lease), p.leaseUntil)

	// A straggling ack for an older round must not roll the lease back.
	p.renewLease(start.Add(-lease))
	require.Equal(t, start.Add(lease), p.leaseUntil)

	// An ack arriving after the follower promise window has passed cannot
	// produce a live lease.
	p.leaseUntil = time.Time{}
	p.renewLease(time.Now().Add(-2 * lease))
	require.True(t, p.leaseUntil.Before(time.Now()))

	// Rounds that were never stamped grant nothing.
	p.leaseUntil = time.Time{}
	p.renewLease(time.Time{})
	require.True(t, p.leaseUntil.IsZero())
}

func TestSnapshotFailureTakesRegionOutOfService(t *testing.T) {
	p, engine := newTestPeer(t)
	p.handleMessage(Message{
		Type:     MsgTypeSnapshotFailed,
		RegionID: 1,
		Data:     errors.New("iterate range: corrupted block"),
	})
	require.True(t, p.stopped)
	require.True(t, p.unhealthy)

	// Data stays in place for inspection; the region is not tombstoned.
	meta, err := engine.GetRegion(1)
	require.NoError(t, err)
	require.Equal(t, regionpkg.StateActive, meta.State)

	require.ErrorIs(t, p.propose(proposalRequest{}), ErrRegionUnhealthy)
}
