package pd_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Shylock-Hg/tikv/internal/pd"
	regionpkg "github.com/Shylock-Hg/tikv/internal/region"
	"github.com/Shylock-Hg/tikv/pkg/api"
)

func openTestService(t *testing.T, path string) *pd.Service {
	t.Helper()
	svc, err := pd.NewService(path)
	require.NoError(t, err)
	return svc
}

func regionWire(id uint64, version uint64) *api.Region {
	return &api.Region{
		ID:       id,
		StartKey: []byte("a"),
		EndKey:   []byte("z"),
		Epoch:    api.RegionEpoch{Version: version, ConfVersion: 1},
		Peers: []api.PeerMeta{
			{ID: id*100 + 1, StoreID: 1},
			{ID: id*100 + 2, StoreID: 2},
			{ID: id*100 + 3, StoreID: 3},
		},
	}
}

func TestAllocIDsMonotonicAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pd.db")
	svc := openTestService(t, path)

	first, err := svc.AllocIDs(10)
	require.NoError(t, err)
	second, err := svc.AllocIDs(5)
	require.NoError(t, err)
	require.Equal(t, first+10, second)
	require.NoError(t, svc.Close())

	svc = openTestService(t, path)
	defer svc.Close()
	third, err := svc.AllocIDs(1)
	require.NoError(t, err)
	require.Greater(t, third, second+4)
}

func TestStoreHeartbeatRecorded(t *testing.T) {
	svc := openTestService(t, filepath.Join(t.TempDir(), "pd.db"))
	defer svc.Close()

	require.NoError(t, svc.HandleStoreHeartbeat(&api.StoreHeartbeatRequest{
		StoreID:     1,
		Address:     "127.0.0.1:19001",
		RegionCount: 3,
		LeaderCount: 1,
	}))

	stores := svc.Stores()
	require.Len(t, stores, 1)
	require.Equal(t, "127.0.0.1:19001", stores[0].Address)
	require.Equal(t, 3, stores[0].RegionCount)
}

func TestRegionHeartbeatIgnoresStaleEpoch(t *testing.T) {
	svc := openTestService(t, filepath.Join(t.TempDir(), "pd.db"))
	defer svc.Close()

	_, err := svc.HandleRegionHeartbeat(&api.RegionHeartbeatRequest{
		StoreID: 1, Region: regionWire(7, 5), Leader: 701,
	})
	require.NoError(t, err)

	_, err = svc.HandleRegionHeartbeat(&api.RegionHeartbeatRequest{
		StoreID: 2, Region: regionWire(7, 3), Leader: 702,
	})
	require.NoError(t, err)

	regions := svc.Regions()
	require.Len(t, regions, 1)
	require.Equal(t, uint64(5), regions[0].Region.Epoch.Version)
	require.Equal(t, uint64(701), regions[0].Leader)
}

func TestDirectiveDeliveredOnce(t *testing.T) {
	svc := openTestService(t, filepath.Join(t.TempDir(), "pd.db"))
	defer svc.Close()

	hb := &api.RegionHeartbeatRequest{StoreID: 1, Region: regionWire(7, 1), Leader: 701}
	_, err := svc.HandleRegionHeartbeat(hb)
	require.NoError(t, err)

	svc.ScheduleDirective(7, &api.AdminDirective{
		Type:       api.AdminDirectiveTransferLeader,
		TargetPeer: &api.PeerMeta{ID: 702, StoreID: 2},
	})

	resp, err := svc.HandleRegionHeartbeat(hb)
	require.NoError(t, err)
	require.NotNil(t, resp.Directive)
	require.Equal(t, api.AdminDirectiveTransferLeader, resp.Directive.Type)

	resp, err = svc.HandleRegionHeartbeat(hb)
	require.NoError(t, err)
	require.Nil(t, resp.Directive)
}

func TestScheduleSplitAllocatesIDs(t *testing.T) {
	svc := openTestService(t, filepath.Join(t.TempDir(), "pd.db"))
	defer svc.Close()

	hb := &api.RegionHeartbeatRequest{StoreID: 1, Region: regionWire(7, 1), Leader: 701}
	_, err := svc.HandleRegionHeartbeat(hb)
	require.NoError(t, err)

	require.NoError(t, svc.ScheduleSplit(7, [][]byte{[]byte("m")}))

	resp, err := svc.HandleRegionHeartbeat(hb)
	require.NoError(t, err)
	require.NotNil(t, resp.Directive)
	require.Equal(t, api.AdminDirectiveSplit, resp.Directive.Type)
	require.Len(t, resp.Directive.NewRegionIDs, 1)
	require.Len(t, resp.Directive.NewPeerIDs, 1)
	require.Len(t, resp.Directive.NewPeerIDs[0], 3)
	require.NotZero(t, resp.Directive.NewRegionIDs[0])
}

func TestOversizedHeartbeatSchedulesSplit(t *testing.T) {
	svc := openTestService(t, filepath.Join(t.TempDir(), "pd.db"))
	defer svc.Close()

	hb := &api.RegionHeartbeatRequest{
		StoreID:         1,
		Region:          regionWire(7, 1),
		Leader:          701,
		ApproximateSize: 200 << 20,
		SplitKeys:       [][]byte{[]byte("m")},
	}
	resp, err := svc.HandleRegionHeartbeat(hb)
	require.NoError(t, err)
	require.NotNil(t, resp.Directive)
	require.Equal(t, api.AdminDirectiveSplit, resp.Directive.Type)
	require.Equal(t, [][]byte{[]byte("m")}, resp.Directive.SplitKeys)
	require.Len(t, resp.Directive.NewPeerIDs, 1)
	require.Len(t, resp.Directive.NewPeerIDs[0], 3)

	// Asking again while a directive is already queued must not stack a
	// second split.
	svc.ScheduleDirective(7, &api.AdminDirective{
		Type:       api.AdminDirectiveTransferLeader,
		TargetPeer: &api.PeerMeta{ID: 702, StoreID: 2},
	})
	resp, err = svc.HandleRegionHeartbeat(hb)
	require.NoError(t, err)
	require.Equal(t, api.AdminDirectiveTransferLeader, resp.Directive.Type)
	resp, err = svc.HandleRegionHeartbeat(hb)
	require.NoError(t, err)
	require.Equal(t, api.AdminDirectiveSplit, resp.Directive.Type)
	resp, err = svc.HandleRegionHeartbeat(&api.RegionHeartbeatRequest{
		StoreID: 1, Region: regionWire(7, 1), Leader: 701,
	})
	require.NoError(t, err)
	require.Nil(t, resp.Directive)
}

func TestRegionForKey(t *testing.T) {
	svc := openTestService(t, filepath.Join(t.TempDir(), "pd.db"))
	defer svc.Close()

	_, err := svc.HandleRegionHeartbeat(&api.RegionHeartbeatRequest{
		StoreID: 1, Region: regionWire(7, 1), Leader: 701,
	})
	require.NoError(t, err)

	info, ok := svc.RegionForKey([]byte("m"))
	require.True(t, ok)
	require.Equal(t, regionpkg.ID(7), info.Region.ID)

	_, ok = svc.RegionForKey([]byte("~"))
	require.False(t, ok)
}
