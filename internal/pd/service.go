package pd

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"

	regionpkg "github.com/Shylock-Hg/tikv/internal/region"
	"github.com/Shylock-Hg/tikv/pkg/api"
)

var (
	bucketStores  = []byte("stores")
	bucketRegions = []byte("regions")
	bucketMeta    = []byte("meta")

	keyIDCounter = []byte("id_counter")
)

// StoreInfo is the last known state of one store.
type StoreInfo struct {
	StoreID     uint64    `json:"store_id"`
	Address     string    `json:"address"`
	RegionCount int       `json:"region_count"`
	LeaderCount int       `json:"leader_count"`
	LastSeen    time.Time `json:"last_seen"`
}

// RegionInfo is the placement view of one region, refreshed by leader
// heartbeats.
type RegionInfo struct {
	Region          regionpkg.Region `json:"region"`
	Leader          uint64           `json:"leader"`
	ReportedBy      uint64           `json:"reported_by"`
	ApproximateSize uint64           `json:"approximate_size"`
	ApproximateKeys uint64           `json:"approximate_keys"`
	LastSeen        time.Time        `json:"last_seen"`
}

// Service is the placement authority: it tracks stores and regions from
// heartbeats, allocates cluster-unique ids and hands admin directives back
// to region leaders. State survives restarts via bbolt.
type Service struct {
	mu         sync.RWMutex
	db         *bolt.DB
	stores     map[uint64]StoreInfo
	regions    map[regionpkg.ID]RegionInfo
	directives map[regionpkg.ID][]*api.AdminDirective
}

// NewService opens (or creates) the placement database at path.
func NewService(path string) (*Service, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open placement db: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketStores, bucketRegions, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s := &Service{
		db:         db,
		stores:     make(map[uint64]StoreInfo),
		regions:    make(map[regionpkg.ID]RegionInfo),
		directives: make(map[regionpkg.ID][]*api.AdminDirective),
	}
	if err := s.load(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) load() error {
	return s.db.View(func(tx *bolt.Tx) error {
		err := tx.Bucket(bucketStores).ForEach(func(_, v []byte) error {
			var info StoreInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return err
			}
			s.stores[info.StoreID] = info
			return nil
		})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRegions).ForEach(func(_, v []byte) error {
			var info RegionInfo
			if err := json.Unmarshal(v, &info); err != nil {
				return err
			}
			s.regions[info.Region.ID] = info
			return nil
		})
	})
}

func (s *Service) Close() error {
	return s.db.Close()
}

// AllocIDs reserves count cluster-unique ids and returns the first. Never
// reuses an id, including across restarts.
func (s *Service) AllocIDs(count uint64) (uint64, error) {
	if count == 0 {
		return 0, fmt.Errorf("alloc of zero ids")
	}
	var base uint64
	err := s.db.Update(func(tx *bolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		var cur uint64
		if v := meta.Get(keyIDCounter); len(v) == 8 {
			cur = binary.BigEndian.Uint64(v)
		}
		base = cur + 1
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], cur+count)
		return meta.Put(keyIDCounter, buf[:])
	})
	if err != nil {
		return 0, err
	}
	return base, nil
}

// HandleStoreHeartbeat records store liveness.
func (s *Service) HandleStoreHeartbeat(req *api.StoreHeartbeatRequest) error {
	info := StoreInfo{
		StoreID:     req.StoreID,
		Address:     req.Address,
		RegionCount: req.RegionCount,
		LeaderCount: req.LeaderCount,
		LastSeen:    time.Now(),
	}
	s.mu.Lock()
	s.stores[info.StoreID] = info
	s.mu.Unlock()
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(info)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketStores).Put(u64Key(info.StoreID), data)
	})
}

// HandleRegionHeartbeat refreshes region metadata and pops one pending
// directive for the leader, if any. Stale reporters (older epoch) get no
// directive and do not overwrite newer state.
func (s *Service) HandleRegionHeartbeat(req *api.RegionHeartbeatRequest) (*api.RegionHeartbeatResponse, error) {
	if req.Region == nil {
		return nil, fmt.Errorf("heartbeat without region")
	}
	r := regionpkg.FromWire(req.Region)
	info := RegionInfo{
		Region:          r,
		Leader:          req.Leader,
		ReportedBy:      req.StoreID,
		ApproximateSize: req.ApproximateSize,
		ApproximateKeys: req.ApproximateKeys,
		LastSeen:        time.Now(),
	}

	s.mu.Lock()
	if prev, ok := s.regions[r.ID]; ok && r.Epoch.StaleAgainst(prev.Region.Epoch) {
		s.mu.Unlock()
		return &api.RegionHeartbeatResponse{}, nil
	}
	s.regions[r.ID] = info
	var directive *api.AdminDirective
	if queue := s.directives[r.ID]; len(queue) > 0 {
		directive = queue[0]
		s.directives[r.ID] = queue[1:]
	}
	idle := directive == nil && len(s.directives[r.ID]) == 0
	s.mu.Unlock()

	// An oversized leader asks for a split; queue one unless a decision
	// for the region is already in flight.
	if len(req.SplitKeys) > 0 && idle {
		if err := s.ScheduleSplit(r.ID, req.SplitKeys); err != nil {
			return nil, err
		}
		s.mu.Lock()
		if queue := s.directives[r.ID]; len(queue) > 0 {
			directive = queue[0]
			s.directives[r.ID] = queue[1:]
		}
		s.mu.Unlock()
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(info)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRegions).Put(u64Key(uint64(r.ID)), data)
	})
	if err != nil {
		return nil, err
	}
	return &api.RegionHeartbeatResponse{Directive: directive}, nil
}

// ScheduleDirective queues an admin decision for delivery on the region's
// next leader heartbeat.
func (s *Service) ScheduleDirective(id regionpkg.ID, d *api.AdminDirective) {
	s.mu.Lock()
	s.directives[id] = append(s.directives[id], d)
	s.mu.Unlock()
}

// ScheduleSplit allocates ids for the children and queues a split at the
// given keys against the region's current epoch.
func (s *Service) ScheduleSplit(id regionpkg.ID, splitKeys [][]byte) error {
	s.mu.RLock()
	info, ok := s.regions[id]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("region %d unknown", id)
	}
	n := uint64(len(splitKeys))
	if n == 0 {
		return fmt.Errorf("split without keys")
	}
	peersPer := uint64(len(info.Region.Peers))
	base, err := s.AllocIDs(n * (1 + peersPer))
	if err != nil {
		return err
	}
	next := base
	regionIDs := make([]uint64, 0, n)
	peerIDs := make([][]uint64, 0, n)
	for i := uint64(0); i < n; i++ {
		regionIDs = append(regionIDs, next)
		next++
		ids := make([]uint64, 0, peersPer)
		for j := uint64(0); j < peersPer; j++ {
			ids = append(ids, next)
			next++
		}
		peerIDs = append(peerIDs, ids)
	}
	s.ScheduleDirective(id, &api.AdminDirective{
		Type:          api.AdminDirectiveSplit,
		ExpectedEpoch: api.RegionEpoch{Version: info.Region.Epoch.Version, ConfVersion: info.Region.Epoch.ConfVersion},
		SplitKeys:     splitKeys,
		NewRegionIDs:  regionIDs,
		NewPeerIDs:    peerIDs,
	})
	return nil
}

// RegionForKey returns the region covering key, if known.
func (s *Service) RegionForKey(key []byte) (RegionInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, info := range s.regions {
		if info.Region.ContainsKey(key) {
			return info, true
		}
	}
	return RegionInfo{}, false
}

// Stores returns all known stores.
func (s *Service) Stores() []StoreInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]StoreInfo, 0, len(s.stores))
	for _, info := range s.stores {
		out = append(out, info)
	}
	return out
}

// Regions returns the current placement view.
func (s *Service) Regions() []RegionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]RegionInfo, 0, len(s.regions))
	for _, info := range s.regions {
		out = append(out, info)
	}
	return out
}

func u64Key(v uint64) []byte {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	return buf[:]
}
