package raftstore

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"
	"go.uber.org/zap"

	regionpkg "github.com/Shylock-Hg/tikv/internal/region"
	"github.com/Shylock-Hg/tikv/internal/storage"
)

// snapshotData is the payload carried in raftpb.Snapshot.Data: the region
// metadata as of the snapshot index plus every key in its range.
type snapshotData struct {
	Region regionpkg.Region `json:"region"`
	KVs    []snapshotKV     `json:"kvs,omitempty"`
}

type snapshotKV struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value"`
}

func decodeSnapshotData(data []byte) (regionpkg.Region, []storage.KV, error) {
	var sd snapshotData
	if err := json.Unmarshal(data, &sd); err != nil {
		return regionpkg.Region{}, nil, fmt.Errorf("raftstore: decode snapshot: %w", err)
	}
	kvs := make([]storage.KV, 0, len(sd.KVs))
	for _, kv := range sd.KVs {
		kvs = append(kvs, storage.KV{Key: kv.Key, Value: kv.Value})
	}
	return sd.Region, kvs, nil
}

// snapshotCapture is a point-in-time view taken on the apply worker, so
// the engine snapshot lines up exactly with the applied cursor.
type snapshotCapture struct {
	regionID regionpkg.ID
	region   regionpkg.Region
	index    uint64
	term     uint64
	view     *storage.Snapshot
}

// snapshotScheduler turns captures into wire snapshots off the hot path.
// Generation failures retry with backoff up to the configured budget, then
// surface as a region health event.
type snapshotScheduler struct {
	store *Store
	tasks chan snapshotCapture
	stopc chan struct{}
	wg    sync.WaitGroup
}

func newSnapshotScheduler(store *Store, workerCount int) *snapshotScheduler {
	s := &snapshotScheduler{
		store: store,
		tasks: make(chan snapshotCapture, workerCount*4),
		stopc: make(chan struct{}),
	}
	for i := 0; i < workerCount; i++ {
		s.wg.Add(1)
		go s.run()
	}
	return s
}

func (s *snapshotScheduler) stop() {
	close(s.stopc)
	s.wg.Wait()
}

func (s *snapshotScheduler) schedule(c snapshotCapture) {
	select {
	case s.tasks <- c:
	case <-s.stopc:
		c.view.Close()
	}
}

func (s *snapshotScheduler) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopc:
			return
		case c := <-s.tasks:
			s.generate(c)
		}
	}
}

func (s *snapshotScheduler) generate(c snapshotCapture) {
	defer c.view.Close()

	var lastErr error
	for attempt := 0; attempt < s.store.cfg.SnapshotRetryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.store.cfg.SnapshotRetryBackoff):
			case <-s.stopc:
				return
			}
		}
		// The peer may have been destroyed while we waited.
		if s.store.router.mailbox(c.regionID) == nil {
			return
		}
		snap, err := s.build(c)
		if err != nil {
			lastErr = err
			s.store.logger.Warn("snapshot build failed",
				zap.Uint64("region", uint64(c.regionID)),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			continue
		}
		s.store.coll.SnapshotsGenerated.Inc()
		_ = s.store.router.sendBlocking(c.regionID, Message{
			Type:     MsgTypeSnapshotGenerated,
			RegionID: c.regionID,
			Data:     snapshotGenerated{snap: snap},
		})
		return
	}
	_ = s.store.router.sendBlocking(c.regionID, Message{
		Type:     MsgTypeSnapshotFailed,
		RegionID: c.regionID,
		Data:     lastErr,
	})
}

func (s *snapshotScheduler) build(c snapshotCapture) (raftpb.Snapshot, error) {
	sd := snapshotData{Region: c.region}
	err := c.view.IterateRange(c.region.Range, func(key, value []byte) error {
		sd.KVs = append(sd.KVs, snapshotKV{
			Key:   append([]byte(nil), key...),
			Value: append([]byte(nil), value...),
		})
		return nil
	})
	if err != nil {
		return raftpb.Snapshot{}, err
	}
	data, err := json.Marshal(&sd)
	if err != nil {
		return raftpb.Snapshot{}, err
	}

	cs := raftpb.ConfState{}
	for _, p := range c.region.Peers {
		if p.Role == regionpkg.Learner {
			cs.Learners = append(cs.Learners, p.ID)
		} else {
			cs.Voters = append(cs.Voters, p.ID)
		}
	}
	return raftpb.Snapshot{
		Data: data,
		Metadata: raftpb.SnapshotMetadata{
			Index:     c.index,
			Term:      c.term,
			ConfState: cs,
		},
	}, nil
}
