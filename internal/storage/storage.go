package storage

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/cockroachdb/pebble"
	"github.com/gofrs/flock"
	"go.uber.org/zap"

	regionpkg "github.com/Shylock-Hg/tikv/internal/region"
)

var (
	// ErrKeyNotFound is returned when a data key does not exist.
	ErrKeyNotFound = errors.New("storage: key not found")
	// ErrLogCorruption indicates the persisted raft state violates the
	// applied <= committed <= last invariant; the affected region must be
	// taken out of service and re-replicated.
	ErrLogCorruption = errors.New("storage: raft log state is corrupted")
)

// ApplyState is the per-region durable apply cursor.
type ApplyState struct {
	AppliedIndex   uint64
	AppliedTerm    uint64
	TruncatedIndex uint64
	TruncatedTerm  uint64
}

func (st ApplyState) encode() []byte {
	buf := make([]byte, 32)
	binary.BigEndian.PutUint64(buf[0:], st.AppliedIndex)
	binary.BigEndian.PutUint64(buf[8:], st.AppliedTerm)
	binary.BigEndian.PutUint64(buf[16:], st.TruncatedIndex)
	binary.BigEndian.PutUint64(buf[24:], st.TruncatedTerm)
	return buf
}

func decodeApplyState(data []byte) (ApplyState, error) {
	if len(data) != 32 {
		return ApplyState{}, fmt.Errorf("storage: apply state record has %d bytes, want 32", len(data))
	}
	return ApplyState{
		AppliedIndex:   binary.BigEndian.Uint64(data[0:]),
		AppliedTerm:    binary.BigEndian.Uint64(data[8:]),
		TruncatedIndex: binary.BigEndian.Uint64(data[16:]),
		TruncatedTerm:  binary.BigEndian.Uint64(data[24:]),
	}, nil
}

// KV is one data-plane mutation inside an apply batch.
type KV struct {
	Key   []byte
	Value []byte // nil means delete
}

// ApplyBatch groups the effects of applying committed entries: data
// mutations, region metadata transitions, and the new apply cursor. The
// whole batch lands atomically.
type ApplyBatch struct {
	RegionID regionpkg.ID
	KVs      []KV
	Regions  []regionpkg.Region
	State    ApplyState
}

// Store is the node-wide persistent log and state store. One pebble
// instance holds every region's log, apply state and data.
type Store struct {
	db       *pebble.DB
	dir      string
	fileLock *flock.Flock
	logger   *zap.Logger
}

// Open opens (or creates) the store at dir, taking an exclusive lock on the
// directory so two processes cannot share it.
func Open(dir string, logger *zap.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("storage: dir is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	fileLock := flock.New(filepath.Join(dir, "LOCK"))
	held, err := fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("storage: lock %s: %w", dir, err)
	}
	if !held {
		return nil, fmt.Errorf("storage: directory %s is locked by another process", dir)
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		_ = fileLock.Unlock()
		return nil, fmt.Errorf("storage: open pebble at %s: %w", dir, err)
	}
	return &Store{db: db, dir: dir, fileLock: fileLock, logger: logger.Named("storage")}, nil
}

// Close flushes and closes the underlying engine.
func (s *Store) Close() error {
	err := s.db.Close()
	if uerr := s.fileLock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

// Get reads a user data key.
func (s *Store) Get(key []byte) ([]byte, error) {
	val, closer, err := s.db.Get(DataKey(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrKeyNotFound
		}
		return nil, err
	}
	out := append([]byte(nil), val...)
	if err := closer.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyWrite lands an apply batch atomically: data mutations, region
// metadata transitions and the apply cursor move together or not at all.
func (s *Store) ApplyWrite(batch ApplyBatch) error {
	b := s.db.NewBatch()
	defer b.Close()
	for _, kv := range batch.KVs {
		if kv.Value == nil {
			if err := b.Delete(DataKey(kv.Key), nil); err != nil {
				return err
			}
		} else {
			if err := b.Set(DataKey(kv.Key), kv.Value, nil); err != nil {
				return err
			}
		}
	}
	for i := range batch.Regions {
		data, err := regionMetaValue(batch.Regions[i])
		if err != nil {
			return err
		}
		if err := b.Set(regionMetaKey(batch.Regions[i].ID), data, nil); err != nil {
			return err
		}
	}
	if err := b.Set(applyStateKey(batch.RegionID), batch.State.encode(), nil); err != nil {
		return err
	}
	return s.db.Apply(b, pebble.Sync)
}

// GetApplyState reads the durable apply cursor for a region; a zero value
// is returned for a region that has never applied anything.
func (s *Store) GetApplyState(id regionpkg.ID) (ApplyState, error) {
	val, closer, err := s.db.Get(applyStateKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return ApplyState{}, nil
		}
		return ApplyState{}, err
	}
	defer closer.Close()
	return decodeApplyState(val)
}

func regionMetaValue(r regionpkg.Region) ([]byte, error) {
	return json.Marshal(&r)
}

// PutRegion persists region metadata outside an apply batch (bootstrap
// path).
func (s *Store) PutRegion(r regionpkg.Region) error {
	data, err := regionMetaValue(r)
	if err != nil {
		return err
	}
	return s.db.Set(regionMetaKey(r.ID), data, pebble.Sync)
}

// GetRegion loads region metadata.
func (s *Store) GetRegion(id regionpkg.ID) (regionpkg.Region, error) {
	val, closer, err := s.db.Get(regionMetaKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return regionpkg.Region{}, ErrKeyNotFound
		}
		return regionpkg.Region{}, err
	}
	defer closer.Close()
	var r regionpkg.Region
	if err := json.Unmarshal(val, &r); err != nil {
		return regionpkg.Region{}, err
	}
	return r, nil
}

// ListRegions returns metadata for every region hosted on this store.
func (s *Store) ListRegions() ([]regionpkg.Region, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte{localPrefix},
		UpperBound: []byte{localPrefix + 1},
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var regions []regionpkg.Region
	for iter.First(); iter.Valid(); iter.Next() {
		key := iter.Key()
		if len(key) != 10 || key[9] != regionMetaSuffix {
			continue
		}
		var r regionpkg.Region
		if err := json.Unmarshal(iter.Value(), &r); err != nil {
			return nil, err
		}
		if r.State != regionpkg.StateTombstone {
			regions = append(regions, r)
		}
	}
	return regions, iter.Error()
}

// DestroyRegion removes a region's log, states and metadata, and, when
// removeData is set, the data inside its key range. A merge keeps the data:
// the range now belongs to the target region. A tombstone metadata record
// is kept so a late-arriving message cannot resurrect the region.
func (s *Store) DestroyRegion(r regionpkg.Region, removeData bool) error {
	b := s.db.NewBatch()
	defer b.Close()
	if err := b.DeleteRange(logPrefix(r.ID), raftStateKey(r.ID), nil); err != nil {
		return err
	}
	if err := b.Delete(raftStateKey(r.ID), nil); err != nil {
		return err
	}
	if err := b.Delete(applyStateKey(r.ID), nil); err != nil {
		return err
	}
	if removeData {
		start := DataKey(r.Range.Start)
		if len(r.Range.Start) == 0 {
			start = []byte{dataPrefix}
		}
		if err := b.DeleteRange(start, dataKeyUpperBound(r.Range.End), nil); err != nil {
			return err
		}
	}
	tomb := r.Clone()
	tomb.State = regionpkg.StateTombstone
	data, err := regionMetaValue(tomb)
	if err != nil {
		return err
	}
	if err := b.Set(regionMetaKey(r.ID), data, nil); err != nil {
		return err
	}
	return s.db.Apply(b, pebble.Sync)
}

// RangeSize estimates the total key/value bytes and key count inside a
// region's range; used by heartbeats and split checks.
func (s *Store) RangeSize(keyRange regionpkg.KeyRange) (size uint64, keys uint64, err error) {
	start := DataKey(keyRange.Start)
	if len(keyRange.Start) == 0 {
		start = []byte{dataPrefix}
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: dataKeyUpperBound(keyRange.End),
	})
	if err != nil {
		return 0, 0, err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		size += uint64(len(iter.Key()) + len(iter.Value()))
		keys++
	}
	return size, keys, iter.Error()
}

// SplitKey scans a region's range and returns the first key past target
// bytes, so a split there leaves a left child of roughly that size. A zero
// or oversized target divides the bytes in half. Returns nil when the
// region holds too little data to split.
func (s *Store) SplitKey(keyRange regionpkg.KeyRange, target uint64) ([]byte, error) {
	size, _, err := s.RangeSize(keyRange)
	if err != nil || size == 0 {
		return nil, err
	}
	if target == 0 || target >= size {
		target = size / 2
	}
	start := DataKey(keyRange.Start)
	if len(keyRange.Start) == 0 {
		start = []byte{dataPrefix}
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: dataKeyUpperBound(keyRange.End),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()
	var acc uint64
	for iter.First(); iter.Valid(); iter.Next() {
		acc += uint64(len(iter.Key()) + len(iter.Value()))
		if acc >= target {
			key := append([]byte(nil), UserKey(iter.Key())...)
			return key, iter.Error()
		}
	}
	return nil, iter.Error()
}

// Snapshot returns a consistent point-in-time read view of the engine.
// The caller must Close it.
func (s *Store) Snapshot() *Snapshot {
	return &Snapshot{snap: s.db.NewSnapshot()}
}

// Snapshot is a consistent engine view for building region snapshots
// without blocking writers.
type Snapshot struct {
	snap *pebble.Snapshot
}

// IterateRange walks data-plane keys inside the user key range in order.
func (s *Snapshot) IterateRange(keyRange regionpkg.KeyRange, fn func(key, value []byte) error) error {
	start := DataKey(keyRange.Start)
	if len(keyRange.Start) == 0 {
		start = []byte{dataPrefix}
	}
	iter, err := s.snap.NewIter(&pebble.IterOptions{
		LowerBound: start,
		UpperBound: dataKeyUpperBound(keyRange.End),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(UserKey(iter.Key()), iter.Value()); err != nil {
			return err
		}
	}
	return iter.Error()
}

func (s *Snapshot) Close() error { return s.snap.Close() }
