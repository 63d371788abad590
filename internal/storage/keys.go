package storage

import (
	"encoding/binary"

	regionpkg "github.com/Shylock-Hg/tikv/internal/region"
)

// Key layout. Region-local records live under a per-region prefix so one
// pebble instance serves the logs and states of every region on the store;
// user data shares a single ordered keyspace so region splits and merges
// are metadata-only operations.
//
//	0x01 <region_id> 0x01 <index>  raft log entry
//	0x01 <region_id> 0x02          raft local state (hard state + last index)
//	0x01 <region_id> 0x03          apply state
//	0x01 <region_id> 0x04          region metadata
//	0x02 <user_key>                user data
const (
	localPrefix = 0x01
	dataPrefix  = 0x02

	logSuffix        = 0x01
	raftStateSuffix  = 0x02
	applyStateSuffix = 0x03
	regionMetaSuffix = 0x04
)

func regionPrefix(id regionpkg.ID) []byte {
	buf := make([]byte, 9)
	buf[0] = localPrefix
	binary.BigEndian.PutUint64(buf[1:], uint64(id))
	return buf
}

func logKey(id regionpkg.ID, index uint64) []byte {
	buf := make([]byte, 18)
	buf[0] = localPrefix
	binary.BigEndian.PutUint64(buf[1:], uint64(id))
	buf[9] = logSuffix
	binary.BigEndian.PutUint64(buf[10:], index)
	return buf
}

func logPrefix(id regionpkg.ID) []byte {
	return append(regionPrefix(id), logSuffix)
}

func raftStateKey(id regionpkg.ID) []byte {
	return append(regionPrefix(id), raftStateSuffix)
}

func applyStateKey(id regionpkg.ID) []byte {
	return append(regionPrefix(id), applyStateSuffix)
}

func regionMetaKey(id regionpkg.ID) []byte {
	return append(regionPrefix(id), regionMetaSuffix)
}

// DataKey maps a user key into the data keyspace.
func DataKey(key []byte) []byte {
	return append([]byte{dataPrefix}, key...)
}

// UserKey strips the data keyspace prefix.
func UserKey(dataKey []byte) []byte {
	return dataKey[1:]
}

// dataKeyUpperBound returns the exclusive pebble bound for a user-range end
// key; an empty end key means the end of the data keyspace.
func dataKeyUpperBound(end []byte) []byte {
	if len(end) == 0 {
		return []byte{dataPrefix + 1}
	}
	return DataKey(end)
}

func logIndexFromKey(key []byte) uint64 {
	return binary.BigEndian.Uint64(key[10:])
}
