package raftstore

import (
	"encoding/json"
	"fmt"

	regionpkg "github.com/Shylock-Hg/tikv/internal/region"
)

// OpType describes a data-plane mutation carried in a replicated command.
type OpType int8

const (
	OpPut OpType = iota
	OpDelete
)

// Operation is a single key mutation.
type Operation struct {
	Key   []byte `json:"key"`
	Value []byte `json:"value,omitempty"`
	Type  OpType `json:"type"`
}

// AdminCmdType enumerates the region lifecycle commands that go through the
// log like any other proposal.
type AdminCmdType int8

const (
	AdminNone AdminCmdType = iota
	AdminSplit
	AdminPrepareMerge
	AdminCommitMerge
	AdminRollbackMerge
	AdminCompactLog
)

// SplitRequest splits the region at the given keys. Each key starts a new
// right-hand region; NewRegionIDs and NewPeerIDs are pre-allocated by the
// placement service so every store derives identical children.
type SplitRequest struct {
	SplitKeys    [][]byte   `json:"split_keys"`
	NewRegionIDs []uint64   `json:"new_region_ids"`
	NewPeerIDs   [][]uint64 `json:"new_peer_ids"`
}

// PrepareMergeRequest marks the source region as merging and records the
// target it will fold into.
type PrepareMergeRequest struct {
	Target regionpkg.Region `json:"target"`
}

// CommitMergeRequest, applied on the target, absorbs the source region's
// range.
type CommitMergeRequest struct {
	Source regionpkg.Region `json:"source"`
}

// CompactLogRequest advances the log truncation point.
type CompactLogRequest struct {
	CompactIndex uint64 `json:"compact_index"`
	CompactTerm  uint64 `json:"compact_term"`
}

// AdminRequest is the union of lifecycle commands.
type AdminRequest struct {
	Type          AdminCmdType         `json:"type"`
	Split         *SplitRequest        `json:"split,omitempty"`
	PrepareMerge  *PrepareMergeRequest `json:"prepare_merge,omitempty"`
	CommitMerge   *CommitMergeRequest  `json:"commit_merge,omitempty"`
	RollbackMerge bool                 `json:"rollback_merge,omitempty"`
	CompactLog    *CompactLogRequest   `json:"compact_log,omitempty"`
}

// Command is the unit replicated through the raft log. Exactly one of
// Operations and Admin is set. The header epoch is validated again at apply
// time so a command that raced a split or conf change never lands.
type Command struct {
	RegionID regionpkg.ID    `json:"region_id"`
	Epoch    regionpkg.Epoch `json:"epoch"`

	Operations []Operation   `json:"operations,omitempty"`
	Admin      *AdminRequest `json:"admin,omitempty"`
}

// IsAdmin reports whether the command is a lifecycle command.
func (c *Command) IsAdmin() bool { return c.Admin != nil && c.Admin.Type != AdminNone }

// Marshal serialises the command for the log.
func (c *Command) Marshal() ([]byte, error) {
	if c == nil {
		return nil, fmt.Errorf("nil command")
	}
	return json.Marshal(c)
}

// UnmarshalCommand deserialises command bytes from a log entry.
func UnmarshalCommand(data []byte) (*Command, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty command payload")
	}
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}
