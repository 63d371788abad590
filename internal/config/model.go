package config

import (
	"fmt"
	"time"
)

// ServerConfig is the top-level node configuration.
type ServerConfig struct {
	StoreID   uint64          `yaml:"storeID"`
	DataDir   string          `yaml:"dataDir"`
	Address   string          `yaml:"address"`
	PDAddress string          `yaml:"pdAddress"`
	// Peers maps store ids to their raft transport addresses.
	Peers     map[uint64]string `yaml:"peers"`
	Metrics   MetricsConfig     `yaml:"metrics"`
	Raftstore RaftstoreConfig   `yaml:"raftstore"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// RaftstoreConfig holds every replication policy knob. All values are
// configurable rather than baked-in constants.
type RaftstoreConfig struct {
	// TickInterval is the base clock. Election and heartbeat timeouts are
	// multiples of it.
	TickInterval   time.Duration `yaml:"tickInterval"`
	ElectionTicks  int           `yaml:"electionTicks"`
	HeartbeatTicks int           `yaml:"heartbeatTicks"`

	MaxSizePerMsg   uint64 `yaml:"maxSizePerMsg"`
	MaxInflightMsgs int    `yaml:"maxInflightMsgs"`

	MailboxCapacity  int `yaml:"mailboxCapacity"`
	MessagesPerBatch int `yaml:"messagesPerBatch"`
	WorkerCount      int `yaml:"workerCount"`
	ApplyWorkerCount int `yaml:"applyWorkerCount"`

	ProposalTimeout time.Duration `yaml:"proposalTimeout"`
	LeaseDuration   time.Duration `yaml:"leaseDuration"`

	SnapshotWorkerCount  int           `yaml:"snapshotWorkerCount"`
	SnapshotRetryMax     int           `yaml:"snapshotRetryMax"`
	SnapshotRetryBackoff time.Duration `yaml:"snapshotRetryBackoff"`

	// LogGCCountLimit is how many applied entries may pile up before the
	// peer proposes a CompactLog.
	LogGCCountLimit uint64 `yaml:"logGCCountLimit"`

	RegionSplitSize uint64 `yaml:"regionSplitSize"`
	RegionMaxSize   uint64 `yaml:"regionMaxSize"`

	// HeartbeatInterval paces region and store heartbeats to the
	// placement service.
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
}

// DefaultRaftstore returns the tuning used when the file leaves fields
// unset.
func DefaultRaftstore() RaftstoreConfig {
	return RaftstoreConfig{
		TickInterval:         100 * time.Millisecond,
		ElectionTicks:        10,
		HeartbeatTicks:       2,
		MaxSizePerMsg:        1 << 20,
		MaxInflightMsgs:      256,
		MailboxCapacity:      1024,
		MessagesPerBatch:     128,
		WorkerCount:          4,
		ApplyWorkerCount:     2,
		ProposalTimeout:      10 * time.Second,
		LeaseDuration:        900 * time.Millisecond,
		SnapshotWorkerCount:  2,
		SnapshotRetryMax:     5,
		SnapshotRetryBackoff: time.Second,
		LogGCCountLimit:      4096,
		RegionSplitSize:      96 << 20,
		RegionMaxSize:        144 << 20,
		HeartbeatInterval:    10 * time.Second,
	}
}

func (c *RaftstoreConfig) withDefaults() {
	def := DefaultRaftstore()
	if c.TickInterval <= 0 {
		c.TickInterval = def.TickInterval
	}
	if c.ElectionTicks <= 0 {
		c.ElectionTicks = def.ElectionTicks
	}
	if c.HeartbeatTicks <= 0 {
		c.HeartbeatTicks = def.HeartbeatTicks
	}
	if c.MaxSizePerMsg == 0 {
		c.MaxSizePerMsg = def.MaxSizePerMsg
	}
	if c.MaxInflightMsgs <= 0 {
		c.MaxInflightMsgs = def.MaxInflightMsgs
	}
	if c.MailboxCapacity <= 0 {
		c.MailboxCapacity = def.MailboxCapacity
	}
	if c.MessagesPerBatch <= 0 {
		c.MessagesPerBatch = def.MessagesPerBatch
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = def.WorkerCount
	}
	if c.ApplyWorkerCount <= 0 {
		c.ApplyWorkerCount = def.ApplyWorkerCount
	}
	if c.ProposalTimeout <= 0 {
		c.ProposalTimeout = def.ProposalTimeout
	}
	if c.LeaseDuration <= 0 {
		// The lease must expire before a partitioned leader could be
		// replaced, so it stays under electionTicks * tickInterval.
		c.LeaseDuration = time.Duration(c.ElectionTicks-1) * c.TickInterval
	}
	if c.SnapshotWorkerCount <= 0 {
		c.SnapshotWorkerCount = def.SnapshotWorkerCount
	}
	if c.SnapshotRetryMax <= 0 {
		c.SnapshotRetryMax = def.SnapshotRetryMax
	}
	if c.SnapshotRetryBackoff <= 0 {
		c.SnapshotRetryBackoff = def.SnapshotRetryBackoff
	}
	if c.LogGCCountLimit == 0 {
		c.LogGCCountLimit = def.LogGCCountLimit
	}
	if c.RegionSplitSize == 0 {
		c.RegionSplitSize = def.RegionSplitSize
	}
	if c.RegionMaxSize == 0 {
		c.RegionMaxSize = def.RegionMaxSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = def.HeartbeatInterval
	}
}

// Validate applies defaults and rejects inconsistent settings.
func (c *ServerConfig) Validate() error {
	if c.StoreID == 0 {
		return fmt.Errorf("config: storeID must be set")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: dataDir must be set")
	}
	c.Raftstore.withDefaults()
	if c.Raftstore.ElectionTicks <= c.Raftstore.HeartbeatTicks {
		return fmt.Errorf("config: electionTicks %d must exceed heartbeatTicks %d",
			c.Raftstore.ElectionTicks, c.Raftstore.HeartbeatTicks)
	}
	if c.Raftstore.LeaseDuration >= time.Duration(c.Raftstore.ElectionTicks)*c.Raftstore.TickInterval {
		return fmt.Errorf("config: leaseDuration %s must stay under the election timeout",
			c.Raftstore.LeaseDuration)
	}
	if c.Raftstore.RegionSplitSize > c.Raftstore.RegionMaxSize {
		return fmt.Errorf("config: regionSplitSize exceeds regionMaxSize")
	}
	return nil
}
