package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadServerConfig reads and validates a yaml config file.
func LoadServerConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// duration decodes yaml values like "100ms" or "10s".
type duration time.Duration

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: bad duration %q: %w", s, err)
	}
	*d = duration(v)
	return nil
}

// UnmarshalYAML maps duration strings onto the time fields.
func (c *RaftstoreConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		TickInterval         duration `yaml:"tickInterval"`
		ElectionTicks        int      `yaml:"electionTicks"`
		HeartbeatTicks       int      `yaml:"heartbeatTicks"`
		MaxSizePerMsg        uint64   `yaml:"maxSizePerMsg"`
		MaxInflightMsgs      int      `yaml:"maxInflightMsgs"`
		MailboxCapacity      int      `yaml:"mailboxCapacity"`
		MessagesPerBatch     int      `yaml:"messagesPerBatch"`
		WorkerCount          int      `yaml:"workerCount"`
		ApplyWorkerCount     int      `yaml:"applyWorkerCount"`
		ProposalTimeout      duration `yaml:"proposalTimeout"`
		LeaseDuration        duration `yaml:"leaseDuration"`
		SnapshotWorkerCount  int      `yaml:"snapshotWorkerCount"`
		SnapshotRetryMax     int      `yaml:"snapshotRetryMax"`
		SnapshotRetryBackoff duration `yaml:"snapshotRetryBackoff"`
		LogGCCountLimit      uint64   `yaml:"logGCCountLimit"`
		RegionSplitSize      uint64   `yaml:"regionSplitSize"`
		RegionMaxSize        uint64   `yaml:"regionMaxSize"`
		HeartbeatInterval    duration `yaml:"heartbeatInterval"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	*c = RaftstoreConfig{
		TickInterval:         time.Duration(raw.TickInterval),
		ElectionTicks:        raw.ElectionTicks,
		HeartbeatTicks:       raw.HeartbeatTicks,
		MaxSizePerMsg:        raw.MaxSizePerMsg,
		MaxInflightMsgs:      raw.MaxInflightMsgs,
		MailboxCapacity:      raw.MailboxCapacity,
		MessagesPerBatch:     raw.MessagesPerBatch,
		WorkerCount:          raw.WorkerCount,
		ApplyWorkerCount:     raw.ApplyWorkerCount,
		ProposalTimeout:      time.Duration(raw.ProposalTimeout),
		LeaseDuration:        time.Duration(raw.LeaseDuration),
		SnapshotWorkerCount:  raw.SnapshotWorkerCount,
		SnapshotRetryMax:     raw.SnapshotRetryMax,
		SnapshotRetryBackoff: time.Duration(raw.SnapshotRetryBackoff),
		LogGCCountLimit:      raw.LogGCCountLimit,
		RegionSplitSize:      raw.RegionSplitSize,
		RegionMaxSize:        raw.RegionMaxSize,
		HeartbeatInterval:    time.Duration(raw.HeartbeatInterval),
	}
	return nil
}
