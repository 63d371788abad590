package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadServerConfig(t *testing.T) {
	path := writeConfig(t, `
storeID: 7
dataDir: /tmp/store7
address: 127.0.0.1:20160
pdAddress: 127.0.0.1:2379
peers:
  7: 127.0.0.1:20160
  8: 127.0.0.1:20161
raftstore:
  tickInterval: 50ms
  electionTicks: 12
  leaseDuration: 400ms
`)
	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)
	require.Equal(t, uint64(7), cfg.StoreID)
	require.Equal(t, "127.0.0.1:20161", cfg.Peers[8])
	require.Equal(t, 50*time.Millisecond, cfg.Raftstore.TickInterval)
	require.Equal(t, 12, cfg.Raftstore.ElectionTicks)
	require.Equal(t, 400*time.Millisecond, cfg.Raftstore.LeaseDuration)

	// Unset knobs pick up defaults.
	require.Equal(t, DefaultRaftstore().MailboxCapacity, cfg.Raftstore.MailboxCapacity)
	require.Equal(t, DefaultRaftstore().ProposalTimeout, cfg.Raftstore.ProposalTimeout)
}

func TestLoadServerConfigRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
storeID: 1
dataDir: /tmp/store1
raftstore:
  tickInterval: fast
`)
	_, err := LoadServerConfig(path)
	require.Error(t, err)
}

func TestValidateRejectsLongLease(t *testing.T) {
	cfg := &ServerConfig{StoreID: 1, DataDir: "/tmp/s"}
	cfg.Raftstore = DefaultRaftstore()
	// A lease outliving the election timeout would let a deposed leader
	// serve stale lease reads.
	cfg.Raftstore.LeaseDuration = time.Duration(cfg.Raftstore.ElectionTicks) * cfg.Raftstore.TickInterval
	require.Error(t, cfg.Validate())
}

func TestValidateRequiresIdentity(t *testing.T) {
	cfg := &ServerConfig{DataDir: "/tmp/s"}
	require.Error(t, cfg.Validate())
	cfg = &ServerConfig{StoreID: 3}
	require.Error(t, cfg.Validate())
}
