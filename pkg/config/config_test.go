package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Snapshot.Retain)
	assert.False(t, cfg.Recovery.DisasterRecovery)
	assert.False(t, cfg.IsClustered())
	assert.Equal(t, SerializationCBOR, cfg.Messaging.Codec)
}

func TestLoadConfig(t *testing.T) {
	configContent := `
node:
  id: "node-a"
  port: 9000
  peers:
    - "node-b@10.0.0.2:9000"
    - "node-c@10.0.0.3:9000"

paths:
  local_home: "/var/indexsync/home"
  shared_home: "/mnt/shared"

recovery:
  disaster_recovery: true

snapshot:
  retain: 5

replication:
  replay_interval: "2s"

storage:
  type: "memory"

messaging:
  codec: "msgpack"

logging:
  level: "debug"
  format: "text"
`

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(configContent), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "node-a", cfg.Node.ID)
	assert.Equal(t, 9000, cfg.Node.Port)
	assert.Len(t, cfg.Node.Peers, 2)
	assert.True(t, cfg.IsClustered())
	assert.True(t, cfg.Recovery.DisasterRecovery)
	assert.Equal(t, 5, cfg.Snapshot.Retain)
	assert.Equal(t, 2*time.Second, cfg.Replication.ReplayInterval)
	assert.Equal(t, StorageMemory, cfg.Storage.Type)
	assert.Equal(t, SerializationMsgPack, cfg.Messaging.Codec)

	assert.Equal(t, filepath.Join("/var/indexsync/home", "import", "indexsnapshots"), cfg.ImportSnapshotDir())
	assert.Equal(t, filepath.Join("/var/indexsync/home", "old", "indexsnapshots"), cfg.ArchiveSnapshotDir())
	assert.Equal(t, filepath.Join("/mnt/shared", "caches"), cfg.SharedCacheDir())
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	t.Setenv("INDEXSYNC_NODE_ID", "from-env")
	t.Setenv("INDEXSYNC_RECOVERY_DISASTER_RECOVERY", "true")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  type: \"memory\"\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Node.ID)
	assert.True(t, cfg.Recovery.DisasterRecovery)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty node id", func(c *Config) { c.Node.ID = "" }},
		{"bad port", func(c *Config) { c.Node.Port = 70000 }},
		{"bad peer", func(c *Config) { c.Node.Peers = []string{"node-b"} }},
		{"zero retain", func(c *Config) { c.Snapshot.Retain = 0 }},
		{"unknown storage", func(c *Config) { c.Storage.Type = "cassandra" }},
		{"empty redis", func(c *Config) { c.Storage.Type = StorageRedis; c.Storage.Redis.Addresses = nil }},
		{"unknown codec", func(c *Config) { c.Messaging.Codec = "avro" }},
		{"ttl below interval", func(c *Config) { c.Replication.HeartbeatTTL = time.Second }},
		{"bad log level", func(c *Config) { c.Logging.Level = "trace" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestParsePeer(t *testing.T) {
	id, host, port, err := ParsePeer("node-b@10.0.0.2:9000")
	require.NoError(t, err)
	assert.Equal(t, "node-b", id)
	assert.Equal(t, "10.0.0.2", host)
	assert.Equal(t, 9000, port)

	_, _, _, err = ParsePeer("@host:1")
	assert.Error(t, err)
	_, _, _, err = ParsePeer("node@host")
	assert.Error(t, err)
	_, _, _, err = ParsePeer("node@host:abc")
	assert.Error(t, err)
}
