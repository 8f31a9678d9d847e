package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()

	assert.Empty(t, cfg.ReplicaID)
	assert.NotEmpty(t, cfg.BotID)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, "swarm/", cfg.Prefix)
	assert.Equal(t, time.Second, cfg.TickInterval)
	assert.Equal(t, 3, cfg.GossipFanOut)
	assert.Equal(t, "crdt-swarm:snapshots", cfg.RelayChannel)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, filepath.Join("data", "swarm.db"), cfg.StorePath())
	require.NoError(t, cfg.Validate())
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"empty bot id", func(c *Config) { c.BotID = "" }},
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"zero party size", func(c *Config) { c.PartySize = 0 }},
		{"zero tick interval", func(c *Config) { c.TickInterval = 0 }},
		{"empty peer addr", func(c *Config) { c.PeerAddr = "" }},
		{"timeout below heartbeat", func(c *Config) { c.PeerTimeout = c.HeartbeatInterval }},
		{"zero fan-out", func(c *Config) { c.GossipFanOut = 0 }},
		{"relay db out of range", func(c *Config) { c.RelayDB = 16 }},
		{"relay without channel", func(c *Config) { c.RelayAddr = "localhost:6379"; c.RelayChannel = "" }},
		{"sync without interval", func(c *Config) { c.SyncAddr = ":8080"; c.SyncInterval = 0 }},
		{"invalid log level", func(c *Config) { c.LogLevel = "verbose" }},
		{"invalid log format", func(c *Config) { c.LogFormat = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestConfigSaveLoad(t *testing.T) {
	for _, name := range []string{"config.json", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)

			original := DefaultConfig()
			original.ReplicaID = "test-replica"
			original.LogLevel = "debug"
			original.Seeds = []string{"10.0.0.1:7946", "10.0.0.2:7946"}
			original.GossipInterval = 250 * time.Millisecond
			require.NoError(t, original.SaveToFile(path))

			loaded, err := LoadFromFile(path)
			require.NoError(t, err)
			assert.Equal(t, original, loaded)
		})
	}
}

func TestConfigLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
bot_id: scout-1
seeds:
  - 10.0.0.1:7946
tick_interval: 2s
relay_addr: redis:6379
`), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "scout-1", cfg.BotID)
	assert.Equal(t, []string{"10.0.0.1:7946"}, cfg.Seeds)
	assert.Equal(t, 2*time.Second, cfg.TickInterval)
	assert.Equal(t, "redis:6379", cfg.RelayAddr)
	// Unset keys keep their defaults.
	assert.Equal(t, 3, cfg.GossipFanOut)
}

func TestConfigEnvironmentVariables(t *testing.T) {
	t.Setenv("CRDT_REPLICA_ID", "env-replica")
	t.Setenv("CRDT_LOG_LEVEL", "debug")
	t.Setenv("CRDT_SEEDS", "10.0.0.1:7946, 10.0.0.2:7946,")
	t.Setenv("CRDT_PARTY_SIZE", "6")
	t.Setenv("CRDT_TICK_INTERVAL", "500ms")

	cfg := DefaultConfig()
	require.NoError(t, LoadFromEnv(cfg))

	assert.Equal(t, "env-replica", cfg.ReplicaID)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, []string{"10.0.0.1:7946", "10.0.0.2:7946"}, cfg.Seeds)
	assert.Equal(t, 6, cfg.PartySize)
	assert.Equal(t, 500*time.Millisecond, cfg.TickInterval)
}

func TestConfigEnvironmentErrors(t *testing.T) {
	t.Setenv("CRDT_PARTY_SIZE", "many")
	assert.ErrorContains(t, LoadFromEnv(DefaultConfig()), "CRDT_PARTY_SIZE")

	t.Setenv("CRDT_PARTY_SIZE", "")
	t.Setenv("CRDT_SYNC_INTERVAL", "soon")
	assert.ErrorContains(t, LoadFromEnv(DefaultConfig()), "CRDT_SYNC_INTERVAL")
}

func TestConfigNonExistentFile(t *testing.T) {
	_, err := LoadFromFile("/non/existent/file.json")
	assert.Error(t, err)
}

func TestResolveReplicaID(t *testing.T) {
	cfg := DefaultConfig()

	id, generated := cfg.ResolveReplicaID("stored")
	assert.Equal(t, "stored", id)
	assert.False(t, generated)

	id, generated = cfg.ResolveReplicaID("")
	assert.True(t, generated)
	_, err := uuid.Parse(id)
	assert.NoError(t, err)

	cfg.ReplicaID = "configured"
	id, generated = cfg.ResolveReplicaID("stored")
	assert.Equal(t, "configured", id)
	assert.False(t, generated)
}

func TestNewLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BotID = "scout-1"
	cfg.LogFormat = "json"
	cfg.LogLevel = "warn"

	var buf bytes.Buffer
	logger := cfg.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"bot_id":"scout-1"`)
}

func TestConfigString(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ReplicaID = "test-string"
	cfg.RelayPassword = "secret"

	str := cfg.String()
	assert.True(t, strings.Contains(str, "test-string"))
	assert.NotContains(t, str, "secret")
	assert.Equal(t, "secret", cfg.RelayPassword)
}
