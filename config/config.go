package config

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Config represents the node configuration
type Config struct {
	// Identity
	ReplicaID string `json:"replica_id" yaml:"replica_id"` // empty: reuse the stored ID or generate one
	BotID     string `json:"bot_id" yaml:"bot_id"`

	// Data storage settings
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// Shared world settings
	Prefix       string        `json:"prefix" yaml:"prefix"`
	PartySize    int           `json:"party_size" yaml:"party_size"`
	TickInterval time.Duration `json:"tick_interval" yaml:"tick_interval"`

	// Peer transport settings
	PeerAddr          string        `json:"peer_addr" yaml:"peer_addr"`
	Seeds             []string      `json:"seeds" yaml:"seeds"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	PeerTimeout       time.Duration `json:"peer_timeout" yaml:"peer_timeout"`
	MaxRetries        int           `json:"max_retries" yaml:"max_retries"`
	RetryInterval     time.Duration `json:"retry_interval" yaml:"retry_interval"`
	GossipFanOut      int           `json:"gossip_fan_out" yaml:"gossip_fan_out"`
	GossipInterval    time.Duration `json:"gossip_interval" yaml:"gossip_interval"`

	// Redis relay settings, disabled when RelayAddr is empty
	RelayAddr     string `json:"relay_addr" yaml:"relay_addr"`
	RelayPassword string `json:"relay_password" yaml:"relay_password"`
	RelayDB       int    `json:"relay_db" yaml:"relay_db"`
	RelayChannel  string `json:"relay_channel" yaml:"relay_channel"`

	// HTTP anti-entropy settings, disabled when SyncAddr is empty
	SyncAddr     string        `json:"sync_addr" yaml:"sync_addr"`
	SyncPeers    []string      `json:"sync_peers" yaml:"sync_peers"`
	SyncInterval time.Duration `json:"sync_interval" yaml:"sync_interval"`

	// Admin and metrics endpoints, disabled when empty
	AdminAddr   string `json:"admin_addr" yaml:"admin_addr"`
	MetricsAddr string `json:"metrics_addr" yaml:"metrics_addr"`

	// Logging settings
	LogLevel  string `json:"log_level" yaml:"log_level"`
	LogFormat string `json:"log_format" yaml:"log_format"` // "json", "text"
}

var (
	validLevels  = []string{"debug", "info", "warn", "error"}
	validFormats = []string{"text", "json"}
)

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "localhost"
	}

	return &Config{
		BotID: fmt.Sprintf("%s-%d", hostname, os.Getpid()),

		DataDir: "./data",

		Prefix:       "swarm/",
		PartySize:    4,
		TickInterval: time.Second,

		PeerAddr:          ":7946",
		Seeds:             []string{},
		HeartbeatInterval: time.Second,
		PeerTimeout:       5 * time.Second,
		MaxRetries:        3,
		RetryInterval:     time.Second,
		GossipFanOut:      3,
		GossipInterval:    time.Second,

		RelayChannel: "crdt-swarm:snapshots",

		SyncPeers:    []string{},
		SyncInterval: 5 * time.Second,

		AdminAddr:   "127.0.0.1:6380",
		MetricsAddr: ":9090",

		LogLevel:  "info",
		LogFormat: "text",
	}
}

// LoadFromFile loads configuration from a JSON or YAML file on top of the
// defaults.
func LoadFromFile(filename string) (*Config, error) {
	config := DefaultConfig()

	if filename == "" {
		return config, nil
	}

	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(content, config); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		if err := json.Unmarshal(content, config); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	}

	return config, nil
}

// LoadFromEnv overrides config with CRDT_* environment variables
func LoadFromEnv(config *Config) error {
	strs := map[string]*string{
		"CRDT_REPLICA_ID":    &config.ReplicaID,
		"CRDT_BOT_ID":        &config.BotID,
		"CRDT_DATA_DIR":      &config.DataDir,
		"CRDT_PREFIX":        &config.Prefix,
		"CRDT_PEER_ADDR":     &config.PeerAddr,
		"CRDT_RELAY_ADDR":    &config.RelayAddr,
		"CRDT_RELAY_CHANNEL": &config.RelayChannel,
		"CRDT_SYNC_ADDR":     &config.SyncAddr,
		"CRDT_ADMIN_ADDR":    &config.AdminAddr,
		"CRDT_METRICS_ADDR":  &config.MetricsAddr,
		"CRDT_LOG_LEVEL":     &config.LogLevel,
		"CRDT_LOG_FORMAT":    &config.LogFormat,
	}
	for name, dst := range strs {
		if val, ok := os.LookupEnv(name); ok {
			*dst = val
		}
	}

	lists := map[string]*[]string{
		"CRDT_SEEDS":      &config.Seeds,
		"CRDT_SYNC_PEERS": &config.SyncPeers,
	}
	for name, dst := range lists {
		if val := os.Getenv(name); val != "" {
			*dst = splitList(val)
		}
	}

	ints := map[string]*int{
		"CRDT_PARTY_SIZE": &config.PartySize,
		"CRDT_RELAY_DB":   &config.RelayDB,
	}
	for name, dst := range ints {
		if val := os.Getenv(name); val != "" {
			n, err := strconv.Atoi(val)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"CRDT_TICK_INTERVAL":   &config.TickInterval,
		"CRDT_GOSSIP_INTERVAL": &config.GossipInterval,
		"CRDT_SYNC_INTERVAL":   &config.SyncInterval,
	}
	for name, dst := range durations {
		if val := os.Getenv(name); val != "" {
			d, err := time.ParseDuration(val)
			if err != nil {
				return fmt.Errorf("invalid %s: %w", name, err)
			}
			*dst = d
		}
	}
	return nil
}

func splitList(val string) []string {
	var out []string
	for _, s := range strings.Split(val, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// SaveToFile saves the configuration as YAML or JSON depending on the
// extension of filename.
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	var (
		content []byte
		err     error
	)
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		content, err = yaml.Marshal(c)
	default:
		content, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.BotID == "" {
		return fmt.Errorf("bot ID cannot be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data directory cannot be empty")
	}
	if c.PartySize <= 0 {
		return fmt.Errorf("party size must be positive")
	}
	if c.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive")
	}
	if c.PeerAddr == "" {
		return fmt.Errorf("peer address cannot be empty")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat interval must be positive")
	}
	if c.PeerTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("peer timeout %s must exceed heartbeat interval %s", c.PeerTimeout, c.HeartbeatInterval)
	}
	if c.GossipFanOut <= 0 || c.GossipInterval <= 0 {
		return fmt.Errorf("gossip fan-out and interval must be positive")
	}
	if c.RelayDB < 0 || c.RelayDB > 15 {
		return fmt.Errorf("invalid relay DB: %d (must be 0-15)", c.RelayDB)
	}
	if c.RelayAddr != "" && c.RelayChannel == "" {
		return fmt.Errorf("relay channel cannot be empty")
	}
	if c.SyncAddr != "" && c.SyncInterval <= 0 {
		return fmt.Errorf("sync interval must be positive")
	}
	if !slices.Contains(validLevels, c.LogLevel) {
		return fmt.Errorf("invalid log level: %s (valid: %v)", c.LogLevel, validLevels)
	}
	if !slices.Contains(validFormats, c.LogFormat) {
		return fmt.Errorf("invalid log format: %s (valid: %v)", c.LogFormat, validFormats)
	}
	return nil
}

// ResolveReplicaID picks the replica ID to run with: the configured one,
// else the stored one, else a new UUID. generated reports the last case so
// the caller can persist it.
func (c *Config) ResolveReplicaID(stored string) (id string, generated bool) {
	switch {
	case c.ReplicaID != "":
		return c.ReplicaID, false
	case stored != "":
		return stored, false
	default:
		return uuid.NewString(), true
	}
}

// StorePath returns the path of the snapshot database
func (c *Config) StorePath() string {
	return filepath.Join(c.DataDir, "swarm.db")
}

// NewLogger builds a logger writing to w at the configured level and format
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if c.LogFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler).With("bot_id", c.BotID)
}

// String returns a string representation of the config
func (c *Config) String() string {
	redacted := *c
	if redacted.RelayPassword != "" {
		redacted.RelayPassword = "***"
	}
	content, _ := json.MarshalIndent(&redacted, "", "  ")
	return string(content)
}
