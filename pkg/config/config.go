package config

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// StorageType selects the backend for the operation log and node counters
type StorageType string

const (
	StorageMemory StorageType = "memory"
	StorageSQLite StorageType = "sqlite"
	StorageRedis  StorageType = "redis"
)

// SerializationType defines the cluster message envelope format
type SerializationType string

const (
	SerializationJSON    SerializationType = "json"
	SerializationCBOR    SerializationType = "cbor"
	SerializationMsgPack SerializationType = "msgpack"
)

// NodeConfig identifies this node and its statically known peers
type NodeConfig struct {
	ID    string   `mapstructure:"id" yaml:"id" json:"id"`
	Host  string   `mapstructure:"host" yaml:"host" json:"host"`
	Port  int      `mapstructure:"port" yaml:"port" json:"port"`
	Peers []string `mapstructure:"peers" yaml:"peers" json:"peers"` // "id@host:port"
}

// PathsConfig holds the node-local and cluster-shared home directories
type PathsConfig struct {
	LocalHome  string `mapstructure:"local_home" yaml:"local_home" json:"local_home"`
	SharedHome string `mapstructure:"shared_home" yaml:"shared_home" json:"shared_home"`
}

// RecoveryConfig holds the persisted disaster recovery flag
type RecoveryConfig struct {
	DisasterRecovery bool `mapstructure:"disaster_recovery" yaml:"disaster_recovery" json:"disaster_recovery"`
}

// SnapshotConfig holds snapshot retention settings
type SnapshotConfig struct {
	Retain int `mapstructure:"retain" yaml:"retain" json:"retain"`
}

// ReplicationConfig holds replay and heartbeat timing
type ReplicationConfig struct {
	ReplayInterval    time.Duration `mapstructure:"replay_interval" yaml:"replay_interval" json:"replay_interval"`
	BatchSize         int           `mapstructure:"batch_size" yaml:"batch_size" json:"batch_size"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval" json:"heartbeat_interval"`
	HeartbeatTTL      time.Duration `mapstructure:"heartbeat_ttl" yaml:"heartbeat_ttl" json:"heartbeat_ttl"`
}

// SQLiteConfig holds SQLite entity store settings
type SQLiteConfig struct {
	Path string `mapstructure:"path" yaml:"path" json:"path"`
}

// RedisConfig holds Redis-specific settings
type RedisConfig struct {
	Addresses []string `mapstructure:"addresses" yaml:"addresses" json:"addresses"`
	Password  string   `mapstructure:"password" yaml:"password" json:"password"`
	DB        int      `mapstructure:"db" yaml:"db" json:"db"`
	KeyPrefix string   `mapstructure:"key_prefix" yaml:"key_prefix" json:"key_prefix"`
}

// StorageConfig holds storage settings
type StorageConfig struct {
	Type         StorageType   `mapstructure:"type" yaml:"type" json:"type"`
	SQLite       SQLiteConfig  `mapstructure:"sqlite" yaml:"sqlite" json:"sqlite"`
	Redis        RedisConfig   `mapstructure:"redis" yaml:"redis" json:"redis"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" yaml:"dial_timeout" json:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout" json:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout" json:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size" yaml:"pool_size" json:"pool_size"`
}

// MessagingConfig holds inter-node messaging settings
type MessagingConfig struct {
	Codec       SerializationType `mapstructure:"codec" yaml:"codec" json:"codec"`
	SendTimeout time.Duration     `mapstructure:"send_timeout" yaml:"send_timeout" json:"send_timeout"`
	QueueSize   int               `mapstructure:"queue_size" yaml:"queue_size" json:"queue_size"`
}

// MonitoringConfig holds monitoring and admin API settings
type MonitoringConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	MetricsPath string `mapstructure:"metrics_path" yaml:"metrics_path" json:"metrics_path"`
	AdminPort   int    `mapstructure:"admin_port" yaml:"admin_port" json:"admin_port"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" json:"level"`
	Format string `mapstructure:"format" yaml:"format" json:"format"`
	Output string `mapstructure:"output" yaml:"output" json:"output"`
}

// Config represents the main configuration structure
type Config struct {
	Node        NodeConfig        `mapstructure:"node" yaml:"node" json:"node"`
	Paths       PathsConfig       `mapstructure:"paths" yaml:"paths" json:"paths"`
	Recovery    RecoveryConfig    `mapstructure:"recovery" yaml:"recovery" json:"recovery"`
	Snapshot    SnapshotConfig    `mapstructure:"snapshot" yaml:"snapshot" json:"snapshot"`
	Replication ReplicationConfig `mapstructure:"replication" yaml:"replication" json:"replication"`
	Storage     StorageConfig     `mapstructure:"storage" yaml:"storage" json:"storage"`
	Messaging   MessagingConfig   `mapstructure:"messaging" yaml:"messaging" json:"messaging"`
	Monitoring  MonitoringConfig  `mapstructure:"monitoring" yaml:"monitoring" json:"monitoring"`
	Logging     LoggingConfig     `mapstructure:"logging" yaml:"logging" json:"logging"`
}

// DefaultConfig returns a configuration for a single standalone node
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			ID:   "node1",
			Host: "127.0.0.1",
			Port: 7070,
		},
		Paths: PathsConfig{
			LocalHome:  "./data/home",
			SharedHome: "./data/shared",
		},
		Snapshot: SnapshotConfig{
			Retain: 3,
		},
		Replication: ReplicationConfig{
			ReplayInterval:    5 * time.Second,
			BatchSize:         500,
			HeartbeatInterval: 5 * time.Second,
			HeartbeatTTL:      30 * time.Second,
		},
		Storage: StorageConfig{
			Type: StorageSQLite,
			SQLite: SQLiteConfig{
				Path: "./data/shared/indexsync.db",
			},
			Redis: RedisConfig{
				Addresses: []string{"localhost:6379"},
				KeyPrefix: "indexsync",
			},
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
			PoolSize:     20,
		},
		Messaging: MessagingConfig{
			Codec:       SerializationCBOR,
			SendTimeout: 5 * time.Second,
			QueueSize:   256,
		},
		Monitoring: MonitoringConfig{
			Enabled:     true,
			MetricsPath: "/metrics",
			AdminPort:   7071,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// LoadConfig loads configuration from file and INDEXSYNC_* environment variables
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	config := DefaultConfig()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/indexsync")
	}

	v.SetEnvPrefix("INDEXSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// AutomaticEnv only resolves keys viper already knows about, so keys that
// may be absent from the file are bound explicitly.
func bindEnvKeys(v *viper.Viper) {
	for _, key := range []string{
		"node.id", "node.host", "node.port", "node.peers",
		"paths.local_home", "paths.shared_home",
		"recovery.disaster_recovery",
		"snapshot.retain",
		"replication.replay_interval", "replication.batch_size",
		"storage.type", "storage.sqlite.path", "storage.redis.addresses", "storage.redis.password",
		"messaging.codec",
		"logging.level", "logging.format",
	} {
		_ = v.BindEnv(key)
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Node.ID) == "" {
		return fmt.Errorf("node id cannot be empty")
	}

	if c.Node.Port <= 0 || c.Node.Port > 65535 {
		return fmt.Errorf("invalid node port: %d", c.Node.Port)
	}

	for _, peer := range c.Node.Peers {
		if _, _, _, err := ParsePeer(peer); err != nil {
			return err
		}
	}

	if c.Paths.LocalHome == "" || c.Paths.SharedHome == "" {
		return fmt.Errorf("local_home and shared_home must be set")
	}

	if c.Snapshot.Retain < 1 {
		return fmt.Errorf("snapshot retain must be at least 1, got %d", c.Snapshot.Retain)
	}

	if c.Replication.ReplayInterval <= 0 || c.Replication.HeartbeatInterval <= 0 {
		return fmt.Errorf("replication intervals must be positive")
	}

	if c.Replication.HeartbeatTTL < c.Replication.HeartbeatInterval {
		return fmt.Errorf("heartbeat ttl must not be shorter than the heartbeat interval")
	}

	switch c.Storage.Type {
	case StorageMemory:
	case StorageSQLite:
		if c.Storage.SQLite.Path == "" {
			return fmt.Errorf("sqlite path cannot be empty")
		}
	case StorageRedis:
		if len(c.Storage.Redis.Addresses) == 0 {
			return fmt.Errorf("redis addresses cannot be empty")
		}
	default:
		return fmt.Errorf("invalid storage type: %s", c.Storage.Type)
	}

	switch c.Messaging.Codec {
	case SerializationJSON, SerializationCBOR, SerializationMsgPack:
	default:
		return fmt.Errorf("invalid messaging codec: %s", c.Messaging.Codec)
	}

	if c.Monitoring.Enabled && (c.Monitoring.AdminPort <= 0 || c.Monitoring.AdminPort > 65535) {
		return fmt.Errorf("invalid admin port: %d", c.Monitoring.AdminPort)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}

// IsClustered reports whether any peers are configured
func (c *Config) IsClustered() bool {
	return len(c.Node.Peers) > 0
}

// IndexDir is the node-local index directory tree
func (c *Config) IndexDir() string {
	return filepath.Join(c.Paths.LocalHome, "caches", "indexes")
}

// SharedCacheDir is the cluster-visible snapshot storage
func (c *Config) SharedCacheDir() string {
	return filepath.Join(c.Paths.SharedHome, "caches")
}

// ImportSnapshotDir is where pending cold-start snapshots are staged
func (c *Config) ImportSnapshotDir() string {
	return filepath.Join(c.Paths.LocalHome, "import", "indexsnapshots")
}

// ArchiveSnapshotDir is where consumed import snapshots are kept
func (c *Config) ArchiveSnapshotDir() string {
	return filepath.Join(c.Paths.LocalHome, "old", "indexsnapshots")
}

// ParsePeer splits an "id@host:port" peer declaration
func ParsePeer(peer string) (id, host string, port int, err error) {
	at := strings.Index(peer, "@")
	if at <= 0 {
		return "", "", 0, fmt.Errorf("invalid peer %q: expected id@host:port", peer)
	}
	id = peer[:at]
	hostPort := peer[at+1:]
	colon := strings.LastIndex(hostPort, ":")
	if colon <= 0 {
		return "", "", 0, fmt.Errorf("invalid peer %q: missing port", peer)
	}
	host = hostPort[:colon]
	port, err = strconv.Atoi(hostPort[colon+1:])
	if err != nil || port <= 0 || port > 65535 {
		return "", "", 0, fmt.Errorf("invalid peer %q: bad port", peer)
	}
	return id, host, port, nil
}
