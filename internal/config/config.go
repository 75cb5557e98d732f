package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig identifies this node and its listeners.
type NodeConfig struct {
	ID            string   `yaml:"id"`
	Host          string   `yaml:"host"`
	ClientPort    int      `yaml:"client_port"`
	InternodePort int      `yaml:"internode_port"`
	Seeds         []string `yaml:"seeds"` // discovery aid only, not privileged members
	VirtualNodes  int      `yaml:"virtual_nodes"`
}

// InternodeAddr returns the advertised inter-node address.
func (n NodeConfig) InternodeAddr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.InternodePort)
}

// GossipConfig tunes the membership protocol and failure detector.
type GossipConfig struct {
	TickInterval    time.Duration `yaml:"tick_interval"`
	Fanout          int           `yaml:"fanout"`
	PhiThreshold    float64       `yaml:"phi_threshold"`
	DownAfter       time.Duration `yaml:"down_after"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	PurgeRemovedAge time.Duration `yaml:"purge_removed_age"`
}

// StorageConfig locates and tunes the on-disk engine.
type StorageConfig struct {
	DataDir            string        `yaml:"data_dir"`
	CommitLogSegment   int64         `yaml:"commitlog_segment_size"`
	CommitLogSync      bool          `yaml:"commitlog_sync"`
	MemtableFlushBytes int64         `yaml:"memtable_flush_bytes"`
	FlushInterval      time.Duration `yaml:"flush_interval"`
	CompactionInterval time.Duration `yaml:"compaction_interval"`
	CompactionTrigger  int           `yaml:"compaction_trigger"` // segment count
	TombstoneGCGrace   time.Duration `yaml:"tombstone_gc_grace"`
}

// CoordinatorConfig tunes replica coordination.
type CoordinatorConfig struct {
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	HintReplayEvery   time.Duration `yaml:"hint_replay_every"`
	HintTTL           time.Duration `yaml:"hint_ttl"`
	MaxHintsPerNode   int           `yaml:"max_hints_per_node"`
	WorkerPoolSize    int           `yaml:"worker_pool_size"`
	WorkerPoolBacklog int           `yaml:"worker_pool_backlog"`
}

// MetricsConfig exposes the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoggingConfig selects the log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Config is the complete node configuration.
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Gossip      GossipConfig      `yaml:"gossip"`
	Storage     StorageConfig     `yaml:"storage"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// Default returns a configuration suitable for a single local node.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			Host:          "127.0.0.1",
			ClientPort:    9042,
			InternodePort: 7000,
			VirtualNodes:  8,
		},
		Gossip: GossipConfig{
			TickInterval:    time.Second,
			Fanout:          3,
			PhiThreshold:    8.0,
			DownAfter:       20 * time.Second,
			RequestTimeout:  2 * time.Second,
			PurgeRemovedAge: time.Minute,
		},
		Storage: StorageConfig{
			DataDir:            "./data",
			CommitLogSegment:   64 << 20,
			CommitLogSync:      true,
			MemtableFlushBytes: 16 << 20,
			FlushInterval:      30 * time.Second,
			CompactionInterval: time.Minute,
			CompactionTrigger:  4,
			TombstoneGCGrace:   time.Hour,
		},
		Coordinator: CoordinatorConfig{
			WriteTimeout:      2 * time.Second,
			ReadTimeout:       2 * time.Second,
			HintReplayEvery:   10 * time.Second,
			HintTTL:           3 * time.Hour,
			MaxHintsPerNode:   10000,
			WorkerPoolSize:    32,
			WorkerPoolBacklog: 256,
		},
		Metrics: MetricsConfig{Enabled: true, Port: 9100},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads the YAML file at path, applies environment overrides, and
// validates the result. A missing file is not an error: defaults plus
// environment are enough to boot a single node.
func Load(path string) (*Config, error) {
	cfg := Default()

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// applyEnvOverrides lets the launcher scripts override the fields that vary
// per node without templating a config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NODE_ID"); v != "" {
		cfg.Node.ID = v
	}
	if v := os.Getenv("NODE_HOST"); v != "" {
		cfg.Node.Host = v
	}
	if v := os.Getenv("NODE_CLIENT_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Node.ClientPort = p
		}
	}
	if v := os.Getenv("NODE_INTERNODE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Node.InternodePort = p
		}
	}
	if v := os.Getenv("NODE_SEEDS"); v != "" {
		cfg.Node.Seeds = strings.Split(v, ",")
	}
	if v := os.Getenv("NODE_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
}

// Validate rejects configurations that cannot produce a working node.
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	if c.Node.ClientPort == c.Node.InternodePort {
		return fmt.Errorf("client_port and internode_port must differ")
	}
	if c.Node.VirtualNodes <= 0 {
		return fmt.Errorf("node.virtual_nodes must be positive")
	}
	if c.Gossip.TickInterval <= 0 {
		return fmt.Errorf("gossip.tick_interval must be positive")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	for _, seed := range c.Node.Seeds {
		if !strings.Contains(seed, ":") {
			return fmt.Errorf("seed %q must be host:port", seed)
		}
	}
	return nil
}
