package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// StoreType defines which backend holds the canonical nodes configuration
type StoreType string

const (
	StoreMemory StoreType = "memory" // In-process store, single node / tests
	StorePebble StoreType = "pebble" // Durable local PebbleDB store
	StoreNats   StoreType = "nats"   // NATS JetStream KV bucket
)

// NodeConfiguration describes this process's identity and roles
type NodeConfiguration struct {
	Roles   []string `toml:"roles"`   // "storage", "sequencer"
	Client  bool     `toml:"client"`  // Pure client process (no roles)
	Tooling bool     `toml:"tooling"` // Operator tooling (implies proposer)
}

// StoreConfiguration controls the nodes configuration store backend
type StoreConfiguration struct {
	Type       StoreType `toml:"type"`
	NatsURL    string    `toml:"nats_url"`
	NatsBucket string    `toml:"nats_bucket"`
}

// ManagerConfiguration controls the configuration manager state machine
type ManagerConfiguration struct {
	HeartbeatIntervalMS        int     `toml:"heartbeat_interval_ms"`        // Store poll / tracker tick interval
	IntermediaryTimeoutSeconds int     `toml:"intermediary_timeout_seconds"` // Age before shards are forced out of intermediary states
	TracerSampleRate           float64 `toml:"tracer_sample_rate"`           // Fraction of successful updates traced
	AutoUpgradeProposer        bool    `toml:"auto_upgrade_proposer"`        // Upgrade server roles to proposer once this node has a shard out of NONE
}

// WorkersConfiguration controls the in-process worker pool
type WorkersConfiguration struct {
	PoolSize   int `toml:"pool_size"`   // Number of workers receiving config fan-out
	QueueDepth int `toml:"queue_depth"` // Per-worker mailbox depth
}

// SinkConfiguration describes a single config-change event sink
type SinkConfiguration struct {
	Type          string   `toml:"type"` // "nats" or "kafka"
	NatsURL       string   `toml:"nats_url"`
	Brokers       []string `toml:"brokers"`
	Topic         string   `toml:"topic"`
	BatchSize     int      `toml:"batch_size"`
	SourceFilters []string `toml:"source_filters"` // Glob patterns on the configuration's cluster name
}

// PublisherConfiguration controls config-change event publishing
type PublisherConfiguration struct {
	Enabled bool                `toml:"enabled"`
	Sinks   []SinkConfiguration `toml:"sink"`
}

// AdminConfiguration controls the admin HTTP server
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID   uint64 `toml:"node_id"`
	NodeName string `toml:"node_name"`
	DataDir  string `toml:"data_dir"`

	Node       NodeConfiguration       `toml:"node"`
	Store      StoreConfiguration      `toml:"store"`
	Manager    ManagerConfiguration    `toml:"manager"`
	Workers    WorkersConfiguration    `toml:"workers"`
	Publisher  PublisherConfiguration  `toml:"publisher"`
	Admin      AdminConfiguration      `toml:"admin"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "burrow.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Default configuration
var Config = &Configuration{
	NodeID:  0, // Auto-generate
	DataDir: "./burrow-data",

	Node: NodeConfiguration{
		Roles: []string{"storage"},
	},

	Store: StoreConfiguration{
		Type:       StorePebble,
		NatsURL:    "nats://127.0.0.1:4222",
		NatsBucket: "burrow-nc",
	},

	Manager: ManagerConfiguration{
		HeartbeatIntervalMS:        3000,
		IntermediaryTimeoutSeconds: 30,
		TracerSampleRate:           0.1,
		AutoUpgradeProposer:        true,
	},

	Workers: WorkersConfiguration{
		PoolSize:   4,
		QueueDepth: 128,
	},

	Publisher: PublisherConfiguration{
		Enabled: false,
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8950,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	// Auto-generate node ID if not set
	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if Config.NodeName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			hostname = fmt.Sprintf("node-%d", Config.NodeID)
		}
		Config.NodeName = hostname
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("burrow")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	switch Config.Store.Type {
	case StoreMemory, StorePebble, StoreNats:
	default:
		return fmt.Errorf("invalid store type: %s", Config.Store.Type)
	}

	if Config.Store.Type == StoreNats {
		if Config.Store.NatsURL == "" {
			return fmt.Errorf("nats store requires nats_url")
		}
		if Config.Store.NatsBucket == "" {
			return fmt.Errorf("nats store requires nats_bucket")
		}
	}

	validRoles := map[string]bool{"storage": true, "sequencer": true}
	for _, role := range Config.Node.Roles {
		if !validRoles[role] {
			return fmt.Errorf("invalid node role: %s", role)
		}
	}

	if Config.Node.Client && len(Config.Node.Roles) > 0 {
		return fmt.Errorf("client processes cannot carry node roles")
	}

	if !Config.Node.Client && !Config.Node.Tooling && len(Config.Node.Roles) == 0 {
		return fmt.Errorf("process must be a client, tooling, or carry at least one role")
	}

	if Config.Manager.HeartbeatIntervalMS < 1 {
		return fmt.Errorf("heartbeat interval must be >= 1ms")
	}

	if Config.Manager.IntermediaryTimeoutSeconds < 1 {
		return fmt.Errorf("intermediary timeout must be >= 1 second")
	}

	if Config.Manager.TracerSampleRate < 0 || Config.Manager.TracerSampleRate > 1 {
		return fmt.Errorf("tracer sample rate must be within [0, 1]")
	}

	if Config.Workers.PoolSize < 1 {
		return fmt.Errorf("worker pool size must be >= 1")
	}

	if Config.Workers.QueueDepth < 1 {
		return fmt.Errorf("worker queue depth must be >= 1")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	if Config.Publisher.Enabled {
		for i, sink := range Config.Publisher.Sinks {
			switch sink.Type {
			case "nats":
				if sink.NatsURL == "" {
					return fmt.Errorf("sink %d: nats sink requires nats_url", i)
				}
			case "kafka":
				if len(sink.Brokers) == 0 {
					return fmt.Errorf("sink %d: kafka sink requires brokers", i)
				}
			default:
				return fmt.Errorf("sink %d: invalid sink type: %s", i, sink.Type)
			}
		}
	}

	return nil
}
