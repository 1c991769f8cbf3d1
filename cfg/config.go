package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// Fetch scheduling names accepted in [observation] and [[watch]]
const (
	SchedulingWriter   = "writer"
	SchedulingSnapshot = "snapshot"
)

// DatabaseConfiguration controls the observed SQLite database
type DatabaseConfiguration struct {
	Path           string `toml:"path"`
	JournalMode    string `toml:"journal_mode"`
	BusyTimeoutMS  int    `toml:"busy_timeout_ms"`
	ReaderPoolSize int    `toml:"reader_pool_size"`
}

// ObservationConfiguration holds defaults shared by all watches
type ObservationConfiguration struct {
	DefaultScheduling    string `toml:"default_scheduling"`     // "writer" or "snapshot"
	BacklogWarnThreshold int    `toml:"backlog_warn_threshold"` // Queued reduce tasks before warning (0 = never)
	CollectIntervalMS    int    `toml:"collect_interval_ms"`    // Backlog gauge sampling interval
}

// WatchConfiguration declares one live query
type WatchConfiguration struct {
	Name         string   `toml:"name"`
	Tables       []string `toml:"tables"`        // Region: table names or glob patterns
	Query        string   `toml:"query"`         // Defaults to SELECT COUNT(*) of the single table
	Scheduling   string   `toml:"scheduling"`    // Overrides observation.default_scheduling
	InitialValue bool     `toml:"initial_value"` // Deliver the current value on start
	Distinct     bool     `toml:"distinct"`      // Suppress values equal to the previous one
	Sink         string   `toml:"sink"`          // Name of a [[sink]] to publish to (empty = log only)
	Topic        string   `toml:"topic"`         // Topic/subject; defaults to "<prefix>.<name>"
}

// SinkConfiguration declares a publish destination for watch values
type SinkConfiguration struct {
	Name            string   `toml:"name"`
	Type            string   `toml:"type"` // "nats" or "kafka"
	NatsURL         string   `toml:"nats_url"`
	Brokers         []string `toml:"brokers"`
	BatchSize       int      `toml:"batch_size"`
	TopicPrefix     string   `toml:"topic_prefix"`
	RetryInitialMS  int      `toml:"retry_initial_ms"`
	RetryMaxMS      int      `toml:"retry_max_ms"`
	RetryMultiplier float64  `toml:"retry_multiplier"`
	MaxRetries      int      `toml:"max_retries"`
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

// AdminConfiguration for the HTTP admin server
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // Empty = no authentication
}

// Configuration is the main configuration structure
type Configuration struct {
	NodeID uint64 `toml:"node_id"`

	Database    DatabaseConfiguration    `toml:"database"`
	Observation ObservationConfiguration `toml:"observation"`
	Watches     []WatchConfiguration     `toml:"watch"`
	Sinks       []SinkConfiguration      `toml:"sink"`
	Logging     LoggingConfiguration     `toml:"logging"`
	Prometheus  PrometheusConfiguration  `toml:"prometheus"`
	Admin       AdminConfiguration       `toml:"admin"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DatabaseFlag   = flag.String("db", "", "SQLite database path (overrides config)")
	NodeIDFlag     = flag.Uint64("node-id", 0, "Node ID (overrides config, 0=auto)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin HTTP port (overrides config)")
)

// Default configuration
var Config = DefaultConfiguration()

// DefaultConfiguration returns a configuration with every default filled in
func DefaultConfiguration() *Configuration {
	return &Configuration{
		NodeID: 0, // Auto-generate

		Database: DatabaseConfiguration{
			Path:           "./sqlwatch.db",
			JournalMode:    "WAL",
			BusyTimeoutMS:  5000,
			ReaderPoolSize: 4,
		},

		Observation: ObservationConfiguration{
			DefaultScheduling:    SchedulingWriter,
			BacklogWarnThreshold: 1000,
			CollectIntervalMS:    5000,
		},

		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},

		Prometheus: PrometheusConfiguration{
			Enabled: true,
		},

		Admin: AdminConfiguration{
			Enabled:     true,
			BindAddress: "127.0.0.1",
			Port:        8090,
		},
	}
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
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

	if *DatabaseFlag != "" {
		Config.Database.Path = *DatabaseFlag
	}
	if *NodeIDFlag != 0 {
		Config.NodeID = *NodeIDFlag
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}

	if Config.NodeID == 0 {
		var err error
		Config.NodeID, err = generateNodeID()
		if err != nil {
			return fmt.Errorf("failed to generate node ID: %w", err)
		}
		log.Info().Uint64("node_id", Config.NodeID).Msg("Auto-generated node ID")
	}

	if dir := filepath.Dir(Config.Database.Path); !isMemoryPath(Config.Database.Path) && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	return nil
}

// generateNodeID creates a unique node ID based on machine ID
func generateNodeID() (uint64, error) {
	id, err := machineid.ProtectedID("sqlwatch")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if Config.Database.BusyTimeoutMS < 0 {
		return fmt.Errorf("busy timeout must be >= 0")
	}

	if Config.Database.ReaderPoolSize < 1 {
		return fmt.Errorf("reader pool size must be >= 1")
	}

	if !validScheduling(Config.Observation.DefaultScheduling) {
		return fmt.Errorf("invalid default scheduling: %s", Config.Observation.DefaultScheduling)
	}

	if Config.Observation.BacklogWarnThreshold < 0 {
		return fmt.Errorf("backlog warn threshold must be >= 0")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	sinks := make(map[string]bool, len(Config.Sinks))
	for _, sink := range Config.Sinks {
		if sink.Name == "" {
			return fmt.Errorf("sink name is required")
		}
		if sinks[sink.Name] {
			return fmt.Errorf("duplicate sink name: %s", sink.Name)
		}
		sinks[sink.Name] = true

		switch sink.Type {
		case "nats":
			if sink.NatsURL == "" {
				return fmt.Errorf("sink %s: nats sink requires nats_url", sink.Name)
			}
		case "kafka":
			if len(sink.Brokers) == 0 {
				return fmt.Errorf("sink %s: kafka sink requires brokers", sink.Name)
			}
		default:
			return fmt.Errorf("sink %s: unknown type %q", sink.Name, sink.Type)
		}
	}

	watches := make(map[string]bool, len(Config.Watches))
	for _, watch := range Config.Watches {
		if watch.Name == "" {
			return fmt.Errorf("watch name is required")
		}
		if watches[watch.Name] {
			return fmt.Errorf("duplicate watch name: %s", watch.Name)
		}
		watches[watch.Name] = true

		if len(watch.Tables) == 0 {
			return fmt.Errorf("watch %s: at least one table is required", watch.Name)
		}
		if watch.Query == "" && (len(watch.Tables) != 1 || strings.ContainsAny(watch.Tables[0], "*?[{")) {
			return fmt.Errorf("watch %s: query is required unless exactly one literal table is watched", watch.Name)
		}
		if watch.Scheduling != "" && !validScheduling(watch.Scheduling) {
			return fmt.Errorf("watch %s: invalid scheduling: %s", watch.Name, watch.Scheduling)
		}
		if watch.Sink != "" && !sinks[watch.Sink] {
			return fmt.Errorf("watch %s: unknown sink %s", watch.Name, watch.Sink)
		}
	}

	return nil
}

// FindSink returns the sink configuration with the given name
func FindSink(name string) (SinkConfiguration, bool) {
	for _, sink := range Config.Sinks {
		if sink.Name == name {
			return sink, true
		}
	}
	return SinkConfiguration{}, false
}

func validScheduling(s string) bool {
	return s == SchedulingWriter || s == SchedulingSnapshot
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}
