// Package config loads fullsyncd's configuration from YAML, falling
// back to sane defaults when no file is given.
package config

import (
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/anthanhphan/gosdk/conflux"
	"github.com/anthanhphan/gosdk/logger"
)

// Config holds fullsyncd's configuration.
type Config struct {
	Server      ServerConfig      `json:"server" yaml:"server"`
	Gossip      GossipConfig      `json:"gossip" yaml:"gossip"`
	Exchange    ExchangeConfig    `json:"exchange" yaml:"exchange"`
	Merkle      MerkleConfig      `json:"merkle" yaml:"merkle"`
	Coordinator CoordinatorConfig `json:"coordinator" yaml:"coordinator"`
	Cascade     CascadeConfig     `json:"cascade" yaml:"cascade"`
	Redis       RedisConfig       `json:"redis" yaml:"redis"`
	Logger      logger.Config     `json:"logger" yaml:"logger"`
}

// ServerConfig identifies this process and which cluster it belongs to.
type ServerConfig struct {
	NodeID   string `json:"node_id" yaml:"node_id"`
	Hostname string `json:"hostname" yaml:"hostname"`
	Cluster  string `json:"cluster" yaml:"cluster"`
	SinkPort int    `json:"sink_port" yaml:"sink_port"`
}

// GossipConfig configures the memberlist-backed clustermap.
type GossipConfig struct {
	BindAddr string   `json:"bind_addr" yaml:"bind_addr"`
	Port     int      `json:"port" yaml:"port"`
	Seeds    []string `json:"seeds" yaml:"seeds"`
}

// ExchangeConfig holds the Exchange Engine's per-state-transition
// timeout and wire version, per spec §6 Configuration.
type ExchangeConfig struct {
	AntiEntropyTimeoutMS int    `json:"anti_entropy_timeout_ms" yaml:"anti_entropy_timeout_ms"`
	WireVersion          string `json:"wire_version" yaml:"wire_version"`
	DialTimeoutMS        int    `json:"dial_timeout_ms" yaml:"dial_timeout_ms"`
}

// Timeout returns the configured anti-entropy timeout as a Duration.
func (c ExchangeConfig) Timeout() time.Duration {
	return time.Duration(c.AntiEntropyTimeoutMS) * time.Millisecond
}

// DialTimeout returns the configured dial timeout as a Duration.
func (c ExchangeConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutMS) * time.Millisecond
}

// MerkleConfig configures the Merkle Helper's buffered-flush threshold.
type MerkleConfig struct {
	BufferSizeBytes int `json:"buffer_size_bytes" yaml:"buffer_size_bytes"`
}

// CoordinatorConfig bounds how many per-partition exchange engines run
// concurrently and what this node periodically fullsyncs.
type CoordinatorConfig struct {
	Workers      int      `json:"workers" yaml:"workers"`
	QueueSize    int      `json:"queue_size" yaml:"queue_size"`
	IntervalMS   int      `json:"interval_ms" yaml:"interval_ms"`
	Partitions   []uint64 `json:"partitions" yaml:"partitions"`
	PreflistSize int      `json:"preflist_size" yaml:"preflist_size"`
}

// Interval returns the configured reconciliation period as a Duration.
func (c CoordinatorConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMS) * time.Millisecond
}

// CascadeEdge is one configured (source, sink) cascade-topology edge.
type CascadeEdge struct {
	Source string `json:"source" yaml:"source"`
	Sink   string `json:"sink" yaml:"sink"`
}

// CascadeConfig seeds the process-wide cascade topology and names the
// cluster a coordinator-originated fullsync is considered to start
// from.
type CascadeConfig struct {
	Started string        `json:"started" yaml:"started"`
	Edges   []CascadeEdge `json:"edges" yaml:"edges"`
}

// RedisConfig names a shared Redis instance used only as a time source
// for the process-wide correlation-ID generator (see pkg/idgen), so
// IDs stamped on wire-frame requests stay ordered across every
// coordinator process in the cluster, not just within one. Addr empty
// means no Redis is configured; the ID generator falls back to the
// local system clock.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	NodeID   int64  `json:"node_id" yaml:"node_id"`
}

// DefaultConfig returns configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Hostname: "127.0.0.1",
			SinkPort: 9131,
		},
		Gossip: GossipConfig{
			Port: 7946,
		},
		Exchange: ExchangeConfig{
			AntiEntropyTimeoutMS: 300_000,
			WireVersion:          "w1",
			DialTimeoutMS:        5_000,
		},
		Merkle: MerkleConfig{
			BufferSizeBytes: 1 << 20,
		},
		Coordinator: CoordinatorConfig{
			Workers:      4,
			QueueSize:    64,
			IntervalMS:   60_000,
			PreflistSize: 1,
		},
		Logger: logger.Config{
			LogLevel:    logger.LevelInfo,
			LogEncoding: logger.EncodingJSON,
		},
	}
}

// Load loads configuration from file.
func Load(path string) (*Config, error) {
	configPath := path
	if configPath == "" {
		env := os.Getenv("ENV")
		if env == "" {
			env = "local"
		}
		configPath = filepath.Join("internal", "config", env+".yaml")
	}

	cfg := DefaultConfig()

	parsedCfg, err := conflux.ParseConfig(configPath, cfg)
	if err != nil {
		log.Printf("Config file not found or failed to parse, using defaults if file not specified. Path: %s, Error: %v", configPath, err)
		if path != "" {
			return nil, err
		}
		return cfg, nil
	}

	return parsedCfg, nil
}

// MustLoad loads configuration or exits on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}
