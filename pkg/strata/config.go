// Package strata wires the store's components into one runnable server:
// topology tracking, the bucket schema store, the object engine, caches,
// triggers and the RPC listener.
package strata

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stratadb/strata/internal/trigger"
)

// Config is the root server configuration.
type Config struct {
	// Listen is the address the RPC server binds, e.g. ":2020".
	Listen string `yaml:"listen" json:"listen"`

	// Database configures the replicated backend and its pools.
	Database DatabaseConfig `yaml:"database" json:"database"`

	// BucketCache bounds the in-process bucket metadata cache.
	BucketCache BucketCacheConfig `yaml:"bucket_cache" json:"bucket_cache"`

	// ObjectCache selects and bounds the object read cache.
	ObjectCache ObjectCacheConfig `yaml:"object_cache" json:"object_cache"`

	// Reindex configures the optional background reindex drainer.
	Reindex ReindexConfig `yaml:"reindex" json:"reindex"`

	// Notify configures the optional Kafka change-event publisher,
	// registered as the "kafka-notify" post trigger when enabled.
	Notify NotifyConfig `yaml:"notify" json:"notify"`
}

// DatabaseConfig configures the backend topology and pool limits.
type DatabaseConfig struct {
	// Topology maps replica roles ("primary", "sync", "async") to URLs.
	// Used when TopologyFile is empty.
	Topology map[string]string `yaml:"topology" json:"topology"`

	// TopologyFile, if set, is a JSON file polled for role→URL changes,
	// standing in for an external coordination service.
	TopologyFile string `yaml:"topology_file,omitempty" json:"topology_file,omitempty"`

	// TopologyPollInterval is how often TopologyFile is re-read.
	TopologyPollInterval time.Duration `yaml:"topology_poll_interval,omitempty" json:"topology_poll_interval,omitempty"`

	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`

	// ConnectTimeout bounds pool checkout and liveness checks.
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout"`
}

// BucketCacheConfig bounds the bucket metadata cache.
type BucketCacheConfig struct {
	MaxEntries int           `yaml:"max_entries" json:"max_entries"`
	TTL        time.Duration `yaml:"ttl" json:"ttl"`
}

// ObjectCacheConfig selects the object cache backend. Type is one of
// the registered kvstore backends ("memory", "redis", "dynamodb") or
// "none" to disable object caching.
type ObjectCacheConfig struct {
	Type       string        `yaml:"type" json:"type"`
	TTL        time.Duration `yaml:"ttl" json:"ttl"`
	MaxEntries int           `yaml:"max_entries,omitempty" json:"max_entries,omitempty"`

	// Redis backend settings.
	Endpoints    []string      `yaml:"endpoints,omitempty" json:"endpoints,omitempty"`
	Password     string        `yaml:"password,omitempty" json:"password,omitempty"`
	DB           int           `yaml:"db,omitempty" json:"db,omitempty"`
	PoolSize     int           `yaml:"pool_size,omitempty" json:"pool_size,omitempty"`
	MinIdleConns int           `yaml:"min_idle_conns,omitempty" json:"min_idle_conns,omitempty"`
	DialTimeout  time.Duration `yaml:"dial_timeout,omitempty" json:"dial_timeout,omitempty"`
	ReadTimeout  time.Duration `yaml:"read_timeout,omitempty" json:"read_timeout,omitempty"`
	WriteTimeout time.Duration `yaml:"write_timeout,omitempty" json:"write_timeout,omitempty"`

	// DynamoDB backend settings.
	Region          string `yaml:"region,omitempty" json:"region,omitempty"`
	TableName       string `yaml:"table_name,omitempty" json:"table_name,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" json:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" json:"secret_access_key,omitempty"`
}

// ReindexConfig paces the background reindex drainer.
type ReindexConfig struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	BatchSize    int           `yaml:"batch_size" json:"batch_size"`
	BatchRate    int           `yaml:"batch_rate" json:"batch_rate"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
}

// NotifyConfig configures the Kafka change-event publisher.
type NotifyConfig struct {
	Enabled bool                `yaml:"enabled" json:"enabled"`
	Kafka   trigger.KafkaConfig `yaml:"kafka" json:"kafka"`
}

// DefaultConfig returns a configuration with sensible defaults: a lone
// local postgres primary, an in-memory object cache and background
// reindexing disabled.
func DefaultConfig() *Config {
	return &Config{
		Listen: ":2020",
		Database: DatabaseConfig{
			Topology: map[string]string{
				"primary": "postgres://localhost:5432/strata?sslmode=disable",
			},
			TopologyPollInterval: 5 * time.Second,
			MaxOpenConns:         25,
			MaxIdleConns:         5,
			ConnMaxLifetime:      5 * time.Minute,
			ConnMaxIdleTime:      10 * time.Minute,
			ConnectTimeout:       10 * time.Second,
		},
		BucketCache: BucketCacheConfig{
			MaxEntries: 100,
			TTL:        300 * time.Second,
		},
		ObjectCache: ObjectCacheConfig{
			Type:       "memory",
			TTL:        30 * time.Second,
			MaxEntries: 10000,
		},
		Reindex: ReindexConfig{
			Enabled:      false,
			BatchSize:    100,
			BatchRate:    10,
			PollInterval: 5 * time.Second,
		},
	}
}

// LoadConfig reads a YAML or JSON configuration file over the defaults.
// The format is determined by the file extension.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", filepath.Ext(path))
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for basic coherence.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if len(c.Database.Topology) == 0 && c.Database.TopologyFile == "" {
		return fmt.Errorf("database topology or topology_file is required")
	}
	if c.Notify.Enabled && len(c.Notify.Kafka.Brokers) == 0 {
		return fmt.Errorf("notify.kafka.brokers is required when notify is enabled")
	}
	return nil
}
