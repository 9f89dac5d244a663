package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/weirhq/weir/pkg/storage"
	"github.com/weirhq/weir/pkg/types"
)

// Defaults for the recognized runtime options
const (
	DefaultCommitSize                 = 10_000
	DefaultCommitTimeThresholdMillis  = 50
	DefaultChannelBufferSize          = 20_000
	DefaultMaxNumRecordsBeforePersist = 100_000
	DefaultMaxIntervalBeforePersist   = 60 // seconds
	DefaultPersistQueueCapacity       = 100
)

// RuntimeConfig holds the core execution options
type RuntimeConfig struct {
	// CommitSize is the max records between automatic commit requests
	CommitSize int `yaml:"commit_size"`
	// CommitTimeThresholdMillis is the max wall clock between commits
	CommitTimeThresholdMillis int `yaml:"commit_time_threshold"`
	// ChannelBufferSize is the per-edge channel capacity
	ChannelBufferSize int `yaml:"channel_buffer_size"`
	// MaxNumRecordsBeforePersist triggers record-store persistence
	MaxNumRecordsBeforePersist int `yaml:"max_num_records_before_persist"`
	// MaxIntervalBeforePersistSeconds triggers persistence on elapsed time
	MaxIntervalBeforePersistSeconds int `yaml:"max_interval_before_persist_seconds"`
	// PersistQueueCapacity bounds in-flight background uploads
	PersistQueueCapacity int `yaml:"persist_queue_capacity"`
}

// CommitTimeThreshold returns the commit threshold as a duration
func (r RuntimeConfig) CommitTimeThreshold() time.Duration {
	return time.Duration(r.CommitTimeThresholdMillis) * time.Millisecond
}

// MaxIntervalBeforePersist returns the persist interval as a duration
func (r RuntimeConfig) MaxIntervalBeforePersist() time.Duration {
	return time.Duration(r.MaxIntervalBeforePersistSeconds) * time.Second
}

// IndexKind selects a secondary index implementation
type IndexKind string

const (
	IndexSorted   IndexKind = "sorted"
	IndexFullText IndexKind = "full_text"
)

// IndexConfig declares one secondary index over named fields
type IndexConfig struct {
	Kind   IndexKind `yaml:"kind"`
	Fields []string  `yaml:"fields"`
}

// EndpointConfig declares one queryable output of the pipeline
type EndpointConfig struct {
	Name               string                   `yaml:"name"`
	ConflictResolution types.ConflictResolution `yaml:"conflict_resolution"`
	Indexes            []IndexConfig            `yaml:"indexes"`
}

// StorageConfig selects and configures the object-storage backend
type StorageConfig struct {
	Backend string           `yaml:"backend"` // "local" (default) or "s3"
	Dir     string           `yaml:"dir"`     // local backend base directory
	S3      storage.S3Config `yaml:"s3"`
}

// APIConfig configures the exposed services
type APIConfig struct {
	Addr        string `yaml:"addr"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// Config is the root pipeline configuration
type Config struct {
	AppName   string           `yaml:"app_name"`
	CacheDir  string           `yaml:"cache_dir"`
	Runtime   RuntimeConfig    `yaml:"runtime"`
	Storage   StorageConfig    `yaml:"storage"`
	Endpoints []EndpointConfig `yaml:"endpoints"`
	API       APIConfig        `yaml:"api"`
}

// ApplyDefaults fills every unset option with its default
func (c *Config) ApplyDefaults() {
	if c.Runtime.CommitSize <= 0 {
		c.Runtime.CommitSize = DefaultCommitSize
	}
	if c.Runtime.CommitTimeThresholdMillis <= 0 {
		c.Runtime.CommitTimeThresholdMillis = DefaultCommitTimeThresholdMillis
	}
	if c.Runtime.ChannelBufferSize <= 0 {
		c.Runtime.ChannelBufferSize = DefaultChannelBufferSize
	}
	if c.Runtime.MaxNumRecordsBeforePersist <= 0 {
		c.Runtime.MaxNumRecordsBeforePersist = DefaultMaxNumRecordsBeforePersist
	}
	if c.Runtime.MaxIntervalBeforePersistSeconds <= 0 {
		c.Runtime.MaxIntervalBeforePersistSeconds = DefaultMaxIntervalBeforePersist
	}
	if c.Runtime.PersistQueueCapacity <= 0 {
		c.Runtime.PersistQueueCapacity = DefaultPersistQueueCapacity
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = "local"
	}
	if c.Storage.Dir == "" {
		c.Storage.Dir = ".weir/storage"
	}
	if c.CacheDir == "" {
		c.CacheDir = ".weir/caches"
	}
	if c.API.Addr == "" {
		c.API.Addr = ":50051"
	}
	for i := range c.Endpoints {
		ep := &c.Endpoints[i]
		if ep.ConflictResolution.OnInsert == "" {
			ep.ConflictResolution.OnInsert = types.OnInsertPanic
		}
		if ep.ConflictResolution.OnUpdate == "" {
			ep.ConflictResolution.OnUpdate = types.OnUpdateUpsert
		}
		if ep.ConflictResolution.OnDelete == "" {
			ep.ConflictResolution.OnDelete = types.OnDeletePanic
		}
	}
}

// Validate rejects configurations the runtime cannot honor
func (c *Config) Validate() error {
	if c.AppName == "" {
		return fmt.Errorf("app_name is required")
	}
	switch c.Storage.Backend {
	case "local":
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown storage backend: %s", c.Storage.Backend)
	}
	seen := make(map[string]struct{})
	for _, ep := range c.Endpoints {
		if ep.Name == "" {
			return fmt.Errorf("endpoint with empty name")
		}
		if _, ok := seen[ep.Name]; ok {
			return fmt.Errorf("duplicate endpoint name: %s", ep.Name)
		}
		seen[ep.Name] = struct{}{}
		for _, idx := range ep.Indexes {
			if idx.Kind != IndexSorted && idx.Kind != IndexFullText {
				return fmt.Errorf("endpoint %s: unknown index kind: %s", ep.Name, idx.Kind)
			}
			if len(idx.Fields) == 0 {
				return fmt.Errorf("endpoint %s: index with no fields", ep.Name)
			}
		}
	}
	return nil
}

// Load reads a YAML config file, applies defaults and validates
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
