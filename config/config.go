// Package config loads the tracker configuration from a YAML file and
// normalizes it with defaults so the rest of the program never re-checks
// for zero values.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the complete process configuration.
type Config struct {
	Tracker TrackerConfig `yaml:"tracker"`
	Ingest  IngestConfig  `yaml:"ingest"`
	Arango  ArangoConfig  `yaml:"arangodb"`
	Redis   RedisConfig   `yaml:"redis"`
	Dedup   DedupConfig   `yaml:"dedup"`
	Logging LoggingConfig `yaml:"logging"`
}

// TrackerConfig bounds the scheduler: how often a window is processed and
// how much concurrency one run may use.
type TrackerConfig struct {
	IntervalSeconds       int `yaml:"interval_seconds"`
	MaxConcurrentFiles    int `yaml:"max_concurrent_files"`
	FileChunkSize         int `yaml:"file_chunk_size"`
	MaxProcessingCapacity int `yaml:"max_processing_capacity"`
	MaxRetries            int `yaml:"max_retries"`
}

// IngestConfig locates the object-store report feed.
type IngestConfig struct {
	Endpoint  string `yaml:"endpoint"`
	Region    string `yaml:"region"`
	Bucket    string `yaml:"bucket"`
	FileType  string `yaml:"file_type"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// ArangoConfig holds the document store connection settings.
type ArangoConfig struct {
	Endpoint string `yaml:"endpoint"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// RedisConfig holds the completion-stream settings. Disabled means completed
// poc_ids are simply not announced; the pipeline itself is unaffected.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Stream   string `yaml:"stream"`
	PoolSize int    `yaml:"pool_size"`
}

// DedupConfig sizes the in-process seen-poc_id cache. A zero window disables
// the cache; correctness then rests entirely on the store's idempotent
// writes, at the cost of extra existence round trips.
type DedupConfig struct {
	WindowSeconds int `yaml:"window_seconds"`
}

// LoggingConfig controls the optional daily log file next to stderr output.
type LoggingConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// Load reads and normalizes a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Tracker.IntervalSeconds <= 0 {
		c.Tracker.IntervalSeconds = 10
	}
	if c.Tracker.MaxConcurrentFiles <= 0 {
		c.Tracker.MaxConcurrentFiles = 16
	}
	if c.Tracker.FileChunkSize <= 0 {
		c.Tracker.FileChunkSize = 600
	}
	if c.Tracker.MaxProcessingCapacity <= 0 {
		c.Tracker.MaxProcessingCapacity = 32
	}
	if c.Tracker.MaxRetries <= 0 {
		c.Tracker.MaxRetries = 3
	}
	if c.Ingest.FileType == "" {
		c.Ingest.FileType = "iot_poc"
	}
	if c.Arango.Endpoint == "" {
		c.Arango.Endpoint = "http://localhost:8529"
	}
	if c.Arango.User == "" {
		c.Arango.User = "root"
	}
	if c.Arango.Database == "" {
		c.Arango.Database = "iot"
	}
	if c.Redis.Endpoint == "" {
		c.Redis.Endpoint = "localhost:6379"
	}
	if c.Redis.Stream == "" {
		c.Redis.Stream = "poc_id"
	}
	if c.Redis.PoolSize <= 0 {
		c.Redis.PoolSize = 16
	}
	if c.Dedup.WindowSeconds < 0 {
		c.Dedup.WindowSeconds = 0
	}
	if c.Logging.Dir == "" {
		c.Logging.Dir = "data/logs"
	}
	if c.Logging.RetentionDays <= 0 {
		c.Logging.RetentionDays = 7
	}
}

func (c *Config) validate() error {
	if strings.TrimSpace(c.Ingest.Bucket) == "" {
		return fmt.Errorf("ingest.bucket is required")
	}
	if strings.TrimSpace(c.Ingest.Endpoint) == "" {
		return fmt.Errorf("ingest.endpoint is required")
	}
	if strings.TrimSpace(c.Arango.Database) == "" {
		return fmt.Errorf("arangodb.database is required")
	}
	return nil
}
