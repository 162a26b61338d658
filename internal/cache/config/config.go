package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete cache engine configuration.
type Config struct {
	// DataDir is the root directory for segments and the catalog database.
	DataDir string `yaml:"data_dir"`

	// MaxCacheBytes is the total size budget enforced by eviction.
	MaxCacheBytes int64 `yaml:"max_cache_bytes"`

	// Backfill configures the asynchronous backfill worker pool.
	Backfill BackfillConfig `yaml:"backfill"`

	// Eviction configures the periodic eviction sweep.
	Eviction EvictionConfig `yaml:"eviction"`

	// Compression configures Parquet segment compression.
	Compression CompressionConfig `yaml:"compression"`

	// Query configures the DuckDB segment reader.
	Query QueryConfig `yaml:"query"`
}

// BackfillConfig configures the asynchronous backfill worker pool.
type BackfillConfig struct {
	// Workers is the number of parallel backfill workers.
	Workers int `yaml:"workers"`

	// QueueSize is the capacity of the pending task queue. A full queue
	// drops new tasks; the range stays missing for the next request.
	QueueSize int `yaml:"queue_size"`

	// FetchTimeout bounds a single provider fetch.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// EvictionConfig configures the periodic eviction sweep.
type EvictionConfig struct {
	// SweepInterval is how often the engine re-checks the size budget
	// independently of backfill activity.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// CompressionConfig configures Parquet segment compression.
type CompressionConfig struct {
	// Algorithm is the compression algorithm: snappy, zstd, lz4, gzip, none.
	Algorithm string `yaml:"algorithm"`

	// Level is the compression level (for zstd: 1-22).
	Level int `yaml:"level"`
}

// QueryConfig configures the DuckDB segment reader.
type QueryConfig struct {
	// MemoryLimit is the DuckDB memory limit (e.g. "512MB").
	MemoryLimit string `yaml:"memory_limit"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:       "/var/lib/barcache",
		MaxCacheBytes: 10 * 1024 * 1024 * 1024, // 10GB
		Backfill: BackfillConfig{
			Workers:      4,
			QueueSize:    256,
			FetchTimeout: 60 * time.Second,
		},
		Eviction: EvictionConfig{
			SweepInterval: 15 * time.Minute,
		},
		Compression: CompressionConfig{
			Algorithm: "zstd",
			Level:     3,
		},
		Query: QueryConfig{
			MemoryLimit: "512MB",
		},
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.MaxCacheBytes <= 0 {
		return fmt.Errorf("max_cache_bytes must be positive, got %d", c.MaxCacheBytes)
	}
	if c.Backfill.Workers <= 0 {
		return fmt.Errorf("backfill.workers must be positive, got %d", c.Backfill.Workers)
	}
	if c.Backfill.QueueSize <= 0 {
		return fmt.Errorf("backfill.queue_size must be positive, got %d", c.Backfill.QueueSize)
	}
	if c.Backfill.FetchTimeout <= 0 {
		return fmt.Errorf("backfill.fetch_timeout must be positive, got %s", c.Backfill.FetchTimeout)
	}
	if c.Eviction.SweepInterval <= 0 {
		return fmt.Errorf("eviction.sweep_interval must be positive, got %s", c.Eviction.SweepInterval)
	}

	switch c.Compression.Algorithm {
	case "snappy", "zstd", "lz4", "gzip", "none", "":
	default:
		return fmt.Errorf("unknown compression algorithm %q", c.Compression.Algorithm)
	}

	return nil
}

// CatalogPath returns the path of the catalog database file.
func (c *Config) CatalogPath() string {
	return filepath.Join(c.DataDir, "catalog.duckdb")
}

// SegmentRoot returns the root directory for segment files.
func (c *Config) SegmentRoot() string {
	return filepath.Join(c.DataDir, "segments")
}

// SegmentDir returns the segment directory for an instrument.
// Exchange-qualified symbols use '.' which is flattened for the filesystem:
// "600519.SH" becomes "600519_SH".
func (c *Config) SegmentDir(instrument string) string {
	return filepath.Join(c.SegmentRoot(), strings.ReplaceAll(instrument, ".", "_"))
}

// SegmentPath returns the segment file path for one catalog entry.
// Entries are immutable per (instrument, period, range), so the range is
// part of the name: {period}_{start}_{end}.parquet.
func (c *Config) SegmentPath(instrument, period, rangeStart, rangeEnd string) string {
	name := fmt.Sprintf("%s_%s_%s.parquet", period, rangeStart, rangeEnd)
	return filepath.Join(c.SegmentDir(instrument), name)
}

// EnsureDirectories creates the data directories if they do not exist.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.DataDir, c.SegmentRoot()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
