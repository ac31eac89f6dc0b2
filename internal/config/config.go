// Package config loads the subsystem's tunables. Values come from the
// environment (STRATA_* variables) and an optional YAML file, read once
// at startup.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the full set of tunables.
type Config struct {
	// DataDir is the root for the SQLite database and the on-disk
	// object store. Empty means fully in-memory.
	DataDir string `mapstructure:"data_dir"`

	// ChunkSize is how many documents a table scan reads per chunk.
	ChunkSize int `mapstructure:"chunk_size"`

	// ChunkRate is the number of chunks per second a backfill may
	// write; entries/sec = ChunkSize * ChunkRate.
	ChunkRate int `mapstructure:"chunk_rate"`

	// BackfillConcurrency bounds concurrent tablet backfills.
	BackfillConcurrency int `mapstructure:"backfill_concurrency"`

	// IndexSizeSoftLimit is the segment-size sum that makes a search
	// index urgent to flush.
	IndexSizeSoftLimit int `mapstructure:"index_size_soft_limit"`

	// IncrementalMultipartThresholdBytes caps one incremental backfill
	// segment.
	IncrementalMultipartThresholdBytes int `mapstructure:"incremental_multipart_threshold_bytes"`

	// MaxCheckpointAge is the index age that makes a non-empty search
	// index due for a flush.
	MaxCheckpointAge time.Duration `mapstructure:"max_checkpoint_age"`

	// WriteLogMinRetention is the age below which write log entries are
	// never trimmed.
	WriteLogMinRetention time.Duration `mapstructure:"write_log_min_retention"`

	// WriteLogMaxRetention is the age beyond which write log entries
	// are always trimmed.
	WriteLogMaxRetention time.Duration `mapstructure:"write_log_max_retention"`

	// WriteLogMaxSizeBytes is the write log's soft size ceiling.
	WriteLogMaxSizeBytes int `mapstructure:"write_log_max_size_bytes"`

	// CompactionSmallSegmentThreshold is the live-row count under which
	// a segment is considered small enough to fold into neighbors.
	CompactionSmallSegmentThreshold uint64 `mapstructure:"compaction_small_segment_threshold"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		ChunkSize:                          1000,
		ChunkRate:                          8,
		BackfillConcurrency:                4,
		IndexSizeSoftLimit:                 256 << 20,
		IncrementalMultipartThresholdBytes: 16 << 20,
		MaxCheckpointAge:                   time.Hour,
		WriteLogMinRetention:               10 * time.Second,
		WriteLogMaxRetention:               10 * time.Minute,
		WriteLogMaxSizeBytes:               256 << 20,
		CompactionSmallSegmentThreshold:    10_000,
	}
}

// Load reads configuration from file (optional, "" to skip) and the
// environment on top of the defaults.
func Load(file string) (Config, error) {
	v := viper.New()
	def := Default()
	v.SetDefault("data_dir", def.DataDir)
	v.SetDefault("chunk_size", def.ChunkSize)
	v.SetDefault("chunk_rate", def.ChunkRate)
	v.SetDefault("backfill_concurrency", def.BackfillConcurrency)
	v.SetDefault("index_size_soft_limit", def.IndexSizeSoftLimit)
	v.SetDefault("incremental_multipart_threshold_bytes", def.IncrementalMultipartThresholdBytes)
	v.SetDefault("max_checkpoint_age", def.MaxCheckpointAge)
	v.SetDefault("write_log_min_retention", def.WriteLogMinRetention)
	v.SetDefault("write_log_max_retention", def.WriteLogMaxRetention)
	v.SetDefault("write_log_max_size_bytes", def.WriteLogMaxSizeBytes)
	v.SetDefault("compaction_small_segment_threshold", def.CompactionSmallSegmentThreshold)

	v.SetEnvPrefix("STRATA")
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects impossible settings.
func (c *Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize)
	}
	if c.ChunkRate <= 0 {
		return fmt.Errorf("chunk_rate must be positive, got %d", c.ChunkRate)
	}
	if c.BackfillConcurrency <= 0 {
		return fmt.Errorf("backfill_concurrency must be positive, got %d", c.BackfillConcurrency)
	}
	if c.IncrementalMultipartThresholdBytes <= 0 {
		return fmt.Errorf("incremental_multipart_threshold_bytes must be positive, got %d", c.IncrementalMultipartThresholdBytes)
	}
	if c.WriteLogMinRetention > c.WriteLogMaxRetention {
		return fmt.Errorf("write_log_min_retention %s exceeds write_log_max_retention %s",
			c.WriteLogMinRetention, c.WriteLogMaxRetention)
	}
	return nil
}

// EntriesPerSecond is the backfill write budget.
func (c *Config) EntriesPerSecond() int {
	return c.ChunkSize * c.ChunkRate
}
