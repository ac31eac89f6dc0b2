package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults do not validate: %v", err)
	}
	if cfg.ChunkSize != 1000 {
		t.Errorf("ChunkSize = %d, want 1000", cfg.ChunkSize)
	}
	if got := cfg.EntriesPerSecond(); got != cfg.ChunkSize*cfg.ChunkRate {
		t.Errorf("EntriesPerSecond = %d", got)
	}
}

func TestLoadFromFile(t *testing.T) {
	t.Parallel()

	file := filepath.Join(t.TempDir(), "strata.yaml")
	content := `
chunk_size: 250
chunk_rate: 2
max_checkpoint_age: 30m
write_log_max_size_bytes: 1048576
`
	if err := os.WriteFile(file, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ChunkSize != 250 || cfg.ChunkRate != 2 {
		t.Errorf("chunking = %d/%d, want 250/2", cfg.ChunkSize, cfg.ChunkRate)
	}
	if cfg.MaxCheckpointAge != 30*time.Minute {
		t.Errorf("MaxCheckpointAge = %s, want 30m", cfg.MaxCheckpointAge)
	}
	if cfg.WriteLogMaxSizeBytes != 1<<20 {
		t.Errorf("WriteLogMaxSizeBytes = %d", cfg.WriteLogMaxSizeBytes)
	}
	// Unset keys keep their defaults.
	if cfg.BackfillConcurrency != Default().BackfillConcurrency {
		t.Errorf("BackfillConcurrency = %d, want default", cfg.BackfillConcurrency)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero chunk size", func(c *Config) { c.ChunkSize = 0 }},
		{"negative chunk rate", func(c *Config) { c.ChunkRate = -1 }},
		{"zero concurrency", func(c *Config) { c.BackfillConcurrency = 0 }},
		{"zero multipart threshold", func(c *Config) { c.IncrementalMultipartThresholdBytes = 0 }},
		{"inverted retention", func(c *Config) {
			c.WriteLogMinRetention = time.Hour
			c.WriteLogMaxRetention = time.Minute
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
