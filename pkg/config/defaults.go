package config

import (
	"strings"
	"time"

	"github.com/cubist-backup/cubist/internal/bytesize"
)

// ApplyDefaults sets default values for any unspecified configuration fields.
// Zero values are replaced with defaults; explicit values are preserved.
func ApplyDefaults(cfg *Config) {
	if cfg.Tasks == 0 {
		cfg.Tasks = 8
	}
	if cfg.Stats == "" {
		cfg.Stats = "basic"
	}
	if cfg.Color == "" {
		cfg.Color = "auto"
	}

	applyLoggingDefaults(&cfg.Logging)
	applyChunkDefaults(&cfg.Chunk)
	applyCompressionDefaults(&cfg.Compression)
	applyBlockTreeDefaults(&cfg.BlockTree)
	applyRetryDefaults(&cfg.Retry)
	applyMetricsDefaults(&cfg.Metrics)
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)

	if cfg.Format == "" {
		cfg.Format = "text"
	}
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}

// applyChunkDefaults defaults the CDC target size to 1MiB, matching the
// block-tree's default branch size cap so leaves and branches share scale.
func applyChunkDefaults(cfg *ChunkConfig) {
	if cfg.TargetSize == 0 {
		cfg.TargetSize = bytesize.MiB
	}
}

func applyCompressionDefaults(cfg *CompressionConfig) {
	if cfg.Level == 0 {
		cfg.Level = 3
	}
}

func applyBlockTreeDefaults(cfg *BlockTreeConfig) {
	if cfg.BranchSizeCap == 0 {
		cfg.BranchSizeCap = bytesize.MiB
	}
}

// applyRetryDefaults matches the s3 store package defaults.
func applyRetryDefaults(cfg *RetryConfig) {
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = 200 * time.Millisecond
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	if cfg.Multiplier == 0 {
		cfg.Multiplier = 2.0
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
}

func applyMetricsDefaults(cfg *MetricsConfig) {
	if cfg.Enabled && cfg.Port == 0 {
		cfg.Port = 9090
	}
}

// GetDefaultConfig returns a Config struct with all default values applied.
func GetDefaultConfig() *Config {
	cfg := &Config{
		Bucket: "",
		Tasks:  8,
		Stats:  "basic",
		Color:  "auto",
	}
	ApplyDefaults(cfg)
	return cfg
}
