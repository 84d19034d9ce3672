package config

import (
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/cubist-backup/cubist/internal/bytesize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config represents the cubist configuration.
//
// Configuration sources (in order of precedence):
//  1. CLI flags (highest priority)
//  2. Environment variables (CUBIST_*)
//  3. Configuration file (YAML)
//  4. Default values (lowest priority)
type Config struct {
	// Bucket is the target bucket name. Overridden by CUBIST_BUCKET or --bucket.
	Bucket string `mapstructure:"bucket" validate:"required" yaml:"bucket"`

	// Tasks is the I/O engine concurrency.
	Tasks int `mapstructure:"tasks" validate:"required,gt=0" yaml:"tasks"`

	// Stats selects the stats sink format.
	Stats string `mapstructure:"stats" validate:"required,oneof=basic json" yaml:"stats"`

	// Color controls terminal colorization of CLI output.
	Color string `mapstructure:"color" validate:"required,oneof=auto always never" yaml:"color"`

	// Verbose enables debug-level logging.
	Verbose bool `mapstructure:"verbose" yaml:"verbose"`

	// Quiet suppresses all but warning/error logging.
	Quiet bool `mapstructure:"quiet" yaml:"quiet"`

	// Logging controls the structured logger.
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// Chunk controls content-defined chunking parameters.
	Chunk ChunkConfig `mapstructure:"chunk" yaml:"chunk"`

	// Compression controls leaf-block Zstd compression.
	Compression CompressionConfig `mapstructure:"compression" yaml:"compression"`

	// BlockTree controls the Merkle block-tree builder.
	BlockTree BlockTreeConfig `mapstructure:"block_tree" yaml:"block_tree"`

	// ObjectStore configures the S3-compatible backend.
	ObjectStore ObjectStoreConfig `mapstructure:"object_store" yaml:"object_store"`

	// Retry controls backoff for retryable object-store errors.
	Retry RetryConfig `mapstructure:"retry" yaml:"retry"`

	// Metrics contains the Prometheus metrics server configuration.
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// LoggingConfig controls logging behavior.
type LoggingConfig struct {
	// Level is the minimum log level to output.
	// Valid values: DEBUG, INFO, WARN, ERROR (case-insensitive).
	Level string `mapstructure:"level" validate:"required,oneof=DEBUG INFO WARN ERROR debug info warn error" yaml:"level"`

	// Format specifies the log output format: text or json.
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`

	// Output specifies where logs are written: stdout, stderr, or a file path.
	Output string `mapstructure:"output" validate:"required" yaml:"output"`
}

// ChunkConfig controls content-defined chunking.
type ChunkConfig struct {
	// TargetSize is the CDC target chunk size. Non-final chunks fall in
	// [TargetSize/2, TargetSize*4].
	TargetSize bytesize.ByteSize `mapstructure:"target_size" validate:"required" yaml:"target_size"`
}

// CompressionConfig controls Zstd leaf compression.
type CompressionConfig struct {
	// Level is the Zstd compression level, 1-19.
	Level int `mapstructure:"level" validate:"required,gte=1,lte=19" yaml:"level"`
}

// BlockTreeConfig controls the Merkle block-tree builder.
type BlockTreeConfig struct {
	// BranchSizeCap bounds the concatenated size of a branch node before
	// it is sealed. With 32-byte hashes and a 1MiB cap, fanout is up to 32768.
	BranchSizeCap bytesize.ByteSize `mapstructure:"branch_size_cap" validate:"required" yaml:"branch_size_cap"`
}

// ObjectStoreConfig configures the S3-compatible object store client.
type ObjectStoreConfig struct {
	// Endpoint overrides the S3 endpoint URL. Falls back to AWS_ENDPOINT_URL.
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`

	// Region is the bucket's region.
	Region string `mapstructure:"region" yaml:"region"`

	// UsePathStyle forces path-style addressing, required by most
	// non-AWS S3-compatible backends (MinIO, Ceph RGW, etc).
	UsePathStyle bool `mapstructure:"use_path_style" yaml:"use_path_style"`

	// AccessKeyID and SecretAccessKey override the SDK's default
	// credential chain when both are set. Usually left empty in favor of
	// AWS_ACCESS_KEY_ID / AWS_SECRET_ACCESS_KEY.
	AccessKeyID     string `mapstructure:"access_key_id" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `mapstructure:"secret_access_key" yaml:"secret_access_key,omitempty"`
}

// RetryConfig controls exponential backoff with jitter for retryable
// object-store errors.
type RetryConfig struct {
	// InitialBackoff is the delay before the first retry.
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`

	// MaxBackoff caps the delay between retries.
	MaxBackoff time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`

	// Multiplier scales the backoff delay after each attempt.
	Multiplier float64 `mapstructure:"multiplier" validate:"gt=1" yaml:"multiplier"`

	// MaxRetries bounds the number of retry attempts before the run fails.
	MaxRetries int `mapstructure:"max_retries" validate:"gte=0" yaml:"max_retries"`
}

// MetricsConfig configures the Prometheus metrics HTTP server.
// When Enabled is false, no metrics are collected (zero overhead).
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`
}

// Load loads configuration from file, environment, and defaults.
//
// Parameters:
//   - configPath: path to config file (empty string looks up the default location)
func Load(configPath string) (*Config, error) {
	return LoadWith(configPath, nil)
}

// LoadWith is Load with an overrides hook applied between defaulting and
// validation, so CLI flags (the highest-precedence source) can land
// before required fields are checked.
func LoadWith(configPath string, overrides func(*Config)) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if _, err := readConfigFile(v); err != nil {
		return nil, err
	}

	// Unmarshal regardless of whether a config file was found: CUBIST_*
	// environment variables still resolve for the keys bound in
	// setupViper and for any key the config file sets.
	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(configDecodeHooks())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyDefaults(&cfg)

	if overrides != nil {
		overrides(&cfg)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &cfg, nil
}

// SaveConfig saves the configuration to the specified file path in YAML format.
func SaveConfig(cfg *Config, path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// setupViper configures viper with environment variable and config file settings.
func setupViper(v *viper.Viper, configPath string) {
	// CUBIST_BUCKET, CUBIST_TASKS, CUBIST_OBJECT_STORE_REGION, etc.
	v.SetEnvPrefix("CUBIST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Viper's AutomaticEnv only resolves environment variables for keys
	// Unmarshal already knows about; bind the ones the CLI documents
	// explicitly so they work with no config file present at all.
	_ = v.BindEnv("bucket", "CUBIST_BUCKET")
	_ = v.BindEnv("tasks", "CUBIST_TASKS")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		configDir := getConfigDir()
		v.AddConfigPath(configDir)
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}
}

// readConfigFile reads the configuration file if it exists.
// Returns (fileFound, error).
func readConfigFile(v *viper.Viper) (bool, error) {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return false, nil
		}
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read config file: %w", err)
	}
	return true, nil
}

// configDecodeHooks returns a combined decode hook for ByteSize and time.Duration.
func configDecodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		durationDecodeHook(),
	)
}

// byteSizeDecodeHook converts strings and numbers to bytesize.ByteSize,
// enabling config files to use human-readable sizes like "1Gi", "500Mi".
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(bytesize.ByteSize(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return bytesize.ParseByteSize(v)
		case int:
			return bytesize.ByteSize(v), nil
		case int64:
			return bytesize.ByteSize(v), nil
		case uint64:
			return bytesize.ByteSize(v), nil
		case float64:
			return bytesize.ByteSize(v), nil
		default:
			return data, nil
		}
	}
}

// durationDecodeHook converts strings to time.Duration, enabling config
// files to use human-readable durations like "30s", "5m", "1h".
func durationDecodeHook() mapstructure.DecodeHookFunc {
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}

		switch v := data.(type) {
		case string:
			return time.ParseDuration(v)
		case int:
			return time.Duration(v), nil
		case int64:
			return time.Duration(v), nil
		case float64:
			return time.Duration(v), nil
		default:
			return data, nil
		}
	}
}

// getConfigDir returns the configuration directory path, preferring
// XDG_CONFIG_HOME, then ~/.config, then the current directory.
func getConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "cubist")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}

	return filepath.Join(home, ".config", "cubist")
}

// GetDefaultConfigPath returns the default configuration file path.
func GetDefaultConfigPath() string {
	return filepath.Join(getConfigDir(), "config.yaml")
}

// DefaultConfigExists reports whether a config file exists at the default location.
func DefaultConfigExists() bool {
	_, err := os.Stat(GetDefaultConfigPath())
	return err == nil
}

// GetConfigDir returns the configuration directory path.
func GetConfigDir() string {
	return getConfigDir()
}
