package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := GetDefaultConfig()
	cfg.Bucket = "my-backups"
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	err := Validate(validConfig())
	if err != nil {
		t.Errorf("Expected valid config to pass validation, got error: %v", err)
	}
}

func TestValidate_MissingBucket(t *testing.T) {
	cfg := validConfig()
	cfg.Bucket = ""

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for missing bucket")
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Level = "INVALID"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid log level")
	}
	if !strings.Contains(err.Error(), "oneof") {
		t.Errorf("Expected 'oneof' validation error, got: %v", err)
	}
}

func TestValidate_InvalidLogFormat(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.Format = "xml"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid log format")
	}
}

func TestValidate_InvalidStats(t *testing.T) {
	cfg := validConfig()
	cfg.Stats = "yaml"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid stats format")
	}
}

func TestValidate_InvalidColor(t *testing.T) {
	cfg := validConfig()
	cfg.Color = "rainbow"

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for invalid color mode")
	}
}

func TestValidate_ZeroTasks(t *testing.T) {
	cfg := validConfig()
	cfg.Tasks = 0

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for zero tasks")
	}
}

func TestValidate_CompressionLevelOutOfRange(t *testing.T) {
	cfg := validConfig()
	cfg.Compression.Level = 20

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for compression level out of range")
	}
	if !strings.Contains(err.Error(), "lte") {
		t.Errorf("Expected 'lte' validation error, got: %v", err)
	}
}

func TestValidate_MetricsPortOutOfRange(t *testing.T) {
	cfg := validConfig()
	cfg.Metrics.Port = 70000

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for port out of range")
	}
}

func TestValidate_RetryMultiplierMustExceedOne(t *testing.T) {
	cfg := validConfig()
	cfg.Retry.Multiplier = 1.0

	err := Validate(cfg)
	if err == nil {
		t.Fatal("Expected validation error for multiplier <= 1")
	}
}

func TestValidate_LogLevelNormalization(t *testing.T) {
	// Validation accepts both uppercase and lowercase log levels.
	testCases := []string{"info", "INFO", "debug", "DEBUG", "warn", "WARN", "error", "ERROR"}

	for _, level := range testCases {
		cfg := validConfig()
		cfg.Logging.Level = level

		err := Validate(cfg)
		if err != nil {
			t.Errorf("Validation failed for level %q: %v", level, err)
		}

		// Validation does not normalize - level remains as-is.
		if cfg.Logging.Level != level {
			t.Errorf("Expected level to remain %q after validation, got %q", level, cfg.Logging.Level)
		}
	}

	// Normalization happens in ApplyDefaults.
	cfg := &Config{Logging: LoggingConfig{Level: "info"}}
	ApplyDefaults(cfg)
	if cfg.Logging.Level != "INFO" {
		t.Errorf("Expected ApplyDefaults to normalize 'info' to 'INFO', got %q", cfg.Logging.Level)
	}
}
