// Package config loads loader host configuration from an optional YAML file and
// CNW_LOADER_* environment variables, environment taking precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix is the prefix of every environment variable read by Load.
const EnvPrefix = "CNW_LOADER"

// Config represents the complete loader host configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" envconfig:"SERVER"`
	Timing    TimingConfig    `yaml:"timing" envconfig:"TIMING"`
	Integrity IntegrityConfig `yaml:"integrity" envconfig:"INTEGRITY"`
	Logging   LoggingConfig   `yaml:"logging" envconfig:"LOGGING"`
	Telemetry TelemetryConfig `yaml:"telemetry" envconfig:"TELEMETRY"`
	Seats     SeatsConfig     `yaml:"seats" envconfig:"SEATS"`
}

// ServerConfig describes the license authority.
type ServerConfig struct {
	URL           string  `yaml:"url" envconfig:"URL" validate:"required,url"`
	APIKey        string  `yaml:"api_key" envconfig:"API_KEY"`
	TrustedKey    string  `yaml:"trusted_key" envconfig:"TRUSTED_KEY" validate:"omitempty,base64"`
	ClientVersion string  `yaml:"client_version" envconfig:"CLIENT_VERSION" validate:"required"`
	RateLimit     float64 `yaml:"rate_limit" envconfig:"RATE_LIMIT" validate:"gte=0"`
	RateBurst     int     `yaml:"rate_burst" envconfig:"RATE_BURST" validate:"gte=0"`
}

// TimingConfig holds every protocol timer.
type TimingConfig struct {
	RequestTimeout    time.Duration `yaml:"request_timeout" envconfig:"REQUEST_TIMEOUT" validate:"gt=0"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" envconfig:"HEARTBEAT_INTERVAL" validate:"gte=0"`
	IntegrityWindow   time.Duration `yaml:"integrity_window" envconfig:"INTEGRITY_WINDOW" validate:"gte=0"`
	ClockSkew         time.Duration `yaml:"clock_skew" envconfig:"CLOCK_SKEW" validate:"gt=0"`
	NonceCapacity     int           `yaml:"nonce_capacity" envconfig:"NONCE_CAPACITY" validate:"gt=0"`
}

// IntegrityConfig tunes the detector battery.
type IntegrityConfig struct {
	ExpectedBinaryHash string   `yaml:"expected_binary_hash" envconfig:"EXPECTED_BINARY_HASH" validate:"omitempty,len=64,hexadecimal"`
	TransientKinds     []string `yaml:"transient_kinds" envconfig:"TRANSIENT_KINDS" validate:"dive,oneof=debugger virtual_machine memory_tamper binary_integrity"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level    string `yaml:"level" envconfig:"LEVEL" validate:"oneof=debug info warn warning error"`
	Output   string `yaml:"output" envconfig:"OUTPUT" validate:"oneof=stdout file both"`
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// TelemetryConfig controls metrics and tracing export.
type TelemetryConfig struct {
	ServiceName   string `yaml:"service_name" envconfig:"SERVICE_NAME" validate:"required"`
	MetricsAddr   string `yaml:"metrics_addr" envconfig:"METRICS_ADDR" validate:"omitempty,hostname_port"`
	TraceExporter string `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER" validate:"oneof=none stdout"`
}

// SeatsConfig selects the seat registry backend.
type SeatsConfig struct {
	Driver     string        `yaml:"driver" envconfig:"DRIVER" validate:"oneof=none memory postgres mongo"`
	DSN        string        `yaml:"dsn" envconfig:"DSN"`
	Database   string        `yaml:"database" envconfig:"DATABASE"`
	Table      string        `yaml:"table" envconfig:"TABLE"`
	StaleAfter time.Duration `yaml:"stale_after" envconfig:"STALE_AFTER" validate:"gte=0"`
}

// Default returns the configuration used before any file or environment overlay.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			URL:           "http://localhost:8080",
			ClientVersion: "1.0.0",
		},
		Timing: TimingConfig{
			RequestTimeout:    10 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			IntegrityWindow:   2 * time.Second,
			ClockSkew:         5 * time.Minute,
			NonceCapacity:     4096,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Output:   "stdout",
			FilePath: "logs/cnwloader.log",
		},
		Telemetry: TelemetryConfig{
			ServiceName:   "cnw-loader",
			TraceExporter: "none",
		},
		Seats: SeatsConfig{
			Driver:     "none",
			Table:      "cnw_loader_seats",
			StaleAfter: 5 * time.Minute,
		},
	}
}

// Load builds the configuration. path may be empty; a missing file at a
// non-empty path is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// Unset variables leave the file and default values alone.
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// loadFromFile overlays YAML from filePath onto cfg.
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

var validate = validator.New()

// Validate checks field constraints and the cross-field rules the tags cannot express.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if (c.Logging.Output == "file" || c.Logging.Output == "both") && c.Logging.FilePath == "" {
		return errors.New("logging file_path is required for file output")
	}
	switch c.Seats.Driver {
	case "postgres":
		if c.Seats.DSN == "" {
			return errors.New("seats dsn is required for the postgres driver")
		}
	case "mongo":
		if c.Seats.DSN == "" || c.Seats.Database == "" {
			return errors.New("seats dsn and database are required for the mongo driver")
		}
	}
	return nil
}
