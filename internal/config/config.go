// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Ledger      LedgerConfig      `yaml:"ledger"`
	Hub         HubConfig         `yaml:"hub"`
	Ingest      IngestConfig      `yaml:"ingest"`
	Store       StoreConfig       `yaml:"store"`
	Kafka       KafkaConfig       `yaml:"kafka"`
	Lookup      LookupConfig      `yaml:"lookup"`
	System      SystemConfig      `yaml:"system"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
	Alerting    AlertingConfig    `yaml:"alerting"`
}

// ServerConfig contains the HTTP/WebSocket API settings
type ServerConfig struct {
	Port            int      `yaml:"port"`
	AllowedOrigins  []string `yaml:"allowed_origins"`
	MaxConnections  int      `yaml:"max_connections"`
	RateLimitPerSec int      `yaml:"rate_limit_per_sec"`
	RateLimitBurst  int      `yaml:"rate_limit_burst"`
}

// LedgerConfig contains per-key bookkeeping limits
type LedgerConfig struct {
	RecentFillsCap  int   `yaml:"recent_fills_cap"`
	MaxExpMagnitude int32 `yaml:"max_exp_magnitude"`
}

// HubConfig contains subscriber fan-out settings
type HubConfig struct {
	SubscriberBuffer int `yaml:"subscriber_buffer"`
}

// IngestConfig contains fill deduplication settings
type IngestConfig struct {
	DedupWindowSeconds int `yaml:"dedup_window_seconds"`
}

// StoreConfig contains ledger persistence settings
type StoreConfig struct {
	Driver                 string `yaml:"driver"` // sqlite or memory
	Path                   string `yaml:"path"`
	PersistIntervalSeconds int    `yaml:"persist_interval_seconds"`
}

// KafkaConfig contains fill feed and event bus settings
type KafkaConfig struct {
	Enabled               bool     `yaml:"enabled"`
	Brokers               []string `yaml:"brokers"`
	GroupID               string   `yaml:"group_id"`
	FillTopic             string   `yaml:"fill_topic"`
	TargetTopic           string   `yaml:"target_topic"`
	CancellationTopic     string   `yaml:"cancellation_topic"`
	SessionTimeoutSeconds int      `yaml:"session_timeout_seconds"`
	MaxRetries            int      `yaml:"max_retries"`
	RetryBackoffMillis    int      `yaml:"retry_backoff_millis"`
}

// LookupConfig contains the static name directories
type LookupConfig struct {
	Instruments map[string]int64 `yaml:"instruments"`
	Locations   map[string]int64 `yaml:"locations"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel string `yaml:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
}

// ConcurrencyConfig contains worker pool settings
type ConcurrencyConfig struct {
	CancelPoolSize   int `yaml:"cancel_pool_size" validate:"min=1,max=100"`
	CancelPoolBuffer int `yaml:"cancel_pool_buffer" validate:"min=1,max=10000"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
	StdoutTraces  bool `yaml:"stdout_traces"`
	StdoutLogs    bool `yaml:"stdout_logs"`
}

// AlertingConfig configures outbound alert channels. An empty value
// disables that channel.
type AlertingConfig struct {
	SlackWebhookURL  string `yaml:"slack_webhook_url"`
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateServerConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateLedgerConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateStoreConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateKafkaConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateLookupConfig(); err != nil {
		errors = append(errors, err.Error())
	}
	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateServerConfig() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return ValidationError{
			Field:   "server.port",
			Value:   c.Server.Port,
			Message: "must be a valid TCP port",
		}
	}
	if c.Server.MaxConnections < 0 {
		return ValidationError{
			Field:   "server.max_connections",
			Value:   c.Server.MaxConnections,
			Message: "must not be negative",
		}
	}
	return nil
}

func (c *Config) validateLedgerConfig() error {
	if c.Ledger.RecentFillsCap < 0 {
		return ValidationError{
			Field:   "ledger.recent_fills_cap",
			Value:   c.Ledger.RecentFillsCap,
			Message: "must not be negative",
		}
	}
	if c.Ledger.MaxExpMagnitude < 0 {
		return ValidationError{
			Field:   "ledger.max_exp_magnitude",
			Value:   c.Ledger.MaxExpMagnitude,
			Message: "must not be negative",
		}
	}
	return nil
}

func (c *Config) validateStoreConfig() error {
	validDrivers := []string{"sqlite", "memory"}
	if !contains(validDrivers, c.Store.Driver) {
		return ValidationError{
			Field:   "store.driver",
			Value:   c.Store.Driver,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validDrivers, ", ")),
		}
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		return ValidationError{
			Field:   "store.path",
			Message: "database path is required for the sqlite driver",
		}
	}
	return nil
}

func (c *Config) validateKafkaConfig() error {
	if !c.Kafka.Enabled {
		return nil
	}
	if len(c.Kafka.Brokers) == 0 {
		return ValidationError{
			Field:   "kafka.brokers",
			Message: "at least one broker is required when kafka is enabled",
		}
	}
	if c.Kafka.FillTopic == "" {
		return ValidationError{
			Field:   "kafka.fill_topic",
			Message: "fill topic is required when kafka is enabled",
		}
	}
	return nil
}

func (c *Config) validateLookupConfig() error {
	for name, id := range c.Lookup.Instruments {
		if id <= 0 {
			return ValidationError{
				Field:   fmt.Sprintf("lookup.instruments.%s", name),
				Value:   id,
				Message: "instrument id must be positive",
			}
		}
	}
	for name, id := range c.Lookup.Locations {
		if id <= 0 {
			return ValidationError{
				Field:   fmt.Sprintf("lookup.locations.%s", name),
				Value:   id,
				Message: "location id must be positive",
			}
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

// String returns a string representation of the configuration
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			AllowedOrigins:  []string{"*"},
			MaxConnections:  1024,
			RateLimitPerSec: 10,
			RateLimitBurst:  20,
		},
		Ledger: LedgerConfig{
			RecentFillsCap:  64,
			MaxExpMagnitude: 18,
		},
		Hub: HubConfig{
			SubscriberBuffer: 256,
		},
		Ingest: IngestConfig{
			DedupWindowSeconds: 86400,
		},
		Store: StoreConfig{
			Driver:                 "memory",
			PersistIntervalSeconds: 30,
		},
		Kafka: KafkaConfig{
			Enabled:               false,
			GroupID:               "crosslink",
			FillTopic:             "crosslink.fills",
			TargetTopic:           "crosslink.target.accepted",
			CancellationTopic:     "crosslink.target.cancelled",
			SessionTimeoutSeconds: 10,
			MaxRetries:            3,
			RetryBackoffMillis:    100,
		},
		Lookup: LookupConfig{
			Instruments: map[string]int64{"BTC-USD": 1, "ETH-USD": 2},
			Locations:   map[string]int64{"NYC4": 1},
		},
		System: SystemConfig{
			LogLevel: "INFO",
		},
		Concurrency: ConcurrencyConfig{
			CancelPoolSize:   8,
			CancelPoolBuffer: 1024,
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: true,
		},
	}
}
