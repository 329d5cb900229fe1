// Package config loads the gateway's YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a gateway process.
type Config struct {
	Logging  LoggingConfig `yaml:"logging"`
	Session  SessionConfig `yaml:"session"`
	Stream   StreamConfig  `yaml:"stream"`
	FIX      FIXConfig     `yaml:"fix"`
	Retry    RetryConfig   `yaml:"retry"`
	Database DBConfig      `yaml:"database"`
	Writer   WriterConfig  `yaml:"writer"`
	Redis    RedisConfig   `yaml:"redis"`
	Metrics  MetricsConfig `yaml:"metrics"`
}

// LoggingConfig selects the zap level and encoding.
type LoggingConfig struct {
	Level            string   `yaml:"level"`
	Encoding         string   `yaml:"encoding"` // json or console
	Development      bool     `yaml:"development"`
	OutputPaths      []string `yaml:"output_paths"`
	ErrorOutputPaths []string `yaml:"error_output_paths"`
}

// SessionConfig holds the ids stamped onto every private event.
type SessionConfig struct {
	PortfolioID string `yaml:"portfolio_id"`
	StrategyID  string `yaml:"strategy_id"`
	AccountID   string `yaml:"account_id"`
}

// StreamConfig holds WebSocket stream session settings.
type StreamConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Name               string        `yaml:"name"`
	WSURL              string        `yaml:"ws_url"`
	RestURL            string        `yaml:"rest_url"`
	APIKey             string        `yaml:"api_key"`
	Futures            bool          `yaml:"futures"`
	UserData           bool          `yaml:"user_data"` // subscribe the listen-key stream
	Topics             []string      `yaml:"topics"`
	RenewInterval      time.Duration `yaml:"renew_interval"`
	CheckInterval      time.Duration `yaml:"check_interval"`
	StaleTimeout       time.Duration `yaml:"stale_timeout"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	MaxConnectAttempts int           `yaml:"max_connect_attempts"`
	QueueCapacity      int           `yaml:"queue_capacity"`
}

// FIXConfig holds order-entry session settings.
type FIXConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	TargetCompID      string        `yaml:"target_comp_id"`
	APIKey            string        `yaml:"api_key"`
	PrivateKeyPath    string        `yaml:"private_key_path"` // Ed25519 PKCS#8 PEM
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	LogonTimeout      time.Duration `yaml:"logon_timeout"`
	MaxAuthFailures   int           `yaml:"max_auth_failures"`
	MessageHandling   int           `yaml:"message_handling"`
	SignOrders        bool          `yaml:"sign_orders"`
}

// RetryConfig bounds reconnect and REST retries.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// DBConfig holds the journal database connection. Empty Host disables it.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// Enabled reports whether a journal database is configured.
func (db DBConfig) Enabled() bool { return db.Host != "" }

// WriterConfig holds journal batching settings.
type WriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// RedisConfig holds the order-event publisher. Empty Addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// Enabled reports whether a Redis publisher is configured.
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// MetricsConfig holds the Prometheus listener.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand ${VAR} environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults loads config and applies default values.
func LoadWithDefaults(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

// LoadAndValidate loads config, applies defaults, and validates.
func LoadAndValidate(path string) (*Config, error) {
	cfg, err := LoadWithDefaults(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}
