// Package config provides configuration management for the server
// core, using a viper-backed load/env-override/template pattern.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all server configuration: session/upstream/trading
// tunables plus the ambient logging/server/broker sections.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Session  SessionConfig  `mapstructure:"session"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
	Trading  TradingConfig  `mapstructure:"trading"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Broker   BrokerConfig   `mapstructure:"-"`
}

// ServerConfig holds listener and downstream-channel settings.
type ServerConfig struct {
	ListenAddr          string        `mapstructure:"listen_addr"`
	HeartbeatInterval   time.Duration `mapstructure:"heartbeat_interval"`
	ChannelSendQueue    int           `mapstructure:"channel_send_queue"`
	ChannelSendDeadline time.Duration `mapstructure:"channel_send_deadline"`
}

// SessionConfig holds Session Registry and command-loop settings.
type SessionConfig struct {
	CommandQueue             int           `mapstructure:"command_queue"`
	PersistenceFlushInterval time.Duration `mapstructure:"persistence_flush_interval"`
	TTLWarm                  time.Duration `mapstructure:"session_ttl_warm"`
	TTLCold                  time.Duration `mapstructure:"session_ttl_cold"`
}

// UpstreamConfig holds Upstream Feed Client settings.
type UpstreamConfig struct {
	ReadDeadline            time.Duration `mapstructure:"upstream_read_deadline"`
	ReconnectBackoffBase    time.Duration `mapstructure:"reconnect_backoff_base"`
	ReconnectBackoffMax     time.Duration `mapstructure:"reconnect_backoff_max"`
	ReconnectBackoffJitter  float64       `mapstructure:"reconnect_backoff_jitter"`
	SubscriptionBatchWindow time.Duration `mapstructure:"subscription_batch_window"`
	SubscribeRateLimit      int           `mapstructure:"subscribe_rate_limit_per_min"`
}

// TradingConfig holds Paper Trade Engine and square-off settings.
type TradingConfig struct {
	MarketTimezone string  `mapstructure:"market_timezone"`
	SquareOffStart string  `mapstructure:"square_off_start"`
	SquareOffEnd   string  `mapstructure:"square_off_end"`
	AutoSquareOff  bool    `mapstructure:"auto_square_off"`
	PerTradeCap    float64 `mapstructure:"per_trade_cap"`
	AllowAveraging bool    `mapstructure:"allow_averaging"`
}

// LoggingConfig mirrors internal/logging.Config for TOML binding.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// BrokerConfig holds upstream broker credentials, loaded separately
// so they never round-trip through the main config template.
type BrokerConfig struct {
	APIKey      string `mapstructure:"api_key"`
	APISecret   string `mapstructure:"api_secret"`
	AccessToken string `mapstructure:"access_token"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:          ":8080",
			HeartbeatInterval:   10 * time.Second,
			ChannelSendQueue:    256,
			ChannelSendDeadline: 10 * time.Second,
		},
		Session: SessionConfig{
			CommandQueue:             1024,
			PersistenceFlushInterval: 5 * time.Second,
			TTLWarm:                  30 * time.Minute,
			TTLCold:                  7 * 24 * time.Hour,
		},
		Upstream: UpstreamConfig{
			ReadDeadline:            40 * time.Second,
			ReconnectBackoffBase:    time.Second,
			ReconnectBackoffMax:     30 * time.Second,
			ReconnectBackoffJitter:  0.2,
			SubscriptionBatchWindow: 100 * time.Millisecond,
			SubscribeRateLimit:      180,
		},
		Trading: TradingConfig{
			MarketTimezone: "Asia/Kolkata",
			SquareOffStart: "15:15",
			SquareOffEnd:   "15:30",
			AutoSquareOff:  true,
			PerTradeCap:    1.0,
			AllowAveraging: true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Console:    true,
			File:       true,
			FilePath:   filepath.Join(DefaultConfigDir(), "logs", "server.log"),
			MaxSizeMB:  100,
			MaxBackups: 7,
			MaxAgeDays: 30,
		},
	}
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/marketstream"
	}
	return filepath.Join(home, ".config", "marketstream")
}

// Load loads configuration from configDir, falling back to defaults
// and writing a template file when none exists.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := Default()

	if err := loadConfigFile(configDir, "config", cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if err := loadBrokerConfig(configDir, &cfg.Broker); err != nil {
		return nil, fmt.Errorf("loading broker.toml: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func loadConfigFile(configDir, name string, target *Config) error {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return writeTemplate(configDir, name+".toml", configTemplate)
		}
		return err
	}

	return v.Unmarshal(target)
}

func loadBrokerConfig(configDir string, broker *BrokerConfig) error {
	v := viper.New()
	v.SetConfigName("broker")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return writeTemplate(configDir, "broker.toml", brokerTemplate)
		}
		return err
	}

	return v.Unmarshal(broker)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BROKER_API_KEY"); v != "" {
		cfg.Broker.APIKey = v
	}
	if v := os.Getenv("BROKER_API_SECRET"); v != "" {
		cfg.Broker.APISecret = v
	}
	if v := os.Getenv("BROKER_ACCESS_TOKEN"); v != "" {
		cfg.Broker.AccessToken = v
	}
	if v := os.Getenv("SERVER_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Trading.PerTradeCap <= 0 || c.Trading.PerTradeCap > 1 {
		return fmt.Errorf("per_trade_cap must be in (0, 1]")
	}
	if c.Upstream.ReconnectBackoffJitter < 0 || c.Upstream.ReconnectBackoffJitter > 1 {
		return fmt.Errorf("reconnect_backoff_jitter must be in [0, 1]")
	}
	if c.Session.CommandQueue <= 0 {
		return fmt.Errorf("command_queue must be positive")
	}
	if c.Server.ChannelSendQueue <= 0 {
		return fmt.Errorf("channel_send_queue must be positive")
	}
	return nil
}

func writeTemplate(configDir, filename, content string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}
	path := filepath.Join(configDir, filename)
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	return os.WriteFile(path, []byte(content), 0644)
}

const configTemplate = `# marketstream server configuration
[server]
listen_addr = ":8080"
heartbeat_interval = "10s"
channel_send_queue = 256
channel_send_deadline = "10s"

[session]
command_queue = 1024
persistence_flush_interval = "5s"
session_ttl_warm = "30m"
session_ttl_cold = "168h"

[upstream]
upstream_read_deadline = "40s"
reconnect_backoff_base = "1s"
reconnect_backoff_max = "30s"
reconnect_backoff_jitter = 0.2
subscription_batch_window = "100ms"
subscribe_rate_limit_per_min = 180

[trading]
market_timezone = "Asia/Kolkata"
square_off_start = "15:15"
square_off_end = "15:30"
auto_square_off = true
per_trade_cap = 1.0
allow_averaging = true

[logging]
level = "info"
console = true
file = true
max_size_mb = 100
max_backups = 7
max_age_days = 30
`

const brokerTemplate = `# broker credentials — fill in or set BROKER_* env vars
api_key = ""
api_secret = ""
access_token = ""
`
