// Package config holds the defaults shared by the tinymc binaries and loads
// their configuration from file, environment and flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nicktill/tinymc/pkg/sdk/batch"
	"github.com/nicktill/tinymc/pkg/sdk/flush"
	"github.com/nicktill/tinymc/pkg/sdk/transport"
)

// Client defaults
const (
	DefaultSendAPI       = "http://localhost:6066/v1/metric/send"
	DefaultFlushInterval = flush.DefaultInterval
	DefaultMaxBatchSize  = batch.DefaultMaxBatchSize
	DefaultRetryDelay    = batch.DefaultRetryDelay
	DefaultSendTimeout   = transport.DefaultTimeout
)

// Gateway defaults
const (
	DefaultGatewayAddr     = ":6066"
	DefaultShutdownTimeout = 10 * time.Second
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSSendBuffer      = 64
	WSReadLimit       = 512
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// EnvPrefix prefixes every environment override, e.g. TINYMC_CLIENT_TOKEN.
const EnvPrefix = "TINYMC"

// Config is the configuration of the tinymc binaries.
type Config struct {
	Client  ClientConfig  `mapstructure:"client"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Log     LogConfig     `mapstructure:"log"`
}

// ClientConfig configures a metric client.
type ClientConfig struct {
	SendAPI       string        `mapstructure:"send_api"`
	Token         string        `mapstructure:"token"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	MaxBatchSize  int           `mapstructure:"max_batch_size"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Daemon        bool          `mapstructure:"daemon_mode"`
}

// GatewayConfig configures the development gateway.
type GatewayConfig struct {
	Addr            string        `mapstructure:"addr"`
	Token           string        `mapstructure:"token"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig configures the zap logger of a binary.
type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// New returns a viper instance carrying every default and reading TINYMC_*
// environment overrides.
func New() *viper.Viper {
	v := viper.New()

	v.SetDefault("client.send_api", DefaultSendAPI)
	v.SetDefault("client.token", "")
	v.SetDefault("client.flush_interval", DefaultFlushInterval)
	v.SetDefault("client.max_batch_size", DefaultMaxBatchSize)
	v.SetDefault("client.retry_delay", DefaultRetryDelay)
	v.SetDefault("client.timeout", DefaultSendTimeout)
	v.SetDefault("client.daemon_mode", false)

	v.SetDefault("gateway.addr", DefaultGatewayAddr)
	v.SetDefault("gateway.token", "")
	v.SetDefault("gateway.shutdown_timeout", DefaultShutdownTimeout)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the optional config file at path into v and decodes the result.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.Client.MaxBatchSize < 0 {
		return Config{}, errors.New("client.max_batch_size cannot be negative")
	}
	return cfg, nil
}
