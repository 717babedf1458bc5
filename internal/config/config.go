// Package config loads service configuration from an optional YAML file and
// TOOTHCHART_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	// EnvPrefix prefixes every environment override, e.g. TOOTHCHART_SERVER_PORT
	EnvPrefix = "TOOTHCHART"
	// FileName is the config file looked up in the config path
	FileName = "toothchart"
)

// Storage drivers
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Database    DatabaseConfig    `mapstructure:"database"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Kafka       KafkaConfig       `mapstructure:"kafka"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Log         LogConfig         `mapstructure:"log"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Idempotency IdempotencyConfig `mapstructure:"idempotency"`
	Outbox      OutboxConfig      `mapstructure:"outbox"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Environment  string        `mapstructure:"environment"`
}

type StorageConfig struct {
	// Driver selects the chart store: postgres or memory
	Driver  string        `mapstructure:"driver"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type DatabaseConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

type CacheConfig struct {
	// Path of the SQLite session cache; empty disables the cache
	Path string `mapstructure:"path"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
}

type AuthConfig struct {
	// APIKeys lists "key:userID" pairs
	APIKeys []string `mapstructure:"api_keys"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
}

type IdempotencyConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type OutboxConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type BreakerConfig struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	OpenTimeout      time.Duration `mapstructure:"open_timeout"`
}

var defaults = map[string]any{
	"server.port":               8080,
	"server.read_timeout":       "15s",
	"server.write_timeout":      "15s",
	"server.environment":        "development",
	"storage.driver":            DriverMemory,
	"storage.timeout":           "5s",
	"database.url":              "",
	"database.max_conns":        10,
	"cache.path":                "data/session-cache.db",
	"kafka.brokers":             []string{"localhost:9092"},
	"auth.api_keys":             []string{},
	"log.level":                 "info",
	"tracing.enabled":           false,
	"tracing.endpoint":          "localhost:4317",
	"tracing.sample_rate":       1.0,
	"idempotency.enabled":       false,
	"idempotency.ttl":           "24h",
	"outbox.poll_interval":      "250ms",
	"outbox.batch_size":         100,
	"outbox.max_retries":        5,
	"breaker.failure_threshold": 5,
	"breaker.open_timeout":      "15s",
}

// Load reads configuration. The config file is optional; every key has a
// default and can be overridden by environment.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}

	v.SetConfigName(FileName)
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for values the service cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Storage.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q must be postgres or memory", c.Storage.Driver))
	}
	if c.Storage.Timeout < 0 {
		errs = append(errs, errors.New("storage.timeout must not be negative"))
	}
	if c.Idempotency.Enabled && c.Idempotency.TTL <= 0 {
		errs = append(errs, errors.New("idempotency.ttl must be positive"))
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_rate %v not in [0,1]", c.Tracing.SampleRate))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if _, err := c.Auth.Users(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Users maps each API key to the user id it authenticates
func (a AuthConfig) Users() (map[string]string, error) {
	users := make(map[string]string, len(a.APIKeys))
	for _, pair := range a.APIKeys {
		key, user, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if !ok || key == "" || user == "" {
			return nil, fmt.Errorf("auth.api_keys entry %q must be key:userID", pair)
		}
		users[key] = user
	}
	return users, nil
}

// Addr returns the listen address
func (s ServerConfig) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

// NewLogger builds the production zap logger at the configured level.
// Debug level switches to the development encoder.
func (l LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	if level == zapcore.DebugLevel {
		return zap.NewDevelopment()
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
