// ABOUTME: Configuration loading and parsing for huddle
// ABOUTME: YAML or TOML files with ${VAR} expansion, HUDDLE_* env overrides and defaults

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. HUDDLE_AUTH_JWT_SECRET.
const EnvPrefix = "HUDDLE_"

// Config represents the complete huddle configuration
type Config struct {
	Server   ServerConfig   `yaml:"server" toml:"server" envPrefix:"SERVER_"`
	Database DatabaseConfig `yaml:"database" toml:"database" envPrefix:"DATABASE_"`
	Auth     AuthConfig     `yaml:"auth" toml:"auth" envPrefix:"AUTH_"`
	Cache    CacheConfig    `yaml:"cache" toml:"cache" envPrefix:"CACHE_"`
	Registry RegistryConfig `yaml:"registry" toml:"registry" envPrefix:"REGISTRY_"`
	Realtime RealtimeConfig `yaml:"realtime" toml:"realtime" envPrefix:"REALTIME_"`
	Redis    RedisConfig    `yaml:"redis" toml:"redis" envPrefix:"REDIS_"`
	Logging  LoggingConfig  `yaml:"logging" toml:"logging" envPrefix:"LOGGING_"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics" envPrefix:"METRICS_"`
}

// ServerConfig holds listen addresses
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr" env:"HTTP_ADDR"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr" env:"GRPC_ADDR"` // empty disables the gRPC health server
}

// DatabaseConfig selects and locates the durable store
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver" env:"DRIVER"` // sqlite | postgres
	Path   string `yaml:"path" toml:"path" env:"PATH"`       // sqlite file, or :memory:
	DSN    string `yaml:"dsn" toml:"dsn" env:"DSN"`          // postgres connection string
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret" env:"JWT_SECRET"`
}

// CacheConfig sizes the message history cache
type CacheConfig struct {
	MaxEntries     int `yaml:"max_entries" toml:"max_entries" env:"MAX_ENTRIES"`
	ErrorThreshold int `yaml:"error_threshold" toml:"error_threshold" env:"ERROR_THRESHOLD"`
}

// RegistryConfig tunes the participant index
type RegistryConfig struct {
	LookupTimeout time.Duration `yaml:"lookup_timeout" toml:"lookup_timeout" env:"LOOKUP_TIMEOUT"`
	IndexSize     int           `yaml:"index_size" toml:"index_size" env:"INDEX_SIZE"`
	IndexTTL      time.Duration `yaml:"index_ttl" toml:"index_ttl" env:"INDEX_TTL"`
}

// RealtimeConfig tunes connections and delivery
type RealtimeConfig struct {
	SendQueueSize  int           `yaml:"send_queue_size" toml:"send_queue_size" env:"SEND_QUEUE_SIZE"`
	WriteTimeout   time.Duration `yaml:"write_timeout" toml:"write_timeout" env:"WRITE_TIMEOUT"`
	PingInterval   time.Duration `yaml:"ping_interval" toml:"ping_interval" env:"PING_INTERVAL"`
	PersistTimeout time.Duration `yaml:"persist_timeout" toml:"persist_timeout" env:"PERSIST_TIMEOUT"`
	TypingInterval time.Duration `yaml:"typing_interval" toml:"typing_interval" env:"TYPING_INTERVAL"`
	DeliveryPolicy string        `yaml:"delivery_policy" toml:"delivery_policy" env:"DELIVERY_POLICY"` // participants | rooms
	MaxFrameBytes  int64         `yaml:"max_frame_bytes" toml:"max_frame_bytes" env:"MAX_FRAME_BYTES"`
}

// RedisConfig enables the cross-node presence mirror
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled" toml:"enabled" env:"ENABLED"`
	Addr        string        `yaml:"addr" toml:"addr" env:"ADDR"`
	Password    string        `yaml:"password" toml:"password" env:"PASSWORD"`
	DB          int           `yaml:"db" toml:"db" env:"DB"`
	PresenceTTL time.Duration `yaml:"presence_ttl" toml:"presence_ttl" env:"PRESENCE_TTL"`
	NodeID      string        `yaml:"node_id" toml:"node_id" env:"NODE_ID"` // defaults to the hostname
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" env:"LEVEL"`
	Format string `yaml:"format" toml:"format" env:"FORMAT"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" toml:"path" env:"PATH"`
}

// Default returns the configuration used for anything a file or the
// environment does not set.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr: "127.0.0.1:8080",
			GRPCAddr: "127.0.0.1:50051",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			Path:   "huddle.db",
		},
		Cache: CacheConfig{
			MaxEntries:     1024,
			ErrorThreshold: 100,
		},
		Registry: RegistryConfig{
			LookupTimeout: 2 * time.Second,
			IndexSize:     4096,
			IndexTTL:      30 * time.Second,
		},
		Realtime: RealtimeConfig{
			SendQueueSize:  64,
			WriteTimeout:   10 * time.Second,
			PingInterval:   30 * time.Second,
			PersistTimeout: 5 * time.Second,
			TypingInterval: 2 * time.Second,
			DeliveryPolicy: "participants",
			MaxFrameBytes:  64 * 1024,
		},
		Redis: RedisConfig{
			Addr:        "127.0.0.1:6379",
			PresenceTTL: 2 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
	}
}

// Load reads a configuration file (YAML, or TOML for .toml files) over the
// defaults, then applies HUDDLE_* environment overrides and validates.
// Environment variables in the format ${VAR_NAME} inside the file are expanded.
// An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := decode(path, expandEnvVars(string(data)), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func decode(path, content string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(content, cfg)
		return err
	case ".yaml", ".yml", "":
		return yaml.Unmarshal([]byte(content), cfg)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return errors.New("server.http_addr is required")
	}

	switch c.Database.Driver {
	case "sqlite":
		if c.Database.Path == "" {
			return errors.New("database.path is required for the sqlite driver")
		}
	case "postgres":
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}

	if c.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return errors.New("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Cache.MaxEntries <= 0 {
		return errors.New("cache.max_entries must be positive")
	}
	if c.Cache.ErrorThreshold < 0 {
		return errors.New("cache.error_threshold must not be negative")
	}

	if c.Registry.LookupTimeout <= 0 || c.Registry.IndexTTL <= 0 {
		return errors.New("registry.lookup_timeout and registry.index_ttl must be positive")
	}
	if c.Registry.IndexSize <= 0 {
		return errors.New("registry.index_size must be positive")
	}

	rt := c.Realtime
	if rt.SendQueueSize <= 0 {
		return errors.New("realtime.send_queue_size must be positive")
	}
	if rt.WriteTimeout <= 0 || rt.PingInterval <= 0 || rt.PersistTimeout <= 0 {
		return errors.New("realtime.write_timeout, ping_interval and persist_timeout must be positive")
	}
	if rt.TypingInterval < 0 {
		return errors.New("realtime.typing_interval must not be negative")
	}
	if rt.DeliveryPolicy != "participants" && rt.DeliveryPolicy != "rooms" {
		return fmt.Errorf("realtime.delivery_policy must be participants or rooms, got %q", rt.DeliveryPolicy)
	}
	if rt.MaxFrameBytes <= 0 {
		return errors.New("realtime.max_frame_bytes must be positive")
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return errors.New("redis.addr is required when redis is enabled")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return errors.New("metrics.path must start with /")
	}

	return nil
}
