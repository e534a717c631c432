// Package config loads client and relay settings from flags, environment
// variables (prefix ROOMCHAT_) and an optional YAML file, in that order of
// precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/whisper/roomchat/internal/identity"
	"github.com/whisper/roomchat/internal/logging"
)

// EnvPrefix is prepended to every environment variable, e.g.
// ROOMCHAT_SERVER_URL.
const EnvPrefix = "ROOMCHAT"

// Transports.
const (
	TransportWS   = "ws"
	TransportNATS = "nats"
)

// Identity backends.
const (
	BackendPebble = "pebble"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Relay fan-out modes.
const (
	ModeBroadcast = "broadcast"
	ModeRoom      = "room"
)

// ClientConfig holds the terminal client's settings.
type ClientConfig struct {
	Address           string `mapstructure:"address"`    // navigable address; ?room= selects the room
	ServerURL         string `mapstructure:"server_url"` // WebSocket endpoint
	Transport         string `mapstructure:"transport"`  // ws | nats
	NATSURL           string `mapstructure:"nats_url"`
	NATSSubjectPrefix string `mapstructure:"nats_subject_prefix"`
	IdentityBackend   string `mapstructure:"identity_backend"` // pebble | redis | memory
	DataDir           string `mapstructure:"data_dir"`
	RedisAddr         string `mapstructure:"redis_addr"`
	RedisPrefix       string `mapstructure:"redis_prefix"`
	LogLevel          string `mapstructure:"log_level"`
	LogPretty         bool   `mapstructure:"log_pretty"`
	MetricsAddr       string `mapstructure:"metrics_addr"` // empty disables the metrics listener
}

// DefaultClientConfig returns a ClientConfig with local development defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Address:           "roomchat://local/",
		ServerURL:         "ws://localhost:8080/ws",
		Transport:         TransportWS,
		NATSURL:           "nats://127.0.0.1:4222",
		NATSSubjectPrefix: "roomchat",
		IdentityBackend:   BackendPebble,
		DataDir:           defaultDataDir(),
		RedisAddr:         "localhost:6379",
		RedisPrefix:       identity.DefaultRedisPrefix,
		LogLevel:          "warn",
	}
}

// Validate rejects unknown transports and backends and missing endpoints.
func (c ClientConfig) Validate() error {
	switch c.Transport {
	case TransportWS:
		if c.ServerURL == "" {
			return errors.New("config: server_url is required for the ws transport")
		}
	case TransportNATS:
		if c.NATSURL == "" {
			return errors.New("config: nats_url is required for the nats transport")
		}
	default:
		return fmt.Errorf("config: unknown transport %q (want %s or %s)", c.Transport, TransportWS, TransportNATS)
	}

	switch c.IdentityBackend {
	case BackendPebble:
		if c.DataDir == "" {
			return errors.New("config: data_dir is required for the pebble identity backend")
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return errors.New("config: redis_addr is required for the redis identity backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("config: unknown identity backend %q", c.IdentityBackend)
	}
	return nil
}

// Logging returns the logger settings.
func (c ClientConfig) Logging() logging.Config {
	return logging.Config{Level: c.LogLevel, Pretty: c.LogPretty, Service: "roomchat"}
}

// RelayConfig holds the development relay's settings.
type RelayConfig struct {
	ListenAddr        string        `mapstructure:"listen_addr"`
	Mode              string        `mapstructure:"mode"` // broadcast | room
	MaxConnections    int           `mapstructure:"max_connections"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
	RedisAddr         string        `mapstructure:"redis_addr"` // empty disables rate limiting
	MessageLimit      int           `mapstructure:"message_limit"`
	MessageWindow     time.Duration `mapstructure:"message_window"`
	LogLevel          string        `mapstructure:"log_level"`
	LogPretty         bool          `mapstructure:"log_pretty"`
}

// DefaultRelayConfig returns a RelayConfig with sensible defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		ListenAddr:        ":8080",
		Mode:              ModeBroadcast,
		MaxConnections:    10000,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  10 * time.Second,
		MessageLimit:      20,
		MessageWindow:     10 * time.Second,
		LogLevel:          "info",
	}
}

// Validate rejects unknown modes and non-positive limits.
func (c RelayConfig) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("config: listen_addr is required")
	}
	if c.Mode != ModeBroadcast && c.Mode != ModeRoom {
		return fmt.Errorf("config: unknown relay mode %q (want %s or %s)", c.Mode, ModeBroadcast, ModeRoom)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("config: max_connections must be positive, got %d", c.MaxConnections)
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatTimeout <= 0 {
		return errors.New("config: heartbeat_interval and heartbeat_timeout must be positive")
	}
	if c.RedisAddr != "" && (c.MessageLimit <= 0 || c.MessageWindow <= 0) {
		return errors.New("config: message_limit and message_window must be positive when rate limiting")
	}
	return nil
}

// Logging returns the logger settings.
func (c RelayConfig) Logging() logging.Config {
	return logging.Config{Level: c.LogLevel, Pretty: c.LogPretty, Service: "relay"}
}

// ---------------------------------------------------------------------------
// Flags and loading
// ---------------------------------------------------------------------------

// FlagConfigFile names the flag that points at a YAML config file.
const FlagConfigFile = "config"

// AddClientFlags registers the client's flags on cmd with their defaults.
func AddClientFlags(cmd *cobra.Command) {
	d := DefaultClientConfig()
	f := cmd.Flags()
	f.String(FlagConfigFile, "", "path to a YAML config file")
	f.String("address", d.Address, "navigable address; ?room=<id> selects the room to resume")
	f.String("server_url", d.ServerURL, "WebSocket endpoint")
	f.String("transport", d.Transport, "realtime transport: ws or nats")
	f.String("nats_url", d.NATSURL, "NATS server URL")
	f.String("nats_subject_prefix", d.NATSSubjectPrefix, "NATS subject prefix")
	f.String("identity_backend", d.IdentityBackend, "where the display name is remembered: pebble, redis or memory")
	f.String("data_dir", d.DataDir, "directory for the pebble identity store")
	f.String("redis_addr", d.RedisAddr, "Redis address for the redis identity backend")
	f.String("redis_prefix", d.RedisPrefix, "Redis key prefix")
	f.String("log_level", d.LogLevel, "log level")
	f.Bool("log_pretty", d.LogPretty, "human-readable logs")
	f.String("metrics_addr", d.MetricsAddr, "serve Prometheus metrics on this address")
}

// AddRelayFlags registers the relay's flags on cmd with their defaults.
func AddRelayFlags(cmd *cobra.Command) {
	d := DefaultRelayConfig()
	f := cmd.Flags()
	f.String(FlagConfigFile, "", "path to a YAML config file")
	f.String("listen_addr", d.ListenAddr, "address to listen on")
	f.String("mode", d.Mode, "fan-out mode: broadcast or room")
	f.Int("max_connections", d.MaxConnections, "hard cap on concurrent connections")
	f.Duration("heartbeat_interval", d.HeartbeatInterval, "how often to ping connections")
	f.Duration("heartbeat_timeout", d.HeartbeatTimeout, "grace period after a missed ping")
	f.String("redis_addr", d.RedisAddr, "Redis address for per-connection rate limiting; empty disables it")
	f.Int("message_limit", d.MessageLimit, "chat frames allowed per connection per window")
	f.Duration("message_window", d.MessageWindow, "rate limiting window")
	f.String("log_level", d.LogLevel, "log level")
	f.Bool("log_pretty", d.LogPretty, "human-readable logs")
}

// LoadClient resolves the client configuration for cmd.
func LoadClient(cmd *cobra.Command) (ClientConfig, error) {
	v, err := load(cmd, "roomchat")
	if err != nil {
		return ClientConfig{}, err
	}
	cfg := DefaultClientConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return ClientConfig{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return ClientConfig{}, err
	}
	return cfg, nil
}

// LoadRelay resolves the relay configuration for cmd.
func LoadRelay(cmd *cobra.Command) (RelayConfig, error) {
	v, err := load(cmd, "relay")
	if err != nil {
		return RelayConfig{}, err
	}
	cfg := DefaultRelayConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return RelayConfig{}, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return RelayConfig{}, err
	}
	return cfg, nil
}

// load builds a viper instance bound to cmd's flags and the environment,
// and reads the config file named by --config, or <name>.yaml from the
// working directory when present.
func load(cmd *cobra.Command, name string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return nil, fmt.Errorf("config: bind flags: %w", err)
	}

	if file := v.GetString(FlagConfigFile); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", file, err)
		}
		return v, nil
	}

	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read config: %w", err)
		}
	}
	return v, nil
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "roomchat")
	}
	return ".roomchat"
}
