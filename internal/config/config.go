package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all runtime configuration for the chat server.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Shutdown  ShutdownConfig  `mapstructure:"shutdown"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig contains network level settings for the HTTP/WebSocket listener.
type ServerConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WebSocketConfig controls the chat endpoint and connection admission.
type WebSocketConfig struct {
	Path           string        `mapstructure:"path"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	EventQueueSize int           `mapstructure:"event_queue_size"`
	AcceptRate     float64       `mapstructure:"accept_rate"`
	AcceptBurst    int           `mapstructure:"accept_burst"`
}

// HeartbeatConfig controls the liveness broadcast.
type HeartbeatConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// ShutdownConfig controls the graceful shutdown sequence.
type ShutdownConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period"`
	Reason      string        `mapstructure:"reason"`
}

// BroadcastConfig selects the pub/sub backend for the global group.
type BroadcastConfig struct {
	Backend       string        `mapstructure:"backend"`
	NATSURL       string        `mapstructure:"nats_url"`
	SubjectPrefix string        `mapstructure:"subject_prefix"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// LoggingConfig controls zap logger level/encoding.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Encoding    string `mapstructure:"encoding"`
	Development bool   `mapstructure:"development"`
}

const (
	BackendMemory = "memory"
	BackendNATS   = "nats"
)

// Load reads configuration from an optional .env file, environment variables,
// an optional config file and the given flag set (may be nil).
func Load(flags *pflag.FlagSet) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("chatd")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("CHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := bindFlags(v, flags); err != nil {
			return Config{}, err
		}
		if f := flags.Lookup("config"); f != nil && f.Value.String() != "" {
			v.SetConfigFile(f.Value.String())
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}

	if cfg.WebSocket.EventQueueSize <= 0 {
		cfg.WebSocket.EventQueueSize = 16
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("websocket.path", "/ws/")
	v.SetDefault("websocket.max_message_size", 64<<10)
	v.SetDefault("websocket.write_timeout", time.Duration(0))
	v.SetDefault("websocket.event_queue_size", 16)
	v.SetDefault("websocket.accept_rate", 0.0)
	v.SetDefault("websocket.accept_burst", 100)

	v.SetDefault("heartbeat.interval", 30*time.Second)

	v.SetDefault("shutdown.grace_period", 8*time.Second)
	v.SetDefault("shutdown.reason", "Server is shutting down")

	v.SetDefault("broadcast.backend", BackendMemory)
	v.SetDefault("broadcast.nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("broadcast.subject_prefix", "chat.group")
	v.SetDefault("broadcast.max_reconnects", 10)
	v.SetDefault("broadcast.reconnect_wait", 2*time.Second)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.endpoint", "/metrics/")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.encoding", "json")
	v.SetDefault("logging.development", false)
}

var flagKeys = map[string]string{
	"host":      "server.host",
	"port":      "server.port",
	"log-level": "logging.level",
	"backend":   "broadcast.backend",
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := flags.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("bind flag %s: %w", name, err)
		}
	}
	return nil
}

// Validate checks configuration for errors.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	if !strings.HasPrefix(c.WebSocket.Path, "/") {
		return fmt.Errorf("websocket.path must start with /, got %q", c.WebSocket.Path)
	}
	if c.WebSocket.AcceptRate < 0 {
		return fmt.Errorf("websocket.accept_rate must be >= 0, got %v", c.WebSocket.AcceptRate)
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("heartbeat.interval must be > 0, got %s", c.Heartbeat.Interval)
	}
	if c.Shutdown.GracePeriod < 0 {
		return fmt.Errorf("shutdown.grace_period must be >= 0, got %s", c.Shutdown.GracePeriod)
	}
	switch c.Broadcast.Backend {
	case BackendMemory, BackendNATS:
	default:
		return fmt.Errorf("broadcast.backend must be one of: memory, nats (got: %s)", c.Broadcast.Backend)
	}
	switch c.Logging.Encoding {
	case "json", "console":
	default:
		return fmt.Errorf("logging.encoding must be one of: json, console (got: %s)", c.Logging.Encoding)
	}
	return nil
}
