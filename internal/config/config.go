package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// BusConfig selects the publish/subscribe transport
type BusConfig struct {
	Driver     string `yaml:"driver"` // redis, nats or memory
	Host       string `yaml:"host"`
	Port       int    `yaml:"port"`
	URL        string `yaml:"url,omitempty"` // Overrides host/port when set
	Prefix     string `yaml:"prefix,omitempty"`
	BufferSize int    `yaml:"buffer_size"`
}

// PublisherConfig controls the commit publisher
type PublisherConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// RelayConfig controls the bus subscriber
type RelayConfig struct {
	ReconnectMin time.Duration `yaml:"reconnect_min"`
	ReconnectMax time.Duration `yaml:"reconnect_max"`
}

// ServerConfig controls the websocket server
type ServerConfig struct {
	Listen        string        `yaml:"listen"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
	PingPeriod    time.Duration `yaml:"ping_period"`
	FanoutWorkers int           `yaml:"fanout_workers"`
}

// LogConfig controls log output
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // json or text
}

// Config holds the application configuration
type Config struct {
	Bus       BusConfig       `yaml:"bus"`
	Publisher PublisherConfig `yaml:"publisher"`
	Relay     RelayConfig     `yaml:"relay"`
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Bus: BusConfig{
			Driver:     "redis",
			Host:       "localhost",
			Port:       6379,
			BufferSize: 1024,
		},
		Publisher: PublisherConfig{Timeout: 2 * time.Second},
		Relay: RelayConfig{
			ReconnectMin: 500 * time.Millisecond,
			ReconnectMax: 30 * time.Second,
		},
		Server: ServerConfig{
			Listen:        ":8000",
			WriteTimeout:  10 * time.Second,
			PingPeriod:    5 * time.Minute,
			FanoutWorkers: 16,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// LoadFromEnv loads configuration from environment variables on top of the defaults
func LoadFromEnv() (*Config, error) {
	cfg := Default()
	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads a YAML config file (path), falls back to environment loader when
// the file does not exist. Environment variables override file values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return LoadFromEnv()
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	// Expand env in URLs
	cfg.Bus.URL = os.ExpandEnv(cfg.Bus.URL)

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Bus.Driver = getEnvWithDefault("EKKO_BUS_DRIVER", cfg.Bus.Driver)
	cfg.Bus.Host = getEnvWithDefault("EKKO_BUS_HOST", cfg.Bus.Host)
	cfg.Bus.Port = getEnvAsInt("EKKO_BUS_PORT", cfg.Bus.Port)
	cfg.Bus.URL = getEnvWithDefault("EKKO_BUS_URL", cfg.Bus.URL)
	cfg.Bus.Prefix = getEnvWithDefault("EKKO_BUS_PREFIX", cfg.Bus.Prefix)
	cfg.Bus.BufferSize = getEnvAsInt("EKKO_BUS_BUFFER_SIZE", cfg.Bus.BufferSize)

	cfg.Publisher.Timeout = getEnvAsDuration("EKKO_PUBLISH_TIMEOUT", cfg.Publisher.Timeout)

	cfg.Relay.ReconnectMin = getEnvAsDuration("EKKO_RECONNECT_MIN", cfg.Relay.ReconnectMin)
	cfg.Relay.ReconnectMax = getEnvAsDuration("EKKO_RECONNECT_MAX", cfg.Relay.ReconnectMax)

	cfg.Server.Listen = getEnvWithDefault("EKKO_LISTEN", cfg.Server.Listen)
	cfg.Server.WriteTimeout = getEnvAsDuration("EKKO_WRITE_TIMEOUT", cfg.Server.WriteTimeout)
	cfg.Server.PingPeriod = getEnvAsDuration("EKKO_PING_PERIOD", cfg.Server.PingPeriod)
	cfg.Server.FanoutWorkers = getEnvAsInt("EKKO_FANOUT_WORKERS", cfg.Server.FanoutWorkers)

	cfg.Log.Level = getEnvWithDefault("EKKO_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = getEnvWithDefault("EKKO_LOG_FORMAT", cfg.Log.Format)
}

// Validate checks the configuration for values the services cannot run with
func (c *Config) Validate() error {
	var errs []error

	switch strings.ToLower(c.Bus.Driver) {
	case "redis", "nats", "memory":
	default:
		errs = append(errs, fmt.Errorf("bus.driver %q is not one of redis, nats, memory", c.Bus.Driver))
	}
	if c.Bus.URL == "" && c.Bus.Port <= 0 && c.Bus.Driver != "memory" {
		errs = append(errs, fmt.Errorf("bus.port must be positive, got %d", c.Bus.Port))
	}
	if c.Publisher.Timeout <= 0 {
		errs = append(errs, errors.New("publisher.timeout must be positive"))
	}
	if c.Relay.ReconnectMin <= 0 || c.Relay.ReconnectMax < c.Relay.ReconnectMin {
		errs = append(errs, fmt.Errorf("relay reconnect window %s..%s is invalid", c.Relay.ReconnectMin, c.Relay.ReconnectMax))
	}
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required"))
	}
	if c.Server.WriteTimeout <= 0 || c.Server.PingPeriod <= 0 {
		errs = append(errs, errors.New("server.write_timeout and server.ping_period must be positive"))
	}
	if c.Server.FanoutWorkers <= 0 {
		errs = append(errs, errors.New("server.fanout_workers must be positive"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q is not one of json, text", c.Log.Format))
	}

	return errors.Join(errs...)
}

// getEnvWithDefault returns environment variable value or default if not set
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt returns environment variable as integer or default if not set
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvAsDuration returns environment variable as duration or default if not set
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
