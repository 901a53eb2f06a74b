package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalidMode rejects mode values outside the known set.
var ErrInvalidMode = errors.New("invalid mode")

// Mode selects which downstream base URL the forwarder targets.
type Mode string

const (
	ModeDevelopment Mode = "development"
	ModeProduction  Mode = "production"
)

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeDevelopment || m == ModeProduction
}

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Control    ControlConfig    `mapstructure:"control"`
	Queue      QueueConfig      `mapstructure:"queue"`
	Downstream DownstreamConfig `mapstructure:"downstream"`
	Signing    SigningConfig    `mapstructure:"signing"`
	Consumer   ConsumerConfig   `mapstructure:"consumer"`
	Ingestion  IngestionConfig  `mapstructure:"ingestion"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type ControlConfig struct {
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

type QueueConfig struct {
	URL       string        `mapstructure:"url"`
	Stream    string        `mapstructure:"stream"`
	Durable   string        `mapstructure:"durable"`
	Retention time.Duration `mapstructure:"retention"`
}

type DownstreamConfig struct {
	DevURL  string `mapstructure:"dev_url"`
	ProdURL string `mapstructure:"prod_url"`
	Mode    string `mapstructure:"mode"`
}

type SigningConfig struct {
	CalendlyKey      string        `mapstructure:"calendly_key"`
	SlackKey         string        `mapstructure:"slack_key"`
	RequireSignature bool          `mapstructure:"require_signature"`
	MaxSkew          time.Duration `mapstructure:"max_skew"`
}

type ConsumerConfig struct {
	Workers        int           `mapstructure:"workers"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	VisibilityBase time.Duration `mapstructure:"visibility_base"`
	WaitTime       time.Duration `mapstructure:"wait_time"`
}

type IngestionConfig struct {
	MaxBodyBytes      int64         `mapstructure:"max_body_bytes"`
	RateLimitEnabled  bool          `mapstructure:"rate_limit_enabled"`
	RateLimitRequests int           `mapstructure:"rate_limit_requests"`
	RateLimitWindow   time.Duration `mapstructure:"rate_limit_window"`
}

type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "2s")
	v.SetDefault("server.write_timeout", "5s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("control.host", "127.0.0.1")
	v.SetDefault("control.port", 8081)
	v.SetDefault("control.api_key", "")
	v.SetDefault("queue.url", "nats://localhost:4222")
	v.SetDefault("queue.stream", "RELAY_EVENTS")
	v.SetDefault("queue.durable", "relay-forwarder")
	v.SetDefault("queue.retention", "24h")
	v.SetDefault("downstream.dev_url", "http://localhost:5678")
	v.SetDefault("downstream.prod_url", "")
	v.SetDefault("downstream.mode", string(ModeDevelopment))
	v.SetDefault("signing.calendly_key", "")
	v.SetDefault("signing.slack_key", "")
	v.SetDefault("signing.require_signature", true)
	v.SetDefault("signing.max_skew", "5m")
	v.SetDefault("consumer.workers", 4)
	v.SetDefault("consumer.max_attempts", 8)
	v.SetDefault("consumer.visibility_base", "30s")
	v.SetDefault("consumer.wait_time", "20s")
	v.SetDefault("ingestion.max_body_bytes", 1048576)
	v.SetDefault("ingestion.rate_limit_enabled", false)
	v.SetDefault("ingestion.rate_limit_requests", 1000)
	v.SetDefault("ingestion.rate_limit_window", "1m")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "redis://localhost:6379")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Read config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/webhook-relay")
	}

	// Environment variables override
	v.SetEnvPrefix("RELAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Config file not found; use defaults
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate enforces startup invariants. A violation is a fatal configuration
// error.
func (c *Config) Validate() error {
	if !Mode(c.Downstream.Mode).Valid() {
		return fmt.Errorf("downstream.mode must be %q or %q, got %q", ModeDevelopment, ModeProduction, c.Downstream.Mode)
	}
	if c.Signing.RequireSignature {
		if c.Signing.CalendlyKey == "" {
			return fmt.Errorf("signing.calendly_key is required when signatures are enforced")
		}
		if c.Signing.SlackKey == "" {
			return fmt.Errorf("signing.slack_key is required when signatures are enforced")
		}
	}
	if c.Consumer.Workers < 1 {
		return fmt.Errorf("consumer.workers must be at least 1")
	}
	if c.Consumer.MaxAttempts < 1 {
		return fmt.Errorf("consumer.max_attempts must be at least 1")
	}
	if c.Downstream.DevURL == "" && c.Downstream.ProdURL == "" {
		return fmt.Errorf("at least one downstream URL must be configured")
	}
	if c.Control.APIKey == "" && !isLoopbackHost(c.Control.Host) {
		return fmt.Errorf("control.api_key is required when control.host %q is not loopback", c.Control.Host)
	}
	return nil
}

// isLoopbackHost reports whether the control listener stays on the local
// machine. Keyless auth is only tolerated there.
func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Redacted returns the effective configuration with secrets masked, for the
// control plane's config endpoint.
func (c *Config) Redacted() map[string]any {
	return map[string]any{
		"server": map[string]any{
			"port": c.Server.Port,
		},
		"control": map[string]any{
			"host":    c.Control.Host,
			"port":    c.Control.Port,
			"api_key": redact(c.Control.APIKey),
		},
		"queue": map[string]any{
			"url":       c.Queue.URL,
			"stream":    c.Queue.Stream,
			"durable":   c.Queue.Durable,
			"retention": c.Queue.Retention.String(),
		},
		"downstream": map[string]any{
			"dev_url":  c.Downstream.DevURL,
			"prod_url": c.Downstream.ProdURL,
			"mode":     c.Downstream.Mode,
		},
		"signing": map[string]any{
			"calendly_key":      redact(c.Signing.CalendlyKey),
			"slack_key":         redact(c.Signing.SlackKey),
			"require_signature": c.Signing.RequireSignature,
			"max_skew":          c.Signing.MaxSkew.String(),
		},
		"consumer": map[string]any{
			"workers":         c.Consumer.Workers,
			"max_attempts":    c.Consumer.MaxAttempts,
			"visibility_base": c.Consumer.VisibilityBase.String(),
			"wait_time":       c.Consumer.WaitTime.String(),
		},
		"ingestion": map[string]any{
			"max_body_bytes":      c.Ingestion.MaxBodyBytes,
			"rate_limit_enabled":  c.Ingestion.RateLimitEnabled,
			"rate_limit_requests": c.Ingestion.RateLimitRequests,
			"rate_limit_window":   c.Ingestion.RateLimitWindow.String(),
		},
		"logging": map[string]any{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
		},
	}
}

func redact(secret string) string {
	if secret == "" {
		return ""
	}
	return "********"
}
