// Package config provides gateway configuration loading and validation.
//
// The configuration file tunes listeners, timeouts and thresholds only. The
// service topology is never configured here; replicas are registered at
// runtime through the admin endpoints.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dousnl-han/vertx-dispatcher/internal/observability"
)

// Duration wraps time.Duration for YAML unmarshaling of values like "50s".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// ServerConfig holds the inbound HTTP listener configuration.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	Address         string   `yaml:"address"`
	ReadTimeout     Duration `yaml:"readTimeout"`
	WriteTimeout    Duration `yaml:"writeTimeout"`
	IdleTimeout     Duration `yaml:"idleTimeout"`
	ShutdownTimeout Duration `yaml:"shutdownTimeout"`
}

// BreakerConfig holds circuit breaker defaults for newly registered services.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failureThreshold"`
	Cooldown         Duration `yaml:"cooldown"`
	HalfOpenQuota    int      `yaml:"halfOpenQuota"`
}

// HealthCheckConfig holds the background health checker configuration.
type HealthCheckConfig struct {
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
	Path     string   `yaml:"path"`
	Workers  int      `yaml:"workers"`
}

// ClientPoolConfig holds the outbound HTTP client settings.
type ClientPoolConfig struct {
	ConnectTimeout  Duration `yaml:"connectTimeout"`
	IdleConnTimeout Duration `yaml:"idleConnTimeout"`
	MaxConnsPerHost int      `yaml:"maxConnsPerHost"`
	ScavengePeriod  Duration `yaml:"scavengePeriod"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
}

// GatewayConfig is the root configuration object.
type GatewayConfig struct {
	Server      ServerConfig      `yaml:"server"`
	Breaker     BreakerConfig     `yaml:"circuitBreaker"`
	HealthCheck HealthCheckConfig `yaml:"healthCheck"`
	ClientPool  ClientPoolConfig  `yaml:"clientPool"`
	Log         LogConfig         `yaml:"log"`
}

// Default returns the configuration used when no file is supplied.
func Default() *GatewayConfig {
	return &GatewayConfig{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(0),
			IdleTimeout:     Duration(120 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			Cooldown:         Duration(60 * time.Second),
			HalfOpenQuota:    3,
		},
		HealthCheck: HealthCheckConfig{
			Interval: Duration(50 * time.Second),
			Timeout:  Duration(5 * time.Second),
			Path:     "/health",
			Workers:  4,
		},
		ClientPool: ClientPoolConfig{
			ConnectTimeout:  Duration(50 * time.Second),
			IdleConnTimeout: Duration(30 * time.Second),
			MaxConnsPerHost: 20,
			ScavengePeriod:  Duration(50 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// Load reads the configuration file at path, applying defaults for any
// missing sections. An empty path returns the defaults.
func Load(path string) (*GatewayConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the configuration for values the gateway cannot run with.
func Validate(cfg *GatewayConfig) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("circuit breaker failure threshold must be positive, got %d", cfg.Breaker.FailureThreshold)
	}
	if cfg.Breaker.HalfOpenQuota < 1 {
		return fmt.Errorf("circuit breaker half-open quota must be positive, got %d", cfg.Breaker.HalfOpenQuota)
	}
	if cfg.HealthCheck.Interval.Duration() <= 0 {
		return fmt.Errorf("health check interval must be positive")
	}
	if cfg.HealthCheck.Workers < 1 {
		return fmt.Errorf("health check workers must be positive, got %d", cfg.HealthCheck.Workers)
	}
	if cfg.ClientPool.MaxConnsPerHost < 1 {
		return fmt.Errorf("client pool max connections per host must be positive, got %d", cfg.ClientPool.MaxConnsPerHost)
	}
	return nil
}

// ObservabilityLogConfig converts the YAML log section into the
// observability package's configuration.
func (c *GatewayConfig) ObservabilityLogConfig() observability.LogConfig {
	out := observability.DefaultLogConfig()
	if c.Log.Level != "" {
		out.Level = c.Log.Level
	}
	if c.Log.Format != "" {
		out.Format = c.Log.Format
	}
	if c.Log.Output != "" {
		out.Output = c.Log.Output
	}
	if c.Log.File != "" {
		out.File = c.Log.File
	}
	if c.Log.MaxSizeMB > 0 {
		out.MaxSizeMB = c.Log.MaxSizeMB
	}
	if c.Log.MaxBackups > 0 {
		out.MaxBackups = c.Log.MaxBackups
	}
	if c.Log.MaxAgeDays > 0 {
		out.MaxAgeDays = c.Log.MaxAgeDays
	}
	return out
}
