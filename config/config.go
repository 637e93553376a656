// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/absmach/mqauth/pkg/tls"
	"github.com/absmach/mqauth/ratelimit"
	"gopkg.in/yaml.v3"
)

// Environment overrides applied after the file is loaded.
const (
	// EnvAuthorityHost replaces the authority host; "/api/v1" is appended.
	EnvAuthorityHost = "AS_HOST"
	// EnvDebug toggles debug mode, which flushes the decision cache at startup.
	EnvDebug = "BROKER_DEBUG"

	apiPrefix = "/api/v1"
)

// HookHeadroom is the time a hook call needs on top of the authority
// timeout for the cache read and write around the remote call.
const HookHeadroom = time.Second

// Cache backend types.
const (
	CacheMemory = "memory"
	CacheRedis  = "redis"
	CacheBadger = "badger"
)

// Config holds all configuration for the authorizing broker.
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Authority AuthorityConfig  `yaml:"authority"`
	Cache     CacheConfig      `yaml:"cache"`
	RateLimit ratelimit.Config `yaml:"ratelimit"`
	Log       LogConfig        `yaml:"log"`

	// Debug flushes the decision cache at startup.
	Debug bool `yaml:"debug"`

	// HooksTimeout bounds a single hook invocation, remote calls included.
	HooksTimeout time.Duration `yaml:"hooks_timeout"`
}

// ServerConfig holds listener and observability settings.
type ServerConfig struct {
	TCPAddr         string        `yaml:"tcp_addr"`
	TLSAddr         string        `yaml:"tls_addr"`
	TLS             tls.Config    `yaml:"tls"`
	WSAddr          string        `yaml:"ws_addr"`
	WSEnabled       bool          `yaml:"ws_enabled"`
	HealthAddr      string        `yaml:"health_addr"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// OpenTelemetry configuration
	MetricsEnabled      bool    `yaml:"metrics_enabled"`
	OtelEndpoint        string  `yaml:"otel_endpoint"`
	OtelServiceName     string  `yaml:"otel_service_name"`
	OtelServiceVersion  string  `yaml:"otel_service_version"`
	OtelTracesEnabled   bool    `yaml:"otel_traces_enabled"`
	OtelMetricsEnabled  bool    `yaml:"otel_metrics_enabled"`
	OtelTraceSampleRate float64 `yaml:"otel_trace_sample_rate"` // 0.0 to 1.0
}

// AuthorityConfig holds the remote authorization service settings.
type AuthorityConfig struct {
	BaseURL         string               `yaml:"base_url"`
	Token           string               `yaml:"token"`
	SecretKey       string               `yaml:"secret_key"`
	Timeout         time.Duration        `yaml:"timeout"`
	DedupeSubscribe bool                 `yaml:"dedupe_subscribe"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"` // 0 disables the breaker
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
}

// CacheConfig selects and configures the decision cache backend.
type CacheConfig struct {
	Type          string        `yaml:"type"` // memory, redis, badger
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"` // memory only
	Redis         RedisConfig   `yaml:"redis"`
	Badger        BadgerConfig  `yaml:"badger"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// BadgerConfig holds embedded store settings.
type BadgerConfig struct {
	Dir      string `yaml:"dir"`
	InMemory bool   `yaml:"in_memory"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			TCPAddr:         ":1883",
			TLSAddr:         ":8443",
			TLS:             tls.Config{ClientAuth: tls.ClientAuthNone},
			WSAddr:          ":8083",
			WSEnabled:       false,
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			ShutdownTimeout: 30 * time.Second,

			MetricsEnabled:      false,
			OtelEndpoint:        "localhost:4317",
			OtelServiceName:     "mqauth",
			OtelServiceVersion:  "1.0.0",
			OtelMetricsEnabled:  true,
			OtelTracesEnabled:   false,
			OtelTraceSampleRate: 0.1,
		},
		Authority: AuthorityConfig{
			BaseURL: "http://localhost:8000" + apiPrefix,
			Timeout: 10 * time.Second,
			CircuitBreaker: CircuitBreakerConfig{
				FailureThreshold: 5,
				ResetTimeout:     30 * time.Second,
			},
		},
		Cache: CacheConfig{
			Type:          CacheMemory,
			TTL:           5 * time.Second,
			SweepInterval: time.Minute,
			Redis: RedisConfig{
				Addr:         "localhost:6379",
				PoolSize:     10,
				DialTimeout:  5 * time.Second,
				ReadTimeout:  3 * time.Second,
				WriteTimeout: 3 * time.Second,
			},
			Badger: BadgerConfig{
				Dir: "/tmp/mqauth/cache",
			},
		},
		RateLimit: ratelimit.DefaultConfig(),
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		HooksTimeout: 15 * time.Second,
	}
}

// Load loads configuration from a YAML file, applies environment overrides
// and validates the result. If the file doesn't exist, defaults are used.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// ApplyEnv applies AS_HOST and BROKER_DEBUG overrides.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if host, ok := lookup(EnvAuthorityHost); ok && host != "" {
		c.Authority.BaseURL = strings.TrimRight(host, "/") + apiPrefix
	}
	if v, ok := lookup(EnvDebug); ok && v != "" {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid %s value %q: %w", EnvDebug, v, err)
		}
		c.Debug = debug
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.TCPAddr == "" && c.Server.TLSAddr == "" && !(c.Server.WSEnabled && c.Server.WSAddr != "") {
		return fmt.Errorf("at least one MQTT listener must be configured")
	}
	if err := c.Server.TLS.Validate(); err != nil {
		return fmt.Errorf("server.tls: %w", err)
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}

	if c.Authority.BaseURL == "" {
		return fmt.Errorf("authority.base_url cannot be empty")
	}
	u, err := url.Parse(c.Authority.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("authority.base_url must be an absolute URL, got %q", c.Authority.BaseURL)
	}
	if c.Authority.Timeout <= 0 {
		return fmt.Errorf("authority.timeout must be positive")
	}
	if c.Authority.CircuitBreaker.FailureThreshold < 0 {
		return fmt.Errorf("authority.circuit_breaker.failure_threshold cannot be negative")
	}
	if c.Authority.CircuitBreaker.FailureThreshold > 0 && c.Authority.CircuitBreaker.ResetTimeout < time.Second {
		return fmt.Errorf("authority.circuit_breaker.reset_timeout must be at least 1 second")
	}

	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	switch c.Cache.Type {
	case CacheMemory:
	case CacheRedis:
		if c.Cache.TTL < time.Second {
			return fmt.Errorf("cache.ttl must be at least 1 second for redis")
		}
		if c.Cache.Redis.Addr == "" {
			return fmt.Errorf("cache.redis.addr required when type is redis")
		}
	case CacheBadger:
		if c.Cache.TTL < time.Second {
			return fmt.Errorf("cache.ttl must be at least 1 second for badger")
		}
		if c.Cache.Badger.Dir == "" && !c.Cache.Badger.InMemory {
			return fmt.Errorf("cache.badger.dir required when type is badger")
		}
	default:
		return fmt.Errorf("cache.type must be one of: memory, redis, badger")
	}

	if c.HooksTimeout <= 0 {
		return fmt.Errorf("hooks_timeout must be positive")
	}
	if c.HooksTimeout < c.Authority.Timeout+HookHeadroom {
		return fmt.Errorf("hooks_timeout must exceed authority.timeout by at least %s", HookHeadroom)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Server.MetricsEnabled {
		if c.Server.OtelServiceName == "" {
			return fmt.Errorf("server.otel_service_name cannot be empty when metrics enabled")
		}
		if c.Server.OtelTraceSampleRate < 0.0 || c.Server.OtelTraceSampleRate > 1.0 {
			return fmt.Errorf("server.otel_trace_sample_rate must be between 0.0 and 1.0")
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
