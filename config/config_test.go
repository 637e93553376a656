// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, ":1883", cfg.Server.TCPAddr)
	assert.Equal(t, ":8443", cfg.Server.TLSAddr)
	assert.Equal(t, "http://localhost:8000/api/v1", cfg.Authority.BaseURL)
	assert.Equal(t, 10*time.Second, cfg.Authority.Timeout)
	assert.Equal(t, CacheMemory, cfg.Cache.Type)
	assert.Equal(t, 5*time.Second, cfg.Cache.TTL)
	assert.False(t, cfg.Debug)
	assert.False(t, cfg.Authority.DedupeSubscribe)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "default config is valid",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "no MQTT listeners configured",
			modify: func(c *Config) {
				c.Server.TCPAddr = ""
				c.Server.TLSAddr = ""
				c.Server.WSEnabled = false
			},
			wantErr: true,
		},
		{
			name: "websocket only",
			modify: func(c *Config) {
				c.Server.TCPAddr = ""
				c.Server.TLSAddr = ""
				c.Server.WSEnabled = true
			},
			wantErr: false,
		},
		{
			name: "TLS cert without key",
			modify: func(c *Config) {
				c.Server.TLS.CertFile = "cert.pem"
			},
			wantErr: true,
		},
		{
			name: "empty authority url",
			modify: func(c *Config) {
				c.Authority.BaseURL = ""
			},
			wantErr: true,
		},
		{
			name: "relative authority url",
			modify: func(c *Config) {
				c.Authority.BaseURL = "/api/v1"
			},
			wantErr: true,
		},
		{
			name: "zero authority timeout",
			modify: func(c *Config) {
				c.Authority.Timeout = 0
			},
			wantErr: true,
		},
		{
			name: "breaker reset too short",
			modify: func(c *Config) {
				c.Authority.CircuitBreaker.ResetTimeout = 10 * time.Millisecond
			},
			wantErr: true,
		},
		{
			name: "breaker disabled ignores reset",
			modify: func(c *Config) {
				c.Authority.CircuitBreaker.FailureThreshold = 0
				c.Authority.CircuitBreaker.ResetTimeout = 0
			},
			wantErr: false,
		},
		{
			name: "zero ttl",
			modify: func(c *Config) {
				c.Cache.TTL = 0
			},
			wantErr: true,
		},
		{
			name: "negative ttl",
			modify: func(c *Config) {
				c.Cache.TTL = -time.Second
			},
			wantErr: true,
		},
		{
			name: "unknown cache type",
			modify: func(c *Config) {
				c.Cache.Type = "memcached"
			},
			wantErr: true,
		},
		{
			name: "redis without addr",
			modify: func(c *Config) {
				c.Cache.Type = CacheRedis
				c.Cache.Redis.Addr = ""
			},
			wantErr: true,
		},
		{
			name: "badger sub-second ttl",
			modify: func(c *Config) {
				c.Cache.Type = CacheBadger
				c.Cache.TTL = 500 * time.Millisecond
			},
			wantErr: true,
		},
		{
			name: "redis sub-second ttl",
			modify: func(c *Config) {
				c.Cache.Type = CacheRedis
				c.Cache.TTL = 500 * time.Millisecond
			},
			wantErr: true,
		},
		{
			name: "memory sub-second ttl",
			modify: func(c *Config) {
				c.Cache.TTL = 500 * time.Millisecond
			},
			wantErr: false,
		},
		{
			name: "badger in memory without dir",
			modify: func(c *Config) {
				c.Cache.Type = CacheBadger
				c.Cache.Badger.Dir = ""
				c.Cache.Badger.InMemory = true
			},
			wantErr: false,
		},
		{
			name: "zero hooks timeout",
			modify: func(c *Config) {
				c.HooksTimeout = 0
			},
			wantErr: true,
		},
		{
			name: "hooks timeout equals authority timeout",
			modify: func(c *Config) {
				c.Authority.Timeout = 5 * time.Second
				c.HooksTimeout = 5 * time.Second
			},
			wantErr: true,
		},
		{
			name: "hooks timeout without headroom",
			modify: func(c *Config) {
				c.Authority.Timeout = 5 * time.Second
				c.HooksTimeout = 5*time.Second + HookHeadroom/2
			},
			wantErr: true,
		},
		{
			name: "hooks timeout with headroom",
			modify: func(c *Config) {
				c.Authority.Timeout = 5 * time.Second
				c.HooksTimeout = 5*time.Second + HookHeadroom
			},
			wantErr: false,
		},
		{
			name: "invalid log level",
			modify: func(c *Config) {
				c.Log.Level = "invalid"
			},
			wantErr: true,
		},
		{
			name: "sample rate out of range",
			modify: func(c *Config) {
				c.Server.MetricsEnabled = true
				c.Server.OtelTraceSampleRate = 1.5
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvAuthorityHost: "http://auth.example:9000/",
		EnvDebug:         "true",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	require.NoError(t, cfg.ApplyEnv(lookup))
	assert.Equal(t, "http://auth.example:9000/api/v1", cfg.Authority.BaseURL)
	assert.True(t, cfg.Debug)

	env[EnvDebug] = "maybe"
	assert.Error(t, cfg.ApplyEnv(lookup))

	cfg = Default()
	require.NoError(t, cfg.ApplyEnv(func(string) (string, bool) { return "", false }))
	assert.Equal(t, Default().Authority.BaseURL, cfg.Authority.BaseURL)
}

func TestLoadNonExistent(t *testing.T) {
	t.Setenv(EnvAuthorityHost, "")
	t.Setenv(EnvDebug, "")

	cfg, err := Load("nonexistent.yaml")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, ":1883", cfg.Server.TCPAddr)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.yaml")
	data := []byte(`
authority:
  base_url: http://from-file:8000/api/v1
  token: tok
debug: false
cache:
  type: redis
  ttl: 10s
  redis:
    addr: redis:6379
`)
	require.NoError(t, os.WriteFile(file, data, 0o600))

	t.Setenv(EnvAuthorityHost, "http://from-env:8000")
	t.Setenv(EnvDebug, "1")

	cfg, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, "http://from-env:8000/api/v1", cfg.Authority.BaseURL)
	assert.Equal(t, "tok", cfg.Authority.Token)
	assert.True(t, cfg.Debug)
	assert.Equal(t, CacheRedis, cfg.Cache.Type)
	assert.Equal(t, 10*time.Second, cfg.Cache.TTL)
	assert.Equal(t, "redis:6379", cfg.Cache.Redis.Addr)
	// Untouched sections keep their defaults.
	assert.Equal(t, 10*time.Second, cfg.Authority.Timeout)
}

func TestLoadInvalid(t *testing.T) {
	t.Setenv(EnvAuthorityHost, "")
	t.Setenv(EnvDebug, "")
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("server: [unclosed"), 0o600))
	_, err := Load(bad)
	assert.Error(t, err)

	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("cache:\n  type: memcached\n"), 0o600))
	_, err = Load(invalid)
	assert.ErrorContains(t, err, "cache.type")
}

func TestSaveLoad(t *testing.T) {
	t.Setenv(EnvAuthorityHost, "")
	t.Setenv(EnvDebug, "")
	tmpfile := filepath.Join(t.TempDir(), "config.yaml")

	cfg := Default()
	cfg.Server.TCPAddr = ":2883"
	cfg.Cache.TTL = 30 * time.Second
	cfg.Log.Level = "debug"
	cfg.Authority.DedupeSubscribe = true

	require.NoError(t, cfg.Save(tmpfile))

	loaded, err := Load(tmpfile)
	require.NoError(t, err)
	assert.Equal(t, ":2883", loaded.Server.TCPAddr)
	assert.Equal(t, 30*time.Second, loaded.Cache.TTL)
	assert.Equal(t, "debug", loaded.Log.Level)
	assert.True(t, loaded.Authority.DedupeSubscribe)
}
