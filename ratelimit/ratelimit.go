// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit bounds how fast a single peer can drive the
// authority: connection attempts per remote host, publishes and
// subscribes per client.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Config holds rate limiting configuration.
type Config struct {
	Enabled bool `yaml:"enabled"`

	Connection ConnectionConfig `yaml:"connection"`
	Publish    BucketConfig     `yaml:"publish"`
	Subscribe  BucketConfig     `yaml:"subscribe"`
}

// ConnectionConfig limits CONNECT attempts per remote host. Every attempt
// costs one login round trip to the authority.
type ConnectionConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Rate            float64       `yaml:"rate"`  // attempts per second per host
	Burst           int           `yaml:"burst"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// BucketConfig is a per-client token bucket.
type BucketConfig struct {
	Enabled bool    `yaml:"enabled"`
	Rate    float64 `yaml:"rate"` // events per second per client
	Burst   int     `yaml:"burst"`
}

// DefaultConfig returns the configuration used when none is given.
func DefaultConfig() Config {
	return Config{
		Enabled: false,
		Connection: ConnectionConfig{
			Enabled:         true,
			Rate:            100.0 / 60.0,
			Burst:           20,
			CleanupInterval: 5 * time.Minute,
		},
		Publish: BucketConfig{
			Enabled: true,
			Rate:    1000,
			Burst:   100,
		},
		Subscribe: BucketConfig{
			Enabled: true,
			Rate:    100,
			Burst:   10,
		},
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// keyed holds one token bucket per key.
type keyed struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	limit   rate.Limit
	burst   int
}

func newKeyed(r float64, burst int) *keyed {
	return &keyed{
		buckets: make(map[string]*bucket),
		limit:   rate.Limit(r),
		burst:   burst,
	}
}

func (k *keyed) allow(key string) bool {
	now := time.Now()

	k.mu.Lock()
	b, ok := k.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(k.limit, k.burst)}
		k.buckets[key] = b
	}
	b.lastSeen = now
	l := b.limiter
	k.mu.Unlock()

	return l.AllowN(now, 1)
}

func (k *keyed) remove(key string) {
	k.mu.Lock()
	delete(k.buckets, key)
	k.mu.Unlock()
}

// prune drops buckets idle since before threshold.
func (k *keyed) prune(threshold time.Time) int {
	k.mu.Lock()
	defer k.mu.Unlock()

	n := 0
	for key, b := range k.buckets {
		if b.lastSeen.Before(threshold) {
			delete(k.buckets, key)
			n++
		}
	}
	return n
}

func (k *keyed) len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.buckets)
}

// Manager coordinates all limiters. A disabled Manager allows everything.
type Manager struct {
	config  Config
	hosts   *keyed
	publish *keyed
	sub     *keyed

	stopOnce sync.Once
	stop     chan struct{}
}

// NewManager creates a rate limit manager. When connection limiting is on,
// a background loop prunes idle host buckets every CleanupInterval.
func NewManager(cfg Config) *Manager {
	m := &Manager{config: cfg, stop: make(chan struct{})}
	if !cfg.Enabled {
		return m
	}

	if cfg.Connection.Enabled {
		m.hosts = newKeyed(cfg.Connection.Rate, cfg.Connection.Burst)
		if cfg.Connection.CleanupInterval > 0 {
			go m.cleanupLoop(cfg.Connection.CleanupInterval)
		}
	}
	if cfg.Publish.Enabled {
		m.publish = newKeyed(cfg.Publish.Rate, cfg.Publish.Burst)
	}
	if cfg.Subscribe.Enabled {
		m.sub = newKeyed(cfg.Subscribe.Rate, cfg.Subscribe.Burst)
	}
	return m
}

// AllowConnection reports whether a new connection from remoteAddr is
// within budget. Addresses are bucketed by host, so reconnecting from a
// new source port does not reset the budget. An empty address is allowed.
func (m *Manager) AllowConnection(remoteAddr string) bool {
	if m.hosts == nil {
		return true
	}
	host := hostOf(remoteAddr)
	if host == "" {
		return true
	}
	return m.hosts.allow(host)
}

// AllowPublish checks if a publish from the given client is allowed.
func (m *Manager) AllowPublish(clientID string) bool {
	if m.publish == nil {
		return true
	}
	return m.publish.allow(clientID)
}

// AllowSubscribe checks if a subscription from the given client is allowed.
func (m *Manager) AllowSubscribe(clientID string) bool {
	if m.sub == nil {
		return true
	}
	return m.sub.allow(clientID)
}

// OnClientDisconnect drops the client's buckets.
func (m *Manager) OnClientDisconnect(clientID string) {
	if m.publish != nil {
		m.publish.remove(clientID)
	}
	if m.sub != nil {
		m.sub.remove(clientID)
	}
}

// Stop ends the cleanup loop. It is safe to call more than once.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *Manager) cleanupLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.hosts.prune(time.Now().Add(-2 * every))
		case <-m.stop:
			return
		}
	}
}

func hostOf(addr string) string {
	if addr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
