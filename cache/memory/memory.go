// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-process decision cache.
package memory

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/absmach/mqauth/cache"
)

var _ cache.Cache = (*Cache)(nil)

const numShards = 64

type entry struct {
	allowed   bool
	expiresAt time.Time
}

type shard struct {
	mu      sync.RWMutex
	entries map[string]entry
}

// Cache splits entries across shards so concurrent checks on different
// keys don't block each other. Expired entries are dropped lazily on read
// and by the sweeper.
type Cache struct {
	shards [numShards]shard
	now    func() time.Time

	stopCh chan struct{}
	done   chan struct{}
	once   sync.Once
}

// Option configures the cache.
type Option func(*Cache)

// WithClock replaces time.Now. Used by tests to step over TTLs.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// New creates a cache. A positive sweep interval starts a goroutine that
// removes expired entries; zero disables it.
func New(sweep time.Duration, opts ...Option) *Cache {
	c := &Cache{
		now:    time.Now,
		stopCh: make(chan struct{}),
		done:   make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i].entries = make(map[string]entry)
	}
	for _, opt := range opts {
		opt(c)
	}

	if sweep > 0 {
		go c.sweepLoop(sweep)
	} else {
		close(c.done)
	}

	return c
}

func (c *Cache) shard(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return &c.shards[h.Sum32()%numShards]
}

// Get returns the live verdict for (principal, topic).
func (c *Cache) Get(_ context.Context, principal, topic string) (cache.Result, error) {
	key := cache.Key(principal, topic)
	s := c.shard(key)

	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()

	if !ok || !c.now().Before(e.expiresAt) {
		return cache.Miss, nil
	}
	if e.allowed {
		return cache.Allow, nil
	}
	return cache.Deny, nil
}

// Put overwrites the entry for (principal, topic).
func (c *Cache) Put(_ context.Context, principal, topic string, allowed bool, ttl time.Duration) error {
	if ttl <= 0 {
		return cache.ErrInvalidTTL
	}

	key := cache.Key(principal, topic)
	s := c.shard(key)

	s.mu.Lock()
	s.entries[key] = entry{allowed: allowed, expiresAt: c.now().Add(ttl)}
	s.mu.Unlock()

	return nil
}

// Flush removes every entry.
func (c *Cache) Flush(_ context.Context) error {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		s.entries = make(map[string]entry)
		s.mu.Unlock()
	}
	return nil
}

// Ping always succeeds.
func (c *Cache) Ping(_ context.Context) error {
	return nil
}

// Len returns the number of stored entries, expired or not.
func (c *Cache) Len() int {
	n := 0
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		n += len(s.entries)
		s.mu.RUnlock()
	}
	return n
}

// Close stops the sweeper.
func (c *Cache) Close() error {
	c.once.Do(func() {
		close(c.stopCh)
	})
	<-c.done
	return nil
}

func (c *Cache) sweepLoop(interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cache) sweep() {
	now := c.now()
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		for key, e := range s.entries {
			if !now.Before(e.expiresAt) {
				delete(s.entries, key)
			}
		}
		s.mu.Unlock()
	}
}
