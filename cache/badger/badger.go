// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger stores decisions in an embedded BadgerDB with per-entry TTL.
package badger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/absmach/mqauth/cache"
	"github.com/dgraph-io/badger/v4"
)

var _ cache.Cache = (*Cache)(nil)

// ErrClosed is returned once the database has been closed.
var ErrClosed = errors.New("badger cache closed")

// Config holds BadgerDB configuration.
type Config struct {
	Dir      string // Directory for BadgerDB data
	InMemory bool   // Keep everything in memory; Dir is ignored
}

// Cache is the BadgerDB-backed decision cache.
// Badger resolves TTLs with one-second granularity.
type Cache struct {
	db *badger.DB

	gcStopCh chan struct{}
	gcDone   chan struct{}
	closed   bool
	mu       sync.Mutex
}

// New opens the database and starts value log GC.
func New(cfg Config) (*Cache, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = nil
	// Decisions are short-lived and rebuilt from the authority on loss.
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	c := &Cache{
		db:       db,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}

	go c.runGC()

	return c, nil
}

// Get reads the decision key. Badger hides expired entries.
func (c *Cache) Get(_ context.Context, principal, topic string) (cache.Result, error) {
	if c.isClosed() {
		return cache.Miss, ErrClosed
	}

	key := []byte(cache.Key(principal, topic))

	var val string
	err := c.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			val = string(v)
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return cache.Miss, nil
	}
	if err != nil {
		return cache.Miss, err
	}

	return cache.Decode(val)
}

// Put writes the decision key with the given TTL.
func (c *Cache) Put(_ context.Context, principal, topic string, allowed bool, ttl time.Duration) error {
	if ttl <= 0 {
		return cache.ErrInvalidTTL
	}
	if c.isClosed() {
		return ErrClosed
	}

	key := []byte(cache.Key(principal, topic))
	value := []byte(cache.Encode(allowed))

	return c.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(key, value).WithTTL(ttl))
	})
}

// Flush drops all data.
func (c *Cache) Flush(_ context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.db.DropAll()
}

// Ping reports whether the database is open.
func (c *Cache) Ping(_ context.Context) error {
	if c.isClosed() || c.db.IsClosed() {
		return ErrClosed
	}
	return nil
}

// Close stops GC and closes the database.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.gcStopCh)
	<-c.gcDone

	return c.db.Close()
}

func (c *Cache) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Cache) runGC() {
	defer close(c.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Returns an error when there is nothing to collect.
			_ = c.db.RunValueLogGC(0.5)
		case <-c.gcStopCh:
			return
		}
	}
}
