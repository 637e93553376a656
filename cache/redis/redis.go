// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package redis stores decisions in Redis using SETEX/GET so expiry is
// enforced by the server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/mqauth/cache"
	"github.com/redis/go-redis/v9"
)

var _ cache.Cache = (*Cache)(nil)

// Config holds Redis connection settings.
type Config struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
}

// Cache is a Redis-backed decision cache.
type Cache struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Cache{client: client}, nil
}

// NewFromClient wraps an existing client.
func NewFromClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Get issues GET on the decision key.
func (c *Cache) Get(ctx context.Context, principal, topic string) (cache.Result, error) {
	val, err := c.client.Get(ctx, cache.Key(principal, topic)).Result()
	if errors.Is(err, redis.Nil) {
		return cache.Miss, nil
	}
	if err != nil {
		return cache.Miss, fmt.Errorf("failed to get decision: %w", err)
	}
	return cache.Decode(val)
}

// Put issues SETEX on the decision key.
func (c *Cache) Put(ctx context.Context, principal, topic string, allowed bool, ttl time.Duration) error {
	if ttl <= 0 {
		return cache.ErrInvalidTTL
	}
	if err := c.client.SetEx(ctx, cache.Key(principal, topic), cache.Encode(allowed), ttl).Err(); err != nil {
		return fmt.Errorf("failed to store decision: %w", err)
	}
	return nil
}

// Flush clears the selected database.
func (c *Cache) Flush(ctx context.Context) error {
	return c.client.FlushDB(ctx).Err()
}

// Ping checks the connection.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the client.
func (c *Cache) Close() error {
	return c.client.Close()
}
