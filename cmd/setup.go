// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/absmach/mqauth/authority"
	"github.com/absmach/mqauth/cache"
	"github.com/absmach/mqauth/cache/badger"
	"github.com/absmach/mqauth/cache/memory"
	"github.com/absmach/mqauth/cache/redis"
	"github.com/absmach/mqauth/config"
)

func newLogger(cfg config.LogConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

// newCache opens the configured decision cache. In debug mode the store is
// flushed so no verdict from a previous run survives.
func newCache(ctx context.Context, cfg config.CacheConfig, debug bool, logger *slog.Logger) (cache.Cache, error) {
	var (
		dc  cache.Cache
		err error
	)

	switch cfg.Type {
	case config.CacheMemory:
		dc = memory.New(cfg.SweepInterval)
		logger.Info("Using in-memory decision cache")
	case config.CacheRedis:
		dc, err = redis.New(ctx, redis.Config{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("Using Redis decision cache", slog.String("addr", cfg.Redis.Addr), slog.Int("db", cfg.Redis.DB))
	case config.CacheBadger:
		dc, err = badger.New(badger.Config{Dir: cfg.Badger.Dir, InMemory: cfg.Badger.InMemory})
		if err != nil {
			return nil, err
		}
		logger.Info("Using BadgerDB decision cache", slog.String("dir", cfg.Badger.Dir), slog.Bool("in_memory", cfg.Badger.InMemory))
	default:
		return nil, fmt.Errorf("unknown cache type %q", cfg.Type)
	}

	if debug {
		if err := dc.Flush(ctx); err != nil {
			dc.Close()
			return nil, fmt.Errorf("failed to flush decision cache: %w", err)
		}
		logger.Info("Debug mode: decision cache flushed")
	}

	return dc, nil
}

func authorityConfig(cfg *config.Config) authority.Config {
	return authority.Config{
		BaseURL:         cfg.Authority.BaseURL,
		Token:           cfg.Authority.Token,
		SecretKey:       cfg.Authority.SecretKey,
		Timeout:         cfg.Authority.Timeout,
		CacheTTL:        cfg.Cache.TTL,
		DedupeSubscribe: cfg.Authority.DedupeSubscribe,
		Breaker: authority.BreakerConfig{
			FailureThreshold: cfg.Authority.CircuitBreaker.FailureThreshold,
			ResetTimeout:     cfg.Authority.CircuitBreaker.ResetTimeout,
		},
	}
}
