// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package cache defines the decision cache shared by subscribe and forward checks.
//
// A cached entry maps (principal, topic) to the verdict of the most recent remote
// subscribe decision. An entry that is present and unexpired is authoritative.
// An absent or expired entry is a Miss, which means "unknown", never "denied".
package cache

import (
	"context"
	"errors"
	"time"
)

// Action is the only action recorded in the cache key.
const Action = "subscribe"

// Stored values. Backends that keep strings use exactly these.
const (
	ValueAllow = "true"
	ValueDeny  = "false"
)

var (
	// ErrCorrupt is returned when a stored value is neither ValueAllow nor ValueDeny.
	ErrCorrupt = errors.New("corrupt cache value")

	// ErrInvalidTTL is returned by Put for a non-positive TTL.
	ErrInvalidTTL = errors.New("cache ttl must be positive")
)

// Result is the outcome of a cache lookup.
type Result uint8

const (
	// Miss means the cache has no opinion: never decided, or expired.
	Miss Result = iota
	// Allow is a cached positive verdict.
	Allow
	// Deny is a cached negative verdict.
	Deny
)

func (r Result) String() string {
	switch r {
	case Allow:
		return "allow"
	case Deny:
		return "deny"
	default:
		return "miss"
	}
}

// Cache stores subscribe verdicts with a fixed expiry.
// Every Put must be visible to subsequent Gets from any caller.
type Cache interface {
	// Get returns Allow or Deny for a live entry and Miss otherwise.
	Get(ctx context.Context, principal, topic string) (Result, error)

	// Put overwrites the entry for (principal, topic).
	Put(ctx context.Context, principal, topic string, allowed bool, ttl time.Duration) error

	// Flush removes every entry.
	Flush(ctx context.Context) error

	// Ping reports whether the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases the backing store.
	Close() error
}

// Key returns the store key for a subscribe decision: "<principal>:subscribe:<topic>".
func Key(principal, topic string) string {
	return principal + ":" + Action + ":" + topic
}

// Encode converts a verdict to its stored form.
func Encode(allowed bool) string {
	if allowed {
		return ValueAllow
	}
	return ValueDeny
}

// Decode converts a stored value back to a lookup result.
func Decode(value string) (Result, error) {
	switch value {
	case ValueAllow:
		return Allow, nil
	case ValueDeny:
		return Deny, nil
	default:
		return Miss, ErrCorrupt
	}
}
