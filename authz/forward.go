// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package authz

import (
	"context"
	"log/slog"

	"github.com/absmach/mqauth/cache"
)

// Packet is a message about to be handed to a subscribed connection.
type Packet struct {
	Topic     string
	Payload   []byte
	QoS       byte
	MessageID uint16
}

// SubscribeAuthorizer performs a fresh remote subscribe check and
// repopulates the decision cache.
type SubscribeAuthorizer interface {
	AuthorizeSubscribe(ctx context.Context, principal, topic string) bool
}

// CacheRecorder receives the outcome of every forward-time cache lookup.
type CacheRecorder interface {
	RecordCacheLookup(result string)
}

// ForwarderOption configures a Forwarder.
type ForwarderOption func(*Forwarder)

// WithCacheRecorder sets the lookup recorder.
func WithCacheRecorder(r CacheRecorder) ForwarderOption {
	return func(f *Forwarder) {
		f.recorder = r
	}
}

// Forwarder re-validates subscriptions at delivery time. A cached verdict
// is returned as is; a miss pays one remote round trip, which also
// refreshes the cache for later forwards on the same key.
//
// Concurrent misses on the same key are not serialized here; each may
// issue its own remote call.
type Forwarder struct {
	cache     cache.Cache
	authority SubscribeAuthorizer
	recorder  CacheRecorder
	logger    *slog.Logger
}

// NewForwarder creates a forward authorizer.
func NewForwarder(dc cache.Cache, a SubscribeAuthorizer, logger *slog.Logger, opts ...ForwarderOption) *Forwarder {
	if logger == nil {
		logger = slog.Default()
	}

	f := &Forwarder{
		cache:     dc,
		authority: a,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CanForward reports whether principal may still receive pkt.
func (f *Forwarder) CanForward(ctx context.Context, principal string, pkt Packet) bool {
	res, err := f.cache.Get(ctx, principal, pkt.Topic)
	if err != nil {
		// Store failures are treated as a miss.
		f.logger.Warn("decision cache lookup failed",
			slog.String("principal", principal),
			slog.String("topic", pkt.Topic),
			slog.String("error", err.Error()))
		res = cache.Miss
	}

	if f.recorder != nil {
		f.recorder.RecordCacheLookup(res.String())
	}

	switch res {
	case cache.Allow:
		return true
	case cache.Deny:
		return false
	default:
		return f.authority.AuthorizeSubscribe(ctx, principal, pkt.Topic)
	}
}
