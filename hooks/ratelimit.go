// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package hooks

import (
	"context"
	"log/slog"

	"github.com/absmach/mqauth/authz"
)

// Limiter decides whether a client is within its rate budget.
type Limiter interface {
	AllowConnection(remoteAddr string) bool
	AllowPublish(clientID string) bool
	AllowSubscribe(clientID string) bool
}

var _ Handler = (*rateLimitMiddleware)(nil)

type rateLimitMiddleware struct {
	limiter Limiter
	logger  *slog.Logger
	next    Handler
}

// NewRateLimit denies authenticate, publish and subscribe calls that exceed
// the limiter's budget before they reach the core. Forward checks are not
// limited; they are driven by other clients' traffic.
func NewRateLimit(h Handler, limiter Limiter, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &rateLimitMiddleware{limiter, logger, h}
}

func (rm *rateLimitMiddleware) Authenticate(ctx context.Context, c Conn, username string, secret []byte) bool {
	if !rm.limiter.AllowConnection(c.RemoteAddr()) {
		rm.logger.Warn("connection rate limited",
			slog.String("client_id", c.ID()),
			slog.String("remote_addr", c.RemoteAddr()))
		return false
	}
	return rm.next.Authenticate(ctx, c, username, secret)
}

func (rm *rateLimitMiddleware) AuthorizePublish(ctx context.Context, c Conn, topic string, payload []byte) bool {
	if !rm.limiter.AllowPublish(c.ID()) {
		rm.logger.Warn("publish rate limited",
			slog.String("client_id", c.ID()),
			slog.String("topic", topic))
		return false
	}
	return rm.next.AuthorizePublish(ctx, c, topic, payload)
}

func (rm *rateLimitMiddleware) AuthorizeSubscribe(ctx context.Context, c Conn, topic string) bool {
	if !rm.limiter.AllowSubscribe(c.ID()) {
		rm.logger.Warn("subscribe rate limited",
			slog.String("client_id", c.ID()),
			slog.String("topic", topic))
		return false
	}
	return rm.next.AuthorizeSubscribe(ctx, c, topic)
}

func (rm *rateLimitMiddleware) AuthorizeForward(ctx context.Context, c Conn, pkt authz.Packet) bool {
	return rm.next.AuthorizeForward(ctx, c, pkt)
}
