// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package hooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/absmach/mqauth/authz"
)

var _ Handler = (*loggingMiddleware)(nil)

type loggingMiddleware struct {
	logger *slog.Logger
	next   Handler
}

// NewLogging creates logging middleware that wraps a Handler.
func NewLogging(h Handler, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &loggingMiddleware{logger, h}
}

// Authenticate logs the authentication verdict. The secret is never logged.
func (lm *loggingMiddleware) Authenticate(ctx context.Context, c Conn, username string, secret []byte) (allowed bool) {
	defer func(begin time.Time) {
		lm.logger.Info("Authenticate",
			slog.String("client_id", c.ID()),
			slog.String("remote_addr", c.RemoteAddr()),
			slog.String("username", username),
			slog.Bool("allowed", allowed),
			slog.String("duration", time.Since(begin).String()),
		)
	}(time.Now())

	return lm.next.Authenticate(ctx, c, username, secret)
}

// AuthorizePublish logs the publish verdict.
func (lm *loggingMiddleware) AuthorizePublish(ctx context.Context, c Conn, topic string, payload []byte) (allowed bool) {
	defer func(begin time.Time) {
		attrs := []any{
			slog.String("client_id", c.ID()),
			slog.String("principal", c.Principal()),
			slog.String("topic", topic),
		}
		if payload != nil {
			attrs = append(attrs, slog.Int("payload_size", len(payload)))
		}
		attrs = append(attrs,
			slog.Bool("allowed", allowed),
			slog.String("duration", time.Since(begin).String()),
		)
		lm.logger.Debug("AuthorizePublish", attrs...)
	}(time.Now())

	return lm.next.AuthorizePublish(ctx, c, topic, payload)
}

// AuthorizeSubscribe logs the subscribe verdict.
func (lm *loggingMiddleware) AuthorizeSubscribe(ctx context.Context, c Conn, topic string) (allowed bool) {
	defer func(begin time.Time) {
		lm.logger.Info("AuthorizeSubscribe",
			slog.String("client_id", c.ID()),
			slog.String("principal", c.Principal()),
			slog.String("topic", topic),
			slog.Bool("allowed", allowed),
			slog.String("duration", time.Since(begin).String()),
		)
	}(time.Now())

	return lm.next.AuthorizeSubscribe(ctx, c, topic)
}

// AuthorizeForward logs the forward verdict at debug level; it runs per delivery.
func (lm *loggingMiddleware) AuthorizeForward(ctx context.Context, c Conn, pkt authz.Packet) (allowed bool) {
	defer func(begin time.Time) {
		lm.logger.Debug("AuthorizeForward",
			slog.String("client_id", c.ID()),
			slog.String("principal", c.Principal()),
			slog.String("topic", pkt.Topic),
			slog.Int("qos", int(pkt.QoS)),
			slog.Bool("allowed", allowed),
			slog.String("duration", time.Since(begin).String()),
		)
	}(time.Now())

	return lm.next.AuthorizeForward(ctx, c, pkt)
}
