// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package hooks

import (
	"context"
	"time"

	"github.com/absmach/mqauth/authz"
)

// Hook names used in telemetry.
const (
	HookAuthenticate = "authenticate"
	HookPublish      = "publish"
	HookSubscribe    = "subscribe"
	HookForward      = "forward"
)

// Recorder receives one sample per hook decision.
type Recorder interface {
	RecordDecision(hook string, allowed bool, d time.Duration)
}

var _ Handler = (*metricsMiddleware)(nil)

type metricsMiddleware struct {
	rec  Recorder
	next Handler
}

// NewMetrics creates metrics middleware that wraps a Handler.
func NewMetrics(h Handler, rec Recorder) Handler {
	return &metricsMiddleware{rec, h}
}

func (mm *metricsMiddleware) Authenticate(ctx context.Context, c Conn, username string, secret []byte) (allowed bool) {
	defer func(begin time.Time) {
		mm.rec.RecordDecision(HookAuthenticate, allowed, time.Since(begin))
	}(time.Now())

	return mm.next.Authenticate(ctx, c, username, secret)
}

func (mm *metricsMiddleware) AuthorizePublish(ctx context.Context, c Conn, topic string, payload []byte) (allowed bool) {
	defer func(begin time.Time) {
		mm.rec.RecordDecision(HookPublish, allowed, time.Since(begin))
	}(time.Now())

	return mm.next.AuthorizePublish(ctx, c, topic, payload)
}

func (mm *metricsMiddleware) AuthorizeSubscribe(ctx context.Context, c Conn, topic string) (allowed bool) {
	defer func(begin time.Time) {
		mm.rec.RecordDecision(HookSubscribe, allowed, time.Since(begin))
	}(time.Now())

	return mm.next.AuthorizeSubscribe(ctx, c, topic)
}

func (mm *metricsMiddleware) AuthorizeForward(ctx context.Context, c Conn, pkt authz.Packet) (allowed bool) {
	defer func(begin time.Time) {
		mm.rec.RecordDecision(HookForward, allowed, time.Since(begin))
	}(time.Now())

	return mm.next.AuthorizeForward(ctx, c, pkt)
}
