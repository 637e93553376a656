// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package hooks adapts the authorization core to the four decision points a
// broker invokes: authenticate, publish, subscribe and forward.
//
// Each entry point blocks its caller until the verdict is known and returns
// exactly one bool. No error ever crosses this boundary; every failure has
// already been turned into a denial.
package hooks

import (
	"context"
	"log/slog"

	"github.com/absmach/mqauth/authz"
)

// Conn is the broker's view of a client connection.
type Conn interface {
	// ID returns the broker-assigned client identifier.
	ID() string

	// RemoteAddr returns the peer address in host:port form.
	RemoteAddr() string

	// Principal returns the identity bound at authentication, or "".
	Principal() string

	// SetPrincipal binds the authenticated identity to the connection.
	SetPrincipal(principal string)
}

// Handler is the four-hook contract.
type Handler interface {
	Authenticate(ctx context.Context, c Conn, username string, secret []byte) bool
	// AuthorizePublish decides on topic alone. payload is nil when the broker
	// runtime checks the publish before handing over the packet body.
	AuthorizePublish(ctx context.Context, c Conn, topic string, payload []byte) bool
	AuthorizeSubscribe(ctx context.Context, c Conn, topic string) bool
	AuthorizeForward(ctx context.Context, c Conn, pkt authz.Packet) bool
}

// Authority is the remote half of the core.
type Authority interface {
	Authenticate(ctx context.Context, username, secret string) bool
	AuthorizeSubscribe(ctx context.Context, principal, topic string) bool
}

// ForwardAuthorizer gates delivery to subscribers.
type ForwardAuthorizer interface {
	CanForward(ctx context.Context, principal string, pkt authz.Packet) bool
}

var _ Handler = (*adapter)(nil)

type adapter struct {
	authority Authority
	forwarder ForwardAuthorizer
	logger    *slog.Logger
}

// New returns the core Handler.
func New(a Authority, f ForwardAuthorizer, logger *slog.Logger) Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &adapter{
		authority: a,
		forwarder: f,
		logger:    logger,
	}
}

// Authenticate binds username to c before reporting success, so every later
// hook on c sees the principal.
func (h *adapter) Authenticate(ctx context.Context, c Conn, username string, secret []byte) bool {
	if !h.authority.Authenticate(ctx, username, string(secret)) {
		return false
	}
	c.SetPrincipal(username)
	return true
}

// AuthorizePublish applies the local ownership rule; it never suspends.
func (h *adapter) AuthorizePublish(_ context.Context, c Conn, topic string, _ []byte) bool {
	return authz.CanPublish(c.Principal(), topic)
}

// AuthorizeSubscribe asks the authority and caches the verdict.
func (h *adapter) AuthorizeSubscribe(ctx context.Context, c Conn, topic string) bool {
	principal := c.Principal()
	if principal == "" {
		h.logger.Debug("subscribe without principal denied",
			slog.String("client_id", c.ID()),
			slog.String("topic", topic))
		return false
	}
	return h.authority.AuthorizeSubscribe(ctx, principal, topic)
}

// AuthorizeForward re-validates the subscription behind a delivery.
func (h *adapter) AuthorizeForward(ctx context.Context, c Conn, pkt authz.Packet) bool {
	principal := c.Principal()
	if principal == "" {
		return false
	}
	return h.forwarder.CanForward(ctx, principal, pkt)
}
