// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt embeds a mochi-mqtt broker and routes its authentication and
// ACL callbacks through a hooks.Handler.
package mqtt

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/absmach/mqauth/authz"
	"github.com/absmach/mqauth/hooks"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
)

// HookID identifies the authorization hook inside the broker.
const HookID = "mqauth-authz"

// ConnRecorder counts tracked connections.
type ConnRecorder interface {
	RecordConnection()
	RecordDisconnection()
}

// HookOption configures a Hook.
type HookOption func(*Hook)

// WithDisconnectFunc registers fn to run with the client ID after a
// tracked client disconnects.
func WithDisconnectFunc(fn func(clientID string)) HookOption {
	return func(h *Hook) {
		h.onDisconnect = append(h.onDisconnect, fn)
	}
}

// WithConnRecorder sets the connection recorder.
func WithConnRecorder(r ConnRecorder) HookOption {
	return func(h *Hook) {
		h.conns = r
	}
}

// Hook bridges broker callbacks to the authorization handler. Callbacks run
// on the goroutine of the client they concern, or on the publisher's
// goroutine for deliveries, and block it until the verdict is known.
//
// The broker runs the same read check for SUBSCRIBE filters and for every
// outbound PUBLISH. Filters seen in OnSubscribe are marked on the connection
// so their check goes to the subscribe path; every other read check is a
// forward decision.
type Hook struct {
	mochi.HookBase

	handler  hooks.Handler
	registry *Registry
	timeout  time.Duration

	conns        ConnRecorder
	onDisconnect []func(clientID string)
	logger       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewHook creates the broker hook. Every callback is bounded by timeout.
func NewHook(h hooks.Handler, registry *Registry, timeout time.Duration, logger *slog.Logger, opts ...HookOption) *Hook {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	hk := &Hook{
		handler:  h,
		registry: registry,
		timeout:  timeout,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(hk)
	}
	return hk
}

// ID returns the hook identifier.
func (h *Hook) ID() string {
	return HookID
}

// Provides indicates which callbacks the hook implements.
func (h *Hook) Provides(b byte) bool {
	return bytes.Contains([]byte{
		mochi.OnConnectAuthenticate,
		mochi.OnACLCheck,
		mochi.OnSubscribe,
		mochi.OnSubscribed,
		mochi.OnDisconnect,
	}, []byte{b})
}

// Init is called by the broker when the hook is added.
func (h *Hook) Init(config any) error {
	return nil
}

// Stop cancels in-flight decisions. Pending remote calls return false.
func (h *Hook) Stop() error {
	h.cancel()
	return nil
}

func (h *Hook) callContext() (context.Context, context.CancelFunc) {
	if h.timeout <= 0 {
		return context.WithCancel(h.ctx)
	}
	return context.WithTimeout(h.ctx, h.timeout)
}

// OnConnectAuthenticate authenticates the CONNECT credentials and, on
// success, tracks the client with its principal bound.
func (h *Hook) OnConnectAuthenticate(cl *mochi.Client, pk packets.Packet) bool {
	conn := newConn(cl)

	ctx, cancel := h.callContext()
	defer cancel()

	if !h.handler.Authenticate(ctx, conn, string(pk.Connect.Username), pk.Connect.Password) {
		return false
	}

	prev := h.registry.Add(conn)
	if prev != nil {
		prev.SetPrincipal("")
		return true
	}
	if h.conns != nil {
		h.conns.RecordConnection()
	}
	return true
}

// OnACLCheck dispatches a publish (write) or read check. Inline clients
// are trusted; unknown clients are denied.
func (h *Hook) OnACLCheck(cl *mochi.Client, topic string, write bool) bool {
	if cl.Net.Inline {
		return true
	}

	conn := h.registry.Get(cl.ID)
	if conn == nil || conn.client != cl {
		h.logger.Debug("acl check for untracked client denied",
			slog.String("client_id", cl.ID),
			slog.String("topic", topic),
			slog.Bool("write", write))
		return false
	}

	ctx, cancel := h.callContext()
	defer cancel()

	if write {
		return h.handler.AuthorizePublish(ctx, conn, topic, nil)
	}
	if conn.takeSubscribe(topic) {
		return h.handler.AuthorizeSubscribe(ctx, conn, topic)
	}
	return h.handler.AuthorizeForward(ctx, conn, authz.Packet{Topic: topic})
}

// OnSubscribe marks the packet's filters as pending subscribe checks.
func (h *Hook) OnSubscribe(cl *mochi.Client, pk packets.Packet) packets.Packet {
	if conn := h.registry.Get(cl.ID); conn != nil && conn.client == cl {
		conn.beginSubscribe(filters(pk))
	}
	return pk
}

// OnSubscribed clears marks the broker did not consume.
func (h *Hook) OnSubscribed(cl *mochi.Client, pk packets.Packet, reasonCodes []byte) {
	if conn := h.registry.Get(cl.ID); conn != nil && conn.client == cl {
		conn.endSubscribe(filters(pk))
	}
}

// OnDisconnect forgets the client and clears its principal.
func (h *Hook) OnDisconnect(cl *mochi.Client, err error, expire bool) {
	conn := h.registry.Remove(cl)
	if conn == nil {
		return
	}
	conn.SetPrincipal("")

	if h.conns != nil {
		h.conns.RecordDisconnection()
	}
	for _, fn := range h.onDisconnect {
		fn(cl.ID)
	}
}

func filters(pk packets.Packet) []string {
	out := make([]string, 0, len(pk.Filters))
	for _, f := range pk.Filters {
		out = append(out, f.Filter)
	}
	return out
}
