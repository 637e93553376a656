// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/absmach/mqauth/authz"
	"github.com/absmach/mqauth/hooks"
	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type call struct {
	hook      string
	principal string
	topic     string
}

// recordingHandler allows everything except what deny names and records
// each call.
type recordingHandler struct {
	mu    sync.Mutex
	calls []call
	deny  map[string]bool
	ctxs  []context.Context
}

func (r *recordingHandler) record(ctx context.Context, hook string, c hooks.Conn, topic string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call{hook, c.Principal(), topic})
	r.ctxs = append(r.ctxs, ctx)
	return !r.deny[hook]
}

func (r *recordingHandler) Authenticate(ctx context.Context, c hooks.Conn, username string, secret []byte) bool {
	if string(secret) != "secret" {
		return false
	}
	c.SetPrincipal(username)
	return r.record(ctx, hooks.HookAuthenticate, c, "")
}

func (r *recordingHandler) AuthorizePublish(ctx context.Context, c hooks.Conn, topic string, _ []byte) bool {
	return r.record(ctx, hooks.HookPublish, c, topic)
}

func (r *recordingHandler) AuthorizeSubscribe(ctx context.Context, c hooks.Conn, topic string) bool {
	return r.record(ctx, hooks.HookSubscribe, c, topic)
}

func (r *recordingHandler) AuthorizeForward(ctx context.Context, c hooks.Conn, pkt authz.Packet) bool {
	return r.record(ctx, hooks.HookForward, c, pkt.Topic)
}

func (r *recordingHandler) last() call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

type countingRecorder struct {
	connected, disconnected int
}

func (c *countingRecorder) RecordConnection()    { c.connected++ }
func (c *countingRecorder) RecordDisconnection() { c.disconnected++ }

func newClient(id string) *mochi.Client {
	return &mochi.Client{ID: id, Net: mochi.ClientConnection{Remote: "127.0.0.1:40000"}}
}

func connectPacket(user, pass string) packets.Packet {
	return packets.Packet{Connect: packets.ConnectParams{
		Username: []byte(user),
		Password: []byte(pass),
	}}
}

func subscribePacket(filters ...string) packets.Packet {
	pk := packets.Packet{}
	for _, f := range filters {
		pk.Filters = append(pk.Filters, packets.Subscription{Filter: f})
	}
	return pk
}

func TestHook_Provides(t *testing.T) {
	h := NewHook(&recordingHandler{}, NewRegistry(), time.Second, discard)

	for _, b := range []byte{mochi.OnConnectAuthenticate, mochi.OnACLCheck, mochi.OnSubscribe, mochi.OnSubscribed, mochi.OnDisconnect} {
		assert.True(t, h.Provides(b))
	}
	assert.False(t, h.Provides(mochi.OnPublish))
	assert.Equal(t, HookID, h.ID())
}

func TestHook_ConnectAuthenticate(t *testing.T) {
	reg := NewRegistry()
	rec := &countingRecorder{}
	h := NewHook(&recordingHandler{}, reg, time.Second, discard, WithConnRecorder(rec))

	bad := newClient("c1")
	assert.False(t, h.OnConnectAuthenticate(bad, connectPacket("alice", "wrong")))
	assert.Nil(t, reg.Get("c1"))

	cl := newClient("c1")
	require.True(t, h.OnConnectAuthenticate(cl, connectPacket("alice", "secret")))
	conn := reg.Get("c1")
	require.NotNil(t, conn)
	assert.Equal(t, "alice", conn.Principal())
	assert.Equal(t, "127.0.0.1:40000", conn.RemoteAddr())
	assert.Equal(t, 1, rec.connected)
}

func TestHook_ACLDispatch(t *testing.T) {
	reg := NewRegistry()
	hd := &recordingHandler{}
	h := NewHook(hd, reg, time.Second, discard)

	cl := newClient("c1")
	require.True(t, h.OnConnectAuthenticate(cl, connectPacket("bob", "secret")))

	assert.True(t, h.OnACLCheck(cl, "/bob/x", true))
	assert.Equal(t, call{hooks.HookPublish, "bob", "/bob/x"}, hd.last())

	pk := subscribePacket("/rooms/kitchen")
	h.OnSubscribe(cl, pk)
	assert.True(t, h.OnACLCheck(cl, "/rooms/kitchen", false))
	assert.Equal(t, call{hooks.HookSubscribe, "bob", "/rooms/kitchen"}, hd.last())
	h.OnSubscribed(cl, pk, []byte{0})

	// The same topic on the delivery path is a forward check.
	assert.True(t, h.OnACLCheck(cl, "/rooms/kitchen", false))
	assert.Equal(t, call{hooks.HookForward, "bob", "/rooms/kitchen"}, hd.last())
}

func TestHook_SubscribedClearsUnusedMarks(t *testing.T) {
	reg := NewRegistry()
	hd := &recordingHandler{}
	h := NewHook(hd, reg, time.Second, discard)

	cl := newClient("c1")
	require.True(t, h.OnConnectAuthenticate(cl, connectPacket("bob", "secret")))

	pk := subscribePacket("/a", "/b")
	h.OnSubscribe(cl, pk)
	assert.True(t, h.OnACLCheck(cl, "/a", false))
	h.OnSubscribed(cl, pk, []byte{0, 0x8f})

	assert.True(t, h.OnACLCheck(cl, "/b", false))
	assert.Equal(t, hooks.HookForward, hd.last().hook)
}

func TestHook_VerdictPropagates(t *testing.T) {
	reg := NewRegistry()
	hd := &recordingHandler{deny: map[string]bool{hooks.HookForward: true, hooks.HookPublish: true}}
	h := NewHook(hd, reg, time.Second, discard)

	cl := newClient("c1")
	require.True(t, h.OnConnectAuthenticate(cl, connectPacket("bob", "secret")))

	assert.False(t, h.OnACLCheck(cl, "/bob/x", true))
	assert.False(t, h.OnACLCheck(cl, "/rooms/kitchen", false))

	h.OnSubscribe(cl, subscribePacket("/rooms/kitchen"))
	assert.True(t, h.OnACLCheck(cl, "/rooms/kitchen", false))
}

func TestHook_UntrackedAndInline(t *testing.T) {
	hd := &recordingHandler{}
	h := NewHook(hd, NewRegistry(), time.Second, discard)

	assert.False(t, h.OnACLCheck(newClient("ghost"), "/t", false))
	assert.False(t, h.OnACLCheck(newClient("ghost"), "/t", true))

	inline := &mochi.Client{ID: "inline", Net: mochi.ClientConnection{Inline: true}}
	assert.True(t, h.OnACLCheck(inline, "/t", true))
	assert.Empty(t, hd.calls)
}

func TestHook_Disconnect(t *testing.T) {
	reg := NewRegistry()
	rec := &countingRecorder{}
	var gone []string
	h := NewHook(&recordingHandler{}, reg, time.Second, discard,
		WithConnRecorder(rec),
		WithDisconnectFunc(func(id string) { gone = append(gone, id) }))

	cl := newClient("c1")
	require.True(t, h.OnConnectAuthenticate(cl, connectPacket("alice", "secret")))
	conn := reg.Get("c1")

	h.OnDisconnect(cl, nil, false)
	assert.Nil(t, reg.Get("c1"))
	assert.Empty(t, conn.Principal())
	assert.Equal(t, []string{"c1"}, gone)
	assert.Equal(t, 1, rec.disconnected)
	assert.False(t, h.OnACLCheck(cl, "/alice/x", true))

	// A second disconnect is a no-op.
	h.OnDisconnect(cl, nil, false)
	assert.Equal(t, 1, rec.disconnected)
}

func TestHook_TakeoverKeepsSuccessor(t *testing.T) {
	reg := NewRegistry()
	rec := &countingRecorder{}
	h := NewHook(&recordingHandler{}, reg, time.Second, discard, WithConnRecorder(rec))

	old := newClient("c1")
	require.True(t, h.OnConnectAuthenticate(old, connectPacket("alice", "secret")))
	oldConn := reg.Get("c1")

	next := newClient("c1")
	require.True(t, h.OnConnectAuthenticate(next, connectPacket("alice", "secret")))
	assert.Empty(t, oldConn.Principal())

	h.OnDisconnect(old, nil, false)
	conn := reg.Get("c1")
	require.NotNil(t, conn)
	assert.Equal(t, "alice", conn.Principal())
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, 1, rec.connected)
	assert.Equal(t, 0, rec.disconnected)

	assert.False(t, h.OnACLCheck(old, "/alice/x", true), "stale client must not act")
	assert.True(t, h.OnACLCheck(next, "/alice/x", true))
}

func TestHook_CallContext(t *testing.T) {
	hd := &recordingHandler{}
	h := NewHook(hd, NewRegistry(), 50*time.Millisecond, discard)

	cl := newClient("c1")
	require.True(t, h.OnConnectAuthenticate(cl, connectPacket("alice", "secret")))

	ctx := hd.ctxs[0]
	_, ok := ctx.Deadline()
	assert.True(t, ok)
	// Cancelled once the callback returns.
	assert.Error(t, ctx.Err())

	require.NoError(t, h.Stop())
	assert.Error(t, h.ctx.Err())
}
