// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/mqauth/authority"
	"github.com/absmach/mqauth/authz"
	"github.com/absmach/mqauth/cache/memory"
	"github.com/absmach/mqauth/hooks"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitTimeout = 3 * time.Second

// policyServer grants logins with password "secret" and subscriptions
// listed in grants.
type policyServer struct {
	mu     sync.Mutex
	grants map[string]bool // "user topic"
	auths  atomic.Int32
}

func (p *policyServer) allow(user, topic string, ok bool) {
	p.mu.Lock()
	p.grants[user+" "+topic] = ok
	p.mu.Unlock()
}

func (p *policyServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case authority.LoginPath:
		var req authority.LoginRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Password != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	case authority.AuthPath:
		p.auths.Add(1)
		var req authority.AuthRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		p.mu.Lock()
		ok := p.grants[req.Username+" "+req.Topic]
		p.mu.Unlock()
		if ok {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusForbidden)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func freeAddr(t testing.TB) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

type broker struct {
	addr   string
	policy *policyServer
	clock  *testClock
	server *Server
}

func startBroker(t testing.TB) *broker {
	t.Helper()

	policy := &policyServer{grants: make(map[string]bool)}
	as := httptest.NewServer(policy)
	t.Cleanup(as.Close)

	clk := &testClock{now: time.Unix(1000, 0)}
	dc := memory.New(0, memory.WithClock(clk.Now))
	t.Cleanup(func() { dc.Close() })

	client, err := authority.New(authority.Config{
		BaseURL:  as.URL,
		Timeout:  time.Second,
		CacheTTL: 5 * time.Second,
	}, dc, discard)
	require.NoError(t, err)

	handler := hooks.New(client, authz.NewForwarder(dc, client, discard), discard)
	hook := NewHook(handler, NewRegistry(), 2*time.Second, discard)

	addr := freeAddr(t)
	srv, err := NewServer(Config{TCPAddr: addr}, hook, discard)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Listen(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(waitTimeout):
			t.Error("broker did not stop")
		}
	})

	return &broker{addr: addr, policy: policy, clock: clk, server: srv}
}

func (b *broker) connect(t testing.TB, id, user, pass string) (paho.Client, error) {
	t.Helper()

	opts := paho.NewClientOptions().
		AddBroker("tcp://" + b.addr).
		SetClientID(id).
		SetUsername(user).
		SetPassword(pass).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetConnectTimeout(waitTimeout)

	c := paho.NewClient(opts)
	tok := c.Connect()
	require.True(t, tok.WaitTimeout(waitTimeout))
	if err := tok.Error(); err != nil {
		return nil, err
	}
	t.Cleanup(func() { c.Disconnect(100) })
	return c, nil
}

func subscribe(t testing.TB, c paho.Client, topic string, msgs chan<- string) byte {
	t.Helper()

	tok := c.Subscribe(topic, 0, func(_ paho.Client, m paho.Message) {
		msgs <- fmt.Sprintf("%s %s", m.Topic(), m.Payload())
	})
	require.True(t, tok.WaitTimeout(waitTimeout))
	require.NoError(t, tok.Error())

	st, ok := tok.(*paho.SubscribeToken)
	require.True(t, ok)
	return st.Result()[topic]
}

func publish(t testing.TB, c paho.Client, topic, payload string) {
	t.Helper()
	tok := c.Publish(topic, 0, false, payload)
	require.True(t, tok.WaitTimeout(waitTimeout))
	require.NoError(t, tok.Error())
}

func expectMessage(t *testing.T, msgs <-chan string, want string) {
	t.Helper()
	select {
	case got := <-msgs:
		assert.Equal(t, want, got)
	case <-time.After(waitTimeout):
		t.Fatalf("message %q not delivered", want)
	}
}

func expectNone(t *testing.T, msgs <-chan string) {
	t.Helper()
	select {
	case got := <-msgs:
		t.Fatalf("unexpected delivery %q", got)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestServer_ConnectRequiresCredentials(t *testing.T) {
	b := startBroker(t)

	_, err := b.connect(t, "intruder", "alice", "wrong")
	assert.Error(t, err)

	c, err := b.connect(t, "alice-1", "alice", "secret")
	require.NoError(t, err)
	assert.True(t, c.IsConnected())
}

func TestServer_PublishSubscribeForward(t *testing.T) {
	b := startBroker(t)
	b.policy.allow("bob", "/alice/sensor", true)
	b.policy.allow("bob", "/bob/inbox", true)

	bob, err := b.connect(t, "bob-1", "bob", "secret")
	require.NoError(t, err)
	alice, err := b.connect(t, "alice-1", "alice", "secret")
	require.NoError(t, err)

	msgs := make(chan string, 16)
	assert.Equal(t, byte(0), subscribe(t, bob, "/alice/sensor", msgs))
	assert.Equal(t, byte(0), subscribe(t, bob, "/bob/inbox", msgs))
	assert.GreaterOrEqual(t, subscribe(t, bob, "/carol/private", msgs), byte(0x80))
	subscribeCalls := b.policy.auths.Load()

	// Owner publishes; the cached subscribe verdict gates the delivery.
	publish(t, alice, "/alice/sensor", "21")
	expectMessage(t, msgs, "/alice/sensor 21")
	assert.Equal(t, subscribeCalls, b.policy.auths.Load())

	// alice does not own /bob/inbox.
	publish(t, alice, "/bob/inbox", "spoof")
	expectNone(t, msgs)
}

func TestServer_RevocationAfterExpiry(t *testing.T) {
	b := startBroker(t)
	b.policy.allow("bob", "/alice/sensor", true)

	bob, err := b.connect(t, "bob-1", "bob", "secret")
	require.NoError(t, err)
	alice, err := b.connect(t, "alice-1", "alice", "secret")
	require.NoError(t, err)

	msgs := make(chan string, 16)
	require.Equal(t, byte(0), subscribe(t, bob, "/alice/sensor", msgs))

	b.policy.allow("bob", "/alice/sensor", false)

	// Still cached: delivered.
	publish(t, alice, "/alice/sensor", "1")
	expectMessage(t, msgs, "/alice/sensor 1")

	// Expired: a fresh check sees the revocation.
	b.clock.Advance(6 * time.Second)
	publish(t, alice, "/alice/sensor", "2")
	expectNone(t, msgs)
}

func TestServer_InlinePublishDelivered(t *testing.T) {
	b := startBroker(t)
	b.policy.allow("bob", "/alice/sensor", true)

	bob, err := b.connect(t, "bob-1", "bob", "secret")
	require.NoError(t, err)

	msgs := make(chan string, 16)
	require.Equal(t, byte(0), subscribe(t, bob, "/alice/sensor", msgs))

	require.NoError(t, b.server.Publish("/alice/sensor", []byte("sys"), false, 0))
	expectMessage(t, msgs, "/alice/sensor sys")
}

func TestNewServer_NoListeners(t *testing.T) {
	h := NewHook(&recordingHandler{}, NewRegistry(), time.Second, discard)

	_, err := NewServer(Config{TLSAddr: "127.0.0.1:0"}, h, discard)
	assert.ErrorIs(t, err, errNoListeners)
}
