// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package mqtt

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/absmach/mqauth/hooks"
	mochi "github.com/mochi-mqtt/server/v2"
)

var _ hooks.Conn = (*Conn)(nil)

// Conn is the authorization state of one broker client. The principal is
// set by a successful authentication and cleared when the client leaves.
type Conn struct {
	id     string
	remote string
	client *mochi.Client

	mu        sync.Mutex
	principal string
	// pending counts subscribe filters awaiting their ACL check.
	pending map[string]int
}

func newConn(cl *mochi.Client) *Conn {
	return &Conn{
		id:     cl.ID,
		remote: cl.Net.Remote,
		client: cl,
	}
}

// ID returns the MQTT client identifier.
func (c *Conn) ID() string { return c.id }

// RemoteAddr returns the client's network address.
func (c *Conn) RemoteAddr() string { return c.remote }

// Principal returns the authenticated identity, or "" if none is bound.
func (c *Conn) Principal() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.principal
}

// SetPrincipal binds principal to the connection; "" clears the binding.
func (c *Conn) SetPrincipal(principal string) {
	c.mu.Lock()
	c.principal = principal
	c.mu.Unlock()
}

// beginSubscribe marks filters as in the middle of a SUBSCRIBE, so the
// read check the broker runs for each of them is treated as a subscribe
// decision rather than a delivery.
func (c *Conn) beginSubscribe(filters []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		c.pending = make(map[string]int, len(filters))
	}
	for _, f := range filters {
		c.pending[f]++
	}
}

// takeSubscribe consumes one pending mark for filter.
func (c *Conn) takeSubscribe(filter string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.pending[filter]
	if n == 0 {
		return false
	}
	if n == 1 {
		delete(c.pending, filter)
	} else {
		c.pending[filter] = n - 1
	}
	return true
}

// endSubscribe drops marks the broker never consumed, for example for
// filters it rejected as malformed.
func (c *Conn) endSubscribe(filters []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range filters {
		delete(c.pending, f)
	}
}

const numShards = 64

type registryShard struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// Registry tracks authenticated connections by client ID. It is split
// across shards so lookups on the delivery path of different clients don't
// contend.
type Registry struct {
	shards [numShards]registryShard
	count  atomic.Int64
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].conns = make(map[string]*Conn)
	}
	return r
}

func (r *Registry) shard(clientID string) *registryShard {
	h := fnv.New32a()
	h.Write([]byte(clientID))
	return &r.shards[h.Sum32()%numShards]
}

// Get returns the connection for clientID, or nil.
func (r *Registry) Get(clientID string) *Conn {
	s := r.shard(clientID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conns[clientID]
}

// Add stores c, returning the connection it replaced, if any. A client
// reconnecting with the same ID takes over the entry.
func (r *Registry) Add(c *Conn) *Conn {
	s := r.shard(c.id)
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, exists := s.conns[c.id]
	if !exists {
		r.count.Add(1)
	}
	s.conns[c.id] = c
	return prev
}

// Remove deletes the entry for cl only if cl still owns it, so a late
// disconnect from a taken-over client cannot evict its successor.
func (r *Registry) Remove(cl *mochi.Client) *Conn {
	s := r.shard(cl.ID)
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[cl.ID]
	if !ok || c.client != cl {
		return nil
	}
	delete(s.conns, cl.ID)
	r.count.Add(-1)
	return c
}

// Len returns the number of tracked connections.
func (r *Registry) Len() int {
	return int(r.count.Load())
}
