// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package bufpool recycles the buffers authority request bodies are
// encoded into.
package bufpool

import (
	"bytes"
	"sync"
)

// MaxCap bounds the capacity of a buffer returned to the pool. Request
// bodies carry a username, a topic and a secret, so anything larger came
// from an outlier and is left to the collector.
const MaxCap = 16 * 1024

var pool = sync.Pool{New: func() any { return new(bytes.Buffer) }}

// Get returns an empty buffer.
func Get() *bytes.Buffer {
	b := pool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

// Put returns b to the pool. b must not be used afterwards.
func Put(b *bytes.Buffer) {
	if b == nil || b.Cap() > MaxCap {
		return
	}
	pool.Put(b)
}
