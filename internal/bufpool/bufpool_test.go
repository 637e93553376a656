// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bufpool

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGet_Empty(t *testing.T) {
	b := Get()
	b.WriteString(`{"username":"alice"}`)
	Put(b)

	b = Get()
	defer Put(b)
	assert.Zero(t, b.Len())
}

func TestPut_OversizedAndNil(t *testing.T) {
	b := Get()
	b.Grow(MaxCap + 1)
	assert.NotPanics(t, func() { Put(b) })
	assert.NotPanics(t, func() { Put(nil) })
}

func TestEncodeRequest(t *testing.T) {
	b := Get()
	defer Put(b)

	require.NoError(t, json.NewEncoder(b).Encode(map[string]string{"topic": "/alice/sensor"}))
	assert.JSONEq(t, `{"topic":"/alice/sensor"}`, b.String())
}

func TestConcurrentGetPut(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			b := Get()
			b.WriteString("/bob/inbox")
			Put(b)
		}()
	}
	wg.Wait()
}
