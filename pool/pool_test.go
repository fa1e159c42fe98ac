// Copyright 2025 The packetd Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package pool

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetd/gosonic/conn"
)

func dialPipe(ctx context.Context, network, addr string) (net.Conn, error) {
	client, server := net.Pipe()
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := server.Read(buf)
			if err != nil {
				return
			}
			server.Write(buf[:n])
		}
	}()
	return client, nil
}

func TestSmartPoolAcquireReleaseRoundTrip(t *testing.T) {
	p := New(Smart, Config{Size: 2, PoolAcquire: time.Second})
	require.True(t, p.IsAllFree())

	c, err := p.Acquire(context.Background(), "host-80")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 1, p.FreeConns())

	p.ReleaseConn(c)
	assert.True(t, p.IsAllFree())
}

func TestSmartPoolPrefersAffinityMatch(t *testing.T) {
	p := New(Smart, Config{Size: 2, PoolAcquire: time.Second})

	a, err := p.Acquire(context.Background(), "a-host-80")
	require.NoError(t, err)
	require.NoError(t, a.Connect(context.Background(), conn.ConnectOptions{
		Addr: "a-host:80", AffinityKey: "a-host-80", Dial: dialPipe,
	}))

	b, err := p.Acquire(context.Background(), "b-host-80")
	require.NoError(t, err)
	require.NoError(t, b.Connect(context.Background(), conn.ConnectOptions{
		Addr: "b-host:80", AffinityKey: "b-host-80", Dial: dialPipe,
	}))
	p.ReleaseConn(a)
	p.ReleaseConn(b)

	got, err := p.Acquire(context.Background(), "a-host-80")
	require.NoError(t, err)
	assert.Same(t, a, got, "acquire must prefer the connection already bound to the requested affinity key")
}

func TestSmartPoolAcquireTimesOutWhenExhausted(t *testing.T) {
	p := New(Smart, Config{Size: 1, PoolAcquire: 20 * time.Millisecond})

	c, err := p.Acquire(context.Background(), "")
	require.NoError(t, err)
	_ = c // never released: pool stays exhausted

	_, err = p.Acquire(context.Background(), "")
	assert.Error(t, err)
}

func TestSmartPoolEvictsIdleConnection(t *testing.T) {
	p := New(Smart, Config{Size: 1, MaxConnIdle: time.Millisecond, PoolAcquire: time.Second})

	c, err := p.Acquire(context.Background(), "")
	require.NoError(t, err)
	// Connection.Release stamps the release time idle eviction is measured
	// from, then hands the connection back through p.ReleaseConn.
	c.Release()

	time.Sleep(5 * time.Millisecond)

	next, err := p.Acquire(context.Background(), "")
	require.NoError(t, err)
	assert.NotSame(t, c, next, "a connection idle past MaxConnIdle must be replaced")
}

func TestCyclicPoolRotatesFIFO(t *testing.T) {
	p := New(Cyclic, Config{Size: 2, PoolAcquire: time.Second})

	first, err := p.Acquire(context.Background(), "")
	require.NoError(t, err)
	second, err := p.Acquire(context.Background(), "")
	require.NoError(t, err)
	assert.NotSame(t, first, second)

	p.ReleaseConn(first)
	p.ReleaseConn(second)

	// released in order first, second; FIFO rotation hands first back out next
	got, err := p.Acquire(context.Background(), "")
	require.NoError(t, err)
	assert.Same(t, first, got)
}

func TestWebsocketPoolNeverReuses(t *testing.T) {
	p := New(Websocket, Config{Size: 1})
	assert.Equal(t, websocketFreeConns, p.FreeConns())
	assert.True(t, p.IsAllFree())

	a, err := p.Acquire(context.Background(), "anything")
	require.NoError(t, err)
	b, err := p.Acquire(context.Background(), "anything")
	require.NoError(t, err)
	assert.NotSame(t, a, b)

	require.NoError(t, p.Cleanup())
}

func TestPoolCleanupClosesFreeConnections(t *testing.T) {
	p := New(Smart, Config{Size: 2, PoolAcquire: time.Second})
	require.NoError(t, p.Cleanup())
	assert.Equal(t, 0, p.FreeConns())
}
