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

package conn

import (
	"context"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReleaser struct {
	released []*Connection
}

func (f *fakeReleaser) ReleaseConn(c *Connection) {
	f.released = append(f.released, c)
}

func pipeDialer(server net.Conn) DialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		client, srv := net.Pipe()
		go func() {
			buf := make([]byte, 4096)
			for {
				n, err := srv.Read(buf)
				if err != nil {
					return
				}
				srv.Write(buf[:n]) // simple echo server for tests
			}
		}()
		_ = server
		return client, nil
	}
}

func TestConnectionWriteReadRoundTrip(t *testing.T) {
	c := New(&fakeReleaser{})
	err := c.Connect(context.Background(), ConnectOptions{
		Addr: "example.invalid:80",
		Dial: pipeDialer(nil),
	})
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Write([]byte("hello\n"))
	require.NoError(t, err)

	line, err := c.ReadLine()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(line))
}

func TestConnectionReuseSameAffinity(t *testing.T) {
	c := New(&fakeReleaser{})
	opts := ConnectOptions{Addr: "example.invalid:80", AffinityKey: "example.invalid-80", Dial: pipeDialer(nil), MaxConnRequests: 10}

	require.NoError(t, c.Connect(context.Background(), opts))
	first := c.netConn

	require.NoError(t, c.Connect(context.Background(), opts))
	assert.Same(t, first, c.netConn, "same affinity key and under request budget must reuse the transport")
}

func TestConnectionRebindsOnDifferentAffinity(t *testing.T) {
	c := New(&fakeReleaser{})
	require.NoError(t, c.Connect(context.Background(), ConnectOptions{
		Addr: "a.invalid:80", AffinityKey: "a.invalid-80", Dial: pipeDialer(nil),
	}))
	first := c.netConn

	require.NoError(t, c.Connect(context.Background(), ConnectOptions{
		Addr: "b.invalid:80", AffinityKey: "b.invalid-80", Dial: pipeDialer(nil),
	}))
	assert.NotSame(t, first, c.netConn)
}

func TestConnectionReleaseHandsBackToPool(t *testing.T) {
	r := &fakeReleaser{}
	c := New(r)
	require.NoError(t, c.Connect(context.Background(), ConnectOptions{
		Addr: "example.invalid:80", Dial: pipeDialer(nil),
	}))

	c.SetBlocked(true)
	c.Release()

	assert.False(t, c.Blocked(), "a released connection must have blocked == false")
	assert.Equal(t, 1, c.RequestsCount())
	require.Len(t, r.released, 1)
	assert.Same(t, c, r.released[0])
}

func TestConnectionWriteOnClosedFails(t *testing.T) {
	c := New(&fakeReleaser{})
	require.NoError(t, c.Connect(context.Background(), ConnectOptions{
		Addr: "example.invalid:80", Dial: pipeDialer(nil),
	}))
	require.NoError(t, c.Close())

	_, err := c.Write([]byte("x"))
	assert.Error(t, err)
}
