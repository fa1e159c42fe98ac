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

package connector

import (
	"context"
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetd/gosonic/pool"
)

func TestSplitHostPortDefaultsByScheme(t *testing.T) {
	u, err := url.Parse("https://example.invalid/path")
	require.NoError(t, err)
	host, port, err := splitHostPort(u)
	require.NoError(t, err)
	assert.Equal(t, "example.invalid", host)
	assert.Equal(t, 443, port)
}

func TestSplitHostPortExplicitPort(t *testing.T) {
	u, err := url.Parse("http://example.invalid:8080/path")
	require.NoError(t, err)
	host, port, err := splitHostPort(u)
	require.NoError(t, err)
	assert.Equal(t, "example.invalid", host)
	assert.Equal(t, 8080, port)
}

func TestSplitHostPortRejectsEmptyHost(t *testing.T) {
	u := &url.URL{}
	_, _, err := splitHostPort(u)
	assert.Error(t, err)
}

func TestConnectorAcquireDialsThroughResolvedAddr(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 1024)
				for {
					n, err := c.Read(buf)
					if err != nil {
						return
					}
					c.Write(buf[:n])
				}
			}(c)
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.PoolSize = 1
	cn := New(cfg)
	cn.resolver = cn.resolver.WithLookup(func(ctx context.Context, encodedHost string) ([]net.IP, error) {
		return []net.IP{net.ParseIP(host)}, nil
	})
	defer cn.Cleanup()

	u, err := url.Parse("http://" + net.JoinHostPort(host, portStr) + "/")
	require.NoError(t, err)

	lease, err := cn.Acquire(context.Background(), AcquireOptions{URL: u})
	require.NoError(t, err)
	defer lease.Release()

	_, err = lease.Conn.Write([]byte("ping"))
	require.NoError(t, err)
	resp, err := lease.Conn.Read(4)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(resp))
}

func TestConnectorReusesPoolPerAffinityKey(t *testing.T) {
	cfg := DefaultConfig()
	cn := New(cfg)
	p1 := cn.poolFor(pool.Smart, "host-80")
	p2 := cn.poolFor(pool.Smart, "host-80")
	assert.Same(t, p1, p2)
}

func TestConnectorWaitFreePoolReturnsImmediatelyWhenUnknown(t *testing.T) {
	cn := New(DefaultConfig())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, cn.WaitFreePool(ctx, "never-acquired"))
}
