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

package sse

import (
	"bufio"
	"context"
	"net"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetd/gosonic/connector"
)

func readRequestLine(t *testing.T, c net.Conn) map[string]string {
	t.Helper()
	r := bufio.NewReader(c)
	_, err := r.ReadString('\n') // request line
	require.NoError(t, err)
	headers := make(map[string]string)
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		if idx := strings.Index(line, ": "); idx >= 0 {
			headers[line[:idx]] = line[idx+2:]
		}
	}
	return headers
}

func dialURL(t *testing.T, ln net.Listener) *url.URL {
	t.Helper()
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	u, err := url.Parse("http://" + net.JoinHostPort(host, portStr) + "/events")
	require.NoError(t, err)
	return u
}

func TestSSEEventParsingAndDedup(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		readRequestLine(t, c)
		_, _ = c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Type: text/event-stream\r\n\r\n"))
		_, _ = c.Write([]byte("id: 1\ndata: first\n\n"))
		_, _ = c.Write([]byte("id: 1\ndata: first\n\n")) // duplicate id, must be skipped
		_, _ = c.Write([]byte("event: tick\nid: 2\ndata: line one\ndata: line two\n\n"))
	}()

	cfg := connector.DefaultConfig()
	cfg.PoolSize = 1
	cn := connector.New(cfg)
	defer cn.Cleanup()

	sseCfg := DefaultConfig()
	sseCfg.Reconnect = false
	conn, err := Connect(context.Background(), cn, dialURL(t, ln), sseCfg)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ev1, ok, err := conn.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "1", ev1.ID)
	assert.Equal(t, "first", ev1.Data)

	ev2, ok, err := conn.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2", ev2.ID)
	assert.Equal(t, "tick", ev2.Event)
	assert.Equal(t, "line one\nline two", ev2.Data)

	_, ok, err = conn.Next(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSSEConnectRejectsWrongContentType(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		readRequestLine(t, c)
		_, _ = c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Type: text/plain\r\n\r\nnope"))
	}()

	cfg := connector.DefaultConfig()
	cfg.PoolSize = 1
	cn := connector.New(cfg)
	defer cn.Cleanup()

	_, err = Connect(context.Background(), cn, dialURL(t, ln), DefaultConfig())
	assert.Error(t, err)
}

func TestSSEReconnectResumesWithLastEventID(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	attempts := make(chan map[string]string, 2)
	go func() {
		for i := 0; i < 2; i++ {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			headers := readRequestLine(t, c)
			attempts <- headers
			_, _ = c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Type: text/event-stream\r\n\r\n"))
			if i == 0 {
				_, _ = c.Write([]byte("id: 42\ndata: hello\n\n"))
				c.Close()
			} else {
				_, _ = c.Write([]byte("id: 43\ndata: world\n\n"))
			}
		}
	}()

	cfg := connector.DefaultConfig()
	cfg.PoolSize = 2
	cn := connector.New(cfg)
	defer cn.Cleanup()

	sseCfg := DefaultConfig()
	sseCfg.RetryDelay = 10 * time.Millisecond
	conn, err := Connect(context.Background(), cn, dialURL(t, ln), sseCfg)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ev1, ok, err := conn.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello", ev1.Data)

	ev2, ok, err := conn.Next(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "world", ev2.Data)

	<-attempts
	secondHeaders := <-attempts
	assert.Equal(t, "42", secondHeaders["Last-Event-ID"])
}

func TestParseEventMalformedLineFails(t *testing.T) {
	_, err := parseEvent("not-a-valid-line-without-colon")
	assert.Error(t, err)
}

func TestParseEventStripsTrailingNewline(t *testing.T) {
	ev, err := parseEvent("data: abc\ndata: def")
	require.NoError(t, err)
	assert.Equal(t, "abc\ndef", ev.Data)
}
