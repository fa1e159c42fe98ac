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

package gosonic

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetd/gosonic/httpreq"
)

func listenAndServe(t *testing.T, handle func(net.Conn)) (*url.URL, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(c)
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	u, err := url.Parse("http://" + net.JoinHostPort(host, portStr) + "/")
	require.NoError(t, err)
	return u, func() { ln.Close() }
}

func readRequestTarget(t *testing.T, c net.Conn) string {
	t.Helper()
	r := bufio.NewReader(c)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	for {
		h, err := r.ReadString('\n')
		require.NoError(t, err)
		if strings.TrimRight(h, "\r\n") == "" {
			break
		}
	}
	parts := strings.Fields(line)
	require.Len(t, parts, 3)
	return parts[1]
}

func TestClientDoReturnsBody(t *testing.T) {
	u, closeFn := listenAndServe(t, func(c net.Conn) {
		defer c.Close()
		readRequestTarget(t, c)
		_, _ = c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nok"))
	})
	defer closeFn()

	cl := New(DefaultConfig())
	defer cl.Close()

	resp, err := cl.Do(context.Background(), &httpreq.Request{Method: "GET", URL: u})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "ok", string(resp.Body))
}

func TestClientDoFollowsRedirect(t *testing.T) {
	var target string
	u, closeFn := listenAndServe(t, func(c net.Conn) {
		defer c.Close()
		path := readRequestTarget(t, c)
		if path == "/" {
			target = "redirected"
			_, _ = c.Write([]byte("HTTP/1.1 302 Found\r\nLocation: /next\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"))
			return
		}
		_, _ = c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 9\r\nConnection: close\r\n\r\narrived!!"))
	})
	defer closeFn()

	cfg := DefaultConfig()
	cfg.Follow = true
	cl := New(cfg)
	defer cl.Close()

	resp, err := cl.Do(context.Background(), &httpreq.Request{Method: "GET", URL: u})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "arrived!!", string(resp.Body))
	assert.Equal(t, "redirected", target)
}

func TestClientDoRedirectReplaysMethodAndBody(t *testing.T) {
	var method, body string
	u, closeFn := listenAndServe(t, func(c net.Conn) {
		defer c.Close()
		r := bufio.NewReader(c)
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		contentLen := 0
		for {
			h, err := r.ReadString('\n')
			if err != nil {
				return
			}
			trimmed := strings.TrimRight(h, "\r\n")
			if trimmed == "" {
				break
			}
			if v, ok := strings.CutPrefix(strings.ToLower(trimmed), "content-length:"); ok {
				contentLen, _ = strconv.Atoi(strings.TrimSpace(v))
			}
		}
		payload := make([]byte, contentLen)
		if contentLen > 0 {
			if _, err := io.ReadFull(r, payload); err != nil {
				return
			}
		}

		parts := strings.Fields(line)
		if parts[1] == "/submit" {
			_, _ = c.Write([]byte("HTTP/1.1 302 Found\r\nLocation: /next\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"))
			return
		}
		method, body = parts[0], string(payload)
		_, _ = c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"))
	})
	defer closeFn()

	cfg := DefaultConfig()
	cfg.Follow = true
	cl := New(cfg)
	defer cl.Close()

	target := *u
	target.Path = "/submit"
	resp, err := cl.Do(context.Background(), &httpreq.Request{
		Method: "POST",
		URL:    &target,
		Kind:   httpreq.BodyRaw,
		Raw:    []byte("payload"),
	})
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "POST", method, "the redirect must replay the original method")
	assert.Equal(t, "payload", body, "the redirect must replay the original body")
}

func TestClientDoCarriesCookiesAcrossRequests(t *testing.T) {
	var sawCookie string
	first := true
	u, closeFn := listenAndServe(t, func(c net.Conn) {
		defer c.Close()
		r := bufio.NewReader(c)
		line, _ := r.ReadString('\n')
		_ = line
		for {
			h, _ := r.ReadString('\n')
			trimmed := strings.TrimRight(h, "\r\n")
			if trimmed == "" {
				break
			}
			if strings.HasPrefix(strings.ToLower(trimmed), "cookie:") {
				sawCookie = trimmed
			}
		}
		if first {
			first = false
			_, _ = c.Write([]byte("HTTP/1.1 200 OK\r\nSet-Cookie: session=abc\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"))
			return
		}
		_, _ = c.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 0\r\nConnection: close\r\n\r\n"))
	})
	defer closeFn()

	cfg := DefaultConfig()
	cfg.Cookies = true
	cl := New(cfg)
	defer cl.Close()

	_, err := cl.Do(context.Background(), &httpreq.Request{Method: "GET", URL: u})
	require.NoError(t, err)
	_, err = cl.Do(context.Background(), &httpreq.Request{Method: "GET", URL: u})
	require.NoError(t, err)

	assert.Contains(t, sawCookie, "session=abc")
}
