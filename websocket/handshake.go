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

// Package websocket implements an RFC 6455 client: the HTTP/1.1 upgrade
// handshake and a masked frame codec layered directly on top of a
// conn.Connection, reusing its connector-pooled transport instead of
// opening a socket of its own.
package websocket

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"net/url"
	"strings"
	"sync"

	"github.com/packetd/gosonic/common"
	"github.com/packetd/gosonic/conn"
	"github.com/packetd/gosonic/connector"
	"github.com/packetd/gosonic/internal/errorsx"
	"github.com/packetd/gosonic/resolver"
)

// acceptGUID is the fixed RFC 6455 §1.3 key used to derive Sec-WebSocket-Accept.
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Client is one upgraded WebSocket connection: a leased, always-fresh
// Connection (the Websocket pool kind never reuses transports) plus the
// negotiated subprotocol.
type Client struct {
	lease     conn.Lease
	subproto  string
	connected bool
	closeCode int

	readMu  sync.Mutex
	writeMu sync.Mutex
}

// Dial opens u (ws:// or wss://), performs the upgrade handshake, and
// returns a ready Client. subprotocols is sent comma-joined when non-empty.
func Dial(ctx context.Context, cn *connector.Connector, u *url.URL, header map[string][]string, subprotocols []string) (*Client, error) {
	lease, err := cn.Acquire(ctx, connector.AcquireOptions{
		URL:            httpSchemeURL(u),
		Verify:         true,
		Family:         resolver.FamilyUnspec,
		ForceWebsocket: true,
	})
	if err != nil {
		return nil, err
	}

	keyBytes := make([]byte, 16)
	if _, err := rand.Read(keyBytes); err != nil {
		lease.Conn.SetKeep(false)
		lease.Release()
		return nil, errorsx.Wrap(errorsx.ConnectTimeout, err, "generate websocket key")
	}
	key := base64.StdEncoding.EncodeToString(keyBytes)

	if err := writeUpgradeRequest(lease.Conn, u, key, header, subprotocols); err != nil {
		lease.Conn.SetKeep(false)
		lease.Release()
		return nil, err
	}

	negotiated, err := readUpgradeResponse(lease.Conn, key)
	if err != nil {
		lease.Conn.SetKeep(false)
		lease.Release()
		return nil, err
	}

	return &Client{lease: lease, subproto: negotiated, connected: true}, nil
}

// httpSchemeURL rewrites ws/wss to http/https so the connector's generic
// resolve-and-dial path (which only special-cases https/wss for TLS) can
// still tell TLS from plaintext via splitHostPort's defaultPort table.
func httpSchemeURL(u *url.URL) *url.URL {
	cp := *u
	switch u.Scheme {
	case "wss":
		cp.Scheme = "https"
	default:
		cp.Scheme = "http"
	}
	return &cp
}

func writeUpgradeRequest(c *conn.Connection, u *url.URL, key string, header map[string][]string, subprotocols []string) error {
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	var b strings.Builder
	b.WriteString("GET ")
	b.WriteString(path)
	b.WriteString(" HTTP/1.1\r\n")
	b.WriteString("Host: " + u.Host + "\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: Upgrade\r\n")
	b.WriteString("Sec-WebSocket-Key: " + key + "\r\n")
	b.WriteString("Sec-WebSocket-Version: 13\r\n")
	b.WriteString("User-Agent: " + common.UserAgent + "\r\n")
	if len(subprotocols) > 0 {
		b.WriteString("Sec-WebSocket-Protocol: " + strings.Join(subprotocols, ", ") + "\r\n")
	}
	for k, vs := range header {
		for _, v := range vs {
			b.WriteString(k + ": " + v + "\r\n")
		}
	}
	b.WriteString("\r\n")

	_, err := c.Write([]byte(b.String()))
	return err
}

func readUpgradeResponse(c *conn.Connection, sentKey string) (string, error) {
	status, err := c.ReadLine()
	if err != nil {
		return "", errorsx.Wrap(errorsx.ConnectionDisconnected, err, "read websocket status line")
	}
	if !strings.HasPrefix(string(status), "HTTP/1.1 101") {
		return "", errorsx.Newf(errorsx.ConnectionDisconnected, "websocket handshake rejected: %q", string(status))
	}

	var accept, negotiated string
	for {
		line, err := c.ReadLine()
		if err != nil {
			return "", errorsx.Wrap(errorsx.ConnectionDisconnected, err, "read websocket handshake headers")
		}
		if len(line) == 0 {
			break
		}
		k, v, ok := splitHeaderLine(string(line))
		if !ok {
			continue
		}
		switch strings.ToLower(k) {
		case "sec-websocket-accept":
			accept = strings.TrimSpace(v)
		case "sec-websocket-protocol":
			negotiated = strings.TrimSpace(v)
		}
	}

	if accept != expectedAccept(sentKey) {
		return "", errorsx.New(errorsx.ConnectionDisconnected, "websocket accept key mismatch")
	}
	return negotiated, nil
}

func expectedAccept(key string) string {
	sum := sha1.Sum([]byte(key + acceptGUID))
	return base64.StdEncoding.EncodeToString(sum[:])
}

func splitHeaderLine(line string) (string, string, bool) {
	if idx := strings.Index(line, ": "); idx >= 0 {
		return line[:idx], line[idx+2:], true
	}
	if idx := strings.Index(line, ":"); idx >= 0 {
		return line[:idx], line[idx+1:], true
	}
	return "", "", false
}
