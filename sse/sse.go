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
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/packetd/gosonic/common"
	"github.com/packetd/gosonic/conn"
	"github.com/packetd/gosonic/connector"
	"github.com/packetd/gosonic/httpreq"
	"github.com/packetd/gosonic/internal/errorsx"
	"github.com/packetd/gosonic/logger"
	"github.com/packetd/gosonic/resolver"
)

// Config parametrizes a Connection.
type Config struct {
	Header     *httpreq.Headers
	Reconnect  bool
	RetryDelay time.Duration // overridden by a server-sent "retry" field once observed
	Verify     bool
}

// DefaultConfig enables reconnection with a 3-second retry delay.
func DefaultConfig() Config {
	return Config{Reconnect: true, RetryDelay: 3 * time.Second}
}

// Connection is one (possibly reconnecting) SSE stream.
type Connection struct {
	cn  *connector.Connector
	url *url.URL
	cfg Config

	lease  conn.Lease
	buf    []byte
	closed bool

	seenIDs         map[string]bool
	lastEventID     string
	lastYieldedData string
	haveYielded     bool
}

// Connect issues the initial GET request for u with Accept:
// text/event-stream and Cache-Control: no-cache, and validates the 200 /
// text/event-stream response before returning a ready Connection.
func Connect(ctx context.Context, cn *connector.Connector, u *url.URL, cfg Config) (*Connection, error) {
	c := &Connection{cn: cn, url: u, cfg: cfg, seenIDs: make(map[string]bool)}
	if err := c.dial(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Connection) dial(ctx context.Context) error {
	lease, err := c.cn.Acquire(ctx, connector.AcquireOptions{
		URL:    c.url,
		Verify: c.cfg.Verify,
		Family: resolver.FamilyUnspec,
	})
	if err != nil {
		return err
	}

	if err := writeSSERequest(lease.Conn, c.url, c.cfg.Header, c.lastEventID); err != nil {
		lease.Conn.SetKeep(false)
		lease.Release()
		return err
	}

	code, headers, err := httpreq.ReadStatusAndHeaders(lease.Conn)
	if err != nil {
		lease.Conn.SetKeep(false)
		lease.Release()
		return err
	}
	if code != 200 || !strings.Contains(strings.ToLower(headers.Get("Content-Type")), "text/event-stream") {
		lease.Conn.SetKeep(false)
		lease.Release()
		return errorsx.Newf(errorsx.SSEConnection, "sse connect failed: status %d content-type %q", code, headers.Get("Content-Type"))
	}

	c.lease = lease
	c.buf = nil
	return nil
}

// writeSSERequest serializes the GET by hand, in insertion order: the
// caller's headers first, then any defaults they didn't override. The
// ordered httpreq.Headers also keeps the exact "Last-Event-ID" casing,
// which http.Header would canonicalize to "Last-Event-Id".
func writeSSERequest(c *conn.Connection, u *url.URL, header *httpreq.Headers, lastEventID string) error {
	h := header.Clone()
	if h == nil {
		h = httpreq.NewHeaders()
	}
	if h.Get("Accept") == "" {
		h.Set("Accept", "text/event-stream")
	}
	if h.Get("Cache-Control") == "" {
		h.Set("Cache-Control", "no-cache")
	}
	if lastEventID != "" {
		h.Set("Last-Event-ID", lastEventID)
	}
	if h.Get("Host") == "" {
		h.Set("Host", u.Host)
	}
	if h.Get("User-Agent") == "" {
		h.Set("User-Agent", common.UserAgent)
	}
	h.Set("Connection", "keep-alive")

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}

	var b strings.Builder
	b.WriteString("GET " + path + " HTTP/1.1\r\n")
	for _, p := range h.Pairs() {
		b.WriteString(p.Key + ": " + p.Value + "\r\n")
	}
	b.WriteString("\r\n")

	_, err := c.Write([]byte(b.String()))
	return err
}

// Next blocks until the next deduplicated event is available, reconnecting
// (per cfg.Reconnect/RetryDelay) when the underlying stream ends. Returns
// io-style (Event{}, false, nil) when the stream ends and reconnection is
// disabled.
func (c *Connection) Next(ctx context.Context) (Event, bool, error) {
	for {
		if c.closed {
			return Event{}, false, errorsx.New(errorsx.SSEConnection, "sse connection closed")
		}

		ev, ok, err := c.nextFromBuffer()
		if err != nil {
			return Event{}, false, err
		}
		if ok {
			return ev, true, nil
		}

		chunk, err := c.readMore()
		if err != nil {
			if !c.cfg.Reconnect {
				c.teardown()
				return Event{}, false, nil
			}
			logger.Warnf("sse: stream ended (%s), reconnecting in %s", err, c.cfg.RetryDelay)
			if rerr := c.reconnectAfterDelay(ctx); rerr != nil {
				return Event{}, false, rerr
			}
			continue
		}
		c.buf = append(c.buf, chunk...)
	}
}

// nextFromBuffer extracts and dedup-filters at most one ready event from
// c.buf, looping past skipped duplicates until either a fresh event or a
// buffer underrun (no complete "\n\n"-terminated block left) is reached.
func (c *Connection) nextFromBuffer() (Event, bool, error) {
	for {
		idx := indexDoubleNewline(c.buf)
		if idx < 0 {
			return Event{}, false, nil
		}
		block := string(c.buf[:idx])
		c.buf = c.buf[idx+2:]

		ev, err := parseEvent(block)
		if err != nil {
			return Event{}, false, err
		}

		if ev.ID != "" {
			if c.seenIDs[ev.ID] {
				continue
			}
			c.seenIDs[ev.ID] = true
			c.lastEventID = ev.ID
		}
		if ev.Retry > 0 {
			c.cfg.RetryDelay = time.Duration(ev.Retry) * time.Millisecond
		}
		if c.haveYielded && ev.Data == c.lastYieldedData {
			continue
		}
		c.lastYieldedData = ev.Data
		c.haveYielded = true
		return ev, true, nil
	}
}

func (c *Connection) readMore() ([]byte, error) {
	if c.lease.Conn == nil {
		return nil, errorsx.New(errorsx.ConnectionDisconnected, "sse stream not connected")
	}
	b, err := c.lease.Conn.Read(common.ReadWriteBlockSize)
	if err != nil {
		return nil, err
	}
	if len(b) == 0 {
		return nil, errorsx.New(errorsx.ConnectionDisconnected, "sse stream ended")
	}
	return b, nil
}

func (c *Connection) reconnectAfterDelay(ctx context.Context) error {
	c.teardown()

	select {
	case <-time.After(c.cfg.RetryDelay):
	case <-ctx.Done():
		return errorsx.Wrap(errorsx.SSEConnection, ctx.Err(), "sse reconnect wait")
	}
	return c.dial(ctx)
}

func (c *Connection) teardown() {
	if c.lease.Conn != nil {
		c.lease.Conn.SetKeep(false)
		c.lease.Release()
		c.lease = conn.Lease{}
	}
}

// Close ends the stream and releases the underlying connection.
func (c *Connection) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.teardown()
	return nil
}

func indexDoubleNewline(b []byte) int {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == '\n' && b[i+1] == '\n' {
			return i
		}
	}
	return -1
}
