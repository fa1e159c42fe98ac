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

package websocket

import (
	"encoding/binary"
	"time"

	"github.com/packetd/gosonic/internal/errorsx"
	"github.com/packetd/gosonic/logger"
)

// Subprotocol returns the negotiated Sec-WebSocket-Protocol, or "" if none
// was requested or accepted.
func (c *Client) Subprotocol() string {
	return c.subproto
}

// Connected reports whether Close has not yet been called and the
// transport has not errored out from under the client.
func (c *Client) Connected() bool {
	return c.connected
}

// CloseCode returns the code received (or sent) on the last Close, or 0 if
// the connection never closed cleanly.
func (c *Client) CloseCode() int {
	return c.closeCode
}

// SendText sends a single unfragmented text frame.
func (c *Client) SendText(s string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, w := c.lease.Conn.RawReadWriter()
	return writeFrame(w, OpText, []byte(s))
}

// SendBinary sends a single unfragmented binary frame.
func (c *Client) SendBinary(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, w := c.lease.Conn.RawReadWriter()
	return writeFrame(w, OpBinary, b)
}

// ReceiveText blocks for the next text frame, auto-replying to any ping
// frames encountered along the way with a matching pong (RFC 6455 §5.5.3).
// A zero timeout blocks indefinitely; a positive timeout raises
// errorsx.ReadTimeout on expiry.
func (c *Client) ReceiveText(timeout time.Duration) (string, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if timeout > 0 {
		_ = c.lease.Conn.SetDeadline(time.Now().Add(timeout))
		defer c.lease.Conn.SetDeadline(time.Time{})
	}

	r, _ := c.lease.Conn.RawReadWriter()
	for {
		f, err := readFrame(r)
		if err != nil {
			if isTimeout(err) {
				return "", errorsx.Wrap(errorsx.ReadTimeout, err, "websocket receive")
			}
			c.connected = false
			return "", errorsx.Wrap(errorsx.ConnectionDisconnected, err, "websocket receive")
		}

		switch f.opcode {
		case OpText:
			return string(f.payload), nil
		case OpPing:
			logger.Debugf("websocket: replying to ping with pong")
			if err := c.pong(f.payload); err != nil {
				return "", err
			}
		case OpPong:
			// unsolicited pong, nothing to do
		case OpClose:
			c.handleCloseFrame(f.payload)
			return "", errorsx.New(errorsx.ConnectionDisconnected, "websocket closed by peer")
		default:
			logger.Warnf("websocket: dropping unexpected opcode %d while waiting for text", f.opcode)
		}
	}
}

func (c *Client) pong(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, w := c.lease.Conn.RawReadWriter()
	return writeFrame(w, OpPong, payload)
}

func (c *Client) handleCloseFrame(payload []byte) {
	c.connected = false
	if len(payload) >= 2 {
		c.closeCode = int(binary.BigEndian.Uint16(payload[:2]))
	}
}

// Close sends a close frame carrying code and reason, then tears down the
// underlying transport. The Websocket pool kind never reuses a connection
// that has been upgraded, so the lease is released with keep=false.
func (c *Client) Close(code int, reason string) error {
	c.writeMu.Lock()
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload[:2], uint16(code))
	copy(payload[2:], reason)
	_, w := c.lease.Conn.RawReadWriter()
	err := writeFrame(w, OpClose, payload)
	c.writeMu.Unlock()

	c.connected = false
	c.closeCode = code
	c.lease.Conn.SetKeep(false)
	c.lease.Release()
	return err
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	for e := err; e != nil; {
		if t, ok := e.(timeouter); ok && t.Timeout() {
			return true
		}
		unwrapper, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = unwrapper.Unwrap()
	}
	return false
}
