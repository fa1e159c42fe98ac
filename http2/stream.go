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

package http2

import (
	"context"
	"net/http"
	"time"

	"github.com/packetd/gosonic/internal/errorsx"
)

// windowWait bounds how long a body sender waits for a WINDOW_UPDATE before
// falling back to the peer's max frame size, favoring lenient forward
// progress over surfacing a stall error.
const windowWait = 5 * time.Second

// Request describes one HTTP/2 round trip: method, scheme, path and
// authority become pseudo-headers; Header carries the rest.
type Request struct {
	Method    string
	Scheme    string
	Path      string
	Authority string
	Header    http.Header
	Body      []byte
}

// RoundTrip allocates the next stream id, schedules the send task and
// blocks until the stream's completion future resolves (or ctx is done).
func (c *Conn) RoundTrip(ctx context.Context, req Request) (*Response, error) {
	id, s := c.allocStream()
	s.reqHeaders = req.Header
	s.reqBody = req.Body

	pseudo := [][2]string{
		{":method", req.Method},
		{":scheme", req.Scheme},
		{":path", req.Path},
		{":authority", req.Authority},
	}

	// Schedule the send as soon as the scheduler yields, rather than
	// inline, so it doesn't stall when SETTINGS are already negotiated
	// and handleSettings's kickoff races with this call.
	go c.sendHeadersThenBody(id, s, pseudo, req.Header)

	select {
	case <-s.done:
	case <-ctx.Done():
		c.dropStream(id)
		return nil, errorsx.Wrap(errorsx.RequestTimeout, ctx.Err(), "http2 round trip")
	}
	c.dropStream(id)

	if s.err != nil {
		return nil, s.err
	}
	return &Response{Status: s.respStatus, Headers: s.respHeaders, Body: s.respBody}, nil
}

func (c *Conn) sendHeadersThenBody(id uint32, s *streamEntry, pseudo [][2]string, header http.Header) {
	block := encodeHeaderBlock(pseudo, header)
	endStream := len(s.reqBody) == 0

	c.writeMu.Lock()
	flags := flagEndHeaders
	if endStream {
		flags |= flagEndStream
	}
	err := writeFrame(c.bw, frameHeaders, flags, id, block)
	if err == nil {
		err = c.bw.Flush()
	}
	c.writeMu.Unlock()

	if err != nil {
		s.finish(errorsx.Wrap(errorsx.MissingWriter, err, "send http2 headers"))
		return
	}

	c.mu.Lock()
	s.headersSent = true
	if endStream {
		s.dataSent = true
	}
	c.mu.Unlock()
	if endStream {
		return
	}
	c.sendBody(id, s)
}

// sendBody is the per-stream body sender: it splits the remaining bytes
// into chunks no larger than the stream's flow-control window (or, when
// that window is exhausted and no update arrives within windowWait, the
// peer's max frame size), and marks dataSent once everything is written.
func (c *Conn) sendBody(id uint32, s *streamEntry) {
	c.mu.Lock()
	if s.dataSent || s.sending {
		c.mu.Unlock()
		return
	}
	s.sending = true
	c.mu.Unlock()

	remaining := s.reqBody
	for len(remaining) > 0 {
		budget := c.streamWindow(s)
		if budget <= 0 {
			select {
			case <-c.windowUpdated:
			case <-time.After(windowWait):
			}
			budget = c.streamWindow(s)
			if budget <= 0 {
				budget = int32(c.frameCap())
			}
		}

		n := int(budget)
		if n > len(remaining) {
			n = len(remaining)
		}
		if uint32(n) > c.frameCap() {
			n = int(c.frameCap())
		}

		chunk := remaining[:n]
		remaining = remaining[n:]
		last := len(remaining) == 0

		flags := frameFlags(0)
		if last {
			flags |= flagEndStream
		}

		c.writeMu.Lock()
		err := writeFrame(c.bw, frameData, flags, id, chunk)
		if err == nil {
			err = c.bw.Flush()
		}
		c.writeMu.Unlock()
		if err != nil {
			s.finish(errorsx.Wrap(errorsx.MissingWriter, err, "send http2 data"))
			return
		}

		c.adjustSendWindows(s, -int32(n))
	}

	c.mu.Lock()
	s.dataSent = true
	c.mu.Unlock()
}

func (c *Conn) streamWindow(s *streamEntry) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := s.sendWindow
	if c.connSendWin < w {
		w = c.connSendWin
	}
	return w
}

func (c *Conn) frameCap() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerMaxFrame
}

func (c *Conn) adjustSendWindows(s *streamEntry, delta int32) {
	c.mu.Lock()
	s.sendWindow += delta
	c.connSendWin += delta
	c.mu.Unlock()
}
