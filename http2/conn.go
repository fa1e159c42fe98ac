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
	"bufio"
	"context"
	"io"
	"net/http"
	"sync"

	"github.com/packetd/gosonic/internal/errorsx"
	"github.com/packetd/gosonic/internal/metrics"
	"github.com/packetd/gosonic/logger"
)

// defaultInitialWindow is the RFC 7540 §6.9.2 default flow-control window
// before any SETTINGS_INITIAL_WINDOW_SIZE negotiation.
const defaultInitialWindow = 65535

// Response is the assembled result of one HTTP/2 stream once it ends.
type Response struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// streamEntry is the HTTP/2 stream table row the data model describes:
// request headers/body in, response headers/body accumulated, a
// completion future, and whether the body has been sent yet.
type streamEntry struct {
	reqHeaders http.Header
	reqBody    []byte

	respHeaders http.Header
	respStatus  int
	respBody    []byte

	done        chan struct{}
	err         error
	headersSent bool
	dataSent    bool
	sending     bool

	sendWindow int32
}

// Conn is the per-connection HTTP/2 state: an initialized connection, a
// stream table, a dedicated reader task and the window-updated signal body
// senders wait on.
type Conn struct {
	w  io.Writer
	bw *bufio.Writer

	writeMu sync.Mutex

	mu           sync.Mutex
	streams      map[uint32]*streamEntry
	nextStreamID uint32
	connSendWin  int32
	peerMaxFrame uint32
	closed       bool

	windowUpdated chan struct{}

	dec *headerDecoder

	readerDone chan struct{}
}

// Handshake sends the client connection preface and an initial SETTINGS
// frame over rw, then spawns the reader task that lives for the life of
// the connection.
func Handshake(ctx context.Context, r io.Reader, w io.Writer) (*Conn, error) {
	c := &Conn{
		w:             w,
		bw:            bufio.NewWriter(w),
		streams:       make(map[uint32]*streamEntry),
		nextStreamID:  1,
		connSendWin:   defaultInitialWindow,
		peerMaxFrame:  maxFrameSize,
		windowUpdated: make(chan struct{}, 1),
		dec:           newHeaderDecoder(),
		readerDone:    make(chan struct{}),
	}

	if _, err := c.bw.WriteString(ClientPreface); err != nil {
		return nil, errorsx.Wrap(errorsx.ConnectTimeout, err, "write http2 preface")
	}
	if err := writeFrame(c.bw, frameSettings, 0, 0, encodeSettings([]settingsParam{
		{id: settingsEnablePush, value: 0},
		{id: settingsInitialWindowSize, value: defaultInitialWindow},
	})); err != nil {
		return nil, err
	}
	if err := c.bw.Flush(); err != nil {
		return nil, errorsx.Wrap(errorsx.ConnectTimeout, err, "flush http2 preface")
	}

	go c.readLoop(r)
	return c, nil
}

// Close cancels the reader task's interest in the connection; safe to call
// multiple times. The underlying transport is closed by the caller (conn.Connection.Close).
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	streams := make([]*streamEntry, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.streams = make(map[uint32]*streamEntry)
	c.mu.Unlock()

	for _, s := range streams {
		s.finish(errorsx.New(errorsx.ConnectionDisconnected, "http2 connection closed"))
	}

	go func() {
		<-c.readerDone
	}()
}

func (s *streamEntry) finish(err error) {
	select {
	case <-s.done:
	default:
		s.err = err
		close(s.done)
	}
}

// readLoop is the single consumer of the socket for this connection: it
// reads frames, demultiplexes them across the stream table, and flushes
// any pending outbound bytes after handling each batch.
func (c *Conn) readLoop(r io.Reader) {
	defer close(c.readerDone)
	defer c.dec.release()

	for {
		hdr, err := readFrameHeader(r)
		if err != nil {
			c.failAll(errorsx.Wrap(errorsx.ConnectionDisconnected, err, "read http2 frame"))
			return
		}
		payload := make([]byte, hdr.length)
		if hdr.length > 0 {
			if _, err := io.ReadFull(r, payload); err != nil {
				c.failAll(errorsx.Wrap(errorsx.ConnectionDisconnected, err, "read http2 frame payload"))
				return
			}
		}

		if err := c.handleFrame(hdr, payload); err != nil {
			logger.Warnf("http2: %s", err)
		}

		c.writeMu.Lock()
		flushErr := c.bw.Flush()
		c.writeMu.Unlock()
		if flushErr != nil {
			c.failAll(errorsx.Wrap(errorsx.MissingWriter, flushErr, "flush http2 connection"))
			return
		}
	}
}

func (c *Conn) handleFrame(hdr frameHeader, payload []byte) error {
	switch hdr.typ {
	case frameHeaders, frameContinuation:
		return c.handleHeaders(hdr, payload)
	case frameData:
		return c.handleData(hdr, payload)
	case frameSettings:
		return c.handleSettings(hdr, payload)
	case frameWindowUpdate:
		return c.handleWindowUpdate(hdr, payload)
	case framePing, framePriority:
		return nil // ignored per §4.7
	case frameGoAway:
		c.failAll(errorsx.New(errorsx.ConnectionDisconnected, "peer sent GOAWAY"))
		return nil
	case frameRSTStream:
		c.withStream(hdr.stream, func(s *streamEntry) {
			s.finish(errorsx.New(errorsx.ConnectionDisconnected, "stream reset"))
		})
		return nil
	default:
		return errorsx.Newf(errorsx.MissingEvent, "unknown http2 frame type %d", hdr.typ)
	}
}

func (c *Conn) handleHeaders(hdr frameHeader, payload []byte) error {
	body := payload
	if hdr.typ == frameHeaders {
		if hdr.has(flagPadded) {
			if len(body) < 1 {
				return errorsx.New(errorsx.HTTPParsing, "malformed padded HEADERS frame")
			}
			padLen := int(body[0])
			body = body[1:]
			if hdr.has(flagPriority) {
				if len(body) < 5 {
					return errorsx.New(errorsx.HTTPParsing, "malformed prioritized HEADERS frame")
				}
				body = body[5:]
			}
			if padLen > len(body) {
				return errorsx.New(errorsx.HTTPParsing, "invalid HEADERS padding")
			}
			body = body[:len(body)-padLen]
		} else if hdr.has(flagPriority) {
			if len(body) < 5 {
				return errorsx.New(errorsx.HTTPParsing, "malformed prioritized HEADERS frame")
			}
			body = body[5:]
		}
	}

	header, status, err := c.dec.decode(body)
	if err != nil {
		return err
	}

	c.withStream(hdr.stream, func(s *streamEntry) {
		if s.respHeaders == nil {
			s.respHeaders = header
		} else {
			for k, vs := range header {
				for _, v := range vs {
					s.respHeaders.Add(k, v)
				}
			}
		}
		if status != "" {
			if n, err := parseStatus(status); err == nil {
				s.respStatus = n
			}
		}
		if hdr.has(flagEndStream) {
			s.finish(nil)
		}
	})
	return nil
}

func parseStatus(s string) (int, error) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			return 0, errorsx.Newf(errorsx.HTTPParsing, "bad :status %q", s)
		}
		n = n*10 + int(c-'0')
	}
	return n, nil
}

func (c *Conn) handleData(hdr frameHeader, payload []byte) error {
	body := payload
	if hdr.has(flagPadded) {
		if len(body) < 1 {
			return errorsx.New(errorsx.HTTPParsing, "malformed padded DATA frame")
		}
		padLen := int(body[0])
		body = body[1:]
		if padLen > len(body) {
			return errorsx.New(errorsx.HTTPParsing, "invalid DATA padding")
		}
		body = body[:len(body)-padLen]
	}

	n := uint32(len(payload))
	c.withStream(hdr.stream, func(s *streamEntry) {
		s.respBody = append(s.respBody, body...)
		if hdr.has(flagEndStream) {
			s.finish(nil)
		}
	})

	// Replenish both the connection and the stream's flow-control windows
	// by the full flow-controlled frame length, so the peer keeps sending.
	c.writeMu.Lock()
	_ = writeFrame(c.bw, frameWindowUpdate, 0, 0, encodeWindowUpdate(n))
	_ = writeFrame(c.bw, frameWindowUpdate, 0, hdr.stream, encodeWindowUpdate(n))
	c.writeMu.Unlock()
	return nil
}

func (c *Conn) handleSettings(hdr frameHeader, payload []byte) error {
	if hdr.has(flagAck) {
		return nil
	}
	for _, p := range decodeSettings(payload) {
		if p.id == settingsMaxFrameSize {
			c.mu.Lock()
			c.peerMaxFrame = p.value
			c.mu.Unlock()
		}
	}

	c.writeMu.Lock()
	err := writeFrame(c.bw, frameSettings, flagAck, 0, nil)
	c.writeMu.Unlock()
	if err != nil {
		return err
	}

	// Settings acknowledged is the primary kickoff for any stream whose
	// body hasn't been sent yet, avoiding a stall when a body-send was
	// scheduled before negotiation completed. Streams whose HEADERS are
	// still in flight are left to their own send goroutine so DATA never
	// precedes HEADERS on the wire.
	c.mu.Lock()
	pending := make([]*streamEntry, 0)
	ids := make([]uint32, 0)
	for id, s := range c.streams {
		if s.headersSent && !s.dataSent && !s.sending {
			pending = append(pending, s)
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()

	for i, s := range pending {
		go c.sendBody(ids[i], s)
	}
	return nil
}

func (c *Conn) handleWindowUpdate(hdr frameHeader, payload []byte) error {
	incr, err := readWindowUpdate(payload)
	if err != nil {
		return err
	}
	if hdr.stream == 0 {
		c.mu.Lock()
		c.connSendWin += int32(incr)
		c.mu.Unlock()
	} else {
		c.withStream(hdr.stream, func(s *streamEntry) {
			s.sendWindow += int32(incr)
		})
	}
	select {
	case c.windowUpdated <- struct{}{}:
	default:
	}
	return nil
}

// withStream runs fn on the stream table entry for id, holding the
// connection mutex for the duration so entry fields stay consistent with
// the body senders' reads.
func (c *Conn) withStream(id uint32, fn func(*streamEntry)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.streams[id]; ok {
		fn(s)
	}
}

func (c *Conn) failAll(err error) {
	c.mu.Lock()
	streams := make([]*streamEntry, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	c.streams = make(map[uint32]*streamEntry)
	c.mu.Unlock()
	for _, s := range streams {
		s.finish(err)
	}
}

func (c *Conn) allocStream() (uint32, *streamEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextStreamID
	c.nextStreamID += 2
	s := &streamEntry{
		done:       make(chan struct{}),
		sendWindow: defaultInitialWindow,
	}
	c.streams[id] = s
	metrics.HTTP2OpenStreams.Inc()
	return id, s
}

func (c *Conn) dropStream(id uint32) {
	c.mu.Lock()
	delete(c.streams, id)
	c.mu.Unlock()
	metrics.HTTP2OpenStreams.Dec()
}
