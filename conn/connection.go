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

// Package conn owns a single transport (plain or TLS), exposing the
// framing-level read/write primitives every upper protocol layer (HTTP/1.1,
// HTTP/2, WebSocket, SSE) builds on, plus the upgrade path from a cleartext
// handshake to TLS/ALPN negotiation.
package conn

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/packetd/gosonic/common"
	"github.com/packetd/gosonic/internal/errorsx"
)

// Releaser is the non-owning back-reference a Connection holds to the pool
// that created it. Release is always a method call through this interface,
// never a pointer cycle back into the pool's own storage.
type Releaser interface {
	ReleaseConn(c *Connection)
}

// DialFunc opens the underlying transport. Production code points this at
// (&net.Dialer{}).DialContext; tests substitute an in-memory pipe.
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// ConnectOptions parametrizes a single Connect call.
type ConnectOptions struct {
	Network         string // "tcp" unless overridden
	Addr            string // dial address, host:port
	AffinityKey     string // "host-port" used for pool affinity matching
	TLS             bool
	ServerName      string
	InsecureSkipTLS bool
	NegotiateHTTP2  bool
	MaxConnRequests int
	Dial            DialFunc
	ProxyAddr       string // optional CONNECT-tunnel proxy
	ProxyAuth       string // optional "Basic <base64>" header value
}

// Connection is a pooled transport: reader/writer handles, a pool
// back-reference, and the bookkeeping the pools need to make reuse and
// eviction decisions.
type Connection struct {
	mu sync.Mutex

	ID string

	netConn net.Conn
	reader  *bufio.Reader

	pool        Releaser
	affinityKey string

	keep             bool
	blocked          bool
	requestsCount    int
	maxConnRequests  int
	lastReleasedTime time.Time
	createdAt        time.Time

	negotiatedHTTP2 bool
	h2State         any // set by the http2 package; opaque here to avoid an import cycle

	closed bool
}

// New creates an unbound Connection owned by pool. It is not yet connected
// to any peer; the first Connect call binds it.
func New(pool Releaser) *Connection {
	return &Connection{
		ID:        uuid.NewString(),
		pool:      pool,
		createdAt: time.Now(),
	}
}

// AffinityKey returns the "host-port" label the connection is currently
// bound to, or "" if unbound.
func (c *Connection) AffinityKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.affinityKey
}

// IsOpen reports whether the transport is connected and not yet closed.
func (c *Connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.netConn != nil && !c.closed
}

// RequestsCount returns the number of requests served by this physical
// transport since the last (re)connect.
func (c *Connection) RequestsCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestsCount
}

// LastReleasedTime returns the timestamp of the most recent Release call.
func (c *Connection) LastReleasedTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReleasedTime
}

// IsHTTP2 reports whether ALPN selected h2 on this connection.
func (c *Connection) IsHTTP2() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.negotiatedHTTP2
}

// SetHTTP2State stashes the http2 package's per-connection state. Only the
// http2 package calls this.
func (c *Connection) SetHTTP2State(s any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.h2State = s
}

// HTTP2State retrieves what SetHTTP2State stored.
func (c *Connection) HTTP2State() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.h2State
}

// RawReadWriter exposes the buffered reader and the underlying net.Conn
// directly, for protocol layers (HTTP/2, WebSocket, SSE) that need to build
// their own framing on top of the transport instead of the line-oriented
// ReadLine/ReadExactly primitives above.
func (c *Connection) RawReadWriter() (io.Reader, io.Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reader, c.netConn
}

// Connect establishes (or reuses) the transport described by opts. If the
// current transport is open, bound to the same affinity key, and has not
// exceeded MaxConnRequests, it is reused outright; otherwise the old
// transport (if any) is torn down and a fresh one opened.
func (c *Connection) Connect(ctx context.Context, opts ConnectOptions) error {
	c.mu.Lock()
	reusable := c.netConn != nil && !c.closed &&
		c.affinityKey == opts.AffinityKey &&
		(opts.MaxConnRequests <= 0 || c.requestsCount < opts.MaxConnRequests)
	c.mu.Unlock()
	if reusable {
		return nil
	}

	c.teardown()

	network := opts.Network
	if network == "" {
		network = "tcp"
	}
	dial := opts.Dial
	if dial == nil {
		dial = (&net.Dialer{}).DialContext
	}

	dialAddr := opts.Addr
	if opts.ProxyAddr != "" {
		dialAddr = opts.ProxyAddr
	}

	nc, err := dial(ctx, network, dialAddr)
	if err != nil {
		if ctx.Err() != nil {
			return errorsx.Wrap(errorsx.ConnectTimeout, err, "dial "+dialAddr)
		}
		return errors.Wrap(err, "dial "+dialAddr)
	}

	if opts.ProxyAddr != "" {
		if err := connectThroughProxy(nc, opts.Addr, opts.ProxyAuth); err != nil {
			nc.Close()
			return err
		}
	}

	negotiatedH2 := false
	if opts.TLS {
		tlsConf := buildTLSConfig(opts)
		tlsConn := tls.Client(nc, tlsConf)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			tlsConn.Close()
			if ctx.Err() != nil {
				return errorsx.Wrap(errorsx.ConnectTimeout, err, "tls handshake "+opts.Addr)
			}
			return errors.Wrap(err, "tls handshake "+opts.Addr)
		}
		negotiatedH2 = opts.NegotiateHTTP2 && tlsConn.ConnectionState().NegotiatedProtocol == "h2"
		nc = tlsConn
	}

	c.mu.Lock()
	c.netConn = nc
	c.reader = bufio.NewReaderSize(nc, common.ReadWriteBlockSize)
	c.affinityKey = opts.AffinityKey
	c.maxConnRequests = opts.MaxConnRequests
	c.keep = true
	c.blocked = false
	c.requestsCount = 0
	c.negotiatedHTTP2 = negotiatedH2
	c.closed = false
	c.mu.Unlock()

	return nil
}

// Upgrade switches an already-open plaintext transport to TLS. Connect does
// not go through it: Connect runs its own TLS handshake, also over a tunnel
// opened with a proxy CONNECT.
func (c *Connection) Upgrade(ctx context.Context, tlsConf *tls.Config) error {
	c.mu.Lock()
	nc := c.netConn
	c.mu.Unlock()
	if nc == nil {
		return errorsx.New(errorsx.MissingWriter, "upgrade: no transport")
	}

	tlsConn := tls.Client(nc, tlsConf)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return errorsx.Wrap(errorsx.ConnectTimeout, err, "tls upgrade")
	}

	c.mu.Lock()
	c.netConn = tlsConn
	c.reader = bufio.NewReaderSize(tlsConn, common.ReadWriteBlockSize)
	c.mu.Unlock()
	return nil
}

// Write writes b to the transport, failing with errorsx.MissingWriter if the
// transport is closed.
func (c *Connection) Write(b []byte) (int, error) {
	c.mu.Lock()
	nc := c.netConn
	closed := c.closed
	c.mu.Unlock()
	if nc == nil || closed {
		return 0, errorsx.New(errorsx.MissingWriter, "write on closed connection")
	}
	return nc.Write(b)
}

// ReadLine reads up to and including the next '\n', with the trailing CRLF
// or LF stripped.
func (c *Connection) ReadLine() ([]byte, error) {
	r, err := c.readerOrErr()
	if err != nil {
		return nil, err
	}
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, errorsx.Wrap(errorsx.MissingReader, err, "read line")
	}
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line, nil
}

// ReadExactly reads exactly n bytes.
func (c *Connection) ReadExactly(n int) ([]byte, error) {
	r, err := c.readerOrErr()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	if _, err := readFull(r, buf); err != nil {
		return nil, errorsx.Wrap(errorsx.MissingReader, err, "read exactly")
	}
	return buf, nil
}

// Read reads up to n bytes, returning fewer if that is what is
// immediately available (unlike ReadExactly).
func (c *Connection) Read(n int) ([]byte, error) {
	r, err := c.readerOrErr()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n)
	read, err := r.Read(buf)
	if err != nil && read == 0 {
		return nil, errorsx.Wrap(errorsx.MissingReader, err, "read")
	}
	return buf[:read], nil
}

// ReadUntil reads until sep is encountered, sep included in the result.
func (c *Connection) ReadUntil(sep byte) ([]byte, error) {
	r, err := c.readerOrErr()
	if err != nil {
		return nil, err
	}
	b, err := r.ReadBytes(sep)
	if err != nil {
		return nil, errorsx.Wrap(errorsx.MissingReader, err, "read until")
	}
	return b, nil
}

func (c *Connection) readerOrErr() (*bufio.Reader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reader == nil || c.closed {
		return nil, errorsx.New(errorsx.MissingReader, "read on closed connection")
	}
	return c.reader, nil
}

// SetDeadline forwards to the underlying net.Conn, letting callers compose
// a context deadline onto blocking reads/writes.
func (c *Connection) SetDeadline(t time.Time) error {
	c.mu.Lock()
	nc := c.netConn
	c.mu.Unlock()
	if nc == nil {
		return nil
	}
	return nc.SetDeadline(t)
}

// Release marks the connection free for reuse: increments the request
// count, clears blocked, stamps lastReleasedTime, and hands it back to the
// owning pool.
func (c *Connection) Release() {
	c.mu.Lock()
	c.requestsCount++
	c.blocked = false
	c.lastReleasedTime = time.Now()
	keep := c.keep
	pool := c.pool
	c.mu.Unlock()

	if !keep {
		c.Close()
	}
	if pool != nil {
		pool.ReleaseConn(c)
	}
}

// SetBlocked marks the connection as having a response body still being
// streamed; a blocked connection must not re-enter the pool.
func (c *Connection) SetBlocked(b bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blocked = b
}

// Blocked reports whether the connection is currently blocked.
func (c *Connection) Blocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blocked
}

// SetKeep controls whether Release keeps the transport open (true) or
// closes it (false), per the response's Connection header.
func (c *Connection) SetKeep(k bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.keep = k
}

// Close aborts the transport immediately without awaiting graceful
// shutdown. Safe to call multiple times.
func (c *Connection) Close() error {
	return c.teardown()
}

func (c *Connection) teardown() error {
	c.mu.Lock()
	nc := c.netConn
	c.netConn = nil
	c.reader = nil
	c.closed = true
	c.affinityKey = ""
	c.h2State = nil
	c.negotiatedHTTP2 = false
	c.mu.Unlock()

	if nc != nil {
		return nc.Close()
	}
	return nil
}

// Lease is the scoped-acquisition guard: Release is deferred by the caller
// and runs on every exit path, including panics.
type Lease struct {
	Conn *Connection
}

// Release hands the leased connection back to its pool.
func (l Lease) Release() {
	l.Conn.Release()
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

