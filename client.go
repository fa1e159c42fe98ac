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

// Package gosonic is the request/connection engine's entry point: a Client
// binds a Connector (pool-of-pools, resolver, DNS cache) to the HTTP/1.1
// and HTTP/2 request paths, handling redirects, per-request timeouts and
// cookie carry-over. Verb-named convenience wrappers (Get/Post/...) and a
// base-URL-prefixing façade are deliberately not part of this package; they
// are thin collaborators layered on top of Do.
package gosonic

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/packetd/gosonic/common"
	"github.com/packetd/gosonic/confengine"
	"github.com/packetd/gosonic/conn"
	"github.com/packetd/gosonic/connector"
	h2 "github.com/packetd/gosonic/http2"
	"github.com/packetd/gosonic/httpreq"
	"github.com/packetd/gosonic/internal/errorsx"
	"github.com/packetd/gosonic/logger"
	"github.com/packetd/gosonic/resolver"
)

// Timeouts groups the layered timeout bounds: pool_acquire wraps the
// semaphore wait, sock_connect wraps the transport open (both handled
// inside connector.Connector), sock_read wraps the initial status-line
// read, and Request wraps the whole call including redirects.
type Timeouts struct {
	SockRead time.Duration `config:"sockRead"`
	Request  time.Duration `config:"request"`
}

// DefaultTimeouts mirrors the engine's own configuration defaults.
func DefaultTimeouts() Timeouts {
	return Timeouts{SockRead: common.DefaultSockRead}
}

// Config parametrizes a Client. Proxy, when set, is a "host[:port]" or
// full URL (credentials in the userinfo part become a Proxy-Authorization
// Basic header) every request tunnels through via CONNECT.
type Config struct {
	Connector connector.Config `config:"connector"`
	Timeouts  Timeouts         `config:"timeouts"`
	Proxy     string           `config:"proxy"`
	HTTP2     bool             `config:"http2"`
	Verify    bool             `config:"verify"`
	Follow    bool             `config:"follow"`
	Cookies   bool             `config:"cookies"`
	Log       logger.Logger    `config:",ignore"`
}

// LoadConfig unpacks a YAML document (already parsed via
// confengine.LoadConfigPath/LoadContent) into a Config, starting from
// DefaultConfig so any field the document omits keeps its default. The
// Log field is never part of the document; callers set it after loading.
func LoadConfig(c *confengine.Config) (Config, error) {
	cfg := DefaultConfig()
	if err := c.Unpack(&cfg); err != nil {
		return Config{}, errorsx.Wrap(errorsx.HTTPParsing, err, "unpack client config")
	}
	return cfg, nil
}

// DefaultConfig mirrors the connector's own defaults plus engine-level
// posture (HTTP/2 disabled, redirects not followed, verify on).
func DefaultConfig() Config {
	return Config{
		Connector: connector.DefaultConfig(),
		Timeouts:  DefaultTimeouts(),
		Verify:    true,
		Log:       logger.New(logger.Options{Stdout: true}),
	}
}

// Client is the engine's single entry point: Do drives one request
// (including any redirects) against the connector's pools.
type Client struct {
	cfg   Config
	conn  *connector.Connector
	jar   *httpreq.CookieJar
	proxy *url.URL
}

// New builds a Client from cfg. A zero-value Log falls back to the stdout
// logger so a hand-built Config never panics on the first log call.
func New(cfg Config) *Client {
	if cfg.Log == (logger.Logger{}) {
		cfg.Log = logger.New(logger.Options{Stdout: true})
	}
	cl := &Client{
		cfg:  cfg,
		conn: connector.New(cfg.Connector),
		jar:  httpreq.NewCookieJar(),
	}
	if cfg.Proxy != "" {
		raw := cfg.Proxy
		if !strings.Contains(raw, "://") {
			raw = "http://" + raw
		}
		if u, err := url.Parse(raw); err == nil {
			cl.proxy = u
		} else {
			cfg.Log.Warnf("ignoring unparseable proxy %q: %s", cfg.Proxy, err)
		}
	}
	return cl
}

// Close tears down every pool the client's connector owns.
func (cl *Client) Close() error {
	return cl.conn.Cleanup()
}

// Connector exposes the underlying connector for protocol layers (SSE,
// WebSocket) that need to acquire and drive a raw Lease themselves instead
// of going through Do's fully-buffered request/response cycle.
func (cl *Client) Connector() *connector.Connector {
	return cl.conn
}

// Config returns the client's own configuration, letting collaborating
// packages (SSE's reconnect loop) honor the same Verify/Cookies posture.
func (cl *Client) Config() Config {
	return cl.cfg
}

// Do issues req, following redirects when cfg.Follow is set, and
// returns the final Response. The whole call (including redirects) is
// bounded by Timeouts.Request when set.
func (cl *Client) Do(ctx context.Context, req *httpreq.Request) (*httpreq.Response, error) {
	if cl.cfg.Timeouts.Request > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cl.cfg.Timeouts.Request)
		defer cancel()
	}

	redirectsLeft := common.MaxRedirects
	current := req
	for {
		resp, err := cl.doOnce(ctx, current)
		if err != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, errorsx.Wrap(errorsx.RequestTimeout, ctx.Err(), "request")
			}
			return nil, err
		}

		if !cl.cfg.Follow || (resp.StatusCode != 301 && resp.StatusCode != 302) {
			return resp, nil
		}

		if redirectsLeft == 0 {
			return nil, errorsx.New(errorsx.MaxRedirects, "exceeded max redirects")
		}
		redirectsLeft--

		loc := resp.Headers.Get("Location")
		if loc == "" {
			return resp, nil
		}
		next, err := current.URL.Parse(loc)
		if err != nil {
			return nil, errorsx.Wrap(errorsx.HTTPParsing, err, "parse redirect location")
		}
		cl.cfg.Log.Debugf("following %d redirect to %s", resp.StatusCode, next)

		// The redirect replays the same method, headers and body against
		// the new target; a Cookie header is dropped when the hostname
		// changes, so cookies only come from the jar for the new host.
		nextReq := &httpreq.Request{
			Method:    current.Method,
			URL:       next,
			Header:    current.Header.Clone(),
			Kind:      current.Kind,
			Raw:       current.Raw,
			Form:      current.Form,
			JSON:      current.JSON,
			Chunks:    current.Chunks,
			Multipart: current.Multipart,
		}
		if nextReq.Header != nil && next.Hostname() != current.URL.Hostname() {
			nextReq.Header.Del("Cookie")
		}
		if cl.cfg.Cookies {
			cl.applyCookies(nextReq)
		}
		current = nextReq
	}
}

func (cl *Client) doOnce(ctx context.Context, req *httpreq.Request) (*httpreq.Response, error) {
	isTLS := req.URL.Scheme == "https"
	lease, err := cl.conn.Acquire(ctx, connector.AcquireOptions{
		URL:            req.URL,
		Verify:         cl.cfg.Verify,
		Family:         resolver.FamilyUnspec,
		NegotiateHTTP2: cl.cfg.HTTP2 && isTLS,
		ProxyURL:       cl.proxy,
	})
	if err != nil {
		return nil, err
	}

	// The Lease is released explicitly by doHTTP1/doHTTP2 below, not here:
	// a chunked HTTP/1.1 response stays blocked (held by the caller) until
	// its chunks are drained, so releasing unconditionally on return would
	// hand a still-streaming connection back to the pool.
	if lease.Conn.IsHTTP2() {
		return cl.doHTTP2(ctx, lease, req)
	}
	return cl.doHTTP1(ctx, lease, req)
}

func (cl *Client) doHTTP1(ctx context.Context, lease conn.Lease, req *httpreq.Request) (*httpreq.Response, error) {
	if cl.cfg.Cookies {
		cl.applyCookies(req)
	}
	if err := httpreq.Serialize(lease.Conn, req); err != nil {
		lease.Conn.SetKeep(false)
		lease.Release()
		return nil, err
	}

	if cl.cfg.Timeouts.SockRead > 0 {
		_ = lease.Conn.SetDeadline(deadlineFrom(ctx, cl.cfg.Timeouts.SockRead))
	}

	resp, err := httpreq.ReadResponse(lease.Conn)
	if err != nil {
		lease.Conn.SetKeep(false)
		lease.Release()
		if isTimeout(err) {
			return nil, errorsx.Wrap(errorsx.ReadTimeout, err, "read response")
		}
		return nil, err
	}

	lease.Conn.SetKeep(resp.KeepAlive)
	if cl.cfg.Cookies {
		cl.jar.Store(req.URL.Hostname(), resp.Cookies)
	}
	if !resp.Chunked {
		lease.Conn.Release()
	}
	return resp, nil
}

func (cl *Client) doHTTP2(ctx context.Context, lease conn.Lease, req *httpreq.Request) (*httpreq.Response, error) {
	state := lease.Conn.HTTP2State()
	h2Conn, ok := state.(*h2.Conn)
	if !ok {
		r, w := lease.Conn.RawReadWriter()
		var err error
		h2Conn, err = h2.Handshake(ctx, r, w)
		if err != nil {
			lease.Conn.SetKeep(false)
			lease.Release()
			return nil, err
		}
		lease.Conn.SetHTTP2State(h2Conn)
	}

	var body []byte
	var err error
	switch req.Kind {
	case httpreq.BodyRaw:
		body = req.Raw
	case httpreq.BodyForm:
		body = []byte(req.Form.Encode())
	case httpreq.BodyJSON:
		body, err = json.Marshal(req.JSON)
		if err != nil {
			lease.Release()
			return nil, errorsx.Wrap(errorsx.HTTPParsing, err, "marshal json body")
		}
	}

	if cl.cfg.Cookies {
		cl.applyCookies(req)
	}

	resp, err := h2Conn.RoundTrip(ctx, h2.Request{
		Method:    req.Method,
		Scheme:    req.URL.Scheme,
		Path:      requestPath(req.URL),
		Authority: req.URL.Host,
		Header:    req.Header.HTTPHeader(),
		Body:      body,
	})
	if err != nil {
		lease.Release()
		return nil, err
	}

	out := &httpreq.Response{
		StatusCode: resp.Status,
		Headers:    resp.Headers,
		Body:       resp.Body,
		KeepAlive:  true,
	}
	lease.Conn.Release()
	return out, nil
}

func (cl *Client) applyCookies(req *httpreq.Request) {
	cookies := cl.jar.Cookies(req.URL.Hostname())
	if len(cookies) == 0 {
		return
	}
	if req.Header == nil {
		req.Header = httpreq.NewHeaders()
	}
	var parts []string
	for _, c := range cookies {
		parts = append(parts, c.Name+"="+c.Value)
	}
	req.Header.Set("Cookie", strings.Join(parts, "; "))
}

func requestPath(u *url.URL) string {
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return path
}

func deadlineFrom(ctx context.Context, d time.Duration) time.Time {
	deadline := time.Now().Add(d)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		return ctxDeadline
	}
	return deadline
}

func isTimeout(err error) bool {
	type timeouter interface{ Timeout() bool }
	for e := err; e != nil; {
		if t, ok := e.(timeouter); ok && t.Timeout() {
			return true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}
