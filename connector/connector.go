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

// Package connector binds the resolver, DNS cache and per-host pools into
// the single entry point the request engines use to obtain a leased
// Connection for a URL.
package connector

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/packetd/gosonic/common"
	"github.com/packetd/gosonic/conn"
	"github.com/packetd/gosonic/dnscache"
	"github.com/packetd/gosonic/internal/errorsx"
	"github.com/packetd/gosonic/pool"
	"github.com/packetd/gosonic/resolver"
)

// TimeoutConfig groups every timeout the connector applies to a single
// acquire-then-connect attempt.
type TimeoutConfig struct {
	Connect     time.Duration `config:"connect"`
	PoolAcquire time.Duration `config:"poolAcquire"`
}

// TLSConfig carries the per-host TLS posture.
type TLSConfig struct {
	Enabled    bool   `config:"enabled"`
	Verify     bool   `config:"verify"`
	ServerName string `config:"serverName"`
}

// Config parametrizes a Connector.
type Config struct {
	PoolKind        pool.Name     `config:"poolKind"`
	PoolSize        int           `config:"poolSize"`
	MaxConnRequests int           `config:"maxConnRequests"`
	MaxConnIdle     time.Duration `config:"maxConnIdle"`
	DNSCacheTTL     time.Duration `config:"dnsCacheTTL"`
	DNSCacheSize    int           `config:"dnsCacheSize"`
	DNSDisabled     bool          `config:"dnsDisabled"`
	Timeouts        TimeoutConfig `config:"timeouts"`
}

// DefaultConfig mirrors the DefaultPoolSize/DefaultMaxConnRequests/etc.
// constants used throughout the rest of the engine.
func DefaultConfig() Config {
	return Config{
		PoolKind:        pool.Smart,
		PoolSize:        common.DefaultPoolSize,
		MaxConnRequests: common.DefaultMaxConnRequests,
		MaxConnIdle:     common.DefaultMaxConnIdle,
		DNSCacheTTL:     common.DefaultDNSCacheTTL,
		DNSCacheSize:    common.DefaultDNSCacheSize,
		Timeouts: TimeoutConfig{
			Connect:     common.DefaultSockConnect,
			PoolAcquire: common.DefaultPoolAcquire,
		},
	}
}

// Connector is a pool-of-pools keyed by the "host-port" affinity key, so
// every distinct host and port gets its own bounded set of connections
// while sharing one DNS cache and resolver. The scheme is not part of the
// key: http and https on the same host and port share one pool.
type Connector struct {
	cfg      Config
	cache    *dnscache.Cache
	resolver *resolver.Resolver

	mu    sync.Mutex
	pools map[string]pool.Pool
}

// New builds a Connector from cfg.
func New(cfg Config) *Connector {
	cache := dnscache.New(cfg.DNSCacheTTL, cfg.DNSCacheSize, cfg.DNSDisabled)
	return &Connector{
		cfg:      cfg,
		cache:    cache,
		resolver: resolver.New(cache),
		pools:    make(map[string]pool.Pool),
	}
}

// AcquireOptions describes a single request's connection requirements.
type AcquireOptions struct {
	URL             *url.URL
	Verify          bool
	Family          resolver.Family
	NegotiateHTTP2  bool
	ForceWebsocket  bool
	ProxyURL        *url.URL
}

// Acquire resolves u's host, picks (or creates) the pool for that upstream,
// and returns a Lease wrapping a connected, request-ready Connection.
func (cn *Connector) Acquire(ctx context.Context, opts AcquireOptions) (conn.Lease, error) {
	host, port, err := splitHostPort(opts.URL)
	if err != nil {
		return conn.Lease{}, err
	}

	records, err := cn.resolver.Resolve(ctx, host, port, opts.Family)
	if err != nil {
		return conn.Lease{}, err
	}
	rec := resolver.PickRandom(records)

	kind := cn.cfg.PoolKind
	if opts.ForceWebsocket {
		kind = pool.Websocket
	}
	affinityKey := fmt.Sprintf("%s-%d", rec.Hostname, rec.Port)
	p := cn.poolFor(kind, affinityKey)

	c, err := p.Acquire(ctx, affinityKey)
	if err != nil {
		return conn.Lease{}, err
	}

	connectCtx := ctx
	var cancel context.CancelFunc
	if cn.cfg.Timeouts.Connect > 0 {
		connectCtx, cancel = context.WithTimeout(ctx, cn.cfg.Timeouts.Connect)
		defer cancel()
	}

	connectOpts := conn.ConnectOptions{
		Addr:            rec.Addr(),
		AffinityKey:     affinityKey,
		TLS:             opts.URL.Scheme == "https" || opts.URL.Scheme == "wss",
		ServerName:      rec.Hostname,
		InsecureSkipTLS: !opts.Verify,
		NegotiateHTTP2:  opts.NegotiateHTTP2,
		MaxConnRequests: cn.cfg.MaxConnRequests,
	}
	if opts.ProxyURL != nil {
		proxyHost, proxyPort, err := splitHostPort(opts.ProxyURL)
		if err == nil {
			connectOpts.ProxyAddr = fmt.Sprintf("%s:%d", proxyHost, proxyPort)
			if user := opts.ProxyURL.User; user != nil {
				connectOpts.ProxyAuth = basicAuth(user)
			}
		}
	}

	if err := c.Connect(connectCtx, connectOpts); err != nil {
		p.ReleaseConn(c)
		return conn.Lease{}, err
	}

	return conn.Lease{Conn: c}, nil
}

// WaitFreePool blocks, polling every 10ms, until the named upstream's pool
// reports every connection free or ctx is done. Intended for graceful
// drains before a Cleanup.
func (cn *Connector) WaitFreePool(ctx context.Context, affinityKey string) error {
	cn.mu.Lock()
	p, ok := cn.pools[affinityKey]
	cn.mu.Unlock()
	if !ok {
		return nil
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.IsAllFree() {
			return nil
		}
		select {
		case <-ctx.Done():
			return errorsx.Wrap(errorsx.PoolAcquireTimeout, ctx.Err(), "wait free pool")
		case <-ticker.C:
		}
	}
}

// Cleanup tears down every pool the connector has created, aggregating any
// errors instead of stopping at the first one.
func (cn *Connector) Cleanup() error {
	cn.mu.Lock()
	pools := make([]pool.Pool, 0, len(cn.pools))
	for _, p := range cn.pools {
		pools = append(pools, p)
	}
	cn.pools = make(map[string]pool.Pool)
	cn.mu.Unlock()

	var result *multierror.Error
	for _, p := range pools {
		if err := p.Cleanup(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func (cn *Connector) poolFor(kind pool.Name, key string) pool.Pool {
	cn.mu.Lock()
	defer cn.mu.Unlock()

	if p, ok := cn.pools[key]; ok {
		return p
	}
	p := pool.New(kind, pool.Config{
		Size:            cn.cfg.PoolSize,
		MaxConnRequests: cn.cfg.MaxConnRequests,
		MaxConnIdle:     cn.cfg.MaxConnIdle,
		PoolAcquire:     cn.cfg.Timeouts.PoolAcquire,
	})
	cn.pools[key] = p
	return p
}

func splitHostPort(u *url.URL) (string, int, error) {
	if u == nil {
		return "", 0, errorsx.New(errorsx.HTTPParsing, "nil url")
	}
	host := u.Hostname()
	if host == "" {
		return "", 0, errorsx.Newf(errorsx.HTTPParsing, "url %q has no host", u.String())
	}
	if p := u.Port(); p != "" {
		var port int
		if _, err := fmt.Sscanf(p, "%d", &port); err != nil {
			return "", 0, errorsx.Wrap(errorsx.HTTPParsing, err, "parse port")
		}
		return host, port, nil
	}
	return host, defaultPort(u.Scheme), nil
}

func defaultPort(scheme string) int {
	switch scheme {
	case "https", "wss":
		return 443
	default:
		return 80
	}
}

func basicAuth(user *url.Userinfo) string {
	pass, _ := user.Password()
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user.Username()+":"+pass))
}
