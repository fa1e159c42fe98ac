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

// Package pool implements the three connection-pool strategies (Smart,
// Cyclic, Websocket) behind a single interface, modeling pool choice as
// configuration rather than inheritance.
package pool

import (
	"context"
	"time"

	"github.com/packetd/gosonic/conn"
	"github.com/packetd/gosonic/internal/errorsx"
	"github.com/packetd/gosonic/internal/metrics"
)

// Config mirrors a PoolConfig: size, per-connection request budget, and
// idle eviction threshold.
type Config struct {
	Size            int
	MaxConnRequests int
	MaxConnIdle     time.Duration
	PoolAcquire     time.Duration
}

// Pool is the interface the Connector parametrizes over.
type Pool interface {
	// Acquire takes a permit (bounded by Config.PoolAcquire) and returns a
	// connection, preferring one already bound to affinityKey.
	Acquire(ctx context.Context, affinityKey string) (*conn.Connection, error)

	// ReleaseConn returns conn to the pool. It also satisfies
	// conn.Releaser so a Connection can hand itself back without the pool
	// exposing any other internal state.
	ReleaseConn(c *conn.Connection)

	// FreeConns returns the number of idle connections.
	FreeConns() int

	// IsAllFree reports whether every permit is currently free.
	IsAllFree() bool

	// Cleanup closes every connection in the pool; the pool is unusable
	// afterward.
	Cleanup() error
}

// Name identifies a pool variant for metrics labeling and config parsing.
type Name string

const (
	Smart     Name = "smart"
	Cyclic    Name = "cyclic"
	Websocket Name = "websocket"
)

// New builds the Pool variant named by kind.
func New(kind Name, cfg Config) Pool {
	switch kind {
	case Cyclic:
		return newCyclicPool(cfg)
	case Websocket:
		return newWebsocketPool(cfg)
	default:
		return newSmartPool(cfg)
	}
}

func isIdle(c *conn.Connection, maxIdle time.Duration) bool {
	if maxIdle <= 0 {
		return false
	}
	last := c.LastReleasedTime()
	if last.IsZero() {
		return false
	}
	return time.Since(last) > maxIdle
}

func acquireTimeoutErr() error {
	return errorsx.New(errorsx.PoolAcquireTimeout, "pool acquire timed out")
}

func observeAcquire(name Name, ok bool) {
	result := "ok"
	if !ok {
		result = "timeout"
	}
	metrics.PoolAcquireTotal.WithLabelValues(string(name), result).Inc()
}
