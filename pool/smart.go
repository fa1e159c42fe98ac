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

package pool

import (
	"context"
	"sync"

	"github.com/packetd/gosonic/conn"
	"github.com/packetd/gosonic/internal/metrics"
)

// smartPool prioritizes reuse of a connection bound to the requested
// affinity key. free holds every connection not currently leased out; sem
// is a counting semaphore of Config.Size permits.
type smartPool struct {
	cfg Config
	sem chan struct{}

	mu     sync.Mutex
	free   []*conn.Connection
	closed bool
}

func newSmartPool(cfg Config) *smartPool {
	p := &smartPool{
		cfg:  cfg,
		sem:  make(chan struct{}, cfg.Size),
		free: make([]*conn.Connection, 0, cfg.Size),
	}
	for i := 0; i < cfg.Size; i++ {
		p.sem <- struct{}{}
		p.free = append(p.free, conn.New(p))
	}
	metrics.PoolFreeConnections.WithLabelValues("smart", "free").Set(float64(cfg.Size))
	return p
}

func (p *smartPool) Acquire(ctx context.Context, affinityKey string) (*conn.Connection, error) {
	acquireCtx := ctx
	var cancel context.CancelFunc
	if p.cfg.PoolAcquire > 0 {
		acquireCtx, cancel = context.WithTimeout(ctx, p.cfg.PoolAcquire)
		defer cancel()
	}

	select {
	case <-p.sem:
	case <-acquireCtx.Done():
		observeAcquire(Smart, false)
		return nil, acquireTimeoutErr()
	}
	observeAcquire(Smart, true)

	p.mu.Lock()
	defer p.mu.Unlock()

	var c *conn.Connection
	if affinityKey != "" {
		for i, item := range p.free {
			if item.AffinityKey() == affinityKey {
				c = item
				p.free = append(p.free[:i], p.free[i+1:]...)
				break
			}
		}
	}
	if c == nil && len(p.free) > 0 {
		last := len(p.free) - 1
		c = p.free[last]
		p.free = p.free[:last]
	}
	if c == nil {
		// every connection is checked out elsewhere, which should not
		// happen once a permit was granted; fall back to a fresh one so
		// the caller always gets something to Connect.
		c = conn.New(p)
	}

	if isIdle(c, p.cfg.MaxConnIdle) {
		c.Close()
		c = conn.New(p)
	}

	metrics.PoolFreeConnections.WithLabelValues("smart", "free").Set(float64(len(p.free)))
	return c, nil
}

func (p *smartPool) ReleaseConn(c *conn.Connection) {
	p.mu.Lock()
	p.free = append(p.free, c)
	n := len(p.free)
	p.mu.Unlock()

	metrics.PoolFreeConnections.WithLabelValues("smart", "free").Set(float64(n))

	select {
	case p.sem <- struct{}{}:
	default:
	}
}

func (p *smartPool) FreeConns() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

func (p *smartPool) IsAllFree() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free) == p.cfg.Size
}

func (p *smartPool) Cleanup() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	for _, c := range p.free {
		c.Close()
	}
	p.free = nil
	p.closed = true
	return nil
}
