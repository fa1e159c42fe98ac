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

// cyclicPool ignores affinity entirely and rotates connections through a
// FIFO queue, so load spreads evenly across the whole pool instead of
// sticking to the host that last used a given connection.
type cyclicPool struct {
	cfg   Config
	queue chan *conn.Connection

	mu     sync.Mutex
	closed bool
}

func newCyclicPool(cfg Config) *cyclicPool {
	p := &cyclicPool{
		cfg:   cfg,
		queue: make(chan *conn.Connection, cfg.Size),
	}
	for i := 0; i < cfg.Size; i++ {
		p.queue <- conn.New(p)
	}
	metrics.PoolFreeConnections.WithLabelValues("cyclic", "free").Set(float64(cfg.Size))
	return p
}

func (p *cyclicPool) Acquire(ctx context.Context, affinityKey string) (*conn.Connection, error) {
	acquireCtx := ctx
	var cancel context.CancelFunc
	if p.cfg.PoolAcquire > 0 {
		acquireCtx, cancel = context.WithTimeout(ctx, p.cfg.PoolAcquire)
		defer cancel()
	}

	var c *conn.Connection
	select {
	case c = <-p.queue:
	case <-acquireCtx.Done():
		observeAcquire(Cyclic, false)
		return nil, acquireTimeoutErr()
	}
	observeAcquire(Cyclic, true)

	if isIdle(c, p.cfg.MaxConnIdle) {
		c.Close()
		c = conn.New(p)
	}

	metrics.PoolFreeConnections.WithLabelValues("cyclic", "free").Set(float64(len(p.queue)))
	return c, nil
}

func (p *cyclicPool) ReleaseConn(c *conn.Connection) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		c.Close()
		return
	}

	select {
	case p.queue <- c:
	default:
		// queue briefly over-subscribed (more releases than Size in
		// flight); drop the excess rather than block the releaser.
		c.Close()
	}
	metrics.PoolFreeConnections.WithLabelValues("cyclic", "free").Set(float64(len(p.queue)))
}

func (p *cyclicPool) FreeConns() int {
	return len(p.queue)
}

func (p *cyclicPool) IsAllFree() bool {
	return len(p.queue) == p.cfg.Size
}

func (p *cyclicPool) Cleanup() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	for {
		select {
		case c := <-p.queue:
			c.Close()
		default:
			return nil
		}
	}
}
