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

	"github.com/packetd/gosonic/conn"
)

// websocketFreeConns is a fixed, meaningless-but-stable value reported by
// FreeConns: a websocket pool never actually pools anything, so there is no
// real notion of how many connections are "free".
const websocketFreeConns = 100

// websocketPool hands out a brand-new connection on every Acquire and
// discards it on release. Long-lived upgraded connections are never meant
// to be reused across requests, so pooling them would only mask leaks.
type websocketPool struct {
	cfg Config
}

func newWebsocketPool(cfg Config) *websocketPool {
	return &websocketPool{cfg: cfg}
}

func (p *websocketPool) Acquire(ctx context.Context, affinityKey string) (*conn.Connection, error) {
	return conn.New(p), nil
}

func (p *websocketPool) ReleaseConn(c *conn.Connection) {
	c.Close()
}

func (p *websocketPool) FreeConns() int {
	return websocketFreeConns
}

func (p *websocketPool) IsAllFree() bool {
	return true
}

func (p *websocketPool) Cleanup() error {
	return nil
}
