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

// Package dnscache implements the thread-safe TTL + LRU cache of resolved
// address lists shared by every Resolver lookup.
package dnscache

import (
	"container/list"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/packetd/gosonic/internal/metrics"
)

// Addr is a single resolved (address, port) pair.
type Addr struct {
	IP   string
	Port int
}

type entry struct {
	key     uint64
	domain  string
	addrs   []Addr
	expires time.Time
	elem    *list.Element
}

// Stats reports monotonically non-decreasing hit/miss counters, reset only
// by ResetStats.
type Stats struct {
	Hits   int64
	Misses int64
}

// Cache is a bounded, TTL-aware LRU cache keyed by "host:port:family".
//
// A disabled Cache always misses on Get and ignores Set, matching a
// deployment that wants to bypass caching without threading a nil check
// through every caller.
type Cache struct {
	mu       sync.Mutex
	ttl      time.Duration
	maxSize  int
	disabled bool

	lru  *list.List
	data map[uint64]*entry

	hits, misses int64
}

// New builds a Cache with the given default TTL and maximum entry count.
// disabled short-circuits every Get/Set once the cache is in use.
func New(ttl time.Duration, maxSize int, disabled bool) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache{
		ttl:      ttl,
		maxSize:  maxSize,
		disabled: disabled,
		lru:      list.New(),
		data:     make(map[uint64]*entry, maxSize),
	}
}

func hashKey(domain string) uint64 {
	return xxhash.Sum64String(domain)
}

// Set stores addrs under domain (the caller-formed "host:port:family" key),
// refreshing its LRU position. An existing key is removed first so the
// insert always lands at the most-recently-used end. ttl of zero uses the
// cache's default.
func (c *Cache) Set(domain string, addrs []Addr, ttl time.Duration) {
	if c.disabled {
		return
	}
	if ttl <= 0 {
		ttl = c.ttl
	}

	key := hashKey(domain)
	expires := time.Now().Add(ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.data[key]; ok {
		c.lru.Remove(existing.elem)
		delete(c.data, key)
	}

	if len(c.data) >= c.maxSize {
		front := c.lru.Front()
		if front != nil {
			c.lru.Remove(front)
			delete(c.data, front.Value.(*entry).key)
		}
	}

	e := &entry{key: key, domain: domain, addrs: addrs, expires: expires}
	e.elem = c.lru.PushBack(e)
	c.data[key] = e
}

// Get returns the cached addresses for domain. A hit promotes the key to
// most-recently-used; an expired entry is deleted and reported as a miss.
func (c *Cache) Get(domain string) ([]Addr, bool) {
	if c.disabled {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		metrics.DNSCacheMisses.Inc()
		return nil, false
	}

	key := hashKey(domain)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.data[key]
	if !ok {
		c.misses++
		metrics.DNSCacheMisses.Inc()
		return nil, false
	}

	if time.Now().After(e.expires) {
		c.lru.Remove(e.elem)
		delete(c.data, key)
		c.misses++
		metrics.DNSCacheMisses.Inc()
		return nil, false
	}

	c.lru.MoveToBack(e.elem)
	c.hits++
	metrics.DNSCacheHits.Inc()
	return e.addrs, true
}

// Delete removes domain from the cache, if present.
func (c *Cache) Delete(domain string) {
	key := hashKey(domain)

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.data[key]; ok {
		c.lru.Remove(e.elem)
		delete(c.data, key)
	}
}

// Clear empties the cache without touching the hit/miss counters.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Init()
	c.data = make(map[uint64]*entry, c.maxSize)
}

// Len returns the number of stored entries. Expired entries are only pruned
// lazily, on Get, so Len also counts entries whose TTL has passed but that
// have not been looked up since.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.data)
}

// Contains reports whether domain has a live (non-expired) entry, without
// affecting LRU order or the hit/miss counters.
func (c *Cache) Contains(domain string) bool {
	key := hashKey(domain)

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.data[key]
	if !ok {
		return false
	}
	return time.Now().Before(e.expires)
}

// Stats returns a snapshot of the hit/miss counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{Hits: c.hits, Misses: c.misses}
}

// ResetStats zeroes the hit/miss counters.
func (c *Cache) ResetStats() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.hits, c.misses = 0, 0
}
