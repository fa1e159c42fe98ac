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

// Package metrics exposes the Prometheus instrumentation shared by the
// pool, DNS cache and HTTP/2 stream table.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "gosonic"

var (
	PoolFreeConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_free_connections",
			Help:      "Number of idle connections currently held by a pool",
		},
		[]string{"pool", "kind"},
	)

	PoolAcquireTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pool_acquire_total",
			Help:      "Total number of pool acquire attempts",
		},
		[]string{"pool", "result"},
	)

	DNSCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_cache_hits_total",
			Help:      "Total number of DNS cache hits",
		},
	)

	DNSCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_cache_misses_total",
			Help:      "Total number of DNS cache misses",
		},
	)

	HTTP2OpenStreams = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http2_open_streams",
			Help:      "Number of HTTP/2 streams currently awaiting a response",
		},
	)
)
