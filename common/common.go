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

// Package common holds the small set of constants shared across every
// engine component, so none of them hardcode the same magic number twice.
package common

import "time"

const (
	// App names the module for metrics namespaces and the default
	// User-Agent header.
	App = "gosonic"

	// Version is the engine's own version string, stamped into the
	// default User-Agent.
	Version = "v0.1.0"

	// ReadWriteBlockSize bounds a single chunked-body or multipart-file
	// read, keeping per-request buffering modest under high concurrency.
	ReadWriteBlockSize = 1 << 20 // 1 MiB

	// DefaultPoolSize is the number of connections a pool admits per
	// Connector pool key.
	DefaultPoolSize = 30

	// DefaultMaxConnRequests recycles a connection after this many
	// requests have been served on it.
	DefaultMaxConnRequests = 1000

	// DefaultMaxConnIdle evicts a pooled connection idle longer than this.
	DefaultMaxConnIdle = 60 * time.Second

	// DefaultSockConnect bounds opening the transport.
	DefaultSockConnect = 5 * time.Second

	// DefaultSockRead bounds the initial status-line / frame read.
	DefaultSockRead = 60 * time.Second

	// DefaultPoolAcquire bounds waiting for a pool permit.
	DefaultPoolAcquire = 3 * time.Second

	// DefaultDNSCacheTTL and DefaultDNSCacheSize size the shared resolver
	// cache.
	DefaultDNSCacheTTL  = 10 * time.Second
	DefaultDNSCacheSize = 512

	// MaxRedirects caps the number of redirects a single request follows.
	MaxRedirects = 30

	// UserAgent is sent unless the caller overrides it.
	UserAgent = App + "/" + Version
)
