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

// Package resolver performs asynchronous name resolution with IDNA
// encoding, feeding results through a dnscache.Cache.
package resolver

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"strconv"

	"golang.org/x/net/idna"

	"github.com/packetd/gosonic/dnscache"
	"github.com/packetd/gosonic/internal/errorsx"
)

// Family selects which address family Resolve returns; FamilyUnspec keeps
// every address the lookup yields.
type Family int

const (
	FamilyUnspec Family = iota
	FamilyIPv4
	FamilyIPv6
)

// Record is a single resolved address, always carrying the caller's
// original (pre-IDNA) hostname so TLS SNI sees what the user typed.
type Record struct {
	Hostname string
	Host     string
	Port     int
	Family   Family
}

// LookupFunc performs the underlying system resolution. Production code
// uses net.DefaultResolver.LookupIP with network "ip"; tests substitute a
// stub.
type LookupFunc func(ctx context.Context, encodedHost string) ([]net.IP, error)

// Resolver resolves hostnames to address records, checking and populating a
// shared dnscache.Cache keyed by "encodedHost:port:family".
type Resolver struct {
	cache  *dnscache.Cache
	lookup LookupFunc
}

func defaultLookup(ctx context.Context, host string) ([]net.IP, error) {
	return net.DefaultResolver.LookupIP(ctx, "ip", host)
}

// New builds a Resolver backed by cache. A nil cache disables caching
// entirely (every call performs a live lookup).
func New(cache *dnscache.Cache) *Resolver {
	return &Resolver{cache: cache, lookup: defaultLookup}
}

// WithLookup overrides the underlying lookup function, for tests.
func (r *Resolver) WithLookup(f LookupFunc) *Resolver {
	r.lookup = f
	return r
}

func familyTag(f Family) string {
	switch f {
	case FamilyIPv4:
		return "ip4"
	case FamilyIPv6:
		return "ip6"
	default:
		return "ip"
	}
}

// encodeIDNA maps host to ASCII xn-- form, falling back to the raw string
// if the mapping fails.
func encodeIDNA(host string) string {
	encoded, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return host
	}
	return encoded
}

// Resolve returns the address records for host:port, consulting the cache
// first. On a cache miss it performs a live lookup and writes the result
// back. Fails with errorsx.Resolution when the lookup returns no records.
func (r *Resolver) Resolve(ctx context.Context, host string, port int, family Family) ([]Record, error) {
	encodedHost := encodeIDNA(host)
	cacheKey := fmt.Sprintf("%s:%d:%s", encodedHost, port, familyTag(family))

	if r.cache != nil {
		if cached, ok := r.cache.Get(cacheKey); ok {
			records := make([]Record, 0, len(cached))
			for _, a := range cached {
				records = append(records, Record{
					Hostname: host,
					Host:     a.IP,
					Port:     a.Port,
					Family:   family,
				})
			}
			return records, nil
		}
	}

	ips, err := r.lookup(ctx, encodedHost)
	if err != nil {
		return nil, errorsx.Wrap(errorsx.Resolution, err, "resolve "+host)
	}
	if family != FamilyUnspec {
		matching := make([]net.IP, 0, len(ips))
		for _, ip := range ips {
			if (ip.To4() != nil) == (family == FamilyIPv4) {
				matching = append(matching, ip)
			}
		}
		ips = matching
	}
	if len(ips) == 0 {
		return nil, errorsx.Newf(errorsx.Resolution, "resolve %s: no records returned", host)
	}

	records := make([]Record, 0, len(ips))
	cacheAddrs := make([]dnscache.Addr, 0, len(ips))
	for _, ip := range ips {
		records = append(records, Record{
			Hostname: host,
			Host:     ip.String(),
			Port:     port,
			Family:   family,
		})
		cacheAddrs = append(cacheAddrs, dnscache.Addr{IP: ip.String(), Port: port})
	}

	if r.cache != nil {
		r.cache.Set(cacheKey, cacheAddrs, 0)
	}

	return records, nil
}

// PickRandom chooses one record at random, giving coarse round-robin
// behavior across multi-answer hosts without keeping per-host cursors.
func PickRandom(records []Record) Record {
	if len(records) == 1 {
		return records[0]
	}
	return records[rand.Intn(len(records))]
}

// Addr renders a Record as a "host:port" dial address.
func (rec Record) Addr() string {
	return net.JoinHostPort(rec.Host, strconv.Itoa(rec.Port))
}
