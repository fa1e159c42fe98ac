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

package httpreq

import (
	"net/http"
	"strings"
)

// Headers is an insertion-ordered header collection with case-insensitive
// lookup, the request-side counterpart of Response.RawHeaders. The wire
// order of a serialized request is exactly the order fields were first
// set; a map-backed http.Header cannot promise that. Keys are written to
// the wire with the casing the caller gave them.
type Headers struct {
	pairs []HeaderPair
}

// NewHeaders returns an empty header collection.
func NewHeaders() *Headers {
	return &Headers{}
}

// Get returns the first value recorded for key, or "". Safe on a nil
// receiver.
func (h *Headers) Get(key string) string {
	if h == nil {
		return ""
	}
	for _, p := range h.pairs {
		if strings.EqualFold(p.Key, key) {
			return p.Value
		}
	}
	return ""
}

// Set replaces the first occurrence of key in place, keeping its wire
// position, and drops any later duplicates; an unseen key is appended.
func (h *Headers) Set(key, value string) {
	replaced := false
	out := h.pairs[:0]
	for _, p := range h.pairs {
		if strings.EqualFold(p.Key, key) {
			if replaced {
				continue
			}
			p = HeaderPair{Key: key, Value: value}
			replaced = true
		}
		out = append(out, p)
	}
	h.pairs = out
	if !replaced {
		h.pairs = append(h.pairs, HeaderPair{Key: key, Value: value})
	}
}

// Add appends key: value without touching existing occurrences.
func (h *Headers) Add(key, value string) {
	h.pairs = append(h.pairs, HeaderPair{Key: key, Value: value})
}

// Del removes every occurrence of key.
func (h *Headers) Del(key string) {
	out := h.pairs[:0]
	for _, p := range h.pairs {
		if !strings.EqualFold(p.Key, key) {
			out = append(out, p)
		}
	}
	h.pairs = out
}

// Pairs returns the ordered header fields. Safe on a nil receiver.
func (h *Headers) Pairs() []HeaderPair {
	if h == nil {
		return nil
	}
	return h.pairs
}

// Clone returns a deep copy; a nil receiver clones to nil.
func (h *Headers) Clone() *Headers {
	if h == nil {
		return nil
	}
	out := make([]HeaderPair, len(h.pairs))
	copy(out, h.pairs)
	return &Headers{pairs: out}
}

// HTTPHeader flattens into a net/http.Header for consumers that need the
// stdlib map shape (the HTTP/2 encoder, which imposes its own
// deterministic order by sorting). Safe on a nil receiver.
func (h *Headers) HTTPHeader() http.Header {
	out := make(http.Header)
	for _, p := range h.Pairs() {
		out.Add(p.Key, p.Value)
	}
	return out
}
