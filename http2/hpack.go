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

package http2

import (
	"net/http"
	"sort"

	fasthttp2 "github.com/dgrr/http2"

	"github.com/packetd/gosonic/internal/errorsx"
)

// headerDecoder wraps dgrr/http2's pooled HPACK decoder: acquire once per
// connection, Next() repeatedly over a complete header block.
type headerDecoder struct {
	hp *fasthttp2.HPACK
}

func newHeaderDecoder() *headerDecoder {
	return &headerDecoder{hp: fasthttp2.AcquireHPACK()}
}

func (d *headerDecoder) decode(block []byte) (http.Header, string, error) {
	header := make(http.Header)
	status := ""
	field := &fasthttp2.HeaderField{}
	buf := block
	for len(buf) > 0 {
		field.Reset()
		var err error
		buf, err = d.hp.Next(field, buf)
		if err != nil {
			return nil, "", errorsx.Wrap(errorsx.HTTPParsing, err, "hpack decode")
		}
		if field.Key() == "" {
			continue
		}
		if field.Key() == ":status" {
			status = field.Value()
			continue
		}
		if len(field.Key()) > 0 && field.Key()[0] == ':' {
			continue
		}
		header.Add(field.Key(), field.Value())
	}
	return header, status, nil
}

func (d *headerDecoder) release() {
	d.hp.Reset()
	fasthttp2.ReleaseHPACK(d.hp)
}

// encodeHeaderBlock serializes pseudo headers followed by header, using
// HPACK's "Literal Header Field Never Indexed" representation (RFC 7541
// §6.2.3) for every field. This sacrifices the dynamic-table compression a
// full HPACK encoder would give but is unconditionally valid input for any
// compliant decoder without maintaining dynamic-table state on the encode
// side.
func encodeHeaderBlock(pseudo [][2]string, header http.Header) []byte {
	var buf []byte
	for _, kv := range pseudo {
		buf = appendLiteralField(buf, kv[0], kv[1])
	}

	keys := make([]string, 0, len(header))
	for k := range header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range header[k] {
			buf = appendLiteralField(buf, lowerHeaderName(k), v)
		}
	}
	return buf
}

func appendLiteralField(dst []byte, name, value string) []byte {
	// 0001 0000 = Literal Header Field Never Indexed, new name (index 0).
	dst = append(dst, 0x10)
	dst = appendHPACKString(dst, name)
	dst = appendHPACKString(dst, value)
	return dst
}

func appendHPACKString(dst []byte, s string) []byte {
	// Huffman bit (high bit of the length prefix) left unset: literal
	// ASCII, no Huffman encoding.
	dst = appendVarint(dst, 0, uint64(len(s)), 7)
	return append(dst, s...)
}

// appendVarint appends an HPACK integer using prefixN bits of the first
// byte, ORing in any already-set high bits (e.g. the Huffman flag).
func appendVarint(dst []byte, highBits byte, v uint64, prefixBits uint) []byte {
	max := uint64(1<<prefixBits) - 1
	if v < max {
		return append(dst, highBits|byte(v))
	}
	dst = append(dst, highBits|byte(max))
	v -= max
	for v >= 0x80 {
		dst = append(dst, byte(v&0x7f)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

func lowerHeaderName(name string) string {
	b := []byte(name)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
