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

// Package http2 drives a single multiplexed connection: it writes the
// client preface and HEADERS/DATA/WINDOW_UPDATE frames, and a dedicated
// reader task demultiplexes incoming frames across a per-connection stream
// table. The frame envelope (the 9-byte length/type/flags/stream-id header
// RFC 7540 §4.1 defines) is parsed by hand here. Header block *decoding*
// goes through github.com/dgrr/http2's HPACK codec; the request-side
// encoder in hpack.go writes literal header fields by hand.
package http2

import (
	"encoding/binary"
	"io"

	"github.com/packetd/gosonic/internal/errorsx"
)

// ClientPreface is sent verbatim before the first SETTINGS frame, per
// RFC 7540 §3.5.
const ClientPreface = "PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n"

type frameType uint8

const (
	frameData         frameType = 0x0
	frameHeaders      frameType = 0x1
	framePriority     frameType = 0x2
	frameRSTStream    frameType = 0x3
	frameSettings     frameType = 0x4
	framePushPromise  frameType = 0x5
	framePing         frameType = 0x6
	frameGoAway       frameType = 0x7
	frameWindowUpdate frameType = 0x8
	frameContinuation frameType = 0x9
)

type frameFlags uint8

const (
	flagEndStream  frameFlags = 0x1
	flagAck        frameFlags = 0x1
	flagEndHeaders frameFlags = 0x4
	flagPadded     frameFlags = 0x8
	flagPriority   frameFlags = 0x20
)

const frameHeaderLen = 9

// maxFrameSize is the default SETTINGS_MAX_FRAME_SIZE, the floor every
// HTTP/2 endpoint must accept. A Conn's peerMaxFrame starts at this value
// until the peer's SETTINGS replace it; sendBody never emits a DATA frame
// larger than peerMaxFrame.
const maxFrameSize = 1 << 14

// frameHeader is the decoded 9-byte envelope preceding every frame payload.
type frameHeader struct {
	length uint32
	typ    frameType
	flags  frameFlags
	stream uint32
}

func (h frameHeader) has(f frameFlags) bool { return h.flags&f != 0 }

func readFrameHeader(r io.Reader) (frameHeader, error) {
	var buf [frameHeaderLen]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return frameHeader{}, err
	}
	length := uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2])
	stream := binary.BigEndian.Uint32(buf[5:9]) &^ (1 << 31)
	return frameHeader{
		length: length,
		typ:    frameType(buf[3]),
		flags:  frameFlags(buf[4]),
		stream: stream,
	}, nil
}

func writeFrame(w io.Writer, typ frameType, flags frameFlags, stream uint32, payload []byte) error {
	var hdr [frameHeaderLen]byte
	n := len(payload)
	hdr[0] = byte(n >> 16)
	hdr[1] = byte(n >> 8)
	hdr[2] = byte(n)
	hdr[3] = byte(typ)
	hdr[4] = byte(flags)
	binary.BigEndian.PutUint32(hdr[5:9], stream&^(1<<31))
	if _, err := w.Write(hdr[:]); err != nil {
		return errorsx.Wrap(errorsx.MissingWriter, err, "write frame header")
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return errorsx.Wrap(errorsx.MissingWriter, err, "write frame payload")
		}
	}
	return nil
}

// settingsParam is one entry of a SETTINGS frame payload (id, value pairs
// of 2 and 4 bytes respectively, RFC 7540 §6.5.1).
type settingsParam struct {
	id    uint16
	value uint32
}

const (
	settingsHeaderTableSize    uint16 = 0x1
	settingsEnablePush         uint16 = 0x2
	settingsMaxConcurrentStrms uint16 = 0x3
	settingsInitialWindowSize  uint16 = 0x4
	settingsMaxFrameSize       uint16 = 0x5
)

func encodeSettings(params []settingsParam) []byte {
	buf := make([]byte, 0, len(params)*6)
	for _, p := range params {
		var entry [6]byte
		binary.BigEndian.PutUint16(entry[0:2], p.id)
		binary.BigEndian.PutUint32(entry[2:6], p.value)
		buf = append(buf, entry[:]...)
	}
	return buf
}

func decodeSettings(payload []byte) []settingsParam {
	var out []settingsParam
	for i := 0; i+6 <= len(payload); i += 6 {
		out = append(out, settingsParam{
			id:    binary.BigEndian.Uint16(payload[i : i+2]),
			value: binary.BigEndian.Uint32(payload[i+2 : i+6]),
		})
	}
	return out
}

func readWindowUpdate(payload []byte) (uint32, error) {
	if len(payload) != 4 {
		return 0, errorsx.New(errorsx.MissingEvent, "malformed WINDOW_UPDATE frame")
	}
	return binary.BigEndian.Uint32(payload) &^ (1 << 31), nil
}

func encodeWindowUpdate(increment uint32) []byte {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], increment&^(1<<31))
	return buf[:]
}
