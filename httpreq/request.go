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
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"

	"github.com/packetd/gosonic/common"
	"github.com/packetd/gosonic/conn"
	"github.com/packetd/gosonic/internal/bufpool"
	"github.com/packetd/gosonic/internal/errorsx"
	"github.com/packetd/gosonic/multipart"
)

// BodyKind selects how Request.Body is serialized.
type BodyKind int

const (
	BodyNone BodyKind = iota
	BodyRaw           // string or []byte, sent as-is
	BodyForm          // url.Values, URL-encoded
	BodyJSON          // arbitrary value, JSON-encoded
	BodyChunked       // ChunkProducer-backed lazy producer, Transfer-Encoding: chunked
	BodyMultipart     // *multipart.Form
)

// ChunkProducer is the lazy byte-producer interface a streaming request
// body implements; a single call returning (nil, false, nil) signals EOF.
type ChunkProducer interface {
	NextChunk() ([]byte, bool, error)
}

// Request is the engine's wire-agnostic description of one HTTP/1.1
// request, built once per attempt (redirects build a fresh Request against
// the new URL).
type Request struct {
	Method    string
	URL       *url.URL
	Header    *Headers
	Kind      BodyKind
	Raw       []byte
	Form      url.Values
	JSON      any
	Chunks    ChunkProducer
	Multipart *multipart.Form
}

// Serialize writes the request line, headers and body to c. A BodyChunked
// body is streamed from its ChunkProducer; every other kind, multipart
// included, is assembled in memory and sent with a Content-Length.
func Serialize(c *conn.Connection, req *Request) error {
	header := req.Header
	if header == nil {
		header = NewHeaders()
	}

	path := req.URL.EscapedPath()
	if path == "" {
		path = "/"
	}
	if req.URL.RawQuery != "" {
		path += "?" + req.URL.RawQuery
	}

	if header.Get("Host") == "" {
		header.Set("Host", hostHeaderValue(req.URL))
	}
	if header.Get("User-Agent") == "" {
		header.Set("User-Agent", common.UserAgent)
	}
	if header.Get("Connection") == "" {
		header.Set("Connection", "keep-alive")
	}

	var body []byte
	var streamed ChunkProducer
	var err error

	switch req.Kind {
	case BodyRaw:
		body = req.Raw
		setIfAbsent(header, "Content-Type", "text/plain")
		header.Set("Content-Length", strconv.Itoa(len(body)))
	case BodyForm:
		body = []byte(req.Form.Encode())
		setIfAbsent(header, "Content-Type", "application/x-www-form-urlencoded")
		header.Set("Content-Length", strconv.Itoa(len(body)))
	case BodyJSON:
		body, err = json.Marshal(req.JSON)
		if err != nil {
			return errorsx.Wrap(errorsx.HTTPParsing, err, "marshal json body")
		}
		setIfAbsent(header, "Content-Type", "application/json")
		header.Set("Content-Length", strconv.Itoa(len(body)))
	case BodyMultipart:
		bodyReader, size, ferr := req.Multipart.GetBodySize()
		if ferr != nil {
			return ferr
		}
		header.Set("Content-Type", req.Multipart.ContentType())
		header.Set("Content-Length", strconv.FormatInt(size, 10))
		buf := make([]byte, size)
		if _, rerr := io.ReadFull(bodyReader, buf); rerr != nil {
			return errorsx.Wrap(errorsx.HTTPParsing, rerr, "assemble multipart body")
		}
		body = buf
	case BodyChunked:
		header.Set("Transfer-Encoding", "chunked")
		header.Del("Content-Length")
		streamed = req.Chunks
	}

	b := bufpool.Get()
	defer bufpool.Put(b)
	_, _ = b.WriteString(req.Method)
	_ = b.WriteByte(' ')
	_, _ = b.WriteString(path)
	_, _ = b.WriteString(" HTTP/1.1\r\n")
	for _, p := range header.Pairs() {
		_, _ = b.WriteString(p.Key)
		_, _ = b.WriteString(": ")
		_, _ = b.WriteString(p.Value)
		_, _ = b.WriteString("\r\n")
	}
	_, _ = b.WriteString("\r\n")

	if _, err := c.Write(b.B); err != nil {
		return err
	}
	if len(body) > 0 {
		if _, err := c.Write(body); err != nil {
			return err
		}
	}
	if streamed != nil {
		return writeChunked(c, streamed)
	}
	return nil
}

func writeChunked(c *conn.Connection, producer ChunkProducer) error {
	for {
		chunk, ok, err := producer.NextChunk()
		if err != nil {
			return errorsx.Wrap(errorsx.HTTPParsing, err, "read request chunk")
		}
		if !ok {
			_, err := c.Write([]byte("0\r\n\r\n"))
			return err
		}
		frame := fmt.Sprintf("%x\r\n", len(chunk))
		if _, err := c.Write([]byte(frame)); err != nil {
			return err
		}
		if _, err := c.Write(chunk); err != nil {
			return err
		}
		if _, err := c.Write([]byte("\r\n")); err != nil {
			return err
		}
	}
}

func setIfAbsent(h *Headers, key, value string) {
	if h.Get(key) == "" {
		h.Set(key, value)
	}
}

func hostHeaderValue(u *url.URL) string {
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		return host
	}
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		return host
	}
	return host + ":" + port
}
