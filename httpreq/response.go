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
	"bytes"
	"compress/flate"
	"errors"
	"io"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/transform"

	"github.com/packetd/gosonic/conn"
	"github.com/packetd/gosonic/internal/bufpool"
	"github.com/packetd/gosonic/internal/errorsx"
)

// HeaderPair preserves header insertion order alongside the case-insensitive
// http.Header map, matching the raw-pairs-plus-normalized-map shape the
// data model calls for.
type HeaderPair struct {
	Key   string
	Value string
}

// Response is a fully (or partially, for chunked bodies) read HTTP/1.1
// response.
type Response struct {
	StatusCode int
	Reason     string
	Headers    http.Header
	RawHeaders []HeaderPair
	Cookies    []*http.Cookie
	Body       []byte
	Chunked    bool
	Compressed bool
	KeepAlive  bool

	conn *conn.Connection
}

// readStatusLine parses "HTTP/<ver> <code> <reason>"; reason may be empty.
func readStatusLine(c *conn.Connection) (int, string, error) {
	line, err := c.ReadLine()
	if err != nil {
		return 0, "", errorsx.Wrap(errorsx.HTTPParsing, err, "read status line")
	}
	s := string(line)
	if !strings.HasPrefix(s, "HTTP/") {
		return 0, "", errorsx.Newf(errorsx.HTTPParsing, "malformed status line %q", s)
	}
	parts := strings.SplitN(s, " ", 3)
	if len(parts) < 2 {
		return 0, "", errorsx.Newf(errorsx.HTTPParsing, "malformed status line %q", s)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, "", errorsx.Wrap(errorsx.HTTPParsing, err, "parse status code")
	}
	reason := ""
	if len(parts) == 3 {
		reason = parts[2]
	}
	return code, reason, nil
}

func splitHeaderLine(line string) (string, string, bool) {
	if idx := strings.Index(line, ": "); idx >= 0 {
		return line[:idx], line[idx+2:], true
	}
	if idx := strings.Index(line, ":"); idx >= 0 {
		return line[:idx], line[idx+1:], true
	}
	return "", "", false
}

func readHeaders(c *conn.Connection) ([]HeaderPair, http.Header, error) {
	var raw []HeaderPair
	headers := make(http.Header)
	for {
		line, err := c.ReadLine()
		if err != nil {
			return nil, nil, errorsx.Wrap(errorsx.HTTPParsing, err, "read headers")
		}
		if len(line) == 0 {
			break
		}
		key, value, ok := splitHeaderLine(string(line))
		if !ok {
			return nil, nil, errorsx.Newf(errorsx.HTTPParsing, "malformed header line %q", string(line))
		}
		raw = append(raw, HeaderPair{Key: key, Value: value})
		headers.Add(key, value)
	}
	return raw, headers, nil
}

// ReadStatusAndHeaders reads only the status line and headers, leaving the
// body (however framed) unread on c. SSE streams use this directly since
// their bodies are neither chunked nor Content-Length-bounded in the
// common case: they are read as a raw, connection-close-terminated byte
// stream instead.
func ReadStatusAndHeaders(c *conn.Connection) (int, http.Header, error) {
	code, _, err := readStatusLine(c)
	if err != nil {
		return 0, nil, err
	}
	_, headers, err := readHeaders(c)
	if err != nil {
		return 0, nil, err
	}
	c.SetBlocked(true)
	return code, headers, nil
}

// ReadResponse reads a status line, headers and (unless chunked) the full
// body from c, decoding gzip/deflate content-encoding during assembly.
func ReadResponse(c *conn.Connection) (*Response, error) {
	code, reason, err := readStatusLine(c)
	if err != nil {
		return nil, err
	}
	raw, headers, err := readHeaders(c)
	if err != nil {
		return nil, err
	}

	resp := &Response{
		StatusCode: code,
		Reason:     reason,
		Headers:    headers,
		RawHeaders: raw,
		conn:       c,
		KeepAlive:  keepAliveDeclared(headers),
	}
	for _, sc := range headers.Values("Set-Cookie") {
		resp.Cookies = append(resp.Cookies, parseSetCookie(sc)...)
	}

	transferEncoding := strings.ToLower(headers.Get("Transfer-Encoding"))
	if transferEncoding == "chunked" {
		resp.Chunked = true
		c.SetBlocked(true)
		return resp, nil
	}

	if cl := headers.Get("Content-Length"); cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil {
			return nil, errorsx.Wrap(errorsx.HTTPParsing, err, "parse Content-Length")
		}
		if n > 0 {
			body, err := c.ReadExactly(n)
			if err != nil {
				return nil, errorsx.Wrap(errorsx.HTTPParsing, err, "read body")
			}
			resp.Body, err = decodeBody(body, headers.Get("Content-Encoding"))
			if err != nil {
				return nil, err
			}
		}
	}

	return resp, nil
}

// NextChunk reads the next chunk of a Chunked response, for callers that
// want to stream the body themselves instead of calling Text. The final
// zero-length chunk releases the owning connection back to its pool, so
// chunks must be drained to completion (or the caller must Close the
// response) to avoid leaking the connection. Once the terminal chunk has
// been consumed the response is no longer Chunked; a later Text call
// returns only what was separately accumulated into Body.
func (r *Response) NextChunk() ([]byte, bool, error) {
	if !r.Chunked || r.conn == nil {
		return nil, true, nil
	}
	chunk, done, err := ReadChunk(r.conn)
	if err != nil {
		r.conn.Close()
		r.Chunked = false
		return nil, true, err
	}
	if done {
		r.Chunked = false
		r.conn.Release()
	}
	return chunk, done, nil
}

// Text returns the fully decoded body as a string, applying the charset
// the response declares (or one detected from the bytes). If the response
// is still Chunked (nothing has been read from it yet), Text drains every
// remaining chunk itself; if the caller already drained chunks manually
// via NextChunk, Text returns "" since nothing remains to read.
func (r *Response) Text() (string, error) {
	if r.Chunked {
		buf := bufpool.Get()
		for {
			chunk, done, err := r.NextChunk()
			if err != nil {
				bufpool.Put(buf)
				return "", err
			}
			if done {
				break
			}
			_, _ = buf.Write(chunk)
		}
		decoded, err := decodeBody(append([]byte(nil), buf.B...), r.Headers.Get("Content-Encoding"))
		bufpool.Put(buf)
		if err != nil {
			return "", err
		}
		r.Body = decoded
	}
	return r.decodeCharset(r.Body), nil
}

// decodeCharset picks the text encoding per the response's Content-Type:
// an explicit charset= directive wins, JSON-like types are read as UTF-8,
// and anything else goes through content sniffing with UTF-8 as the last
// resort.
func (r *Response) decodeCharset(body []byte) string {
	contentType := r.Headers.Get("Content-Type")
	if _, params, err := mime.ParseMediaType(contentType); err == nil {
		if cs := params["charset"]; cs != "" {
			if enc, _ := charset.Lookup(cs); enc != nil {
				if out, _, err := transform.Bytes(enc.NewDecoder(), body); err == nil {
					return string(out)
				}
			}
			return string(body)
		}
	}
	if strings.Contains(strings.ToLower(contentType), "json") {
		return string(body)
	}
	if enc, _, _ := charset.DetermineEncoding(body, contentType); enc != nil {
		if out, _, err := transform.Bytes(enc.NewDecoder(), body); err == nil {
			return string(out)
		}
	}
	return string(body)
}

// Close releases the owning connection without reading the remainder of a
// chunked body; the connection is torn down rather than recycled, since an
// undrained chunked stream can't be safely handed to the next caller.
func (r *Response) Close() error {
	if r.conn == nil {
		return nil
	}
	if r.Chunked {
		r.Chunked = false
		r.conn.SetKeep(false)
		r.conn.Release()
	}
	return nil
}

// ReadChunk reads one chunk of a chunked response body. A zero-length
// chunk signals the end of the body; the caller should then release the
// connection.
func ReadChunk(c *conn.Connection) ([]byte, bool, error) {
	sizeLine, err := c.ReadLine()
	if err != nil {
		return nil, false, errorsx.Wrap(errorsx.HTTPParsing, err, "read chunk size")
	}
	sizeStr := strings.TrimSpace(strings.SplitN(string(sizeLine), ";", 2)[0])
	size, err := strconvParseHexInt(sizeStr)
	if err != nil {
		return nil, false, errorsx.Wrap(errorsx.HTTPParsing, err, "parse chunk size")
	}
	if size == 0 {
		if _, err := c.ReadLine(); err != nil {
			return nil, false, errorsx.Wrap(errorsx.HTTPParsing, err, "read final chunk terminator")
		}
		c.SetBlocked(false)
		return nil, true, nil
	}

	data, err := c.ReadExactly(size + 2)
	if err != nil {
		return nil, false, errorsx.Wrap(errorsx.HTTPParsing, err, "read chunk body")
	}
	return data[:size], false, nil
}

func strconvParseHexInt(s string) (int, error) {
	n, err := strconv.ParseInt(s, 16, 64)
	return int(n), err
}

func keepAliveDeclared(h http.Header) bool {
	conn := strings.ToLower(h.Get("Connection"))
	if conn == "close" {
		return false
	}
	return strings.Contains(conn, "keep-alive")
}

func decodeBody(body []byte, encoding string) ([]byte, error) {
	switch strings.ToLower(encoding) {
	case "gzip":
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, errorsx.Wrap(errorsx.HTTPParsing, err, "gzip decode")
		}
		defer r.Close()
		return readAll(r)
	case "deflate":
		r := flate.NewReader(bytes.NewReader(body))
		defer r.Close()
		return readAll(r)
	default:
		return body, nil
	}
}

func readAll(r io.Reader) ([]byte, error) {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil && !errors.Is(err, io.EOF) {
		return nil, errorsx.Wrap(errorsx.HTTPParsing, err, "decompress body")
	}
	return buf.Bytes(), nil
}

func parseSetCookie(raw string) []*http.Cookie {
	header := http.Header{}
	header.Add("Set-Cookie", raw)
	resp := http.Response{Header: header}
	return resp.Cookies()
}
