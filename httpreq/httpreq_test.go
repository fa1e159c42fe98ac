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
	"bufio"
	"context"
	"net"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/packetd/gosonic/conn"
)

type noopReleaser struct{}

func (noopReleaser) ReleaseConn(*conn.Connection) {}

// pairedConn opens an in-memory connection whose peer is driven by serve.
func pairedConn(t *testing.T, serve func(net.Conn)) *conn.Connection {
	t.Helper()
	c := conn.New(noopReleaser{})
	dial := func(ctx context.Context, network, addr string) (net.Conn, error) {
		client, srv := net.Pipe()
		go serve(srv)
		return client, nil
	}
	err := c.Connect(context.Background(), conn.ConnectOptions{Addr: "example.invalid:80", Dial: dial})
	require.NoError(t, err)
	return c
}

func TestSerializeWritesRequestLineAndHeaders(t *testing.T) {
	received := make(chan string, 1)
	c := pairedConn(t, func(srv net.Conn) {
		defer srv.Close()
		r := bufio.NewReader(srv)
		var b strings.Builder
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				break
			}
			b.WriteString(line)
			if line == "\r\n" {
				break
			}
		}
		received <- b.String()
	})
	defer c.Close()

	u, err := url.Parse("http://example.invalid/search?q=go")
	require.NoError(t, err)
	req := &Request{Method: "GET", URL: u}
	require.NoError(t, Serialize(c, req))

	raw := <-received
	assert.Contains(t, raw, "GET /search?q=go HTTP/1.1\r\n")
	assert.Contains(t, raw, "Host: example.invalid\r\n")
	assert.Contains(t, raw, "User-Agent: gosonic/v0.1.0\r\n")
}

func TestSerializeJSONBodySetsContentType(t *testing.T) {
	received := make(chan string, 1)
	c := pairedConn(t, func(srv net.Conn) {
		defer srv.Close()
		received <- drain(srv)
	})

	u, err := url.Parse("http://example.invalid/api")
	require.NoError(t, err)
	req := &Request{Method: "POST", URL: u, Kind: BodyJSON, JSON: map[string]any{"ok": true}}
	require.NoError(t, Serialize(c, req))
	c.Close()

	raw := <-received
	assert.Contains(t, raw, "Content-Type: application/json\r\n")
	assert.Contains(t, raw, `{"ok":true}`)
}

func TestSerializeWritesHeadersInInsertionOrder(t *testing.T) {
	received := make(chan string, 1)
	c := pairedConn(t, func(srv net.Conn) {
		defer srv.Close()
		received <- drain(srv)
	})

	u, err := url.Parse("http://example.invalid/")
	require.NoError(t, err)
	h := NewHeaders()
	h.Add("X-First", "1")
	h.Add("X-Second", "2")
	h.Add("X-Third", "3")
	require.NoError(t, Serialize(c, &Request{Method: "GET", URL: u, Header: h}))
	c.Close()

	raw := <-received
	first := strings.Index(raw, "X-First: 1\r\n")
	second := strings.Index(raw, "X-Second: 2\r\n")
	third := strings.Index(raw, "X-Third: 3\r\n")
	require.True(t, first >= 0 && second >= 0 && third >= 0)
	assert.Less(t, first, second)
	assert.Less(t, second, third)
}

func TestReadResponseParsesContentLengthBody(t *testing.T) {
	c := pairedConn(t, func(srv net.Conn) {
		defer srv.Close()
		_, _ = srv.Write([]byte("HTTP/1.1 200 OK\r\nContent-Length: 5\r\nConnection: keep-alive\r\n\r\nhello"))
	})
	defer c.Close()

	resp, err := ReadResponse(c)
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "hello", string(resp.Body))
	assert.True(t, resp.KeepAlive)
}

func TestReadResponseChunkedBodyManualDrainThenText(t *testing.T) {
	c := pairedConn(t, func(srv net.Conn) {
		defer srv.Close()
		_, _ = srv.Write([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"))
		_, _ = srv.Write([]byte("3\r\nfoo\r\n3\r\nbar\r\n0\r\n\r\n"))
	})
	defer c.Close()

	resp, err := ReadResponse(c)
	require.NoError(t, err)
	assert.True(t, resp.Chunked)

	var chunks []string
	for {
		chunk, done, err := resp.NextChunk()
		require.NoError(t, err)
		if done {
			break
		}
		chunks = append(chunks, string(chunk))
	}
	assert.Equal(t, []string{"foo", "bar"}, chunks)

	text, err := resp.Text()
	require.NoError(t, err)
	assert.Equal(t, "", text)
}

func TestReadResponseChunkedBodyTextDrainsAutomatically(t *testing.T) {
	c := pairedConn(t, func(srv net.Conn) {
		defer srv.Close()
		_, _ = srv.Write([]byte("HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"))
		_, _ = srv.Write([]byte("3\r\nfoo\r\n3\r\nbar\r\n0\r\n\r\n"))
	})
	defer c.Close()

	resp, err := ReadResponse(c)
	require.NoError(t, err)

	text, err := resp.Text()
	require.NoError(t, err)
	assert.Equal(t, "foobar", text)
}

func TestWriteChunkedRequestBody(t *testing.T) {
	received := make(chan string, 1)
	c := pairedConn(t, func(srv net.Conn) {
		defer srv.Close()
		received <- drain(srv)
	})

	u, err := url.Parse("http://example.invalid/upload")
	require.NoError(t, err)
	producer := &sliceChunker{chunks: [][]byte{[]byte("ab"), []byte("cde")}}
	req := &Request{Method: "POST", URL: u, Kind: BodyChunked, Chunks: producer}
	require.NoError(t, Serialize(c, req))
	c.Close()

	raw := <-received
	assert.Contains(t, raw, "Transfer-Encoding: chunked\r\n")
	assert.Contains(t, raw, "2\r\nab\r\n")
	assert.Contains(t, raw, "3\r\ncde\r\n")
	assert.Contains(t, raw, "0\r\n\r\n")
}

// drain accumulates everything written by the peer until it closes the
// connection; net.Pipe has no buffering, so a single Read would only see
// one Write's worth of data.
func drain(c net.Conn) string {
	var b strings.Builder
	buf := make([]byte, 4096)
	for {
		n, err := c.Read(buf)
		b.Write(buf[:n])
		if err != nil {
			return b.String()
		}
	}
}

type sliceChunker struct {
	chunks [][]byte
	i      int
}

func (s *sliceChunker) NextChunk() ([]byte, bool, error) {
	if s.i >= len(s.chunks) {
		return nil, false, nil
	}
	c := s.chunks[s.i]
	s.i++
	return c, true, nil
}
