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

package conn

import (
	"bufio"
	"fmt"
	"net"
	"strings"

	"github.com/packetd/gosonic/internal/errorsx"
)

// connectThroughProxy issues a plaintext CONNECT tunnel to targetAddr over
// an already-dialed proxy connection nc, optionally carrying a
// Proxy-Authorization header. TLS/ALPN negotiation (if any) happens on the
// tunneled socket afterward, unaffected by the proxy hop.
func connectThroughProxy(nc net.Conn, targetAddr string, proxyAuth string) error {
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", targetAddr, targetAddr)
	if proxyAuth != "" {
		req += "Proxy-Authorization: " + proxyAuth + "\r\n"
	}
	req += "\r\n"

	if _, err := nc.Write([]byte(req)); err != nil {
		return errorsx.Wrap(errorsx.ConnectTimeout, err, "write CONNECT")
	}

	r := bufio.NewReader(nc)
	status, err := r.ReadString('\n')
	if err != nil {
		return errorsx.Wrap(errorsx.ConnectTimeout, err, "read CONNECT response")
	}
	if !strings.Contains(status, " 200 ") {
		return errorsx.Newf(errorsx.ConnectTimeout, "proxy CONNECT failed: %s", strings.TrimSpace(status))
	}

	// drain the remaining response headers up to the blank line
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return errorsx.Wrap(errorsx.ConnectTimeout, err, "read CONNECT headers")
		}
		if strings.TrimRight(line, "\r\n") == "" {
			break
		}
	}
	return nil
}
