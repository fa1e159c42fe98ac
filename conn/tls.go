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

import "crypto/tls"

// cipherSuites restricts TLS 1.2 negotiation to the ECDHE+AESGCM and
// ECDHE+CHACHA20 families. crypto/tls never implemented the classic
// finite-field DHE suites, so those have no Go equivalent; TLS 1.3 suites
// are fixed by the standard library and not configurable here regardless.
var cipherSuites = []uint16{
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
	tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
}

// buildTLSConfig assembles the negotiation contract: TLS 1.2+, compression
// disabled (crypto/tls never supports it), the restricted cipher list
// above, and ALPN advertising h2 before http/1.1 when HTTP/2 is requested.
func buildTLSConfig(opts ConnectOptions) *tls.Config {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		CipherSuites:       cipherSuites,
		InsecureSkipVerify: opts.InsecureSkipTLS,
		ServerName:         opts.ServerName,
	}
	if opts.NegotiateHTTP2 {
		cfg.NextProtos = []string{"h2", "http/1.1"}
	} else {
		cfg.NextProtos = []string{"http/1.1"}
	}
	return cfg
}
