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

package main

import (
	"context"
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cast"
	"github.com/spf13/cobra"

	"github.com/packetd/gosonic"
	"github.com/packetd/gosonic/confengine"
	"github.com/packetd/gosonic/httpreq"
)

var (
	follow     bool
	http2Flag  bool
	timeoutArg string
)

var getCmd = &cobra.Command{
	Use:   "get [url]",
	Short: "Issue a single GET request and print the response body",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := gosonic.DefaultConfig()
		if configPath != "" {
			loaded, err := confengine.LoadConfigPath(configPath)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
				os.Exit(1)
			}
			cfg, err = gosonic.LoadConfig(loaded)
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to unpack config: %v\n", err)
				os.Exit(1)
			}
		}
		cfg.Follow = follow
		cfg.HTTP2 = http2Flag

		// --timeout accepts either a Go duration string ("2s") or a bare
		// integer of nanoseconds; cast.ToDurationE coerces either form.
		if timeoutArg != "" {
			d, err := cast.ToDurationE(timeoutArg)
			if err != nil {
				fmt.Fprintf(os.Stderr, "invalid --timeout %q: %v\n", timeoutArg, err)
				os.Exit(1)
			}
			cfg.Timeouts.Request = d
		}

		u, err := url.Parse(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid url: %v\n", err)
			os.Exit(1)
		}

		cl := gosonic.New(cfg)
		defer cl.Close()

		resp, err := cl.Do(context.Background(), &httpreq.Request{Method: "GET", URL: u})
		if err != nil {
			fmt.Fprintf(os.Stderr, "request failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%d\n", resp.StatusCode)
		os.Stdout.Write(resp.Body)
	},
	Example: "# gosonic-probe get https://example.com --follow --timeout 2s",
}

func init() {
	getCmd.Flags().BoolVar(&follow, "follow", false, "Follow 301/302 redirects")
	getCmd.Flags().BoolVar(&http2Flag, "http2", false, "Negotiate HTTP/2 over TLS via ALPN")
	getCmd.Flags().StringVar(&timeoutArg, "timeout", "", "Request timeout, e.g. 2s or 500ms")
	rootCmd.AddCommand(getCmd)
}
