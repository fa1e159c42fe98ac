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

// Package sse implements a reconnecting Server-Sent Events client: a
// line-oriented event parser over a raw connection byte stream, with
// id-based dedup and Last-Event-ID resumption on reconnect.
package sse

import (
	"strconv"
	"strings"

	"github.com/packetd/gosonic/internal/errorsx"
)

// Event is one parsed SSE event block.
type Event struct {
	Data  string
	Event string
	ID    string
	Retry int
}

// parseEvent parses a single event block (the text between two consecutive
// blank lines), returning an *errorsx.Error of Kind SSEParsing on any
// malformed line.
func parseEvent(block string) (Event, error) {
	var ev Event
	lastField := ""

	for _, line := range strings.Split(block, "\n") {
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		idx := strings.Index(line, ":")
		if idx < 0 {
			if lastField == "data" {
				ev.Data += line + "\n"
				continue
			}
			return Event{}, errorsx.Newf(errorsx.SSEParsing, "malformed sse line %q", line)
		}

		field := line[:idx]
		value := strings.TrimPrefix(line[idx+1:], " ")
		lastField = field

		switch field {
		case "data":
			ev.Data += value + "\n"
		case "event":
			ev.Event = value
		case "id":
			ev.ID = value
		case "retry":
			n, err := strconv.Atoi(value)
			if err != nil {
				return Event{}, errorsx.Wrapf(errorsx.SSEParsing, err, "invalid retry value %q", value)
			}
			ev.Retry = n
		}
	}

	ev.Data = strings.TrimSuffix(ev.Data, "\n")
	return ev, nil
}
