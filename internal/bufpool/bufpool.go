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

// Package bufpool centralizes the bytebufferpool.Pool shared by the request
// serializer and the chunked-body drain, so neither allocates a fresh
// scratch buffer per request.
package bufpool

import (
	"github.com/valyala/bytebufferpool"
)

var pool bytebufferpool.Pool

// Get returns a reset *bytebufferpool.ByteBuffer from the shared pool.
func Get() *bytebufferpool.ByteBuffer {
	return pool.Get()
}

// Put returns b to the shared pool for reuse.
func Put(b *bytebufferpool.ByteBuffer) {
	pool.Put(b)
}
