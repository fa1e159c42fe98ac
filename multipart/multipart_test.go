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

package multipart

import (
	"bytes"
	"io"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormScalarFieldEncoding(t *testing.T) {
	form, err := New([]Field{{Name: "a", Value: "1"}})
	require.NoError(t, err)

	body, size, err := form.GetBodySize()
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := io.Copy(&buf, body)
	require.NoError(t, err)
	assert.Equal(t, size, n)

	out := buf.String()
	assert.True(t, strings.Contains(out, `name="a"`))
	assert.True(t, strings.HasSuffix(out, "--"+form.Boundary+"--\r\n"))
}

func TestFormFileFieldFromPath(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "upload-*.txt")
	require.NoError(t, err)
	_, err = f.WriteString("file contents")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	form, err := New([]Field{{Name: "file", Filename: "upload.txt", Path: f.Name()}})
	require.NoError(t, err)

	body, size, err := form.GetBodySize()
	require.NoError(t, err)

	var buf bytes.Buffer
	n, err := io.Copy(&buf, body)
	require.NoError(t, err)
	assert.Equal(t, size, n)
	assert.True(t, strings.Contains(buf.String(), "file contents"))
	assert.True(t, strings.Contains(buf.String(), `filename="upload.txt"`))
}

func TestFormContentTypeCarriesBoundary(t *testing.T) {
	form, err := New(nil)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(form.ContentType(), "multipart/form-data; boundary="))
}
