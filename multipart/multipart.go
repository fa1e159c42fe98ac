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

// Package multipart builds multipart/form-data bodies from scalar fields
// and path- or stream-backed files, with the assembled size known up front
// so the caller can stamp Content-Length instead of falling back to
// chunked transfer.
package multipart

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/packetd/gosonic/common"
	"github.com/packetd/gosonic/internal/errorsx"
)

// Field is a single form entry. A scalar field has only Name/Value set; a
// file field additionally sets Filename and exactly one of Path or
// Reader.
type Field struct {
	Name        string
	Value       string
	Filename    string
	ContentType string
	Path        string        // opened lazily on first access
	Reader      io.ReadSeeker // used instead of Path when set
}

func (f Field) isFile() bool {
	return f.Filename != ""
}

// Form is an ordered sequence of fields sharing one boundary, generated
// once and constant for the form's lifetime.
type Form struct {
	Boundary string
	Fields   []Field
}

// New generates a fresh boundary and wraps fields into a Form.
func New(fields []Field) (*Form, error) {
	boundary, err := randomBoundary()
	if err != nil {
		return nil, err
	}
	return &Form{Boundary: boundary, Fields: fields}, nil
}

// ContentType returns the multipart/form-data Content-Type header value.
func (f *Form) ContentType() string {
	return "multipart/form-data; boundary=" + f.Boundary
}

// fieldSize opens (if necessary) a file field to discover its size,
// restoring the read position for stream-backed files afterward.
func fieldSize(f Field) (int64, io.ReadCloser, error) {
	if !f.isFile() {
		return int64(len(f.Value)), io.NopCloser(stringsReader(f.Value)), nil
	}
	if f.Path != "" {
		fh, err := os.Open(f.Path)
		if err != nil {
			return 0, nil, errorsx.Wrap(errorsx.MultipartValue, err, "open "+f.Path)
		}
		info, err := fh.Stat()
		if err != nil {
			fh.Close()
			return 0, nil, errorsx.Wrap(errorsx.MultipartValue, err, "stat "+f.Path)
		}
		return info.Size(), fh, nil
	}
	if f.Reader != nil {
		cur, err := f.Reader.Seek(0, io.SeekCurrent)
		if err != nil {
			return 0, nil, errorsx.Wrap(errorsx.MultipartValue, err, "seek file reader")
		}
		end, err := f.Reader.Seek(0, io.SeekEnd)
		if err != nil {
			return 0, nil, errorsx.Wrap(errorsx.MultipartValue, err, "seek file reader")
		}
		if _, err := f.Reader.Seek(cur, io.SeekStart); err != nil {
			return 0, nil, errorsx.Wrap(errorsx.MultipartValue, err, "rewind file reader")
		}
		return end - cur, io.NopCloser(f.Reader), nil
	}
	return 0, nil, errorsx.New(errorsx.MultipartValue, "file field has neither Path nor Reader")
}

func fieldHeader(f Field) string {
	if !f.isFile() {
		return fmt.Sprintf("Content-Disposition: form-data; name=%q\r\n\r\n", f.Name)
	}
	h := fmt.Sprintf("Content-Disposition: form-data; name=%q; filename=%q\r\n", f.Name, f.Filename)
	if f.ContentType != "" {
		h += "Content-Type: " + f.ContentType + "\r\n"
	}
	return h + "\r\n"
}

// GetBodySize returns a reader that streams the full encoded body (every
// boundary, header, field value, and the closing boundary) along with its
// total byte length, so the caller can set Content-Length before writing.
func (form *Form) GetBodySize() (io.Reader, int64, error) {
	var readers []io.Reader
	var total int64

	for _, f := range form.Fields {
		size, body, err := fieldSize(f)
		if err != nil {
			return nil, 0, err
		}

		head := "--" + form.Boundary + "\r\n" + fieldHeader(f)
		readers = append(readers, stringsReader(head), body, stringsReader("\r\n"))
		total += int64(len(head)) + size + 2
	}

	trailer := "--" + form.Boundary + "--\r\n"
	readers = append(readers, stringsReader(trailer))
	total += int64(len(trailer))

	return io.MultiReader(readers...), total, nil
}

// WriteTo streams the encoded body to w in common.ReadWriteBlockSize
// chunks, suitable for path- or stream-backed files that should not be
// read into memory all at once.
func (form *Form) WriteTo(w io.Writer) (int64, error) {
	body, _, err := form.GetBodySize()
	if err != nil {
		return 0, err
	}
	buf := make([]byte, common.ReadWriteBlockSize)
	return io.CopyBuffer(w, body, buf)
}

func randomBoundary() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", errorsx.Wrap(errorsx.MultipartValue, err, "generate boundary")
	}
	return "gosonic-" + hex.EncodeToString(b[:]), nil
}

func stringsReader(s string) io.Reader {
	return &stringReader{s: s}
}

// stringReader avoids pulling in strings.Reader's Seek/ReadAt surface we
// never use here.
type stringReader struct {
	s   string
	pos int
}

func (r *stringReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.s) {
		return 0, io.EOF
	}
	n := copy(p, r.s[r.pos:])
	r.pos += n
	return n, nil
}
