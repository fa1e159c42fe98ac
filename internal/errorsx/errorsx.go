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

// Package errorsx defines the typed error kinds surfaced by every layer of
// the request engine, each with a single user-visible meaning.
package errorsx

import (
	"github.com/pkg/errors"
)

// Kind identifies the category of a failure raised by the engine.
type Kind string

const (
	ConnectTimeout         Kind = "connect-timeout"
	ReadTimeout            Kind = "read-timeout"
	RequestTimeout         Kind = "request-timeout"
	PoolAcquireTimeout     Kind = "pool-acquire-timeout"
	HTTPParsing            Kind = "http-parsing"
	MaxRedirects           Kind = "max-redirects"
	MissingWriter          Kind = "missing-writer"
	MissingReader          Kind = "missing-reader"
	MissingEvent           Kind = "missing-event"
	ConnectionDisconnected Kind = "connection-disconnected"
	SSEParsing             Kind = "sse-parsing"
	SSEConnection          Kind = "sse-connection"
	MultipartValue         Kind = "multipart-value"
	Resolution             Kind = "resolution"
)

// Error wraps a Kind with the operation-level context that produced it.
type Error struct {
	Kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is reports whether target carries the same Kind, so callers can match
// with errors.Is(err, errorsx.New(errorsx.ConnectTimeout, "")).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New builds an *Error of the given kind, capturing a stack via pkg/errors.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, msg: msg, err: errors.New(msg)}
}

// Newf is New with a format string.
func Newf(kind Kind, format string, args ...any) *Error {
	msg := errors.Errorf(format, args...).Error()
	return &Error{Kind: kind, msg: msg, err: errors.Errorf(format, args...)}
}

// Wrap attaches kind to an underlying error, preserving it for Unwrap.
func Wrap(kind Kind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, msg: msg, err: errors.Wrap(err, msg)}
}

// Wrapf is Wrap with a format string.
func Wrapf(kind Kind, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	msg := errors.Errorf(format, args...).Error()
	return &Error{Kind: kind, msg: msg, err: errors.Wrap(err, msg)}
}

// Of returns the Kind carried by err, and whether err is one of ours.
func Of(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
