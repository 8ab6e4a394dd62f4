// Copyright 2026 Teradata
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package transport implements the byte-level channels a broker connection
// runs over: a subprocess speaking line-delimited JSON on stdio, an HTTP
// endpoint paired with an SSE stream, and an in-memory pipe for tests.
package transport

import (
	"context"
	"io"
)

// Transport moves opaque messages to and from one tool server.
type Transport interface {
	// Send sends a message.
	Send(ctx context.Context, message []byte) error

	// Receive receives the next message (blocking).
	Receive(ctx context.Context) ([]byte, error)

	// Close closes the transport.
	Close() error
}

// Dialer produces a fresh Transport for a server. The broker dials once on
// connect and again on every reconnect attempt, so implementations must be
// reusable after their previous Transport died.
type Dialer interface {
	Dial(ctx context.Context) (Transport, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Transport, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context) (Transport, error) {
	return f(ctx)
}

// ReadWriteCloser wraps standard I/O interfaces.
type ReadWriteCloser interface {
	io.Reader
	io.Writer
	io.Closer
}
