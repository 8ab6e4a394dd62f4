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

package transport

import (
	"context"
	"fmt"
	"sync"
)

// pipeState is shared by both ends so closing either one unblocks both and a
// double Close stays safe.
type pipeState struct {
	once   sync.Once
	closed chan struct{}
}

func (s *pipeState) close() {
	s.once.Do(func() {
		close(s.closed)
	})
}

// Pipe is one end of an in-memory transport pair. Tests run a fake tool
// server on the far end without spawning processes or opening sockets.
type Pipe struct {
	in    chan []byte
	out   chan []byte
	state *pipeState
}

// NewPipe returns two connected transports. Messages sent on one arrive at
// the other. Closing either end unblocks both.
func NewPipe() (*Pipe, *Pipe) {
	a2b := make(chan []byte, 64)
	b2a := make(chan []byte, 64)
	state := &pipeState{closed: make(chan struct{})}

	a := &Pipe{in: b2a, out: a2b, state: state}
	b := &Pipe{in: a2b, out: b2a, state: state}
	return a, b
}

// Send delivers the message to the peer.
func (p *Pipe) Send(ctx context.Context, message []byte) error {
	msg := make([]byte, len(message))
	copy(msg, message)

	select {
	case <-p.state.closed:
		return fmt.Errorf("transport closed")
	case <-ctx.Done():
		return ctx.Err()
	case p.out <- msg:
		return nil
	}
}

// Receive blocks for the next message from the peer.
func (p *Pipe) Receive(ctx context.Context) ([]byte, error) {
	select {
	case <-p.state.closed:
		return nil, fmt.Errorf("transport closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	case msg := <-p.in:
		return msg, nil
	}
}

// Close shuts down both ends of the pair.
func (p *Pipe) Close() error {
	p.state.close()
	return nil
}

var _ Transport = (*Pipe)(nil)
