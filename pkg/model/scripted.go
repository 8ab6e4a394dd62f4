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

package model

import (
	"context"
	"fmt"
	"sync"
)

// Scripted replays a fixed sequence of completions. It backs tests and dry
// runs where real inference would be nondeterministic or expensive.
type Scripted struct {
	mu       sync.Mutex
	queue    []*Completion
	repeat   bool
	requests []*Request
}

// NewScripted creates a client that answers with the given completions in
// order and errors once they run out.
func NewScripted(completions ...*Completion) *Scripted {
	return &Scripted{queue: completions}
}

// NewScriptedLoop creates a client that cycles through the given completions
// forever.
func NewScriptedLoop(completions ...*Completion) *Scripted {
	return &Scripted{queue: completions, repeat: true}
}

// Name returns the provider name.
func (s *Scripted) Name() string { return "scripted" }

// Model returns the model identifier.
func (s *Scripted) Model() string { return "scripted" }

// Complete pops the next canned completion. Text-only entries get their
// prompt action filled in so callers see the same shape real providers give.
func (s *Scripted) Complete(ctx context.Context, req *Request) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if len(s.queue) == 0 {
		return nil, fmt.Errorf("scripted: no completions left (served %d)", len(s.requests)-1)
	}
	next := s.queue[0]
	if s.repeat {
		s.queue = append(s.queue[1:], next)
	} else {
		s.queue = s.queue[1:]
	}
	out := *next
	if out.Action == nil {
		out.Action = extractAction(out.Text, nil)
	}
	return &out, nil
}

// Requests returns the requests seen so far, oldest first.
func (s *Scripted) Requests() []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Request, len(s.requests))
	copy(out, s.requests)
	return out
}

var _ Client = (*Scripted)(nil)
