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

package prompts

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Prompt keys the hub reads by default.
const (
	KeySystem    = "system"
	KeyDeveloper = "developer"
)

// StaticRegistry serves prompts from memory. It backs tests and the built-in
// defaults used when no prompt directory is configured.
type StaticRegistry struct {
	mu      sync.RWMutex
	entries map[string]*entry
}

// NewStaticRegistry creates an empty in-memory registry.
func NewStaticRegistry() *StaticRegistry {
	return &StaticRegistry{entries: make(map[string]*entry)}
}

// Add registers content for a key's variant, creating the entry as needed.
func (s *StaticRegistry) Add(meta Metadata, variant, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[meta.Key]
	if !ok {
		e = &entry{meta: meta, variants: make(map[string]string)}
		s.entries[meta.Key] = e
	}
	if variant == DefaultVariant {
		e.meta = meta
	}
	e.variants[variant] = content
}

// Get returns the default variant with placeholders filled.
func (s *StaticRegistry) Get(ctx context.Context, key string, vars map[string]any) (string, error) {
	return s.GetWithVariant(ctx, key, DefaultVariant, vars)
}

// GetWithVariant returns a named variant with placeholders filled.
func (s *StaticRegistry) GetWithVariant(ctx context.Context, key, variant string, vars map[string]any) (string, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("prompt not found: %s", key)
	}
	content, ok := e.variants[variant]
	if !ok {
		return "", fmt.Errorf("prompt %s has no variant %q", key, variant)
	}
	return Interpolate(content, vars), nil
}

// Metadata returns a copy of the prompt's descriptor.
func (s *StaticRegistry) Metadata(ctx context.Context, key string) (*Metadata, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("prompt not found: %s", key)
	}
	meta := e.meta
	return &meta, nil
}

// List returns matching keys, sorted.
func (s *StaticRegistry) List(ctx context.Context, filter Filter) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var keys []string
	for key, e := range s.entries {
		if filter.Prefix != "" && !strings.HasPrefix(key, filter.Prefix) {
			continue
		}
		if filter.Tag != "" && !hasTag(e.meta.Tags, filter.Tag) {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Reload is a no-op; content lives in memory.
func (s *StaticRegistry) Reload(ctx context.Context) error { return nil }

// Watch never emits; the channel closes when ctx is done.
func (s *StaticRegistry) Watch(ctx context.Context) (<-chan Update, error) {
	ch := make(chan Update)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

var _ Registry = (*StaticRegistry)(nil)

const defaultSystemPrompt = `You are the reasoning core of an orchestration hub.
You work on one session at a time, on the topic: {{.topic}}.

Rules:
- Use only the tools offered to you; never invent tool names or arguments.
- Propose exactly one action per turn: a tool call, a script, or plain text.
- Prefer read-only tools. Say so explicitly before any destructive step.
- When the task is complete, report the outcome in one short paragraph.`

const defaultDeveloperPrompt = `Operational guidance:
- Cite tool output instead of restating it from memory.
- When a tool fails, report the failure reason verbatim; do not guess.
- Keep intermediate reasoning brief; the session log is the record.`

// Defaults returns the built-in prompt set used when no prompt directory is
// configured.
func Defaults() *StaticRegistry {
	s := NewStaticRegistry()
	s.Add(Metadata{
		Key:         KeySystem,
		Version:     "1.0.0",
		Description: "Built-in hub system prompt",
		Tags:        []string{"hub", "system"},
		Variants:    []string{DefaultVariant},
		Variables:   []string{"topic"},
	}, DefaultVariant, defaultSystemPrompt)
	s.Add(Metadata{
		Key:         KeyDeveloper,
		Version:     "1.0.0",
		Description: "Built-in operator guidance layer",
		Tags:        []string{"hub", "developer"},
		Variants:    []string{DefaultVariant},
	}, DefaultVariant, defaultDeveloperPrompt)
	return s
}
