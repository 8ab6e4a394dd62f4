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

// Package prompts sources the System and Developer context layers. Prompt
// text lives outside the binary (YAML files, or a static in-memory set) so
// operators can version, review, and hot-reload it without redeploys.
package prompts

import (
	"context"
	"time"
)

// DefaultVariant is the variant served when none is requested.
const DefaultVariant = "default"

// Registry serves prompt text by key. Implementations must be deterministic:
// the same underlying content and variables always yield the same string.
type Registry interface {
	// Get returns the default variant with {{.name}} placeholders filled
	// from vars.
	Get(ctx context.Context, key string, vars map[string]any) (string, error)

	// GetWithVariant returns a named variant ("concise", "verbose", ...).
	GetWithVariant(ctx context.Context, key, variant string, vars map[string]any) (string, error)

	// Metadata returns a prompt's descriptor without its content.
	Metadata(ctx context.Context, key string) (*Metadata, error)

	// List returns matching keys, sorted.
	List(ctx context.Context, filter Filter) ([]string, error)

	// Reload re-reads prompts from the backing source.
	Reload(ctx context.Context) error

	// Watch emits an update after the backing source changes and has been
	// reloaded. The channel closes when ctx is done.
	Watch(ctx context.Context) (<-chan Update, error)
}

// Filter narrows List results. Zero value matches everything.
type Filter struct {
	Tag    string
	Prefix string
}

// Metadata describes one prompt.
type Metadata struct {
	Key         string    `yaml:"key"`
	Version     string    `yaml:"version"`
	Description string    `yaml:"description"`
	Tags        []string  `yaml:"tags"`
	Variants    []string  `yaml:"variants"`
	Variables   []string  `yaml:"variables"`
	UpdatedAt   time.Time `yaml:"updated_at"`
}

// Update actions.
const (
	UpdateCreated  = "created"
	UpdateModified = "modified"
	UpdateRemoved  = "removed"
	UpdateError    = "error"
)

// Update is one change notification from Watch.
type Update struct {
	Key       string
	Action    string
	Timestamp time.Time
	Err       error
}

// entry is one loaded prompt with all its variants.
type entry struct {
	meta     Metadata
	variants map[string]string
}
