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
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// defaultDebounce batches rapid file events (editors write several times per
// save) into one reload.
const defaultDebounce = 200 * time.Millisecond

// FileRegistry loads prompts from YAML files under a root directory.
//
// Layout:
//
//	prompts/
//	  system.yaml           key "system", default variant
//	  system.concise.yaml   key "system", "concise" variant
//	  council/
//	    reviewer.yaml       key "council.reviewer"
//
// Each file is frontmatter between --- separators followed by the prompt
// body:
//
//	---
//	key: system
//	version: 1.0.0
//	description: Hub system prompt
//	tags: [hub, system]
//	---
//	You are the reasoning core of {{.hub_name}}...
type FileRegistry struct {
	root     string
	logger   *zap.Logger
	debounce time.Duration

	mu      sync.RWMutex
	entries map[string]*entry
}

// NewFileRegistry creates a registry over rootDir. Call Reload before first
// use.
func NewFileRegistry(rootDir string, logger *zap.Logger) *FileRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileRegistry{
		root:     rootDir,
		logger:   logger.With(zap.String("component", "prompts")),
		debounce: defaultDebounce,
		entries:  make(map[string]*entry),
	}
}

// Get returns the default variant with placeholders filled.
func (r *FileRegistry) Get(ctx context.Context, key string, vars map[string]any) (string, error) {
	return r.GetWithVariant(ctx, key, DefaultVariant, vars)
}

// GetWithVariant returns a named variant with placeholders filled.
func (r *FileRegistry) GetWithVariant(ctx context.Context, key, variant string, vars map[string]any) (string, error) {
	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()
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
func (r *FileRegistry) Metadata(ctx context.Context, key string) (*Metadata, error) {
	r.mu.RLock()
	e, ok := r.entries[key]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("prompt not found: %s", key)
	}
	meta := e.meta
	return &meta, nil
}

// List returns matching keys, sorted.
func (r *FileRegistry) List(ctx context.Context, filter Filter) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var keys []string
	for key, e := range r.entries {
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

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}

// Reload re-reads every prompt file and atomically replaces the loaded set.
func (r *FileRegistry) Reload(ctx context.Context) error {
	loaded := make(map[string]*entry)

	err := filepath.WalkDir(r.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !isPromptFile(path) {
			return nil
		}

		meta, variant, content, err := loadPromptFile(path)
		if err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}

		e, ok := loaded[meta.Key]
		if !ok {
			e = &entry{meta: meta, variants: make(map[string]string)}
			loaded[meta.Key] = e
		}
		if variant == DefaultVariant {
			e.meta = meta
		}
		e.variants[variant] = content
		return nil
	})
	if err != nil {
		return fmt.Errorf("reload prompts: %w", err)
	}

	r.mu.Lock()
	r.entries = loaded
	r.mu.Unlock()

	r.logger.Debug("prompts reloaded", zap.Int("keys", len(loaded)))
	return nil
}

// Watch reloads after file changes settle and emits one update per burst.
// The channel closes when ctx is done.
func (r *FileRegistry) Watch(ctx context.Context) (<-chan Update, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watchTree(watcher, r.root); err != nil {
		watcher.Close()
		return nil, err
	}

	ch := make(chan Update, 16)
	go func() {
		defer watcher.Close()
		defer close(ch)

		var (
			timer *time.Timer
			fire  <-chan time.Time
			last  Update
		)
		for {
			select {
			case <-ctx.Done():
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !isPromptFile(event.Name) {
					continue
				}
				last = Update{Key: r.keyForPath(event.Name), Action: updateAction(event.Op)}
				if timer == nil {
					timer = time.NewTimer(r.debounce)
				} else {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(r.debounce)
				}
				fire = timer.C

			case <-fire:
				fire = nil
				if err := r.Reload(ctx); err != nil {
					r.logger.Warn("prompt reload failed", zap.Error(err))
					select {
					case ch <- Update{Action: UpdateError, Err: err}:
					default:
						// Slow consumer; the failure is already logged.
					}
					continue
				}
				last.Timestamp = time.Now()
				select {
				case ch <- last:
				default:
					// Slow consumer; the reload itself already happened.
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				select {
				case ch <- Update{Action: UpdateError, Err: err}:
				default:
				}
			}
		}
	}()

	return ch, nil
}

func watchTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if err := watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

func updateAction(op fsnotify.Op) string {
	switch {
	case op.Has(fsnotify.Create):
		return UpdateCreated
	case op.Has(fsnotify.Remove), op.Has(fsnotify.Rename):
		return UpdateRemoved
	default:
		return UpdateModified
	}
}

func isPromptFile(path string) bool {
	ext := filepath.Ext(path)
	return ext == ".yaml" || ext == ".yml"
}

// keyForPath maps a changed file back to its prompt key. Variant suffixes
// resolve against the loaded set rather than a hardcoded variant list.
func (r *FileRegistry) keyForPath(path string) string {
	rel, err := filepath.Rel(r.root, path)
	if err != nil {
		rel = filepath.Base(path)
	}
	rel = strings.TrimSuffix(rel, filepath.Ext(rel))
	key := strings.ReplaceAll(rel, string(filepath.Separator), ".")

	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.entries[key]; ok {
		return key
	}
	if i := strings.LastIndex(key, "."); i > 0 {
		if _, ok := r.entries[key[:i]]; ok {
			return key[:i]
		}
	}
	return key
}

// loadPromptFile parses one YAML prompt file. The variant comes from the
// filename: "system.yaml" is the default, "system.concise.yaml" is "concise".
func loadPromptFile(path string) (Metadata, string, string, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-configured prompt directory
	if err != nil {
		return Metadata{}, "", "", err
	}

	parts := strings.SplitN(string(data), "---", 3)
	if len(parts) < 3 {
		return Metadata{}, "", "", fmt.Errorf("missing --- frontmatter separators")
	}

	var meta Metadata
	if err := yaml.Unmarshal([]byte(parts[1]), &meta); err != nil {
		return Metadata{}, "", "", fmt.Errorf("parse frontmatter: %w", err)
	}
	if meta.Key == "" {
		return Metadata{}, "", "", fmt.Errorf("frontmatter missing key")
	}

	return meta, variantFromFilename(path), strings.TrimSpace(parts[2]), nil
}

func variantFromFilename(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	parts := strings.Split(base, ".")
	if len(parts) == 1 {
		return DefaultVariant
	}
	return parts[len(parts)-1]
}

var _ Registry = (*FileRegistry)(nil)
