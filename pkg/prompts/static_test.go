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
	"strings"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	r := Defaults()
	ctx := context.Background()

	got, err := r.Get(ctx, KeySystem, map[string]any{"topic": "log triage"})
	if err != nil {
		t.Fatalf("Get(system): %v", err)
	}
	if !strings.Contains(got, "log triage") {
		t.Errorf("system prompt missing topic: %q", got)
	}
	if strings.Contains(got, "{{.topic}}") {
		t.Errorf("placeholder survived interpolation: %q", got)
	}

	dev, err := r.Get(ctx, KeyDeveloper, nil)
	if err != nil {
		t.Fatalf("Get(developer): %v", err)
	}
	if !strings.Contains(dev, "verbatim") {
		t.Errorf("developer prompt = %q", dev)
	}

	keys, err := r.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 2 || keys[0] != KeyDeveloper || keys[1] != KeySystem {
		t.Errorf("List = %v", keys)
	}
}

func TestStaticRegistryVariants(t *testing.T) {
	r := NewStaticRegistry()
	ctx := context.Background()

	r.Add(Metadata{Key: "greet", Version: "2.0.0", Tags: []string{"demo"}}, DefaultVariant, "Hello {{.name}}.")
	r.Add(Metadata{Key: "greet", Version: "0.0.1"}, "terse", "Hi {{.name}}.")

	got, err := r.GetWithVariant(ctx, "greet", "terse", map[string]any{"name": "Ada"})
	if err != nil {
		t.Fatalf("GetWithVariant: %v", err)
	}
	if got != "Hi Ada." {
		t.Errorf("terse variant = %q", got)
	}

	// Non-default Add keeps the default variant's metadata.
	meta, err := r.Metadata(ctx, "greet")
	if err != nil {
		t.Fatalf("Metadata: %v", err)
	}
	if meta.Version != "2.0.0" {
		t.Errorf("version = %q, want 2.0.0", meta.Version)
	}

	if _, err := r.GetWithVariant(ctx, "greet", "formal", nil); err == nil {
		t.Error("unknown variant should fail")
	}
	if _, err := r.Get(ctx, "absent", nil); err == nil {
		t.Error("unknown key should fail")
	}

	tagged, err := r.List(ctx, Filter{Tag: "demo"})
	if err != nil {
		t.Fatalf("List(tag): %v", err)
	}
	if len(tagged) != 1 || tagged[0] != "greet" {
		t.Errorf("List(tag=demo) = %v", tagged)
	}
}

func TestStaticRegistryWatchClosesOnCancel(t *testing.T) {
	r := NewStaticRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	updates, err := r.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	cancel()

	select {
	case _, ok := <-updates:
		if ok {
			t.Error("static registry should never emit updates")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("update channel did not close after cancel")
	}
}
