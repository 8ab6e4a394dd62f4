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

package composer

import (
	"fmt"
	"strings"
)

// LayerKind names one context layer. The numeric order is the composition
// order and never varies at runtime.
type LayerKind int

const (
	LayerSystem LayerKind = iota
	LayerDeveloper
	LayerSessionMetadata
	LayerMemory
	LayerConversationSummary
	LayerActiveConversation
)

// layerKindNames maps kinds to their wire/display names.
var layerKindNames = map[LayerKind]string{
	LayerSystem:              "system",
	LayerDeveloper:           "developer",
	LayerSessionMetadata:     "session_metadata",
	LayerMemory:              "memory",
	LayerConversationSummary: "conversation_summary",
	LayerActiveConversation:  "active_conversation",
}

// String returns the layer's display name.
func (k LayerKind) String() string {
	if name, ok := layerKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("layer(%d)", int(k))
}

// Layer is one composed slice of context. Layers are recomputed per turn and
// never persisted individually, only as part of a Snapshot.
type Layer struct {
	Kind    LayerKind `json:"kind"`
	Name    string    `json:"name"`
	Source  string    `json:"source"`
	Content string    `json:"content"`
	Tokens  int       `json:"tokens"`
}

// Snapshot is one composition result: the ordered layers, their total token
// cost, and the budget they were composed under. Immutable once produced; it
// feeds both the model call and the transparency view.
type Snapshot struct {
	SessionID   string   `json:"session_id"`
	Layers      []Layer  `json:"layers"`
	TotalTokens int      `json:"total_tokens"`
	Budget      int      `json:"budget"`
	MemoryRefs  []string `json:"memory_refs,omitempty"`
}

// Layer returns the layer of the given kind, or nil when the composition
// produced no content for it.
func (s *Snapshot) Layer(kind LayerKind) *Layer {
	for i := range s.Layers {
		if s.Layers[i].Kind == kind {
			return &s.Layers[i]
		}
	}
	return nil
}

// Percentages returns each layer's share of the total, in layer order.
// Shares sum to 100 within rounding tolerance whenever TotalTokens > 0.
func (s *Snapshot) Percentages() []float64 {
	out := make([]float64, len(s.Layers))
	if s.TotalTokens == 0 {
		return out
	}
	for i, layer := range s.Layers {
		out[i] = float64(layer.Tokens) / float64(s.TotalTokens) * 100
	}
	return out
}

// Render concatenates the layers with attribution headers. Deterministic:
// the same layers always render to the same bytes.
func (s *Snapshot) Render() string {
	var b strings.Builder
	for _, layer := range s.Layers {
		fmt.Fprintf(&b, "=== %s (%s, %d tokens) ===\n", layer.Name, layer.Source, layer.Tokens)
		b.WriteString(layer.Content)
		if !strings.HasSuffix(layer.Content, "\n") {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// Attribution renders the per-layer share table for the transparency view.
func (s *Snapshot) Attribution() string {
	var b strings.Builder
	pcts := s.Percentages()
	for i, layer := range s.Layers {
		fmt.Fprintf(&b, "%-22s %6d tokens  %5.1f%%\n", layer.Name, layer.Tokens, pcts[i])
	}
	fmt.Fprintf(&b, "%-22s %6d tokens  (budget %d)\n", "total", s.TotalTokens, s.Budget)
	return b.String()
}
