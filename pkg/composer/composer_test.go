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
	"context"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/heddle/pkg/fault"
	"github.com/teradata-labs/heddle/pkg/prompts"
	"github.com/teradata-labs/heddle/pkg/types"
)

// stubRecaller serves a fixed ranked item list.
type stubRecaller struct {
	items []RecalledItem
	err   error
}

func (s *stubRecaller) Recall(_ context.Context, _ string, limit int) ([]RecalledItem, error) {
	if s.err != nil {
		return nil, s.err
	}
	if len(s.items) > limit {
		return s.items[:limit], nil
	}
	return s.items, nil
}

func registryWith(system, developer string) *prompts.StaticRegistry {
	r := prompts.NewStaticRegistry()
	r.Add(prompts.Metadata{Key: prompts.KeySystem}, prompts.DefaultVariant, system)
	if developer != "" {
		r.Add(prompts.Metadata{Key: prompts.KeyDeveloper}, prompts.DefaultVariant, developer)
	}
	return r
}

func newTestComposer(t *testing.T, cfg Config) *Composer {
	t.Helper()
	if cfg.Prompts == nil {
		cfg.Prompts = registryWith("You are the hub core for {{.topic}}.", "Stay terse.")
	}
	c, err := New(cfg)
	require.NoError(t, err)
	return c
}

func sessionWithTurns(n int) *types.Session {
	s := types.NewSession("sess-1", "widget inventory", types.AutonomyMedium)
	for i := 0; i < n; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		s.AppendTurn(types.Turn{Role: role, Content: fmt.Sprintf("turn %d about widgets", i)})
	}
	return s
}

func TestCompose_LayerOrderIsFixed(t *testing.T) {
	c := newTestComposer(t, Config{
		Recaller: &stubRecaller{items: []RecalledItem{
			{ID: "m1", Content: "widgets ship in crates"},
		}},
		Summarizer:  &RollingSummarizer{},
		ActiveTurns: 2,
	})

	snap, err := c.Compose(context.Background(), sessionWithTurns(6), 4000)
	require.NoError(t, err)

	var prev LayerKind = -1
	for _, layer := range snap.Layers {
		assert.Greater(t, layer.Kind, prev, "layers must appear in fixed order")
		prev = layer.Kind
	}
	assert.Equal(t, LayerSystem, snap.Layers[0].Kind)
	require.NotNil(t, snap.Layer(LayerMemory))
	require.NotNil(t, snap.Layer(LayerConversationSummary))
	require.NotNil(t, snap.Layer(LayerActiveConversation))
}

func TestCompose_PercentagesSumTo100(t *testing.T) {
	c := newTestComposer(t, Config{
		Recaller: &stubRecaller{items: []RecalledItem{
			{ID: "m1", Content: "fact one"},
			{ID: "m2", Content: "fact two"},
		}},
		Summarizer:  &RollingSummarizer{},
		ActiveTurns: 3,
	})

	snap, err := c.Compose(context.Background(), sessionWithTurns(8), 2000)
	require.NoError(t, err)
	require.Positive(t, snap.TotalTokens)
	assert.LessOrEqual(t, snap.TotalTokens, 2000)

	sum := 0.0
	for _, p := range snap.Percentages() {
		sum += p
	}
	assert.InDelta(t, 100.0, sum, 0.5)
}

func TestCompose_Deterministic(t *testing.T) {
	cfg := Config{
		Recaller: &stubRecaller{items: []RecalledItem{
			{ID: "m1", Content: "widgets ship in crates", Tags: []string{"widgets"}},
			{ID: "m2", Content: "crates hold 24 widgets"},
		}},
		Summarizer:  &RollingSummarizer{},
		ActiveTurns: 2,
	}
	c := newTestComposer(t, cfg)
	session := sessionWithTurns(7)

	first, err := c.Compose(context.Background(), session, 1500)
	require.NoError(t, err)
	second, err := c.Compose(context.Background(), session, 1500)
	require.NoError(t, err)

	assert.Equal(t, first.Render(), second.Render())
	assert.Equal(t, first, second)
}

func TestCompose_SystemOverBudgetFails(t *testing.T) {
	huge := strings.Repeat("system rule. ", 500)
	c := newTestComposer(t, Config{Prompts: registryWith(huge, "")})

	_, err := c.Compose(context.Background(), sessionWithTurns(0), 50)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.ContextBudgetExceeded))
}

func TestCompose_SystemNeverTruncated(t *testing.T) {
	system := "One rule.\nTwo rules.\nThree rules."
	c := newTestComposer(t, Config{
		Prompts: registryWith(system, strings.Repeat("guidance line\n", 200)),
	})

	snap, err := c.Compose(context.Background(), sessionWithTurns(4), 100)
	require.NoError(t, err)
	assert.Equal(t, system, snap.Layers[0].Content)
	assert.LessOrEqual(t, snap.TotalTokens, 100)
}

func TestCompose_MemoryTruncatedLowestRelevanceFirst(t *testing.T) {
	// Budget 1000: System ~100 tokens, Memory candidates ~950 tokens, and a
	// 200-token conversation. Memory must be clipped from the tail, System
	// untouched, total within budget.
	system := strings.Repeat("core directive. ", 25) // ~100 tokens
	items := make([]RecalledItem, 40)
	for i := range items {
		items[i] = RecalledItem{
			ID:      fmt.Sprintf("m%02d", i),
			Content: strings.Repeat("remembered fact ", 12), // ~24 tokens each
		}
	}
	session := types.NewSession("sess-budget", "widgets", types.AutonomyHigh)
	for i := 0; i < 10; i++ {
		session.AppendTurn(types.Turn{Role: "user", Content: strings.Repeat("chatter ", 10)})
	}

	c := newTestComposer(t, Config{
		Prompts:     registryWith(system, ""),
		Recaller:    &stubRecaller{items: items},
		MemoryLimit: 40,
		ActiveTurns: 10,
	})

	snap, err := c.Compose(context.Background(), session, 1000)
	require.NoError(t, err)

	assert.Equal(t, system, snap.Layers[0].Content, "System is never truncated")
	assert.LessOrEqual(t, snap.TotalTokens, 1000)

	mem := snap.Layer(LayerMemory)
	require.NotNil(t, mem)
	assert.Less(t, len(snap.MemoryRefs), len(items), "memory must be truncated")
	// Kept refs are the highest-ranked prefix.
	for i, ref := range snap.MemoryRefs {
		assert.Equal(t, fmt.Sprintf("m%02d", i), ref)
	}
}

func TestCompose_ActiveConversationDropsOldestFirst(t *testing.T) {
	session := types.NewSession("sess-conv", "t", types.AutonomyMedium)
	for i := 0; i < 20; i++ {
		session.AppendTurn(types.Turn{Role: "user", Content: fmt.Sprintf("message number %d %s", i, strings.Repeat("pad ", 20))})
	}

	c := newTestComposer(t, Config{
		Prompts:     registryWith("sys", ""),
		ActiveTurns: 20,
	})

	snap, err := c.Compose(context.Background(), session, 300)
	require.NoError(t, err)

	conv := snap.Layer(LayerActiveConversation)
	require.NotNil(t, conv)
	assert.Contains(t, conv.Content, "message number 19", "newest turn survives")
	assert.NotContains(t, conv.Content, "message number 0", "oldest turn dropped")
}

func TestCompose_MemoryRefsMatchRenderedItems(t *testing.T) {
	c := newTestComposer(t, Config{
		Recaller: &stubRecaller{items: []RecalledItem{
			{ID: "aaa", Content: "alpha"},
			{ID: "bbb", Content: "beta"},
		}},
	})

	snap, err := c.Compose(context.Background(), sessionWithTurns(1), 4000)
	require.NoError(t, err)
	require.Equal(t, []string{"aaa", "bbb"}, snap.MemoryRefs)
	mem := snap.Layer(LayerMemory)
	require.NotNil(t, mem)
	assert.Contains(t, mem.Content, "[aaa] alpha")
	assert.Contains(t, mem.Content, "[bbb] beta")
}

func TestRollingSummarizer(t *testing.T) {
	s := &RollingSummarizer{}
	out, err := s.Summarize(context.Background(), []types.Turn{
		{Role: "user", Content: "find the missing crates"},
		{Role: "assistant", ToolCalls: []types.ToolCall{{Server: "wms", Tool: "lookup"}}},
		{Role: "tool", Content: "{\"rows\": 3}"},
		{Role: "assistant", Content: "Three crates are unaccounted for in bay 9."},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "User: find the missing crates")
	assert.Contains(t, out, "Agent called wms/lookup")
	assert.Contains(t, out, "Tool result received")
}

func TestRollingSummarizer_ClipsOnRuneBoundary(t *testing.T) {
	s := &RollingSummarizer{MaxLineLen: 5}
	out, err := s.Summarize(context.Background(), []types.Turn{
		{Role: "user", Content: strings.Repeat("é", 10)},
	})
	require.NoError(t, err)
	assert.True(t, utf8.ValidString(out), "clip must not split a multi-byte rune")
	assert.Contains(t, out, "...")
}

func TestTokenCounter_Deterministic(t *testing.T) {
	tc := NewTokenCounter()
	text := "the quick brown fox jumps over the lazy dog"
	assert.Equal(t, tc.Count(text), tc.Count(text))
	assert.Zero(t, tc.Count(""))
	assert.Equal(t, tc.Count("a")+tc.Count("b"), tc.CountAll("a", "b"))
}

func TestSnapshot_Attribution(t *testing.T) {
	snap := &Snapshot{
		Layers: []Layer{
			{Kind: LayerSystem, Name: "system", Tokens: 50},
			{Kind: LayerActiveConversation, Name: "active_conversation", Tokens: 150},
		},
		TotalTokens: 200,
		Budget:      1000,
	}
	out := snap.Attribution()
	assert.Contains(t, out, "system")
	assert.Contains(t, out, "25.0%")
	assert.Contains(t, out, "75.0%")
}
