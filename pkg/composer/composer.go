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

// Package composer assembles one token-budgeted, attributed prompt snapshot
// per turn. Budget is allocated greedily in fixed layer order; a layer that
// cannot fit entirely is truncated from its least-recent content rather than
// omitted, except System, which is never truncated.
package composer

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/teradata-labs/heddle/pkg/fault"
	"github.com/teradata-labs/heddle/pkg/observability"
	"github.com/teradata-labs/heddle/pkg/prompts"
	"github.com/teradata-labs/heddle/pkg/types"
)

// RecalledItem is one ranked memory item as the composer consumes it.
type RecalledItem struct {
	ID      string
	Content string
	Tags    []string
}

// Recaller supplies ranked memory items scoped to a session topic. The order
// is the relevance order; truncation drops from the tail.
type Recaller interface {
	Recall(ctx context.Context, topic string, limit int) ([]RecalledItem, error)
}

// Config wires a Composer.
type Config struct {
	Prompts    prompts.Registry
	Recaller   Recaller
	Summarizer Summarizer
	Counter    *TokenCounter
	Logger     *zap.Logger
	Tracer     observability.Tracer

	// PromptVariant selects the prompt variant for the System and Developer
	// layers. Default: the registry's default variant.
	PromptVariant string

	// ActiveTurns is how many recent turns stay verbatim in the
	// ActiveConversation layer; older turns feed the summary. Default 10.
	ActiveTurns int

	// MemoryLimit caps how many items are recalled per composition.
	// Default 20.
	MemoryLimit int
}

// Composer produces context snapshots. Stateless between calls: Compose reads
// only the session, the memory store, and the prompt registry, so identical
// inputs yield byte-identical snapshots.
type Composer struct {
	cfg    Config
	logger *zap.Logger
	tracer observability.Tracer
}

// New creates a Composer. Prompts is required; a nil Recaller skips the
// Memory layer and a nil Summarizer skips the ConversationSummary layer.
func New(cfg Config) (*Composer, error) {
	if cfg.Prompts == nil {
		return nil, fmt.Errorf("prompts registry is required")
	}
	if cfg.Counter == nil {
		cfg.Counter = NewTokenCounter()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = observability.NewNoOpTracer()
	}
	if cfg.PromptVariant == "" {
		cfg.PromptVariant = prompts.DefaultVariant
	}
	if cfg.ActiveTurns <= 0 {
		cfg.ActiveTurns = 10
	}
	if cfg.MemoryLimit <= 0 {
		cfg.MemoryLimit = 20
	}
	return &Composer{
		cfg:    cfg,
		logger: cfg.Logger.With(zap.String("component", "composer")),
		tracer: cfg.Tracer,
	}, nil
}

// Compose builds one snapshot within budgetTokens. The System layer is
// admitted first and whole; if it alone exceeds the budget, composition
// fails with ContextBudgetExceeded. Every other layer receives up to its
// natural size, truncated least-recent-first when the remaining budget is
// smaller.
func (c *Composer) Compose(ctx context.Context, session *types.Session, budgetTokens int) (*Snapshot, error) {
	ctx, span := c.tracer.StartSpan(ctx, observability.SpanComposerCompose,
		observability.WithAttribute(observability.AttrSessionID, session.ID()),
		observability.WithAttribute(observability.AttrBudget, budgetTokens))
	defer c.tracer.EndSpan(span)

	if budgetTokens <= 0 {
		return nil, fmt.Errorf("budget must be positive, got %d", budgetTokens)
	}

	system, err := c.promptLayer(ctx, prompts.KeySystem, map[string]any{"topic": session.Topic()})
	if err != nil {
		return nil, fmt.Errorf("system prompt: %w", err)
	}

	systemTokens := c.cfg.Counter.Count(system)
	if systemTokens > budgetTokens {
		ferr := fault.Newf(fault.ContextBudgetExceeded,
			"system layer needs %d tokens, budget is %d", systemTokens, budgetTokens).
			WithDetail("system_tokens", systemTokens).
			WithDetail("budget", budgetTokens)
		span.RecordError(ferr)
		return nil, ferr
	}

	snap := &Snapshot{SessionID: session.ID(), Budget: budgetTokens}
	remaining := budgetTokens

	addLayer := func(kind LayerKind, source, content string, tokens int) {
		snap.Layers = append(snap.Layers, Layer{
			Kind:    kind,
			Name:    kind.String(),
			Source:  source,
			Content: content,
			Tokens:  tokens,
		})
		snap.TotalTokens += tokens
		remaining -= tokens
	}

	addLayer(LayerSystem, "prompts/"+prompts.KeySystem, system, systemTokens)

	if developer, err := c.promptLayer(ctx, prompts.KeyDeveloper, nil); err == nil && developer != "" {
		if content, tokens := c.truncateHead(developer, remaining); content != "" {
			addLayer(LayerDeveloper, "prompts/"+prompts.KeyDeveloper, content, tokens)
		}
	}

	if meta := session.Metadata(); meta != "" {
		if content, tokens := c.truncateHead(meta, remaining); content != "" {
			addLayer(LayerSessionMetadata, "session", content, tokens)
		}
	}

	if c.cfg.Recaller != nil {
		content, tokens, refs, err := c.memoryLayer(ctx, session.Topic(), remaining)
		if err != nil {
			return nil, fmt.Errorf("memory recall: %w", err)
		}
		if content != "" {
			addLayer(LayerMemory, "memory", content, tokens)
			snap.MemoryRefs = refs
		}
	}

	turns := session.Turns()
	active := turns
	var older []types.Turn
	if len(turns) > c.cfg.ActiveTurns {
		older = turns[:len(turns)-c.cfg.ActiveTurns]
		active = turns[len(turns)-c.cfg.ActiveTurns:]
	}

	if c.cfg.Summarizer != nil && len(older) > 0 {
		summary, err := c.cfg.Summarizer.Summarize(ctx, older)
		if err != nil {
			return nil, fmt.Errorf("summarize: %w", err)
		}
		if content, tokens := c.truncateHead(summary, remaining); content != "" {
			addLayer(LayerConversationSummary, "summarizer", content, tokens)
		}
	}

	if content, tokens, dropped := c.conversationLayer(active, remaining); content != "" {
		addLayer(LayerActiveConversation, "session", content, tokens)
		if dropped > 0 {
			c.tracer.RecordMetric(observability.MetricComposerTruncations, float64(dropped),
				map[string]string{"layer": LayerActiveConversation.String()})
		}
	}

	c.tracer.RecordMetric(observability.MetricComposerTokens, float64(snap.TotalTokens),
		map[string]string{"session": session.ID()})
	c.logger.Debug("composed snapshot",
		zap.String("session", session.ID()),
		zap.Int("layers", len(snap.Layers)),
		zap.Int("total_tokens", snap.TotalTokens),
		zap.Int("budget", budgetTokens))

	return snap, nil
}

// promptLayer fetches one prompt in the configured variant.
func (c *Composer) promptLayer(ctx context.Context, key string, vars map[string]any) (string, error) {
	if c.cfg.PromptVariant == prompts.DefaultVariant {
		return c.cfg.Prompts.Get(ctx, key, vars)
	}
	return c.cfg.Prompts.GetWithVariant(ctx, key, c.cfg.PromptVariant, vars)
}

// memoryLayer renders recalled items in relevance order, dropping the lowest
// ranked ones once the budget runs out. Returns the ids of the items kept.
func (c *Composer) memoryLayer(ctx context.Context, topic string, budget int) (string, int, []string, error) {
	ctx, span := c.tracer.StartSpan(ctx, observability.SpanMemoryRecall)
	defer c.tracer.EndSpan(span)

	items, err := c.cfg.Recaller.Recall(ctx, topic, c.cfg.MemoryLimit)
	if err != nil {
		span.RecordError(err)
		return "", 0, nil, err
	}
	if len(items) == 0 || budget <= 0 {
		return "", 0, nil, nil
	}

	var (
		b      strings.Builder
		tokens int
		refs   []string
	)
	for _, item := range items {
		line := fmt.Sprintf("- [%s] %s\n", item.ID, strings.ReplaceAll(item.Content, "\n", " "))
		lineTokens := c.cfg.Counter.Count(line)
		if tokens+lineTokens > budget {
			break
		}
		b.WriteString(line)
		tokens += lineTokens
		refs = append(refs, item.ID)
	}
	return b.String(), tokens, refs, nil
}

// conversationLayer keeps the most recent turns that fit, dropping the
// oldest first. Returns the rendered layer, its cost, and how many turns
// were dropped.
func (c *Composer) conversationLayer(turns []types.Turn, budget int) (string, int, int) {
	if len(turns) == 0 || budget <= 0 {
		return "", 0, 0
	}

	rendered := make([]string, len(turns))
	costs := make([]int, len(turns))
	for i, turn := range turns {
		rendered[i] = renderTurn(turn)
		costs[i] = c.cfg.Counter.Count(rendered[i])
	}

	// Walk backwards from the newest turn, admitting while the budget holds.
	start := len(turns)
	tokens := 0
	for i := len(turns) - 1; i >= 0; i-- {
		if tokens+costs[i] > budget {
			break
		}
		tokens += costs[i]
		start = i
	}
	if start == len(turns) {
		return "", 0, len(turns)
	}
	return strings.Join(rendered[start:], ""), tokens, start
}

// renderTurn formats one turn for the ActiveConversation layer. Timestamps
// are deliberately excluded so repeated compositions stay byte-identical.
func renderTurn(turn types.Turn) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: %s\n", turn.Role, turn.Content)
	for _, tc := range turn.ToolCalls {
		fmt.Fprintf(&b, "  [tool call %s/%s]\n", tc.Server, tc.Tool)
	}
	return b.String()
}

// truncateHead fits text under limit tokens by dropping leading lines, the
// least recent content first. Returns empty when not even the final line
// fits.
func (c *Composer) truncateHead(text string, limit int) (string, int) {
	if text == "" || limit <= 0 {
		return "", 0
	}
	if tokens := c.cfg.Counter.Count(text); tokens <= limit {
		return text, tokens
	}

	lines := strings.Split(text, "\n")
	for i := 1; i < len(lines); i++ {
		candidate := strings.Join(lines[i:], "\n")
		if tokens := c.cfg.Counter.Count(candidate); tokens <= limit {
			return candidate, tokens
		}
	}
	return "", 0
}
