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
	"strings"

	"go.uber.org/zap"

	"github.com/teradata-labs/heddle/pkg/composer"
	"github.com/teradata-labs/heddle/pkg/types"
)

const summarizerInstructions = `Summarize the conversation below into a compact paragraph.
Keep decisions, facts, and open questions. Drop pleasantries and repetition.
Answer with the summary only.`

// ModelSummarizer condenses conversation history through a model client.
// On inference failure it falls back to the deterministic rolling summary so
// composition never blocks on a flaky provider.
type ModelSummarizer struct {
	client   Client
	fallback composer.Summarizer
	logger   *zap.Logger
}

// NewModelSummarizer creates a summarizer backed by the given client.
func NewModelSummarizer(client Client, logger *zap.Logger) *ModelSummarizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelSummarizer{
		client:   client,
		fallback: &composer.RollingSummarizer{},
		logger:   logger.With(zap.String("component", "summarizer")),
	}
}

// Summarize condenses the turns into one paragraph.
func (s *ModelSummarizer) Summarize(ctx context.Context, turns []types.Turn) (string, error) {
	if len(turns) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for _, turn := range turns {
		sb.WriteString(fmt.Sprintf("%s: %s\n", turn.Role, turn.Content))
	}
	snap := &composer.Snapshot{
		Layers: []composer.Layer{
			{Kind: composer.LayerSystem, Name: "system", Content: summarizerInstructions},
			{Kind: composer.LayerActiveConversation, Name: "conversation", Content: sb.String()},
		},
	}

	completion, err := s.client.Complete(ctx, &Request{Snapshot: snap, MaxTokens: 512})
	if err != nil {
		s.logger.Warn("Model summary failed, using rolling summary", zap.Error(err))
		return s.fallback.Summarize(ctx, turns)
	}
	return strings.TrimSpace(completion.Text), nil
}

var _ composer.Summarizer = (*ModelSummarizer)(nil)
