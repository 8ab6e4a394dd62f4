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
	"unicode/utf8"

	"github.com/teradata-labs/heddle/pkg/types"
)

// Summarizer condenses older turns into the ConversationSummary layer.
type Summarizer interface {
	Summarize(ctx context.Context, turns []types.Turn) (string, error)
}

// RollingSummarizer is the default summarizer: a structural condenser that
// clips each turn to a short role-prefixed line. It involves no model call,
// which keeps composition deterministic and free.
type RollingSummarizer struct {
	// MaxLineLen clips each condensed line. Default 60.
	MaxLineLen int
}

// Summarize condenses turns into semicolon-joined clipped lines.
func (r *RollingSummarizer) Summarize(_ context.Context, turns []types.Turn) (string, error) {
	maxLen := r.MaxLineLen
	if maxLen <= 0 {
		maxLen = 60
	}

	var parts []string
	for _, turn := range turns {
		switch turn.Role {
		case "user":
			parts = append(parts, "User: "+clip(turn.Content, maxLen))
		case "assistant":
			if len(turn.ToolCalls) > 0 {
				names := make([]string, 0, len(turn.ToolCalls))
				for _, tc := range turn.ToolCalls {
					names = append(names, tc.Server+"/"+tc.Tool)
				}
				parts = append(parts, "Agent called "+strings.Join(names, ", "))
			} else if turn.Content != "" {
				parts = append(parts, "Agent: "+clip(turn.Content, maxLen))
			}
		case "tool":
			parts = append(parts, "Tool result received")
		case "system":
			parts = append(parts, "System instruction")
		default:
			parts = append(parts, fmt.Sprintf("%s: %s", turn.Role, clip(turn.Content, maxLen)))
		}
	}

	if len(parts) == 0 {
		return "", nil
	}
	return strings.Join(parts, "; "), nil
}

func clip(s string, max int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= max {
		return s
	}
	// Back off to a rune boundary so the cut never emits invalid UTF-8.
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
