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
	"strings"

	"github.com/teradata-labs/heddle/pkg/types"
)

// toolUse is a provider-agnostic view of one tool_use content block.
type toolUse struct {
	ID    string
	Name  string
	Input map[string]any
}

// scriptInterpreters maps fence languages the extractor recognizes to the
// interpreter the sandbox runs them with.
var scriptInterpreters = map[string]string{
	"bash":   "bash",
	"sh":     "sh",
	"shell":  "bash",
	"python": "python3",
	"py":     "python3",
}

// extractAction maps a provider response to the single action it proposes.
// A tool_use block wins over anything in the text; failing that, the first
// runnable fenced code block becomes a script; otherwise the reply is a
// plain prompt action.
func extractAction(text string, tool *toolUse) *types.Action {
	if tool != nil {
		server, name := SplitToolName(tool.Name)
		action := types.NewToolCallAction(server, name, tool.Input)
		return &action
	}
	if interpreter, source, ok := firstScriptBlock(text); ok {
		action := types.NewScriptAction(interpreter, source)
		return &action
	}
	action := types.NewPromptAction(text)
	return &action
}

// firstScriptBlock scans for a fenced code block whose language tag names a
// known interpreter. Unrecognized fences (json, go, plain) stay text.
func firstScriptBlock(text string) (interpreter, source string, ok bool) {
	rest := text
	for {
		start := strings.Index(rest, "```")
		if start < 0 {
			return "", "", false
		}
		rest = rest[start+3:]
		newline := strings.Index(rest, "\n")
		if newline < 0 {
			return "", "", false
		}
		lang := strings.ToLower(strings.TrimSpace(rest[:newline]))
		body := rest[newline+1:]
		end := strings.Index(body, "```")
		if end < 0 {
			return "", "", false
		}
		if interp, known := scriptInterpreters[lang]; known {
			source = strings.TrimRight(body[:end], "\n")
			if source != "" {
				return interp, source, true
			}
		}
		rest = body[end+3:]
	}
}
