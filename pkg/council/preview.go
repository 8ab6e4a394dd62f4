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

package council

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/teradata-labs/heddle/pkg/types"
)

const maxPreviewLines = 40

// ActionPreview renders a human-readable preview of what an action would
// do, so reviewers judge the concrete operation rather than a summary.
func ActionPreview(action types.Action) string {
	switch action.Kind {
	case types.ActionScript:
		return scriptPreview(action.Script)
	case types.ActionToolCall:
		return toolCallPreview(action.ToolCall)
	case types.ActionPrompt:
		if action.Prompt == nil {
			return ""
		}
		return clipLines(action.Prompt.Text)
	default:
		return ""
	}
}

// scriptPreview shows the command line and source the sandbox would run.
func scriptPreview(script *types.ScriptAction) string {
	if script == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("$ ")
	sb.WriteString(script.Interpreter)
	for _, arg := range script.Args {
		sb.WriteString(" ")
		sb.WriteString(arg)
	}
	if script.WorkDir != "" {
		sb.WriteString(fmt.Sprintf("  (in %s)", script.WorkDir))
	}
	sb.WriteString("\n")
	sb.WriteString(clipLines(script.Source))
	return sb.String()
}

// toolCallPreview shows the tool target, arguments, and declared writes.
func toolCallPreview(call *types.ToolCallAction) string {
	if call == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s/%s", call.Server, call.Tool))
	if len(call.Args) > 0 {
		keys := make([]string, 0, len(call.Args))
		for key := range call.Args {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		sb.WriteString("\n")
		for _, key := range keys {
			value, err := json.Marshal(call.Args[key])
			if err != nil {
				value = []byte(fmt.Sprintf("%v", call.Args[key]))
			}
			sb.WriteString(fmt.Sprintf("  %s: %s\n", key, value))
		}
	}
	if len(call.Writes) > 0 {
		sb.WriteString(fmt.Sprintf("writes: %s", strings.Join(call.Writes, ", ")))
	}
	if call.EstimatedCostUSD > 0 {
		sb.WriteString(fmt.Sprintf("\nestimated cost: $%.4f", call.EstimatedCostUSD))
	}
	if diff := writeDiff(call); diff != "" {
		sb.WriteString("\n")
		sb.WriteString(diff)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// writeDiff renders the unified diff for a write call whose arguments carry
// both the proposed content and the content being replaced. Write tools
// conventionally pass these as "content" and "old_content".
func writeDiff(call *types.ToolCallAction) string {
	after, ok := call.Args["content"].(string)
	if !ok {
		return ""
	}
	before, ok := call.Args["old_content"].(string)
	if !ok {
		return ""
	}
	path, _ := call.Args["path"].(string)
	if path == "" && len(call.Writes) == 1 {
		path = call.Writes[0]
	}
	return WritePreview(path, before, after)
}

// WritePreview renders a unified-diff-style preview of a destructive write,
// given the current and proposed content of the target.
func WritePreview(path, before, after string) string {
	dmp := diffmatchpatch.New()
	beforeLines, afterLines, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(beforeLines, afterLines, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("--- %s\n+++ %s\n", path, path))
	for _, diff := range diffs {
		prefix := " "
		switch diff.Type {
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		}
		for _, line := range strings.Split(strings.TrimRight(diff.Text, "\n"), "\n") {
			sb.WriteString(prefix)
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	}
	return clipLines(strings.TrimRight(sb.String(), "\n"))
}

// clipLines truncates long previews so a verdict log stays readable.
func clipLines(text string) string {
	lines := strings.Split(text, "\n")
	if len(lines) <= maxPreviewLines {
		return text
	}
	clipped := append(lines[:maxPreviewLines:maxPreviewLines],
		fmt.Sprintf("... (%d more lines)", len(lines)-maxPreviewLines))
	return strings.Join(clipped, "\n")
}
