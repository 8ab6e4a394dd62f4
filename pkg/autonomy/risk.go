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

package autonomy

import (
	"path"
	"strings"

	"github.com/teradata-labs/heddle/pkg/broker/protocol"
	"github.com/teradata-labs/heddle/pkg/types"
)

// networkToolHints flags tool names that reach outside the hub. Egress is
// risky regardless of the tool's own annotations.
var networkToolHints = []string{"http", "fetch", "curl", "download", "upload", "request", "webhook"}

// Classify applies the fixed risk predicate to an action. The descriptor is
// the broker's catalog entry for a tool call, nil when unknown. The returned
// reason names the first rule that fired, for council rationale and logs.
func Classify(action types.Action, descriptor *protocol.Tool, costThreshold float64, approvedPatterns []string) (types.RiskClass, string) {
	switch action.Kind {
	case types.ActionPrompt:
		return types.RiskSafe, "prompt only"

	case types.ActionScript:
		script := action.Script
		if script != nil && scriptApproved(script, approvedPatterns) {
			return types.RiskSafe, "matches approved pattern"
		}
		return types.RiskRisky, "unvetted script"

	case types.ActionToolCall:
		call := action.ToolCall
		if call == nil {
			return types.RiskRisky, "malformed tool call"
		}
		if len(call.Writes) > 0 {
			return types.RiskRisky, "declares writes"
		}
		if isNetworkTool(call.Tool) {
			return types.RiskRisky, "network egress"
		}
		cost := call.EstimatedCostUSD
		if descriptor != nil {
			if descriptor.Annotations != nil {
				ann := descriptor.Annotations
				if ann.Destructive {
					return types.RiskRisky, "destructive tool"
				}
				if len(ann.WritePaths) > 0 {
					return types.RiskRisky, "tool declares write paths"
				}
				if cost == 0 {
					cost = ann.CostPerCall
				}
				if costThreshold > 0 && cost > costThreshold {
					return types.RiskRisky, "cost above threshold"
				}
				if ann.ReadOnly {
					return types.RiskSafe, "read-only tool"
				}
			}
			if costThreshold > 0 && cost > costThreshold {
				return types.RiskRisky, "cost above threshold"
			}
			return types.RiskSafe, "no side effects declared"
		}
		// No descriptor means no side-effect evidence either way.
		if costThreshold > 0 && cost > costThreshold {
			return types.RiskRisky, "cost above threshold"
		}
		return types.RiskRisky, "unknown tool"

	default:
		return types.RiskRisky, "unknown action kind"
	}
}

// scriptApproved matches "interpreter:source-glob" allowlist patterns.
// Only single-line scripts qualify; anything longer goes to the council.
func scriptApproved(script *types.ScriptAction, patterns []string) bool {
	if strings.ContainsRune(strings.TrimSpace(script.Source), '\n') {
		return false
	}
	candidate := script.Interpreter + ":" + strings.TrimSpace(script.Source)
	for _, pattern := range patterns {
		if ok, err := path.Match(pattern, candidate); err == nil && ok {
			return true
		}
	}
	return false
}

func isNetworkTool(name string) bool {
	lower := strings.ToLower(name)
	for _, hint := range networkToolHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}
