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

// Package model wraps model inference behind a small client interface. The
// loop controller hands over a composed context snapshot and the available
// tool descriptors; the client returns text plus at most one proposed action.
package model

import (
	"context"
	"strings"

	"github.com/teradata-labs/heddle/pkg/broker/protocol"
	"github.com/teradata-labs/heddle/pkg/composer"
	"github.com/teradata-labs/heddle/pkg/types"
)

// Request is one completion call. The snapshot carries the full composed
// context; Tools lists the descriptors the model may propose invoking.
type Request struct {
	Snapshot  *composer.Snapshot
	Tools     []protocol.Tool
	MaxTokens int
}

// Usage reports token and cost accounting for one completion.
type Usage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Completion is the model's answer. Action is never nil: a reply without a
// tool call or script proposal is a prompt-kind action carrying the text.
type Completion struct {
	Text   string        `json:"text"`
	Action *types.Action `json:"action,omitempty"`
	Usage  Usage         `json:"usage"`
}

// Client is the inference surface the rest of the hub depends on. The hub
// treats completion as an opaque external call; providers live behind it.
type Client interface {
	Complete(ctx context.Context, req *Request) (*Completion, error)
	Name() string
	Model() string
}

// toolNameSep joins server and tool into the single identifier providers
// accept ([a-zA-Z0-9_-] only, so the broker's "server/tool" form won't do).
const toolNameSep = "__"

// QualifyToolName renders a broker tool as a provider-safe tool name.
func QualifyToolName(server, tool string) string {
	return sanitizeToolName(server) + toolNameSep + sanitizeToolName(tool)
}

// SplitToolName reverses QualifyToolName. Unqualified names come back with
// an empty server, which the controller resolves against its catalog.
func SplitToolName(name string) (server, tool string) {
	if idx := strings.Index(name, toolNameSep); idx >= 0 {
		return name[:idx], name[idx+len(toolNameSep):]
	}
	return "", name
}

func sanitizeToolName(name string) string {
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			sb.WriteRune(r)
		default:
			sb.WriteRune('_')
		}
	}
	return sb.String()
}

// splitSnapshot divides the composed layers into the provider's system field
// (System + Developer) and the user-turn content (everything after).
func splitSnapshot(snap *composer.Snapshot) (system, user string) {
	var systemParts, userParts []string
	for _, layer := range snap.Layers {
		if layer.Content == "" {
			continue
		}
		switch layer.Kind {
		case composer.LayerSystem, composer.LayerDeveloper:
			systemParts = append(systemParts, layer.Content)
		default:
			userParts = append(userParts, layer.Content)
		}
	}
	return strings.Join(systemParts, "\n\n"), strings.Join(userParts, "\n\n")
}
