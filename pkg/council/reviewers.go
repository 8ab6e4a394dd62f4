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
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/teradata-labs/heddle/pkg/broker"
	"github.com/teradata-labs/heddle/pkg/composer"
	"github.com/teradata-labs/heddle/pkg/model"
)

// StaticReviewer answers every proposal the same way. It backs tests and
// the default deny-all/allow-all council configurations.
type StaticReviewer struct {
	id      string
	approve bool
	reason  string
}

// NewStaticReviewer creates a fixed-answer reviewer.
func NewStaticReviewer(id string, approve bool, reason string) *StaticReviewer {
	return &StaticReviewer{id: id, approve: approve, reason: reason}
}

// ID returns the reviewer identifier.
func (r *StaticReviewer) ID() string { return r.id }

// Review returns the fixed vote.
func (r *StaticReviewer) Review(_ context.Context, _ *Proposal) (*Vote, error) {
	return &Vote{ReviewerID: r.id, Approve: r.approve, Reason: r.reason}, nil
}

// BrokerReviewer asks a reviewer agent hosted on a tool server. The tool
// receives the serialized proposal and must answer with an approve flag and
// a reason, either as JSON or as a leading approve/reject keyword.
type BrokerReviewer struct {
	id       string
	registry *broker.Registry
	server   string
	tool     string
}

// NewBrokerReviewer creates a reviewer backed by a broker tool.
func NewBrokerReviewer(id string, registry *broker.Registry, server, tool string) *BrokerReviewer {
	return &BrokerReviewer{id: id, registry: registry, server: server, tool: tool}
}

// ID returns the reviewer identifier.
func (r *BrokerReviewer) ID() string { return r.id }

// Review invokes the review tool and parses its answer.
func (r *BrokerReviewer) Review(ctx context.Context, proposal *Proposal) (*Vote, error) {
	result, err := r.registry.Invoke(ctx, r.server, r.tool, map[string]any{
		"proposal_id": proposal.ID,
		"session_id":  proposal.SessionID,
		"action":      proposal.Action,
		"risk":        string(proposal.Risk),
		"rationale":   proposal.Rationale,
		"preview":     proposal.Preview,
	})
	if err != nil {
		return nil, fmt.Errorf("review tool %s/%s: %w", r.server, r.tool, err)
	}
	return parseVote(r.id, result.Text())
}

// ModelReviewer judges proposals through a model client.
type ModelReviewer struct {
	id     string
	client model.Client
}

// NewModelReviewer creates a reviewer backed by a model client.
func NewModelReviewer(id string, client model.Client) *ModelReviewer {
	return &ModelReviewer{id: id, client: client}
}

// ID returns the reviewer identifier.
func (r *ModelReviewer) ID() string { return r.id }

const reviewerInstructions = `You are a safety reviewer for an autonomous agent.
Judge whether the proposed action is safe to execute. Answer with exactly one line:
APPROVE: <reason>  or  REJECT: <reason>`

// Review renders the proposal into a minimal context and asks the model.
func (r *ModelReviewer) Review(ctx context.Context, proposal *Proposal) (*Vote, error) {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Session: %s\nRisk: %s\nAction: %s\n",
		proposal.SessionID, proposal.Risk, proposal.Action.Describe()))
	if proposal.Rationale != "" {
		sb.WriteString("Rationale: " + proposal.Rationale + "\n")
	}
	if proposal.Preview != "" {
		sb.WriteString("Preview:\n" + proposal.Preview + "\n")
	}

	snap := &composer.Snapshot{
		Layers: []composer.Layer{
			{Kind: composer.LayerSystem, Name: "system", Content: reviewerInstructions},
			{Kind: composer.LayerActiveConversation, Name: "proposal", Content: sb.String()},
		},
	}
	completion, err := r.client.Complete(ctx, &model.Request{Snapshot: snap, MaxTokens: 256})
	if err != nil {
		return nil, fmt.Errorf("reviewer model: %w", err)
	}
	return parseVote(r.id, completion.Text)
}

// parseVote accepts either a JSON object {"approve": bool, "reason": "..."}
// or a leading APPROVE/REJECT keyword. Anything else is an error, which the
// coordinator counts as an abstention rather than guessing a direction.
func parseVote(reviewerID, answer string) (*Vote, error) {
	trimmed := strings.TrimSpace(answer)
	if strings.HasPrefix(trimmed, "{") {
		var parsed struct {
			Approve bool   `json:"approve"`
			Reason  string `json:"reason"`
		}
		if err := json.Unmarshal([]byte(trimmed), &parsed); err != nil {
			return nil, fmt.Errorf("malformed vote JSON: %w", err)
		}
		return &Vote{ReviewerID: reviewerID, Approve: parsed.Approve, Reason: parsed.Reason}, nil
	}

	upper := strings.ToUpper(trimmed)
	switch {
	case strings.HasPrefix(upper, "APPROVE"):
		return &Vote{ReviewerID: reviewerID, Approve: true, Reason: voteReason(trimmed)}, nil
	case strings.HasPrefix(upper, "REJECT"):
		return &Vote{ReviewerID: reviewerID, Approve: false, Reason: voteReason(trimmed)}, nil
	default:
		return nil, fmt.Errorf("unparseable vote: %q", clip(trimmed, 80))
	}
}

func voteReason(answer string) string {
	if idx := strings.IndexAny(answer, ":\n"); idx >= 0 {
		return strings.TrimSpace(answer[idx+1:])
	}
	return ""
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
