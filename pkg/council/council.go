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

// Package council gates risky actions behind a reviewer vote. Every
// configured reviewer holds a veto: a single explicit rejection blocks the
// proposal, while timeouts and reviewer errors count as abstentions. A
// proposal that nobody answered is rejected, never waved through.
package council

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/heddle/pkg/fault"
	"github.com/teradata-labs/heddle/pkg/observability"
	"github.com/teradata-labs/heddle/pkg/types"
)

// DefaultReviewTimeout bounds how long each reviewer gets to answer.
const DefaultReviewTimeout = 30 * time.Second

// Proposal is one action submitted for review, with enough context for a
// reviewer to judge it without access to the session.
type Proposal struct {
	ID        string          `json:"id"`
	SessionID string          `json:"session_id"`
	Action    types.Action    `json:"action"`
	Risk      types.RiskClass `json:"risk"`
	Rationale string          `json:"rationale,omitempty"`
	Preview   string          `json:"preview,omitempty"`
}

// NewProposal builds a proposal for an action, rendering its preview.
func NewProposal(sessionID string, action types.Action, risk types.RiskClass, rationale string) *Proposal {
	return &Proposal{
		ID:        fmt.Sprintf("prop-%s", uuid.New().String()[:8]),
		SessionID: sessionID,
		Action:    action,
		Risk:      risk,
		Rationale: rationale,
		Preview:   ActionPreview(action),
	}
}

// Vote is one reviewer's answer.
type Vote struct {
	ReviewerID string `json:"reviewer_id"`
	Approve    bool   `json:"approve"`
	Reason     string `json:"reason,omitempty"`
}

// Verdict is the aggregated outcome of a review round.
type Verdict struct {
	ProposalID  string    `json:"proposal_id"`
	Votes       []Vote    `json:"votes"`
	Approved    bool      `json:"approved"`
	Abstentions int       `json:"abstentions"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Reviewer judges proposals. Implementations must honor the context
// deadline; the coordinator treats an overrun as an abstention.
type Reviewer interface {
	ID() string
	Review(ctx context.Context, proposal *Proposal) (*Vote, error)
}

// Registry holds the reviewer set for a coordinator. Reviewers are
// registered explicitly; there is no ambient default set.
type Registry struct {
	mu        sync.RWMutex
	reviewers map[string]Reviewer
}

// NewRegistry creates an empty reviewer registry.
func NewRegistry() *Registry {
	return &Registry{reviewers: make(map[string]Reviewer)}
}

// Add registers a reviewer, replacing any previous reviewer with the same ID.
func (r *Registry) Add(reviewer Reviewer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reviewers[reviewer.ID()] = reviewer
}

// Remove drops a reviewer by ID.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.reviewers, id)
}

// Reviewers returns the current set in stable ID order.
func (r *Registry) Reviewers() []Reviewer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.reviewers))
	for id := range r.reviewers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Reviewer, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.reviewers[id])
	}
	return out
}

// Len reports how many reviewers are registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.reviewers)
}

// Coordinator broadcasts proposals to the reviewer set and aggregates
// votes under the unanimous-veto rule.
type Coordinator struct {
	registry *Registry
	timeout  time.Duration
	logger   *zap.Logger
	tracer   observability.Tracer
}

// CoordinatorOption customizes a coordinator.
type CoordinatorOption func(*Coordinator)

// WithTimeout overrides the per-reviewer answer deadline.
func WithTimeout(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithTracer attaches a tracer for review spans and metrics.
func WithTracer(tracer observability.Tracer) CoordinatorOption {
	return func(c *Coordinator) { c.tracer = tracer }
}

// NewCoordinator creates a coordinator over the given reviewer registry.
func NewCoordinator(registry *Registry, logger *zap.Logger, opts ...CoordinatorOption) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		registry: registry,
		timeout:  DefaultReviewTimeout,
		logger:   logger.With(zap.String("component", "council")),
		tracer:   observability.NewNoOpTracer(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// reviewOutcome carries one reviewer's result across the collection channel.
type reviewOutcome struct {
	reviewerID string
	vote       *Vote
	err        error
}

// Review broadcasts the proposal to every registered reviewer concurrently,
// each under its own timeout, and aggregates the answers:
//
//   - any explicit rejection rejects the proposal (unanimous veto);
//   - a timeout or reviewer error is an abstention, never a rejection;
//   - at least one answer and zero rejections approves;
//   - zero answers rejects, fail closed.
func (c *Coordinator) Review(ctx context.Context, proposal *Proposal) (*Verdict, error) {
	if proposal == nil {
		return nil, fmt.Errorf("nil proposal")
	}
	if err := proposal.Action.Validate(); err != nil {
		return nil, fmt.Errorf("invalid proposal action: %w", err)
	}

	ctx, span := c.tracer.StartSpan(ctx, observability.SpanCouncilReview)
	defer c.tracer.EndSpan(span)
	if span != nil {
		span.SetAttribute(observability.AttrSessionID, proposal.SessionID)
		span.SetAttribute("proposal.id", proposal.ID)
		span.SetAttribute("proposal.risk", string(proposal.Risk))
	}

	reviewers := c.registry.Reviewers()
	c.logger.Info("Reviewing proposal",
		zap.String("proposal_id", proposal.ID),
		zap.String("session_id", proposal.SessionID),
		zap.String("action", proposal.Action.Describe()),
		zap.Int("reviewers", len(reviewers)))

	outcomes := make(chan reviewOutcome, len(reviewers))
	for _, reviewer := range reviewers {
		go func(reviewer Reviewer) {
			reviewCtx, cancel := context.WithTimeout(ctx, c.timeout)
			defer cancel()
			vote, err := c.collectVote(reviewCtx, reviewer, proposal)
			outcomes <- reviewOutcome{reviewerID: reviewer.ID(), vote: vote, err: err}
		}(reviewer)
	}

	verdict := &Verdict{
		ProposalID: proposal.ID,
		Votes:      make([]Vote, 0, len(reviewers)),
		CreatedAt:  time.Now().UTC(),
	}
	rejections := 0
	for i := 0; i < len(reviewers); i++ {
		outcome := <-outcomes
		if outcome.err != nil || outcome.vote == nil {
			verdict.Abstentions++
			c.logger.Warn("Reviewer abstained",
				zap.String("proposal_id", proposal.ID),
				zap.String("reviewer_id", outcome.reviewerID),
				zap.Error(outcome.err))
			c.tracer.RecordMetric(observability.MetricCouncilAbstentions, 1,
				map[string]string{"reviewer": outcome.reviewerID})
			continue
		}
		verdict.Votes = append(verdict.Votes, *outcome.vote)
		if !outcome.vote.Approve {
			rejections++
		}
	}
	sort.Slice(verdict.Votes, func(i, j int) bool {
		return verdict.Votes[i].ReviewerID < verdict.Votes[j].ReviewerID
	})

	switch {
	case rejections > 0:
		verdict.Approved = false
		verdict.Reason = rejectionReason(verdict.Votes)
		c.tracer.RecordMetric(observability.MetricCouncilVetoes, 1, nil)
	case len(verdict.Votes) == 0:
		// Nobody answered. A silent council must not authorize anything.
		verdict.Approved = false
		timeoutErr := fault.Newf(fault.CouncilTimeout,
			"all %d reviewers timed out for proposal %s", len(reviewers), proposal.ID)
		verdict.Reason = timeoutErr.Error()
		if span != nil {
			span.RecordError(timeoutErr)
		}
	default:
		verdict.Approved = true
	}

	if span != nil {
		span.SetAttribute("verdict.approved", fmt.Sprintf("%t", verdict.Approved))
		span.SetAttribute("verdict.votes", fmt.Sprintf("%d", len(verdict.Votes)))
		span.SetAttribute("verdict.abstentions", fmt.Sprintf("%d", verdict.Abstentions))
	}
	c.tracer.RecordMetric(observability.MetricCouncilReviews, 1,
		map[string]string{"approved": fmt.Sprintf("%t", verdict.Approved)})
	c.logger.Info("Review complete",
		zap.String("proposal_id", proposal.ID),
		zap.Bool("approved", verdict.Approved),
		zap.Int("votes", len(verdict.Votes)),
		zap.Int("abstentions", verdict.Abstentions))

	return verdict, nil
}

// collectVote runs one reviewer under its span, converting panics and
// context overruns into errors the aggregator counts as abstentions.
func (c *Coordinator) collectVote(ctx context.Context, reviewer Reviewer, proposal *Proposal) (vote *Vote, err error) {
	_, span := c.tracer.StartSpan(ctx, observability.SpanCouncilVote)
	defer c.tracer.EndSpan(span)
	if span != nil {
		span.SetAttribute("reviewer.id", reviewer.ID())
	}

	done := make(chan reviewOutcome, 1)
	go func() {
		// The recover must live here: Review runs on this goroutine, and a
		// panic would otherwise take down the process instead of counting
		// as an abstention.
		defer func() {
			if r := recover(); r != nil {
				done <- reviewOutcome{err: fmt.Errorf("reviewer %s panicked: %v", reviewer.ID(), r)}
			}
		}()
		v, reviewErr := reviewer.Review(ctx, proposal)
		done <- reviewOutcome{vote: v, err: reviewErr}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("reviewer %s: %w", reviewer.ID(), ctx.Err())
	case outcome := <-done:
		if outcome.err != nil {
			return nil, outcome.err
		}
		if outcome.vote == nil {
			return nil, fmt.Errorf("reviewer %s returned no vote", reviewer.ID())
		}
		outcome.vote.ReviewerID = reviewer.ID()
		return outcome.vote, nil
	}
}

// rejectionReason joins the reasons of every vetoing vote.
func rejectionReason(votes []Vote) string {
	reason := ""
	for _, vote := range votes {
		if vote.Approve {
			continue
		}
		if reason != "" {
			reason += "; "
		}
		part := vote.Reason
		if part == "" {
			part = "rejected"
		}
		reason += fmt.Sprintf("%s: %s", vote.ReviewerID, part)
	}
	return reason
}
