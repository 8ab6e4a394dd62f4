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

// Package types holds the session model and action variants shared by the
// broker, composer, memory store, council, and autonomy loop. It exists so
// those packages can exchange values without importing each other.
package types

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// AutonomyLevel controls how much risky action requires council gating.
type AutonomyLevel string

const (
	// AutonomyLow gates every risky action behind a council review.
	AutonomyLow AutonomyLevel = "low"
	// AutonomyMedium gates risky actions behind a council review.
	AutonomyMedium AutonomyLevel = "medium"
	// AutonomyHigh never consults the council.
	AutonomyHigh AutonomyLevel = "high"
)

// ParseAutonomyLevel parses a level name, case-insensitively.
func ParseAutonomyLevel(s string) (AutonomyLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return AutonomyLow, nil
	case "medium", "med":
		return AutonomyMedium, nil
	case "high":
		return AutonomyHigh, nil
	default:
		return "", fmt.Errorf("unknown autonomy level %q (want low, medium, or high)", s)
	}
}

// LoopState is the autonomy loop's position for one session-task.
type LoopState string

const (
	StateIdle            LoopState = "idle"
	StatePlanning        LoopState = "planning"
	StateAwaitingCouncil LoopState = "awaiting_council"
	StateExecuting       LoopState = "executing"
	StateVerifying       LoopState = "verifying"
	StateDone            LoopState = "done"
	StateFailed          LoopState = "failed"
	StateRetry           LoopState = "retry"
)

// Terminal reports whether the state ends a task.
func (s LoopState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// RiskClass is the side-effect classification of a tool or action.
type RiskClass string

const (
	// RiskSafe marks read-only or already-approved-pattern actions.
	RiskSafe RiskClass = "safe"
	// RiskRisky marks destructive, cost-incurring, or externally
	// side-effecting actions.
	RiskRisky RiskClass = "risky"
)

// ToolCall is one requested tool invocation inside a turn.
type ToolCall struct {
	ID     string         `json:"id"`
	Server string         `json:"server"`
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args,omitempty"`
}

// Turn is one entry in a session's conversation log.
// Role is one of "system", "user", "assistant", "tool".
type Turn struct {
	ID         string     `json:"id,omitempty"`
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolUseID  string     `json:"tool_use_id,omitempty"`
	Timestamp  time.Time  `json:"timestamp"`
	TokenCount int        `json:"token_count,omitempty"`
}

// Session is the shared unit of state across the hub. It is created on the
// first client interaction, mutated only by the loop controller, and archived
// on explicit close. All methods are safe for concurrent use.
type Session struct {
	mu        sync.RWMutex
	id        string
	topic     string
	autonomy  AutonomyLevel
	turns     []Turn
	state     LoopState
	cancelled bool
	archived  bool
	createdAt time.Time
	updatedAt time.Time
}

// NewSession creates a session at Idle with the given autonomy level.
func NewSession(id, topic string, level AutonomyLevel) *Session {
	now := time.Now().UTC()
	if level == "" {
		level = AutonomyMedium
	}
	return &Session{
		id:        id,
		topic:     topic,
		autonomy:  level,
		state:     StateIdle,
		createdAt: now,
		updatedAt: now,
	}
}

// ID returns the session identity.
func (s *Session) ID() string { return s.id }

// Topic returns the session topic used to scope memory recall.
func (s *Session) Topic() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.topic
}

// SetTopic updates the memory-recall topic.
func (s *Session) SetTopic(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topic = topic
	s.updatedAt = time.Now().UTC()
}

// Autonomy returns the current autonomy level.
func (s *Session) Autonomy() AutonomyLevel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.autonomy
}

// SetAutonomy changes the autonomy level. Takes effect at the next
// state-transition boundary.
func (s *Session) SetAutonomy(level AutonomyLevel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autonomy = level
	s.updatedAt = time.Now().UTC()
}

// State returns the current loop state.
func (s *Session) State() LoopState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// SetState records a loop state transition.
func (s *Session) SetState(state LoopState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.updatedAt = time.Now().UTC()
}

// AppendTurn adds a turn to the ordered log.
func (s *Session) AppendTurn(turn Turn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	s.turns = append(s.turns, turn)
	s.updatedAt = time.Now().UTC()
}

// Turns returns a copy of the ordered conversation log.
func (s *Session) Turns() []Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Turn, len(s.turns))
	copy(out, s.turns)
	return out
}

// TurnCount returns the log length without copying.
func (s *Session) TurnCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// Cancel sets the cancellation flag. The loop controller checks it at every
// state-transition boundary; an in-flight call is allowed to finish first.
func (s *Session) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelled = true
	s.updatedAt = time.Now().UTC()
}

// Cancelled reports whether cancellation was requested.
func (s *Session) Cancelled() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cancelled
}

// Archive marks the session closed. Snapshot records of archived sessions no
// longer pin their referenced memory items.
func (s *Session) Archive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archived = true
	s.updatedAt = time.Now().UTC()
}

// Archived reports whether the session was explicitly closed.
func (s *Session) Archived() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.archived
}

// CreatedAt returns the creation time (UTC).
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// Metadata renders the session's descriptive fields as deterministic
// key=value lines for the SessionMetadata context layer. Only explicitly
// dated fields appear; nothing else is wall-clock-dependent so repeated
// compositions stay byte-identical.
func (s *Session) Metadata() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fields := map[string]string{
		"session":  s.id,
		"topic":    s.topic,
		"autonomy": string(s.autonomy),
		"created":  s.createdAt.Format(time.RFC3339),
		"turns":    fmt.Sprintf("%d", len(s.turns)),
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, fields[k])
	}
	return b.String()
}
