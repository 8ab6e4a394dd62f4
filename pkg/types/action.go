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

package types

import (
	"encoding/json"
	"fmt"
)

// ActionKind tags the closed set of step payloads the loop can execute.
type ActionKind string

const (
	ActionPrompt   ActionKind = "prompt"
	ActionScript   ActionKind = "script"
	ActionToolCall ActionKind = "tool_call"
)

// PromptAction sends text to the session's model and records the reply.
type PromptAction struct {
	Text string `json:"text"`
}

// ScriptAction runs a script in the sandbox runner.
type ScriptAction struct {
	Interpreter string   `json:"interpreter"`
	Source      string   `json:"source"`
	Args        []string `json:"args,omitempty"`
	WorkDir     string   `json:"workdir,omitempty"`
}

// ToolCallAction invokes a named tool on a connected server. Writes and
// EstimatedCostUSD feed the risk predicate.
type ToolCallAction struct {
	Server           string         `json:"server"`
	Tool             string         `json:"tool"`
	Args             map[string]any `json:"args,omitempty"`
	Writes           []string       `json:"writes,omitempty"`
	EstimatedCostUSD float64        `json:"estimated_cost_usd,omitempty"`
}

// Action is a tagged union over the three step payloads. Exactly one variant
// field may be set, matching Kind. Consumers switch on Kind and treat any
// other value as a validation error rather than falling through silently.
type Action struct {
	Kind     ActionKind      `json:"kind"`
	Prompt   *PromptAction   `json:"prompt,omitempty"`
	Script   *ScriptAction   `json:"script,omitempty"`
	ToolCall *ToolCallAction `json:"tool_call,omitempty"`
}

// NewPromptAction wraps text in a prompt-variant action.
func NewPromptAction(text string) Action {
	return Action{Kind: ActionPrompt, Prompt: &PromptAction{Text: text}}
}

// NewScriptAction wraps a script in a script-variant action.
func NewScriptAction(interpreter, source string) Action {
	return Action{Kind: ActionScript, Script: &ScriptAction{Interpreter: interpreter, Source: source}}
}

// NewToolCallAction wraps a tool invocation in a tool-call-variant action.
func NewToolCallAction(server, tool string, args map[string]any) Action {
	return Action{Kind: ActionToolCall, ToolCall: &ToolCallAction{Server: server, Tool: tool, Args: args}}
}

// Validate checks that Kind names a known variant and that exactly the
// matching payload field is set.
func (a Action) Validate() error {
	set := 0
	if a.Prompt != nil {
		set++
	}
	if a.Script != nil {
		set++
	}
	if a.ToolCall != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("action must carry exactly one payload, has %d", set)
	}
	switch a.Kind {
	case ActionPrompt:
		if a.Prompt == nil {
			return fmt.Errorf("action kind %q without prompt payload", a.Kind)
		}
	case ActionScript:
		if a.Script == nil {
			return fmt.Errorf("action kind %q without script payload", a.Kind)
		}
	case ActionToolCall:
		if a.ToolCall == nil {
			return fmt.Errorf("action kind %q without tool_call payload", a.Kind)
		}
	case "":
		return fmt.Errorf("action kind is empty")
	default:
		return fmt.Errorf("unknown action kind %q", a.Kind)
	}
	return nil
}

// Describe renders a one-line human summary for logs and council proposals.
func (a Action) Describe() string {
	switch a.Kind {
	case ActionPrompt:
		if a.Prompt == nil {
			return "prompt (empty)"
		}
		text := a.Prompt.Text
		if len(text) > 80 {
			text = text[:77] + "..."
		}
		return fmt.Sprintf("prompt: %s", text)
	case ActionScript:
		if a.Script == nil {
			return "script (empty)"
		}
		return fmt.Sprintf("script (%s, %d bytes)", a.Script.Interpreter, len(a.Script.Source))
	case ActionToolCall:
		if a.ToolCall == nil {
			return "tool call (empty)"
		}
		return fmt.Sprintf("tool call %s/%s", a.ToolCall.Server, a.ToolCall.Tool)
	default:
		return fmt.Sprintf("unknown action %q", a.Kind)
	}
}

// UnmarshalJSON decodes and validates in one step so malformed actions are
// rejected at the boundary instead of deep inside the loop.
func (a *Action) UnmarshalJSON(data []byte) error {
	type plain Action
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*a = Action(p)
	return a.Validate()
}

// PlanStep is one planned unit of work inside a task.
type PlanStep struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Action      Action `json:"action"`
	Done        bool   `json:"done,omitempty"`
}

// AutonomyTask is one goal the loop controller drives through the state
// machine. A session runs at most one task at a time.
type AutonomyTask struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"session_id"`
	Goal       string     `json:"goal"`
	Steps      []PlanStep `json:"steps,omitempty"`
	Risk       RiskClass  `json:"risk"`
	Retries    int        `json:"retries"`
	MaxRetries int        `json:"max_retries"`
}

// RetriesLeft reports whether the task may re-enter planning.
func (t *AutonomyTask) RetriesLeft() bool {
	return t.Retries < t.MaxRetries
}

// NextStep returns the first unfinished step, or nil when the plan is done.
func (t *AutonomyTask) NextStep() *PlanStep {
	for i := range t.Steps {
		if !t.Steps[i].Done {
			return &t.Steps[i]
		}
	}
	return nil
}

// TaskResult is the loop's terminal report for one task.
type TaskResult struct {
	TaskID     string    `json:"task_id"`
	SessionID  string    `json:"session_id"`
	State      LoopState `json:"state"`
	Summary    string    `json:"summary,omitempty"`
	Error      string    `json:"error,omitempty"`
	Iterations int       `json:"iterations"`
	StepsRun   int       `json:"steps_run"`
}
