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

// Package autonomy drives the per-session task loop: plan with the model,
// gate risky actions through the council, execute through the broker or
// sandbox, verify, and retry within bounds. Sessions run independently; a
// stalled model call in one never blocks another.
package autonomy

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teradata-labs/heddle/pkg/broker/protocol"
	"github.com/teradata-labs/heddle/pkg/composer"
	"github.com/teradata-labs/heddle/pkg/council"
	"github.com/teradata-labs/heddle/pkg/fault"
	"github.com/teradata-labs/heddle/pkg/model"
	"github.com/teradata-labs/heddle/pkg/observability"
	"github.com/teradata-labs/heddle/pkg/sandbox"
	"github.com/teradata-labs/heddle/pkg/types"
)

// Config bounds a controller. Zero values take defaults.
type Config struct {
	MaxRetries       int           `yaml:"max_retries" json:"max_retries" mapstructure:"max_retries"`
	MaxTurns         int           `yaml:"max_turns" json:"max_turns" mapstructure:"max_turns"`
	InvokeTimeout    time.Duration `yaml:"invoke_timeout" json:"invoke_timeout" mapstructure:"invoke_timeout"`
	ModelTimeout     time.Duration `yaml:"model_timeout" json:"model_timeout" mapstructure:"model_timeout"`
	CouncilTimeout   time.Duration `yaml:"council_timeout" json:"council_timeout" mapstructure:"council_timeout"`
	BudgetTokens     int           `yaml:"budget_tokens" json:"budget_tokens" mapstructure:"budget_tokens"`
	CostThresholdUSD float64       `yaml:"cost_threshold_usd" json:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	ApprovedPatterns []string      `yaml:"approved_patterns" json:"approved_patterns" mapstructure:"approved_patterns"`
	RetryBackoff     time.Duration `yaml:"retry_backoff" json:"retry_backoff" mapstructure:"retry_backoff"`
	DefaultAutonomy  string        `yaml:"default_autonomy" json:"default_autonomy" mapstructure:"default_autonomy"`
}

func (c *Config) applyDefaults() {
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.MaxTurns == 0 {
		c.MaxTurns = 50
	}
	if c.InvokeTimeout == 0 {
		c.InvokeTimeout = 60 * time.Second
	}
	if c.ModelTimeout == 0 {
		c.ModelTimeout = 5 * time.Minute
	}
	if c.CouncilTimeout == 0 {
		c.CouncilTimeout = council.DefaultReviewTimeout
	}
	if c.BudgetTokens == 0 {
		c.BudgetTokens = 32_000
	}
	if c.RetryBackoff == 0 {
		c.RetryBackoff = time.Second
	}
	if c.DefaultAutonomy == "" {
		c.DefaultAutonomy = string(types.AutonomyMedium)
	}
}

// ToolInvoker is the slice of the broker the loop needs.
type ToolInvoker interface {
	Invoke(ctx context.Context, server, tool string, args map[string]any) (*protocol.InvokeResult, error)
	Tool(server, tool string) (protocol.Tool, error)
	Catalog() map[string][]protocol.Tool
}

// Gate reviews proposals before risky execution.
type Gate interface {
	Review(ctx context.Context, proposal *council.Proposal) (*council.Verdict, error)
}

// MemoryWriter folds task outcomes back into long-term memory.
type MemoryWriter interface {
	Remember(ctx context.Context, content string, tags []string) (string, error)
}

// Snapshotter persists the final composed context when a task ends.
type Snapshotter interface {
	SaveSnapshot(ctx context.Context, session *types.Session, snap *composer.Snapshot) error
}

// Deps wires the controller's collaborators. Composer, Model, and Broker
// are required; the rest may be nil and disable their feature.
type Deps struct {
	Composer *composer.Composer
	Broker   ToolInvoker
	Gate     Gate
	Memory   MemoryWriter
	Snapshot Snapshotter
	Model    model.Client
	Sandbox  sandbox.Runner
	Logger   *zap.Logger
	Tracer   observability.Tracer
}

// Controller owns sessions and runs their task loops.
type Controller struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
	tracer observability.Tracer

	mu       sync.Mutex
	sessions map[string]*types.Session
	running  map[string]context.CancelFunc
	lastSnap map[string]*composer.Snapshot

	events chan Event
	wg     sync.WaitGroup
}

// New creates a controller.
func New(cfg Config, deps Deps) (*Controller, error) {
	cfg.applyDefaults()
	if deps.Composer == nil {
		return nil, fmt.Errorf("autonomy: composer is required")
	}
	if deps.Model == nil {
		return nil, fmt.Errorf("autonomy: model client is required")
	}
	if deps.Broker == nil {
		return nil, fmt.Errorf("autonomy: broker is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = observability.NewNoOpTracer()
	}
	return &Controller{
		cfg:      cfg,
		deps:     deps,
		logger:   logger.With(zap.String("component", "autonomy")),
		tracer:   tracer,
		sessions: make(map[string]*types.Session),
		running:  make(map[string]context.CancelFunc),
		lastSnap: make(map[string]*composer.Snapshot),
		events:   make(chan Event, 128),
	}, nil
}

// Events returns the transparency stream. Bounded; slow consumers lose
// events rather than slowing the loop.
func (c *Controller) Events() <-chan Event {
	return c.events
}

// Session returns the session, creating it on first use.
func (c *Controller) Session(sessionID string) *types.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionLocked(sessionID)
}

func (c *Controller) sessionLocked(sessionID string) *types.Session {
	if session, ok := c.sessions[sessionID]; ok {
		return session
	}
	level, err := types.ParseAutonomyLevel(c.cfg.DefaultAutonomy)
	if err != nil {
		level = types.AutonomyMedium
	}
	session := types.NewSession(sessionID, "", level)
	c.sessions[sessionID] = session
	return session
}

// Sessions lists known session IDs in stable order.
func (c *Controller) Sessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// SetAutonomyLevel changes a session's autonomy level. Takes effect at the
// next state boundary.
func (c *Controller) SetAutonomyLevel(sessionID string, level types.AutonomyLevel) error {
	switch level {
	case types.AutonomyLow, types.AutonomyMedium, types.AutonomyHigh:
	default:
		return fmt.Errorf("unknown autonomy level %q", level)
	}
	c.Session(sessionID).SetAutonomy(level)
	return nil
}

// Cancel flags the session's running task. The in-flight call finishes;
// the loop then fails with AutonomyAborted at the next state boundary.
func (c *Controller) Cancel(sessionID string) error {
	c.mu.Lock()
	session, ok := c.sessions[sessionID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown session %q", sessionID)
	}
	session.Cancel()
	c.logger.Info("Cancellation requested", zap.String("session_id", sessionID))
	return nil
}

// ContextSnapshot returns the session's last composed context, read-only.
func (c *Controller) ContextSnapshot(sessionID string) (*composer.Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap, ok := c.lastSnap[sessionID]
	if !ok {
		return nil, fmt.Errorf("session %q has no composed context yet", sessionID)
	}
	return snap, nil
}

// StartTask begins driving a goal for the session. One task per session at
// a time; a second start while one runs is an error.
func (c *Controller) StartTask(ctx context.Context, sessionID, goal string) error {
	if goal == "" {
		return fmt.Errorf("empty goal")
	}
	c.mu.Lock()
	if _, busy := c.running[sessionID]; busy {
		c.mu.Unlock()
		return fmt.Errorf("session %q already has a task running", sessionID)
	}
	session := c.sessionLocked(sessionID)
	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.running[sessionID] = cancel
	c.mu.Unlock()

	if session.Topic() == "" {
		session.SetTopic(goal)
	}
	session.AppendTurn(types.Turn{
		ID:        uuid.New().String(),
		Role:      "user",
		Content:   goal,
		Timestamp: time.Now().UTC(),
	})

	task := &types.AutonomyTask{
		ID:         fmt.Sprintf("task-%s", uuid.New().String()[:8]),
		SessionID:  sessionID,
		Goal:       goal,
		MaxRetries: c.cfg.MaxRetries,
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			cancel()
			c.mu.Lock()
			delete(c.running, sessionID)
			c.mu.Unlock()
		}()
		c.runTask(taskCtx, session, task)
	}()
	return nil
}

// Wait blocks until every running task has finished. Shutdown helper.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// taskFailure is the terminal error of one task attempt.
type taskFailure struct {
	err error
}

// runTask drives the state machine to a terminal state, then folds the
// outcome into memory and snapshots the session.
func (c *Controller) runTask(ctx context.Context, session *types.Session, task *types.AutonomyTask) {
	ctx, span := c.tracer.StartSpan(ctx, observability.SpanLoopTask)
	defer c.tracer.EndSpan(span)
	if span != nil {
		span.SetAttribute(observability.AttrSessionID, session.ID())
		span.SetAttribute(observability.AttrTaskID, task.ID)
	}
	c.tracer.RecordMetric(observability.MetricLoopTasks, 1, nil)
	c.logger.Info("Task started",
		zap.String("session_id", session.ID()),
		zap.String("task_id", task.ID),
		zap.String("goal", task.Goal))

	failure := c.drive(ctx, session, task)

	summary := fmt.Sprintf("Task %q finished: done", task.Goal)
	if failure != nil {
		session.SetState(types.StateFailed)
		summary = fmt.Sprintf("Task %q finished: failed: %v", task.Goal, failure.err)
		if span != nil {
			span.RecordError(failure.err)
		}
		c.emit(Event{Type: EventTaskFailed, SessionID: session.ID(), TaskID: task.ID,
			State: types.StateFailed, Message: failure.err.Error()})
		c.logger.Warn("Task failed",
			zap.String("session_id", session.ID()),
			zap.String("task_id", task.ID),
			zap.Error(failure.err))
	} else {
		session.SetState(types.StateDone)
		c.emit(Event{Type: EventTaskDone, SessionID: session.ID(), TaskID: task.ID,
			State: types.StateDone})
		c.logger.Info("Task done",
			zap.String("session_id", session.ID()),
			zap.String("task_id", task.ID))
	}

	if c.deps.Memory != nil {
		_, err := c.deps.Memory.Remember(ctx, summary,
			[]string{"task:" + task.ID, "session:" + session.ID()})
		if err != nil {
			c.logger.Warn("Failed to record task outcome", zap.Error(err))
		}
	}
	if c.deps.Snapshot != nil {
		if snap, err := c.ContextSnapshot(session.ID()); err == nil {
			if err := c.deps.Snapshot.SaveSnapshot(ctx, session, snap); err != nil {
				c.logger.Warn("Failed to snapshot session", zap.Error(err))
			}
		}
	}
}

// drive runs the loop until Done (nil) or a terminal failure.
func (c *Controller) drive(ctx context.Context, session *types.Session, task *types.AutonomyTask) *taskFailure {
	state := types.StatePlanning
	var action *types.Action
	iterations := 0

	// toRetry routes a recoverable failure through Retry while retries
	// remain, otherwise fails the task.
	toRetry := func(reason error) *taskFailure {
		if !task.RetriesLeft() {
			return &taskFailure{err: fmt.Errorf("retries exhausted: %w", reason)}
		}
		task.Retries++
		c.tracer.RecordMetric(observability.MetricLoopRetries, 1, nil)
		c.logger.Info("Retrying task",
			zap.String("session_id", session.ID()),
			zap.Int("retry", task.Retries),
			zap.Error(reason))
		session.AppendTurn(types.Turn{
			ID:        uuid.New().String(),
			Role:      "system",
			Content:   fmt.Sprintf("Previous attempt needs revision: %v", reason),
			Timestamp: time.Now().UTC(),
		})
		state = types.StateRetry
		return nil
	}

	for {
		// Cancellation boundary: in-flight calls complete, but no new
		// state is entered once the flag is set.
		if session.Cancelled() {
			return &taskFailure{err: fault.Newf(fault.AutonomyAborted,
				"task %s cancelled in state %s", task.ID, session.State())}
		}
		iterations++
		if iterations > c.cfg.MaxTurns {
			return &taskFailure{err: fmt.Errorf("task exceeded %d turns", c.cfg.MaxTurns)}
		}
		session.SetState(state)
		c.emit(Event{Type: EventStateChange, SessionID: session.ID(), TaskID: task.ID, State: state})
		c.tracer.RecordMetric(observability.MetricLoopIterations, 1,
			map[string]string{"state": string(state)})

		switch state {
		case types.StatePlanning:
			var failure *taskFailure
			action, failure = c.plan(ctx, session, toRetry)
			if failure != nil {
				return failure
			}
			if action == nil {
				continue // routed to Retry
			}
			risk, reason := Classify(*action, c.descriptorFor(action), c.cfg.CostThresholdUSD, c.cfg.ApprovedPatterns)
			task.Risk = risk
			c.emit(Event{Type: EventActionProposed, SessionID: session.ID(), TaskID: task.ID,
				State: state, Message: fmt.Sprintf("%s (%s: %s)", action.Describe(), risk, reason)})
			if risk == types.RiskRisky && session.Autonomy() != types.AutonomyHigh {
				state = types.StateAwaitingCouncil
			} else {
				state = types.StateExecuting
			}

		case types.StateAwaitingCouncil:
			approved, failure := c.consultCouncil(ctx, session, task, action, toRetry)
			if failure != nil {
				return failure
			}
			if approved {
				state = types.StateExecuting
			}
			// Rejection routed through toRetry already set state.

		case types.StateExecuting:
			outcome, err := c.execute(ctx, session, task, action)
			if err != nil {
				if fault.Is(err, fault.ToolInvocationError) && !fault.IsTransient(err) {
					return &taskFailure{err: err}
				}
				if fault.Is(err, fault.CapabilityMismatch) || fault.Is(err, fault.InvalidSnapshot) {
					return &taskFailure{err: err}
				}
				if failure := toRetry(err); failure != nil {
					return failure
				}
				continue
			}
			c.emit(Event{Type: EventActionResult, SessionID: session.ID(), TaskID: task.ID,
				State: state, Message: clipMessage(outcome, 200)})
			state = types.StateVerifying

		case types.StateVerifying:
			if err := c.verify(session, action); err != nil {
				if failure := toRetry(err); failure != nil {
					return failure
				}
				continue
			}
			return nil

		case types.StateRetry:
			select {
			case <-ctx.Done():
				return &taskFailure{err: fault.Wrap(fault.AutonomyAborted, ctx.Err(), "task aborted during backoff")}
			case <-time.After(c.cfg.RetryBackoff):
			}
			action = nil
			state = types.StatePlanning

		default:
			return &taskFailure{err: fmt.Errorf("loop reached unexpected state %s", state)}
		}
	}
}

// plan composes the context and asks the model for the next action.
func (c *Controller) plan(ctx context.Context, session *types.Session,
	toRetry func(error) *taskFailure) (*types.Action, *taskFailure) {

	ctx, span := c.tracer.StartSpan(ctx, observability.SpanLoopPlan)
	defer c.tracer.EndSpan(span)

	snap, err := c.deps.Composer.Compose(ctx, session, c.cfg.BudgetTokens)
	if err != nil {
		// A context that cannot fit its own system prompt cannot recover
		// by retrying.
		return nil, &taskFailure{err: err}
	}
	c.mu.Lock()
	c.lastSnap[session.ID()] = snap
	c.mu.Unlock()

	modelCtx, cancel := context.WithTimeout(ctx, c.cfg.ModelTimeout)
	defer cancel()
	completion, err := model.CompleteWithRetry(modelCtx, c.deps.Model, &model.Request{
		Snapshot: snap,
		Tools:    c.catalogTools(),
	}, model.DefaultRetryPolicy(), c.logger)
	if err != nil {
		if session.Cancelled() || ctx.Err() != nil {
			return nil, &taskFailure{err: fault.Wrap(fault.AutonomyAborted, err, "model call aborted")}
		}
		if failure := toRetry(err); failure != nil {
			return nil, failure
		}
		return nil, nil
	}

	session.AppendTurn(types.Turn{
		ID:        uuid.New().String(),
		Role:      "assistant",
		Content:   completion.Text,
		Timestamp: time.Now().UTC(),
	})
	return completion.Action, nil
}

// consultCouncil reviews the proposed action. A rejection consumes a retry;
// approval reports true.
func (c *Controller) consultCouncil(ctx context.Context, session *types.Session, task *types.AutonomyTask,
	action *types.Action, toRetry func(error) *taskFailure) (bool, *taskFailure) {

	if c.deps.Gate == nil {
		// No council configured: fail closed for risky actions.
		return false, &taskFailure{err: fault.Newf(fault.CouncilTimeout,
			"risky action with no council configured: %s", action.Describe())}
	}

	proposal := council.NewProposal(session.ID(), *action, task.Risk,
		fmt.Sprintf("step toward goal: %s", task.Goal))
	reviewCtx, cancel := context.WithTimeout(ctx, c.cfg.CouncilTimeout)
	defer cancel()
	verdict, err := c.deps.Gate.Review(reviewCtx, proposal)
	if err != nil {
		return false, &taskFailure{err: fmt.Errorf("council review failed: %w", err)}
	}
	c.emit(Event{Type: EventVerdict, SessionID: session.ID(), TaskID: task.ID,
		State: types.StateAwaitingCouncil,
		Message: fmt.Sprintf("approved=%t votes=%d abstentions=%d %s",
			verdict.Approved, len(verdict.Votes), verdict.Abstentions, verdict.Reason)})
	if verdict.Approved {
		return true, nil
	}
	if failure := toRetry(fmt.Errorf("council rejected: %s", verdict.Reason)); failure != nil {
		return false, failure
	}
	return false, nil
}

// execute dispatches the action and appends its result to the session log.
// The returned string summarizes the outcome for the event stream.
func (c *Controller) execute(ctx context.Context, session *types.Session, task *types.AutonomyTask,
	action *types.Action) (string, error) {

	ctx, span := c.tracer.StartSpan(ctx, observability.SpanLoopStep)
	defer c.tracer.EndSpan(span)

	switch action.Kind {
	case types.ActionPrompt:
		// Nothing to dispatch: the model's reply is the outcome.
		return "prompt recorded", nil

	case types.ActionToolCall:
		call := action.ToolCall
		invokeCtx, cancel := context.WithTimeout(ctx, c.cfg.InvokeTimeout)
		defer cancel()
		result, err := c.deps.Broker.Invoke(invokeCtx, call.Server, call.Tool, call.Args)
		if err != nil {
			return "", err
		}
		text := result.Text()
		session.AppendTurn(types.Turn{
			ID:      uuid.New().String(),
			Role:    "tool",
			Content: text,
			ToolCalls: []types.ToolCall{
				{Server: call.Server, Tool: call.Tool, Args: call.Args},
			},
			Timestamp: time.Now().UTC(),
		})
		if c.deps.Memory != nil {
			_, err := c.deps.Memory.Remember(ctx,
				fmt.Sprintf("%s/%s -> %s", call.Server, call.Tool, clipMessage(text, 500)),
				[]string{"task:" + task.ID, "session:" + session.ID(), "tool:" + call.Tool})
			if err != nil {
				c.logger.Warn("Failed to record tool result", zap.Error(err))
			}
		}
		if result.IsError {
			return "", fault.Newf(fault.ToolInvocationError, "tool reported error: %s", clipMessage(text, 200))
		}
		return text, nil

	case types.ActionScript:
		if c.deps.Sandbox == nil {
			return "", fmt.Errorf("no sandbox runner configured for script action")
		}
		result, err := c.deps.Sandbox.Run(ctx, action.Script, c.cfg.InvokeTimeout)
		if err != nil {
			return "", err
		}
		output := result.Stdout
		if result.ExitCode != 0 {
			output = fmt.Sprintf("exit %d\n%s%s", result.ExitCode, result.Stdout, result.Stderr)
		}
		session.AppendTurn(types.Turn{
			ID:        uuid.New().String(),
			Role:      "tool",
			Content:   output,
			Timestamp: time.Now().UTC(),
		})
		if result.ExitCode != 0 {
			return "", fmt.Errorf("script exited %d: %s", result.ExitCode, clipMessage(result.Stderr, 200))
		}
		return result.Stdout, nil

	default:
		return "", fmt.Errorf("cannot execute action kind %q", action.Kind)
	}
}

// verify runs the model-free structural check on the executed action: the
// session log must show a successful outcome for it.
func (c *Controller) verify(session *types.Session, action *types.Action) error {
	_, span := c.tracer.StartSpan(context.Background(), observability.SpanLoopVerify)
	defer c.tracer.EndSpan(span)

	if action.Kind == types.ActionPrompt {
		return nil
	}
	turns := session.Turns()
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == "tool" {
			if turns[i].Content == "" {
				return fmt.Errorf("action produced no output")
			}
			return nil
		}
	}
	return fmt.Errorf("no recorded result for executed action")
}

// descriptorFor resolves the catalog entry for a tool-call action.
func (c *Controller) descriptorFor(action *types.Action) *protocol.Tool {
	if action.Kind != types.ActionToolCall || action.ToolCall == nil {
		return nil
	}
	tool, err := c.deps.Broker.Tool(action.ToolCall.Server, action.ToolCall.Tool)
	if err != nil {
		return nil
	}
	return &tool
}

// catalogTools flattens the broker catalog with qualified names so the
// model's tool_use answers route back to the right server.
func (c *Controller) catalogTools() []protocol.Tool {
	catalog := c.deps.Broker.Catalog()
	servers := make([]string, 0, len(catalog))
	for server := range catalog {
		servers = append(servers, server)
	}
	sort.Strings(servers)

	var out []protocol.Tool
	for _, server := range servers {
		for _, tool := range catalog[server] {
			qualified := tool
			qualified.Name = server + "/" + tool.Name
			out = append(out, qualified)
		}
	}
	return out
}

func clipMessage(s string, max int) string {
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
