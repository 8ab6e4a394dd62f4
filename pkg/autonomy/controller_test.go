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
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/heddle/pkg/broker/protocol"
	"github.com/teradata-labs/heddle/pkg/composer"
	"github.com/teradata-labs/heddle/pkg/council"
	"github.com/teradata-labs/heddle/pkg/fault"
	"github.com/teradata-labs/heddle/pkg/model"
	"github.com/teradata-labs/heddle/pkg/prompts"
	"github.com/teradata-labs/heddle/pkg/types"
)

// stubInvoker serves a one-server catalog and delegates Invoke to a func.
type stubInvoker struct {
	mu      sync.Mutex
	calls   int
	catalog map[string][]protocol.Tool
	invoke  func(call int, server, tool string, args map[string]any) (*protocol.InvokeResult, error)
}

func newStubInvoker(invoke func(call int, server, tool string, args map[string]any) (*protocol.InvokeResult, error)) *stubInvoker {
	return &stubInvoker{
		catalog: map[string][]protocol.Tool{
			"files": {
				{Name: "read_file", Description: "Read a file.",
					Annotations: &protocol.ToolAnnotation{ReadOnly: true}},
				{Name: "delete_file", Description: "Delete a file.",
					Annotations: &protocol.ToolAnnotation{Destructive: true}},
			},
		},
		invoke: invoke,
	}
}

func (s *stubInvoker) Invoke(_ context.Context, server, tool string, args map[string]any) (*protocol.InvokeResult, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.mu.Unlock()
	return s.invoke(call, server, tool, args)
}

func (s *stubInvoker) Tool(server, tool string) (protocol.Tool, error) {
	for _, t := range s.catalog[server] {
		if t.Name == tool {
			return t, nil
		}
	}
	return protocol.Tool{}, fmt.Errorf("unknown tool %s/%s", server, tool)
}

func (s *stubInvoker) Catalog() map[string][]protocol.Tool {
	return s.catalog
}

func (s *stubInvoker) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// stubGate records proposals and answers with a fixed verdict.
type stubGate struct {
	mu        sync.Mutex
	proposals []*council.Proposal
	approve   bool
	reason    string
}

func (g *stubGate) Review(_ context.Context, p *council.Proposal) (*council.Verdict, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.proposals = append(g.proposals, p)
	return &council.Verdict{
		ProposalID: p.ID,
		Approved:   g.approve,
		Reason:     g.reason,
	}, nil
}

func (g *stubGate) reviewCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.proposals)
}

// recordingMemory collects Remember calls.
type recordingMemory struct {
	mu      sync.Mutex
	entries []string
}

func (m *recordingMemory) Remember(_ context.Context, content string, _ []string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, content)
	return fmt.Sprintf("mem-%d", len(m.entries)), nil
}

func (m *recordingMemory) all() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.entries...)
}

// recordingSnapshotter counts terminal snapshots.
type recordingSnapshotter struct {
	mu    sync.Mutex
	saved int
}

func (s *recordingSnapshotter) SaveSnapshot(_ context.Context, _ *types.Session, _ *composer.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saved++
	return nil
}

func testComposer(t *testing.T) *composer.Composer {
	t.Helper()
	reg := prompts.NewStaticRegistry()
	reg.Add(prompts.Metadata{Key: prompts.KeySystem}, prompts.DefaultVariant,
		"You are the hub core for {{.topic}}.")
	c, err := composer.New(composer.Config{Prompts: reg})
	require.NoError(t, err)
	return c
}

func newTestController(t *testing.T, cfg Config, deps Deps) *Controller {
	t.Helper()
	if deps.Composer == nil {
		deps.Composer = testComposer(t)
	}
	if deps.Broker == nil {
		deps.Broker = newStubInvoker(func(int, string, string, map[string]any) (*protocol.InvokeResult, error) {
			return &protocol.InvokeResult{Content: []protocol.Content{{Type: "text", Text: "ok"}}}, nil
		})
	}
	if deps.Model == nil {
		deps.Model = model.NewScripted(&model.Completion{Text: "done"})
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = time.Millisecond
	}
	if cfg.BudgetTokens == 0 {
		cfg.BudgetTokens = 4096
	}
	c, err := New(cfg, deps)
	require.NoError(t, err)
	return c
}

func toolCompletion(server, tool string) *model.Completion {
	action := types.NewToolCallAction(server, tool, map[string]any{"path": "/tmp/x"})
	return &model.Completion{Text: "calling " + tool, Action: &action}
}

// drainEvents empties the event channel after all tasks finished.
func drainEvents(c *Controller) []Event {
	var out []Event
	for {
		select {
		case ev := <-c.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestStartTask_PromptCompletesAsDone(t *testing.T) {
	memory := &recordingMemory{}
	snaps := &recordingSnapshotter{}
	c := newTestController(t, Config{}, Deps{
		Model:    model.NewScripted(&model.Completion{Text: "all sorted, nothing to run"}),
		Memory:   memory,
		Snapshot: snaps,
	})

	require.NoError(t, c.StartTask(context.Background(), "sess-1", "summarize the widgets"))
	c.Wait()

	session := c.Session("sess-1")
	assert.Equal(t, types.StateDone, session.State())
	assert.True(t, session.State().Terminal())

	entries := memory.all()
	require.NotEmpty(t, entries)
	assert.Contains(t, entries[len(entries)-1], "done")
	assert.Equal(t, 1, snaps.saved)

	events := drainEvents(c)
	var sawDone bool
	for _, ev := range events {
		if ev.Type == EventTaskDone {
			sawDone = true
		}
	}
	assert.True(t, sawDone, "expected a task-done event")
}

func TestStartTask_SafeToolCallRunsWithoutCouncil(t *testing.T) {
	gate := &stubGate{approve: false, reason: "should never be asked"}
	invoker := newStubInvoker(func(int, string, string, map[string]any) (*protocol.InvokeResult, error) {
		return &protocol.InvokeResult{Content: []protocol.Content{{Type: "text", Text: "file contents"}}}, nil
	})
	c := newTestController(t, Config{}, Deps{
		Broker: invoker,
		Gate:   gate,
		Model:  model.NewScripted(toolCompletion("files", "read_file")),
	})

	require.NoError(t, c.StartTask(context.Background(), "sess-1", "read the config"))
	c.Wait()

	assert.Equal(t, types.StateDone, c.Session("sess-1").State())
	assert.Equal(t, 1, invoker.callCount())
	assert.Zero(t, gate.reviewCount(), "read-only tool must not reach the council")
}

func TestStartTask_RiskyToolCallConsultsCouncil(t *testing.T) {
	gate := &stubGate{approve: true}
	invoker := newStubInvoker(func(int, string, string, map[string]any) (*protocol.InvokeResult, error) {
		return &protocol.InvokeResult{Content: []protocol.Content{{Type: "text", Text: "deleted"}}}, nil
	})
	c := newTestController(t, Config{}, Deps{
		Broker: invoker,
		Gate:   gate,
		Model:  model.NewScripted(toolCompletion("files", "delete_file")),
	})

	require.NoError(t, c.StartTask(context.Background(), "sess-1", "remove the stale file"))
	c.Wait()

	assert.Equal(t, types.StateDone, c.Session("sess-1").State())
	require.Equal(t, 1, gate.reviewCount())
	assert.Equal(t, types.RiskRisky, gate.proposals[0].Risk)
	assert.Equal(t, 1, invoker.callCount())
}

func TestHighAutonomyNeverEntersAwaitingCouncil(t *testing.T) {
	gate := &stubGate{approve: false, reason: "would veto"}
	invoker := newStubInvoker(func(int, string, string, map[string]any) (*protocol.InvokeResult, error) {
		return &protocol.InvokeResult{Content: []protocol.Content{{Type: "text", Text: "deleted"}}}, nil
	})
	c := newTestController(t, Config{}, Deps{
		Broker: invoker,
		Gate:   gate,
		Model:  model.NewScripted(toolCompletion("files", "delete_file")),
	})
	require.NoError(t, c.SetAutonomyLevel("sess-1", types.AutonomyHigh))

	require.NoError(t, c.StartTask(context.Background(), "sess-1", "remove the stale file"))
	c.Wait()

	assert.Equal(t, types.StateDone, c.Session("sess-1").State())
	assert.Zero(t, gate.reviewCount(), "high autonomy bypasses review entirely")
	for _, ev := range drainEvents(c) {
		assert.NotEqual(t, types.StateAwaitingCouncil, ev.State)
	}
}

func TestCouncilRejectionRetriesThenFails(t *testing.T) {
	gate := &stubGate{approve: false, reason: "too destructive"}
	c := newTestController(t, Config{MaxRetries: 2}, Deps{
		Gate:  gate,
		Model: model.NewScriptedLoop(toolCompletion("files", "delete_file")),
	})

	require.NoError(t, c.StartTask(context.Background(), "sess-1", "remove everything"))
	c.Wait()

	assert.Equal(t, types.StateFailed, c.Session("sess-1").State())
	assert.Equal(t, 3, gate.reviewCount(), "initial attempt plus two retries")

	var failed *Event
	for _, ev := range drainEvents(c) {
		if ev.Type == EventTaskFailed {
			failed = &ev
			break
		}
	}
	require.NotNil(t, failed)
	assert.Contains(t, failed.Message, "council rejected")
	assert.Contains(t, failed.Message, "too destructive")
}

func TestRiskyActionWithoutCouncilFailsClosed(t *testing.T) {
	c := newTestController(t, Config{}, Deps{
		Model: model.NewScripted(toolCompletion("files", "delete_file")),
	})

	require.NoError(t, c.StartTask(context.Background(), "sess-1", "remove the stale file"))
	c.Wait()

	assert.Equal(t, types.StateFailed, c.Session("sess-1").State())
	var failed *Event
	for _, ev := range drainEvents(c) {
		if ev.Type == EventTaskFailed {
			failed = &ev
			break
		}
	}
	require.NotNil(t, failed)
	assert.Contains(t, failed.Message, "no council configured")
}

func TestTransientToolFailureRetriesThenSucceeds(t *testing.T) {
	invoker := newStubInvoker(func(call int, _, _ string, _ map[string]any) (*protocol.InvokeResult, error) {
		if call == 1 {
			return nil, fault.Transientf(fault.ToolInvocationError, "connection reset")
		}
		return &protocol.InvokeResult{Content: []protocol.Content{{Type: "text", Text: "contents"}}}, nil
	})
	c := newTestController(t, Config{}, Deps{
		Broker: invoker,
		Model:  model.NewScriptedLoop(toolCompletion("files", "read_file")),
	})

	require.NoError(t, c.StartTask(context.Background(), "sess-1", "read the config"))
	c.Wait()

	assert.Equal(t, types.StateDone, c.Session("sess-1").State())
	assert.Equal(t, 2, invoker.callCount())
}

func TestFatalToolFailureDoesNotRetry(t *testing.T) {
	invoker := newStubInvoker(func(int, string, string, map[string]any) (*protocol.InvokeResult, error) {
		return nil, fault.Newf(fault.ToolInvocationError, "schema validation failed")
	})
	c := newTestController(t, Config{}, Deps{
		Broker: invoker,
		Model:  model.NewScriptedLoop(toolCompletion("files", "read_file")),
	})

	require.NoError(t, c.StartTask(context.Background(), "sess-1", "read the config"))
	c.Wait()

	assert.Equal(t, types.StateFailed, c.Session("sess-1").State())
	assert.Equal(t, 1, invoker.callCount(), "non-transient faults fail immediately")
}

func TestCancelStopsAtStateBoundary(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	invoker := newStubInvoker(func(int, string, string, map[string]any) (*protocol.InvokeResult, error) {
		close(started)
		<-release
		return &protocol.InvokeResult{Content: []protocol.Content{{Type: "text", Text: "done anyway"}}}, nil
	})
	c := newTestController(t, Config{}, Deps{
		Broker: invoker,
		Model:  model.NewScriptedLoop(toolCompletion("files", "read_file")),
	})

	require.NoError(t, c.StartTask(context.Background(), "sess-1", "read the config"))
	<-started
	require.NoError(t, c.Cancel("sess-1"))
	close(release)
	c.Wait()

	// The in-flight invocation completed; the loop then stopped instead of
	// entering the next state.
	assert.Equal(t, 1, invoker.callCount())
	assert.Equal(t, types.StateFailed, c.Session("sess-1").State())

	var failed *Event
	for _, ev := range drainEvents(c) {
		if ev.Type == EventTaskFailed {
			failed = &ev
			break
		}
	}
	require.NotNil(t, failed)
	assert.Contains(t, failed.Message, string(fault.AutonomyAborted))
}

func TestStartTask_OneTaskPerSession(t *testing.T) {
	release := make(chan struct{})
	invoker := newStubInvoker(func(int, string, string, map[string]any) (*protocol.InvokeResult, error) {
		<-release
		return &protocol.InvokeResult{Content: []protocol.Content{{Type: "text", Text: "ok"}}}, nil
	})
	c := newTestController(t, Config{}, Deps{
		Broker: invoker,
		Model:  model.NewScriptedLoop(toolCompletion("files", "read_file")),
	})

	require.NoError(t, c.StartTask(context.Background(), "sess-1", "first"))
	err := c.StartTask(context.Background(), "sess-1", "second")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already has a task running")

	close(release)
	c.Wait()
}

func TestStartTask_ConcurrentSessionsAreIndependent(t *testing.T) {
	blockFirst := make(chan struct{})
	invoker := newStubInvoker(func(_ int, _, _ string, args map[string]any) (*protocol.InvokeResult, error) {
		if args["path"] == "/slow" {
			<-blockFirst
		}
		return &protocol.InvokeResult{Content: []protocol.Content{{Type: "text", Text: "ok"}}}, nil
	})
	slowAction := types.NewToolCallAction("files", "read_file", map[string]any{"path": "/slow"})
	c := newTestController(t, Config{}, Deps{
		Broker: invoker,
		Model: model.NewScriptedLoop(
			&model.Completion{Text: "slow read", Action: &slowAction},
		),
	})

	require.NoError(t, c.StartTask(context.Background(), "sess-slow", "read slowly"))

	fast := newTestController(t, Config{}, Deps{
		Model: model.NewScripted(&model.Completion{Text: "nothing to do"}),
	})
	require.NoError(t, fast.StartTask(context.Background(), "sess-fast", "quick check"))
	fast.Wait()
	assert.Equal(t, types.StateDone, fast.Session("sess-fast").State())

	close(blockFirst)
	c.Wait()
	assert.Equal(t, types.StateDone, c.Session("sess-slow").State())
}

func TestSetAutonomyLevel_RejectsUnknown(t *testing.T) {
	c := newTestController(t, Config{}, Deps{})
	err := c.SetAutonomyLevel("sess-1", types.AutonomyLevel("reckless"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown autonomy level")
}

func TestCancel_UnknownSession(t *testing.T) {
	c := newTestController(t, Config{}, Deps{})
	require.Error(t, c.Cancel("nope"))
}

func TestContextSnapshot_AvailableAfterPlanning(t *testing.T) {
	c := newTestController(t, Config{}, Deps{
		Model: model.NewScripted(&model.Completion{Text: "all set"}),
	})

	_, err := c.ContextSnapshot("sess-1")
	require.Error(t, err, "no context before the first planning pass")

	require.NoError(t, c.StartTask(context.Background(), "sess-1", "plan something"))
	c.Wait()

	snap, err := c.ContextSnapshot("sess-1")
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.NotEmpty(t, snap.Layers)
}

func TestToolResultsFoldIntoMemory(t *testing.T) {
	memory := &recordingMemory{}
	invoker := newStubInvoker(func(int, string, string, map[string]any) (*protocol.InvokeResult, error) {
		return &protocol.InvokeResult{Content: []protocol.Content{{Type: "text", Text: "42 widgets"}}}, nil
	})
	c := newTestController(t, Config{}, Deps{
		Broker: invoker,
		Memory: memory,
		Model:  model.NewScripted(toolCompletion("files", "read_file")),
	})

	require.NoError(t, c.StartTask(context.Background(), "sess-1", "count the widgets"))
	c.Wait()

	var sawToolResult bool
	for _, entry := range memory.all() {
		if strings.Contains(entry, "files/read_file") && strings.Contains(entry, "42 widgets") {
			sawToolResult = true
		}
	}
	assert.True(t, sawToolResult, "tool outcome should be remembered")
}

func TestSessions_ListsKnownSessions(t *testing.T) {
	c := newTestController(t, Config{}, Deps{})
	c.Session("b")
	c.Session("a")
	assert.Equal(t, []string{"a", "b"}, c.Sessions())
}

func TestClipMessage_CutsOnRuneBoundary(t *testing.T) {
	clipped := clipMessage(strings.Repeat("é", 10), 5)
	assert.True(t, utf8.ValidString(clipped), "clip must not split a multi-byte rune")
	assert.True(t, strings.HasSuffix(clipped, "..."))
}
