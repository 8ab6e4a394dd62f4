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
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/teradata-labs/heddle/pkg/broker/protocol"
	"github.com/teradata-labs/heddle/pkg/composer"
	"github.com/teradata-labs/heddle/pkg/types"
)

func snapshotFor(system, user string) *composer.Snapshot {
	return &composer.Snapshot{
		SessionID: "sess-1",
		Layers: []composer.Layer{
			{Kind: composer.LayerSystem, Name: "system", Content: system},
			{Kind: composer.LayerActiveConversation, Name: "conversation", Content: user},
		},
	}
}

func TestQualifyToolName_RoundTrip(t *testing.T) {
	name := QualifyToolName("files", "read_file")
	assert.Equal(t, "files__read_file", name)

	server, tool := SplitToolName(name)
	assert.Equal(t, "files", server)
	assert.Equal(t, "read_file", tool)

	server, tool = SplitToolName("bare_tool")
	assert.Equal(t, "", server)
	assert.Equal(t, "bare_tool", tool)
}

func TestExtractAction_ToolUseWins(t *testing.T) {
	text := "I'll run this:\n```bash\necho hi\n```"
	action := extractAction(text, &toolUse{
		ID:    "tu_1",
		Name:  "files__write_file",
		Input: map[string]any{"path": "/tmp/x"},
	})
	require.NoError(t, action.Validate())
	require.Equal(t, types.ActionToolCall, action.Kind)
	assert.Equal(t, "files", action.ToolCall.Server)
	assert.Equal(t, "write_file", action.ToolCall.Tool)
	assert.Equal(t, "/tmp/x", action.ToolCall.Args["path"])
}

func TestExtractAction_ScriptBlock(t *testing.T) {
	text := "Here's the plan.\n```python\nprint('hello')\n```\nDone."
	action := extractAction(text, nil)
	require.NoError(t, action.Validate())
	require.Equal(t, types.ActionScript, action.Kind)
	assert.Equal(t, "python3", action.Script.Interpreter)
	assert.Equal(t, "print('hello')", action.Script.Source)
}

func TestExtractAction_NonRunnableFenceIsPrompt(t *testing.T) {
	text := "Example output:\n```json\n{\"ok\": true}\n```"
	action := extractAction(text, nil)
	require.NoError(t, action.Validate())
	assert.Equal(t, types.ActionPrompt, action.Kind)
	assert.Equal(t, text, action.Prompt.Text)
}

func TestExtractAction_SkipsNonRunnableThenFindsScript(t *testing.T) {
	text := "```go\nfunc main() {}\n```\nthen\n```sh\nls -la\n```"
	action := extractAction(text, nil)
	require.Equal(t, types.ActionScript, action.Kind)
	assert.Equal(t, "sh", action.Script.Interpreter)
	assert.Equal(t, "ls -la", action.Script.Source)
}

func TestAnthropicClient_Complete(t *testing.T) {
	var gotReq messagesRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		resp := messagesResponse{
			ID:         "msg_1",
			StopReason: "tool_use",
			Content: []wireBlock{
				{Type: "text", Text: "Reading the file."},
				{Type: "tool_use", ID: "tu_1", Name: "files__read_file",
					Input: map[string]any{"path": "notes.md"}},
			},
		}
		resp.Usage.InputTokens = 100
		resp.Usage.OutputTokens = 40
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client, err := NewAnthropicClient(AnthropicConfig{
		APIKey:   "test-key",
		Endpoint: server.URL,
	})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", client.Name())

	completion, err := client.Complete(context.Background(), &Request{
		Snapshot: snapshotFor("You are the hub.", "user: read notes.md"),
		Tools: []protocol.Tool{
			{Name: "files/read_file", Description: "Read a file"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "You are the hub.", gotReq.System)
	require.Len(t, gotReq.Tools, 1)
	assert.Equal(t, "files__read_file", gotReq.Tools[0].Name)

	assert.Equal(t, "Reading the file.", completion.Text)
	require.Equal(t, types.ActionToolCall, completion.Action.Kind)
	assert.Equal(t, "files", completion.Action.ToolCall.Server)
	assert.Equal(t, "read_file", completion.Action.ToolCall.Tool)
	assert.Equal(t, 100, completion.Usage.InputTokens)
	assert.Equal(t, 40, completion.Usage.OutputTokens)
	assert.InDelta(t, 100*3.0/1e6+40*15.0/1e6, completion.Usage.CostUSD, 1e-9)
}

func TestAnthropicClient_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client, err := NewAnthropicClient(AnthropicConfig{APIKey: "k", Endpoint: server.URL})
	require.NoError(t, err)

	_, err = client.Complete(context.Background(), &Request{Snapshot: snapshotFor("sys", "hi")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestScripted_ServesInOrderThenErrors(t *testing.T) {
	client := NewScripted(
		&Completion{Text: "first"},
		&Completion{Text: "second"},
	)

	first, err := client.Complete(context.Background(), &Request{})
	require.NoError(t, err)
	assert.Equal(t, "first", first.Text)
	require.NotNil(t, first.Action)
	assert.Equal(t, types.ActionPrompt, first.Action.Kind)

	_, err = client.Complete(context.Background(), &Request{})
	require.NoError(t, err)
	_, err = client.Complete(context.Background(), &Request{})
	require.Error(t, err)
	assert.Len(t, client.Requests(), 3)
}

func TestCompleteWithRetry_RecoversFromTransientFailure(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.Error(w, "overloaded", http.StatusTooManyRequests)
			return
		}
		resp := messagesResponse{Content: []wireBlock{{Type: "text", Text: "ok"}}}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	client, err := NewAnthropicClient(AnthropicConfig{APIKey: "k", Endpoint: server.URL})
	require.NoError(t, err)

	policy := RetryPolicy{MaxAttempts: 3, Initial: 10 * time.Millisecond, Multiplier: 2, Max: 50 * time.Millisecond}
	completion, err := CompleteWithRetry(context.Background(), client,
		&Request{Snapshot: snapshotFor("sys", "hi")}, policy, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "ok", completion.Text)
	assert.Equal(t, 2, calls)
}

func TestCompleteWithRetry_NoRetryOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	client := NewScripted() // would error if called past cancellation
	_, err := CompleteWithRetry(ctx, client, &Request{}, DefaultRetryPolicy(), zap.NewNop())
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, client.Requests(), "no attempts after cancellation")
}

func TestModelSummarizer_FallsBackOnError(t *testing.T) {
	client := NewScripted() // immediately exhausted, every call errors
	summarizer := NewModelSummarizer(client, zap.NewNop())

	turns := []types.Turn{
		{Role: "user", Content: "count the widgets"},
		{Role: "assistant", Content: "there are 42 widgets"},
	}
	summary, err := summarizer.Summarize(context.Background(), turns)
	require.NoError(t, err)
	assert.Contains(t, summary, "User: count the widgets")
}

func TestModelSummarizer_UsesModelAnswer(t *testing.T) {
	client := NewScripted(&Completion{Text: "  42 widgets counted.  "})
	summarizer := NewModelSummarizer(client, zap.NewNop())

	summary, err := summarizer.Summarize(context.Background(), []types.Turn{
		{Role: "user", Content: "count"},
	})
	require.NoError(t, err)
	assert.Equal(t, "42 widgets counted.", summary)
}
