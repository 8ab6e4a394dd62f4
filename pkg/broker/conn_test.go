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

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teradata-labs/heddle/pkg/broker/protocol"
	"github.com/teradata-labs/heddle/pkg/broker/transport"
	"github.com/teradata-labs/heddle/pkg/fault"
)

// fakeServer speaks the wire protocol over the far end of an in-memory pipe.
// Each request is handled on its own goroutine so responses can arrive out of
// order, the same way a real server with parallel tool executions behaves.
type fakeServer struct {
	version  string
	caps     []string
	pageSize int

	mu        sync.Mutex
	tr        transport.Transport
	tools     []protocol.Tool
	calls     []string
	held      map[string]bool
	responses []protocol.Response
	invokeFn  func(params protocol.InvokeParams) (*protocol.InvokeResult, *protocol.Error)
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		version: protocol.Version,
		caps:    []string{protocol.CapTools, protocol.CapNotifications},
		tools:   []protocol.Tool{echoTool()},
		held:    make(map[string]bool),
	}
}

func echoTool() protocol.Tool {
	return protocol.Tool{
		Name:        "echo",
		Description: "Echoes the text argument back.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{"type": "string"},
			},
			"required": []string{"text"},
		},
	}
}

func clockTool() protocol.Tool {
	return protocol.Tool{
		Name:        "clock",
		Description: "Reports a fixed timestamp.",
		InputSchema: map[string]any{"type": "object"},
	}
}

func (f *fakeServer) serve(tr transport.Transport) {
	f.mu.Lock()
	f.tr = tr
	f.mu.Unlock()

	go func() {
		for {
			data, err := tr.Receive(context.Background())
			if err != nil {
				return
			}

			var resp protocol.Response
			if err := json.Unmarshal(data, &resp); err == nil && resp.ID != nil && (len(resp.Result) > 0 || resp.Error != nil) {
				f.mu.Lock()
				f.responses = append(f.responses, resp)
				f.mu.Unlock()
				continue
			}

			var req protocol.Request
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			go f.handle(tr, &req)
		}
	}()
}

func (f *fakeServer) handle(tr transport.Transport, req *protocol.Request) {
	switch req.Method {
	case protocol.MethodHello:
		f.reply(tr, req.ID, protocol.HelloResult{
			ProtocolVersion: f.version,
			ServerInfo:      protocol.Implementation{Name: "fake-tools", Version: "1.0.0"},
			Capabilities:    f.caps,
		})

	case protocol.MethodDescribe:
		var params protocol.DescribeParams
		_ = json.Unmarshal(req.Params, &params)

		f.mu.Lock()
		tools := append([]protocol.Tool(nil), f.tools...)
		f.mu.Unlock()

		page := protocol.DescribeResult{Tools: tools}
		if f.pageSize > 0 && f.pageSize < len(tools) {
			if params.Cursor == "" {
				page = protocol.DescribeResult{Tools: tools[:f.pageSize], NextCursor: "more"}
			} else {
				page = protocol.DescribeResult{Tools: tools[f.pageSize:]}
			}
		}
		f.reply(tr, req.ID, page)

	case protocol.MethodPing:
		f.reply(tr, req.ID, map[string]any{})

	case protocol.MethodInvoke:
		var params protocol.InvokeParams
		_ = json.Unmarshal(req.Params, &params)

		f.mu.Lock()
		f.calls = append(f.calls, params.Name)
		held := f.held[params.Name]
		fn := f.invokeFn
		f.mu.Unlock()

		if held {
			return
		}
		if fn != nil {
			result, rpcErr := fn(params)
			if rpcErr != nil {
				f.replyError(tr, req.ID, rpcErr)
				return
			}
			f.reply(tr, req.ID, result)
			return
		}

		text, _ := params.Arguments["text"].(string)
		f.reply(tr, req.ID, &protocol.InvokeResult{
			Content: []protocol.Content{{Type: "text", Text: "echo: " + text}},
		})
	}
}

func (f *fakeServer) reply(tr transport.Transport, id *protocol.RequestID, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		return
	}
	data, err := json.Marshal(protocol.Response{JSONRPC: protocol.JSONRPCVersion, ID: id, Result: raw})
	if err != nil {
		return
	}
	_ = tr.Send(context.Background(), data)
}

func (f *fakeServer) replyError(tr transport.Transport, id *protocol.RequestID, rpcErr *protocol.Error) {
	data, err := json.Marshal(protocol.Response{JSONRPC: protocol.JSONRPCVersion, ID: id, Error: rpcErr})
	if err != nil {
		return
	}
	_ = tr.Send(context.Background(), data)
}

// notify sends a server-initiated notification to the hub.
func (f *fakeServer) notify(method string, params any) error {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return err
		}
		raw = b
	}
	data, err := json.Marshal(protocol.Request{JSONRPC: protocol.JSONRPCVersion, Method: method, Params: raw})
	if err != nil {
		return err
	}

	f.mu.Lock()
	tr := f.tr
	f.mu.Unlock()
	return tr.Send(context.Background(), data)
}

// request sends a server-initiated request, which the hub must reject.
func (f *fakeServer) request(id int64, method string) error {
	data, err := json.Marshal(protocol.Request{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      protocol.NewNumericRequestID(id),
		Method:  method,
	})
	if err != nil {
		return err
	}

	f.mu.Lock()
	tr := f.tr
	f.mu.Unlock()
	return tr.Send(context.Background(), data)
}

func (f *fakeServer) holdTool(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.held[name] = true
}

func (f *fakeServer) setTools(tools ...protocol.Tool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tools = tools
}

func (f *fakeServer) invokes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeServer) hubResponses() []protocol.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Response(nil), f.responses...)
}

// connectFake wires a connection to the fake over an in-memory pipe and
// completes the handshake.
func connectFake(t *testing.T, fake *fakeServer, mutate ...func(*ConnConfig)) *Conn {
	t.Helper()

	hubEnd, srvEnd := transport.NewPipe()
	fake.serve(srvEnd)

	cfg := ConnConfig{
		Name: "files",
		Dialer: transport.DialerFunc(func(ctx context.Context) (transport.Transport, error) {
			return hubEnd, nil
		}),
		RequestTimeout: 2 * time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}

	conn := NewConn(cfg)
	require.NoError(t, conn.Connect(context.Background()))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestConn_ConnectLoadsCatalog(t *testing.T) {
	fake := newFakeServer()
	conn := connectFake(t, fake, func(cfg *ConnConfig) {
		cfg.Require = []string{protocol.CapTools}
	})

	assert.Equal(t, StateReady, conn.State())
	assert.Equal(t, "fake-tools", conn.ServerInfo().Name)
	assert.Equal(t, protocol.Version, conn.ProtocolVersion())
	assert.Contains(t, conn.Capabilities(), protocol.CapTools)

	tools := conn.Tools()
	require.Len(t, tools, 1)
	assert.Equal(t, "echo", tools[0].Name)
}

func TestConn_ConnectPagesThroughCatalog(t *testing.T) {
	fake := newFakeServer()
	fake.setTools(echoTool(), clockTool())
	fake.pageSize = 1

	conn := connectFake(t, fake)

	tools := conn.Tools()
	require.Len(t, tools, 2)
	assert.Equal(t, "clock", tools[0].Name)
	assert.Equal(t, "echo", tools[1].Name)
}

func TestConn_NegotiatesDownToServerVersion(t *testing.T) {
	fake := newFakeServer()
	fake.version = "v1.0.0"

	conn := connectFake(t, fake)
	assert.Equal(t, "v1.0.0", conn.ProtocolVersion())
}

func TestConn_RequiredCapabilityMissing(t *testing.T) {
	fake := newFakeServer()
	fake.caps = []string{protocol.CapTools}

	hubEnd, srvEnd := transport.NewPipe()
	fake.serve(srvEnd)

	conn := NewConn(ConnConfig{
		Name: "files",
		Dialer: transport.DialerFunc(func(ctx context.Context) (transport.Transport, error) {
			return hubEnd, nil
		}),
		Require:        []string{protocol.CapTools, protocol.CapCancellation},
		RequestTimeout: 2 * time.Second,
	})

	err := conn.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CapabilityMismatch))
	assert.Equal(t, StateClosed, conn.State())

	var fe *fault.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, []string{protocol.CapCancellation}, fe.Details["missing"])
}

func TestConn_ProtocolMajorMismatch(t *testing.T) {
	fake := newFakeServer()
	fake.version = "v2.0.0"

	hubEnd, srvEnd := transport.NewPipe()
	fake.serve(srvEnd)

	conn := NewConn(ConnConfig{
		Name: "files",
		Dialer: transport.DialerFunc(func(ctx context.Context) (transport.Transport, error) {
			return hubEnd, nil
		}),
		RequestTimeout: 2 * time.Second,
	})

	err := conn.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.CapabilityMismatch))
}

func TestConn_DialFailure(t *testing.T) {
	conn := NewConn(ConnConfig{
		Name: "files",
		Dialer: transport.DialerFunc(func(ctx context.Context) (transport.Transport, error) {
			return nil, errors.New("connection refused")
		}),
	})

	err := conn.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.ConnectionError))
	assert.Equal(t, StateDisconnected, conn.State())
}

func TestConn_InvokeEcho(t *testing.T) {
	fake := newFakeServer()
	conn := connectFake(t, fake)

	result, err := conn.Invoke(context.Background(), "echo", map[string]any{"text": "hi"})
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", result.Text())
	assert.Equal(t, []string{"echo"}, fake.invokes())
}

func TestConn_InvokeUnknownToolFailsFast(t *testing.T) {
	fake := newFakeServer()
	conn := connectFake(t, fake)

	_, err := conn.Invoke(context.Background(), "missing", nil)
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.ToolInvocationError))
	assert.False(t, fault.IsTransient(err))
	assert.Empty(t, fake.invokes(), "nothing should reach the server")
}

func TestConn_InvokeRejectsBadArguments(t *testing.T) {
	fake := newFakeServer()
	conn := connectFake(t, fake)

	tests := []struct {
		name string
		args map[string]any
	}{
		{"missing required field", map[string]any{}},
		{"wrong type", map[string]any{"text": 42}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := conn.Invoke(context.Background(), "echo", tt.args)
			require.Error(t, err)
			assert.True(t, fault.Is(err, fault.ToolInvocationError))
			assert.False(t, fault.IsTransient(err))
		})
	}
	assert.Empty(t, fake.invokes(), "invalid arguments must not hit the wire")
}

func TestConn_InvokeServerBusyIsTransient(t *testing.T) {
	fake := newFakeServer()
	fake.invokeFn = func(params protocol.InvokeParams) (*protocol.InvokeResult, *protocol.Error) {
		return nil, protocol.NewError(protocol.ServerError, "worker pool exhausted", nil)
	}
	conn := connectFake(t, fake)

	_, err := conn.Invoke(context.Background(), "echo", map[string]any{"text": "hi"})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.ToolInvocationError))
	assert.True(t, fault.IsTransient(err))
}

func TestConn_InvokeProtocolErrorIsFatal(t *testing.T) {
	fake := newFakeServer()
	fake.invokeFn = func(params protocol.InvokeParams) (*protocol.InvokeResult, *protocol.Error) {
		return nil, protocol.NewError(protocol.InvalidParams, "unsupported argument", nil)
	}
	conn := connectFake(t, fake)

	_, err := conn.Invoke(context.Background(), "echo", map[string]any{"text": "hi"})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.ToolInvocationError))
	assert.False(t, fault.IsTransient(err))
}

func TestConn_InvokeToolReportedFailure(t *testing.T) {
	fake := newFakeServer()
	fake.invokeFn = func(params protocol.InvokeParams) (*protocol.InvokeResult, *protocol.Error) {
		return &protocol.InvokeResult{
			Content: []protocol.Content{{Type: "text", Text: "disk quota exceeded"}},
			IsError: true,
		}, nil
	}
	conn := connectFake(t, fake)

	_, err := conn.Invoke(context.Background(), "echo", map[string]any{"text": "hi"})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.ToolInvocationError))
	assert.False(t, fault.IsTransient(err))
	assert.Contains(t, err.Error(), "disk quota exceeded")
}

func TestConn_ConcurrentInvokesDemultiplex(t *testing.T) {
	const workers = 8

	fake := newFakeServer()
	fake.invokeFn = func(params protocol.InvokeParams) (*protocol.InvokeResult, *protocol.Error) {
		n := int(params.Arguments["n"].(float64))
		// Answer later requests first so responses interleave across ids.
		time.Sleep(time.Duration(workers-n) * 3 * time.Millisecond)
		return &protocol.InvokeResult{
			Content: []protocol.Content{{Type: "text", Text: fmt.Sprintf("n=%d", n)}},
		}, nil
	}
	fake.setTools(protocol.Tool{
		Name:        "echo",
		InputSchema: map[string]any{"type": "object"},
	})
	conn := connectFake(t, fake)

	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			result, err := conn.Invoke(context.Background(), "echo", map[string]any{"n": n})
			if err != nil {
				errs <- err
				return
			}
			if got, want := result.Text(), fmt.Sprintf("n=%d", n); got != want {
				errs <- fmt.Errorf("response crossed wires: got %q, want %q", got, want)
			}
		}(i)
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Error(err)
	}
}

func TestConn_NotificationsDeliveredInOrder(t *testing.T) {
	fake := newFakeServer()

	var mu sync.Mutex
	var seen []string
	connectFake(t, fake, func(cfg *ConnConfig) {
		cfg.OnNotification = func(n protocol.Notification) {
			var entry protocol.LogNotification
			_ = json.Unmarshal(n.Params, &entry)
			mu.Lock()
			seen = append(seen, entry.Message)
			mu.Unlock()
		}
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, fake.notify(protocol.NotifyLog, protocol.LogNotification{
			Level:   "info",
			Message: fmt.Sprintf("line %d", i),
		}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"line 0", "line 1", "line 2"}, seen)
}

func TestConn_ToolsChangedRefreshesCatalog(t *testing.T) {
	fake := newFakeServer()
	conn := connectFake(t, fake)
	require.Len(t, conn.Tools(), 1)

	fake.setTools(echoTool(), clockTool())
	require.NoError(t, fake.notify(protocol.NotifyToolsChanged, nil))

	require.Eventually(t, func() bool {
		return len(conn.Tools()) == 2
	}, 2*time.Second, 5*time.Millisecond)

	_, ok := conn.Tool("clock")
	assert.True(t, ok)
}

func TestConn_RejectsServerInitiatedRequest(t *testing.T) {
	fake := newFakeServer()
	connectFake(t, fake)

	require.NoError(t, fake.request(99, "sampling/create"))

	require.Eventually(t, func() bool {
		return len(fake.hubResponses()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	resp := fake.hubResponses()[0]
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.MethodNotFound, resp.Error.Code)
}

func TestConn_Ping(t *testing.T) {
	fake := newFakeServer()
	conn := connectFake(t, fake)

	require.NoError(t, conn.Ping(context.Background()))
}

func TestConn_ReconnectResendsPendingInvoke(t *testing.T) {
	fake1 := newFakeServer()
	fake1.holdTool("echo")
	hub1, srv1 := transport.NewPipe()
	fake1.serve(srv1)

	fake2 := newFakeServer()

	var dials int32
	dialer := transport.DialerFunc(func(ctx context.Context) (transport.Transport, error) {
		if atomic.AddInt32(&dials, 1) == 1 {
			return hub1, nil
		}
		hub2, srv2 := transport.NewPipe()
		fake2.serve(srv2)
		return hub2, nil
	})

	conn := NewConn(ConnConfig{
		Name:              "files",
		Dialer:            dialer,
		RequestTimeout:    3 * time.Second,
		ReconnectBase:     10 * time.Millisecond,
		ReconnectAttempts: 3,
	})
	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Close()

	results := make(chan *protocol.InvokeResult, 1)
	invokeErrs := make(chan error, 1)
	go func() {
		result, err := conn.Invoke(context.Background(), "echo", map[string]any{"text": "over the gap"})
		if err != nil {
			invokeErrs <- err
			return
		}
		results <- result
	}()

	// Wait until the first server holds the request, then drop the link.
	require.Eventually(t, func() bool {
		return len(fake1.invokes()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, srv1.Close())

	select {
	case result := <-results:
		assert.Equal(t, "echo: over the gap", result.Text())
	case err := <-invokeErrs:
		t.Fatalf("invoke failed across reconnect: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("invoke never completed after reconnect")
	}

	assert.Equal(t, []string{"echo"}, fake2.invokes())
	assert.Equal(t, int32(2), atomic.LoadInt32(&dials))
	require.Eventually(t, func() bool {
		return conn.State() == StateReady
	}, 2*time.Second, 5*time.Millisecond)
}

func TestConn_InvokeParkedDuringReconnectIsSentOnce(t *testing.T) {
	fake1 := newFakeServer()
	hub1, srv1 := transport.NewPipe()
	fake1.serve(srv1)

	fake2 := newFakeServer()

	// The second dial blocks until released so the invoke below is issued
	// while the connection is still Reconnecting.
	release := make(chan struct{})
	var dials int32
	dialer := transport.DialerFunc(func(ctx context.Context) (transport.Transport, error) {
		if atomic.AddInt32(&dials, 1) == 1 {
			return hub1, nil
		}
		<-release
		hub2, srv2 := transport.NewPipe()
		fake2.serve(srv2)
		return hub2, nil
	})

	conn := NewConn(ConnConfig{
		Name:              "files",
		Dialer:            dialer,
		RequestTimeout:    3 * time.Second,
		ReconnectBase:     10 * time.Millisecond,
		ReconnectAttempts: 3,
	})
	require.NoError(t, conn.Connect(context.Background()))
	defer conn.Close()

	require.NoError(t, srv1.Close())
	require.Eventually(t, func() bool {
		return conn.State() == StateReconnecting
	}, 2*time.Second, 5*time.Millisecond)

	results := make(chan *protocol.InvokeResult, 1)
	invokeErrs := make(chan error, 1)
	go func() {
		result, err := conn.Invoke(context.Background(), "echo", map[string]any{"text": "parked"})
		if err != nil {
			invokeErrs <- err
			return
		}
		results <- result
	}()

	// Let the invoke park, then allow the reconnect to finish.
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case result := <-results:
		assert.Equal(t, "echo: parked", result.Text())
	case err := <-invokeErrs:
		t.Fatalf("parked invoke failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("parked invoke never completed after reconnect")
	}

	assert.Equal(t, []string{"echo"}, fake2.invokes(), "parked invoke must be sent exactly once")
}

func TestConn_ReconnectExhaustionFailsPending(t *testing.T) {
	fake := newFakeServer()
	fake.holdTool("echo")
	hub1, srv1 := transport.NewPipe()
	fake.serve(srv1)

	var dials int32
	dialer := transport.DialerFunc(func(ctx context.Context) (transport.Transport, error) {
		if atomic.AddInt32(&dials, 1) == 1 {
			return hub1, nil
		}
		return nil, errors.New("connection refused")
	})

	conn := NewConn(ConnConfig{
		Name:              "files",
		Dialer:            dialer,
		RequestTimeout:    3 * time.Second,
		ReconnectBase:     5 * time.Millisecond,
		ReconnectAttempts: 2,
	})
	require.NoError(t, conn.Connect(context.Background()))

	invokeErrs := make(chan error, 1)
	go func() {
		_, err := conn.Invoke(context.Background(), "echo", map[string]any{"text": "doomed"})
		invokeErrs <- err
	}()

	require.Eventually(t, func() bool {
		return len(fake.invokes()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, srv1.Close())

	select {
	case err := <-invokeErrs:
		require.Error(t, err)
		assert.True(t, fault.Is(err, fault.ConnectionError))
		assert.Contains(t, err.Error(), "reconnect attempts")
	case <-time.After(5 * time.Second):
		t.Fatal("pending invoke never failed")
	}

	require.Eventually(t, func() bool {
		return conn.State() == StateClosed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(3), atomic.LoadInt32(&dials))
}

func TestConn_CloseFailsPending(t *testing.T) {
	fake := newFakeServer()
	fake.holdTool("echo")
	conn := connectFake(t, fake)

	invokeErrs := make(chan error, 1)
	go func() {
		_, err := conn.Invoke(context.Background(), "echo", map[string]any{"text": "hi"})
		invokeErrs <- err
	}()

	require.Eventually(t, func() bool {
		return len(fake.invokes()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, conn.Close())

	select {
	case err := <-invokeErrs:
		require.Error(t, err)
		assert.True(t, fault.Is(err, fault.ConnectionError))
	case <-time.After(2 * time.Second):
		t.Fatal("pending invoke never failed after close")
	}
}

func TestConn_InvokeAfterCloseFails(t *testing.T) {
	fake := newFakeServer()
	conn := connectFake(t, fake)
	require.NoError(t, conn.Close())

	_, err := conn.Invoke(context.Background(), "echo", map[string]any{"text": "hi"})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.ConnectionError))
}
