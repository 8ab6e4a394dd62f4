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

// Package broker multiplexes tool invocations over per-server connections.
// Each connection owns a transport, a demultiplexer matching responses to
// requests by ID, a bounded notification queue with a dedicated consumer,
// and a reconnect loop with exponential backoff.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/heddle/pkg/broker/protocol"
	"github.com/teradata-labs/heddle/pkg/broker/transport"
	"github.com/teradata-labs/heddle/pkg/fault"
	"github.com/teradata-labs/heddle/pkg/observability"
)

// ConnState is a connection's lifecycle position.
type ConnState string

const (
	StateDisconnected ConnState = "disconnected"
	StateConnecting   ConnState = "connecting"
	StateReady        ConnState = "ready"
	StateReconnecting ConnState = "reconnecting"
	StateClosed       ConnState = "closed"
)

// ConnConfig configures one server connection.
type ConnConfig struct {
	Name   string
	Dialer transport.Dialer
	Logger *zap.Logger
	Tracer observability.Tracer

	// ClientInfo is sent in the handshake.
	ClientInfo protocol.Implementation

	// Require lists capability names the server must advertise. A missing
	// capability fails the handshake.
	Require []string

	// RequestTimeout bounds each request when the caller's context carries
	// no deadline. Default: 30s.
	RequestTimeout time.Duration

	// QueueCapacity bounds the notification queue. Default: 256.
	QueueCapacity int

	// ReconnectBase is the first backoff delay, doubled per attempt up to
	// ReconnectMax, for at most ReconnectAttempts attempts.
	// Defaults: 1s base, 30s cap, 5 attempts.
	ReconnectBase     time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int

	// OnNotification receives every admitted notification, called from the
	// connection's single consumer goroutine.
	OnNotification func(n protocol.Notification)
}

func (c *ConnConfig) applyDefaults() {
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.Tracer == nil {
		c.Tracer = observability.NewNoOpTracer()
	}
	if c.ClientInfo.Name == "" {
		c.ClientInfo = protocol.Implementation{Name: "heddle", Version: "dev"}
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = DefaultQueueCapacity
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = time.Second
	}
	if c.ReconnectMax <= 0 {
		c.ReconnectMax = 30 * time.Second
	}
	if c.ReconnectAttempts <= 0 {
		c.ReconnectAttempts = 5
	}
}

// pendingCall tracks one in-flight request. The raw request bytes are kept
// so a reconnect can re-send everything that was waiting when the transport
// died.
type pendingCall struct {
	respCh chan *protocol.Response
	errCh  chan error
	raw    []byte

	// sent tracks whether the request went out on the current transport,
	// guarded by pendingMu. The reconnect loop resets it when the
	// transport dies and re-sends only unsent calls, so a call that parks
	// after the resend snapshot is still picked up and a call that sent
	// itself is never duplicated.
	sent bool
}

// Conn is one multiplexed connection to a tool server.
type Conn struct {
	cfg    ConnConfig
	logger *zap.Logger
	tracer observability.Tracer

	mu           sync.RWMutex
	state        ConnState
	transport    transport.Transport
	serverInfo   protocol.Implementation
	protoVersion string
	capabilities []string

	nextID    int64
	pending   map[string]*pendingCall
	pendingMu sync.Mutex

	tools   map[string]protocol.Tool
	toolsMu sync.RWMutex

	queue *NotificationQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConn prepares a connection. Nothing is dialed until Connect.
func NewConn(cfg ConnConfig) *Conn {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	return &Conn{
		cfg:     cfg,
		logger:  cfg.Logger.With(zap.String("server", cfg.Name)),
		tracer:  cfg.Tracer,
		state:   StateDisconnected,
		pending: make(map[string]*pendingCall),
		tools:   make(map[string]protocol.Tool),
		queue:   NewNotificationQueue(cfg.QueueCapacity),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Name returns the server name this connection serves.
func (c *Conn) Name() string { return c.cfg.Name }

// State returns the connection's current lifecycle state.
func (c *Conn) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// ServerInfo returns the implementation details from the handshake.
func (c *Conn) ServerInfo() protocol.Implementation {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// ProtocolVersion returns the negotiated protocol version.
func (c *Conn) ProtocolVersion() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.protoVersion
}

// Capabilities returns the capability names the server advertised.
func (c *Conn) Capabilities() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.capabilities))
	copy(out, c.capabilities)
	return out
}

// DroppedNotifications reports how many notifications queue pressure has
// discarded on this connection.
func (c *Conn) DroppedNotifications() uint64 {
	return c.queue.Dropped()
}

// Connect dials the server, performs the handshake, and loads the tool
// catalog. On return the connection is Ready.
func (c *Conn) Connect(ctx context.Context) error {
	ctx, span := c.tracer.StartSpan(ctx, observability.SpanBrokerConnect,
		observability.WithAttribute(observability.AttrServer, c.cfg.Name))
	defer c.tracer.EndSpan(span)

	c.mu.Lock()
	switch c.state {
	case StateDisconnected:
	case StateClosed:
		c.mu.Unlock()
		return fault.New(fault.ConnectionError, "connection closed")
	default:
		c.mu.Unlock()
		return fault.Newf(fault.ConnectionError, "connect in state %s", c.state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	t, err := c.cfg.Dialer.Dial(ctx)
	if err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		ferr := fault.Wrapf(fault.ConnectionError, err, "dial %s failed", c.cfg.Name)
		span.RecordError(ferr)
		return ferr
	}

	c.mu.Lock()
	c.transport = t
	c.mu.Unlock()

	c.wg.Add(1)
	go c.receiveLoop(t)
	c.wg.Add(1)
	go c.consumeNotifications()

	if err := c.handshake(ctx); err != nil {
		span.RecordError(err)
		c.Close()
		return err
	}
	if err := c.refreshTools(ctx); err != nil {
		span.RecordError(err)
		c.Close()
		return err
	}

	c.mu.Lock()
	c.state = StateReady
	c.mu.Unlock()

	c.logger.Info("connection ready",
		zap.String("server_impl", c.serverInfo.Name),
		zap.String("protocol", c.protoVersion),
		zap.Int("tools", len(c.Tools())),
	)
	return nil
}

// handshake exchanges hello messages, negotiates the protocol version, and
// checks required capabilities.
func (c *Conn) handshake(ctx context.Context) error {
	params := protocol.HelloParams{
		ProtocolVersion: protocol.Version,
		ClientInfo:      c.cfg.ClientInfo,
		Require:         c.cfg.Require,
	}
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fault.Wrap(fault.ConnectionError, err, "marshal hello")
	}

	resp, err := c.sendRequest(ctx, &protocol.Request{
		JSONRPC: protocol.JSONRPCVersion,
		Method:  protocol.MethodHello,
		Params:  paramsJSON,
	}, true)
	if err != nil {
		if fault.KindOf(err) != "" {
			return err
		}
		return fault.Wrapf(fault.ConnectionError, err, "handshake with %s failed", c.cfg.Name)
	}

	var result protocol.HelloResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fault.Wrap(fault.ConnectionError, err, "malformed hello result")
	}

	negotiated, err := protocol.Negotiate(protocol.Version, result.ProtocolVersion)
	if err != nil {
		return fault.Wrap(fault.CapabilityMismatch, err, "protocol negotiation failed")
	}

	if missing := protocol.MissingCapabilities(c.cfg.Require, result.Capabilities); len(missing) > 0 {
		return fault.Newf(fault.CapabilityMismatch,
			"server %s lacks required capabilities %v", c.cfg.Name, missing).
			WithDetail("missing", missing)
	}

	c.mu.Lock()
	c.serverInfo = result.ServerInfo
	c.protoVersion = negotiated
	c.capabilities = result.Capabilities
	c.mu.Unlock()

	return nil
}

// refreshTools pages through tools/describe and replaces the catalog.
func (c *Conn) refreshTools(ctx context.Context) error {
	tools := make(map[string]protocol.Tool)

	cursor := ""
	for {
		paramsJSON, err := json.Marshal(protocol.DescribeParams{Cursor: cursor})
		if err != nil {
			return fault.Wrap(fault.ConnectionError, err, "marshal describe")
		}

		resp, err := c.sendRequest(ctx, &protocol.Request{
			JSONRPC: protocol.JSONRPCVersion,
			Method:  protocol.MethodDescribe,
			Params:  paramsJSON,
		}, true)
		if err != nil {
			if fault.KindOf(err) != "" {
				return err
			}
			return fault.Wrapf(fault.ConnectionError, err, "describe on %s failed", c.cfg.Name)
		}

		var page protocol.DescribeResult
		if err := json.Unmarshal(resp.Result, &page); err != nil {
			return fault.Wrap(fault.ConnectionError, err, "malformed describe result")
		}
		for _, tool := range page.Tools {
			tools[tool.Name] = tool
		}

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	c.toolsMu.Lock()
	c.tools = tools
	c.toolsMu.Unlock()

	c.logger.Debug("tool catalog refreshed", zap.Int("tools", len(tools)))
	return nil
}

// Tools returns the cached catalog sorted by name.
func (c *Conn) Tools() []protocol.Tool {
	c.toolsMu.RLock()
	defer c.toolsMu.RUnlock()

	out := make([]protocol.Tool, 0, len(c.tools))
	for _, t := range c.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Tool looks up one catalog entry by name.
func (c *Conn) Tool(name string) (protocol.Tool, bool) {
	c.toolsMu.RLock()
	defer c.toolsMu.RUnlock()
	t, ok := c.tools[name]
	return t, ok
}

// Invoke calls a tool. Arguments are validated against the tool's declared
// schema before anything is sent; an unknown tool or invalid arguments fail
// fatally with no network traffic.
func (c *Conn) Invoke(ctx context.Context, tool string, args map[string]any) (*protocol.InvokeResult, error) {
	ctx, span := c.tracer.StartSpan(ctx, observability.SpanBrokerInvoke,
		observability.WithAttribute(observability.AttrServer, c.cfg.Name),
		observability.WithAttribute(observability.AttrTool, tool))
	defer c.tracer.EndSpan(span)

	def, ok := c.Tool(tool)
	if !ok {
		err := fault.Newf(fault.ToolInvocationError, "tool %q not offered by server %q", tool, c.cfg.Name)
		span.RecordError(err)
		return nil, err
	}
	if err := protocol.ValidateToolArguments(def, args); err != nil {
		ferr := fault.Wrapf(fault.ToolInvocationError, err, "arguments rejected for %s/%s", c.cfg.Name, tool)
		span.RecordError(ferr)
		return nil, ferr
	}

	paramsJSON, err := json.Marshal(protocol.InvokeParams{Name: tool, Arguments: args})
	if err != nil {
		return nil, fault.Wrap(fault.ToolInvocationError, err, "marshal invoke params")
	}

	resp, err := c.sendRequest(ctx, &protocol.Request{
		JSONRPC: protocol.JSONRPCVersion,
		Method:  protocol.MethodInvoke,
		Params:  paramsJSON,
	}, false)
	if err != nil {
		ferr := c.classifyInvokeError(err, tool)
		span.RecordError(ferr)
		c.tracer.RecordMetric(observability.MetricBrokerInvocations, 1,
			map[string]string{"server": c.cfg.Name, "tool": tool, "outcome": "error"})
		return nil, ferr
	}

	var result protocol.InvokeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		ferr := fault.Wrapf(fault.ToolInvocationError, err, "malformed result from %s/%s", c.cfg.Name, tool)
		span.RecordError(ferr)
		return nil, ferr
	}

	if result.IsError {
		ferr := fault.Newf(fault.ToolInvocationError, "tool %s/%s reported failure: %s",
			c.cfg.Name, tool, result.Text())
		span.RecordError(ferr)
		c.tracer.RecordMetric(observability.MetricBrokerInvocations, 1,
			map[string]string{"server": c.cfg.Name, "tool": tool, "outcome": "tool_error"})
		return nil, ferr
	}

	c.tracer.RecordMetric(observability.MetricBrokerInvocations, 1,
		map[string]string{"server": c.cfg.Name, "tool": tool, "outcome": "ok"})
	return &result, nil
}

// classifyInvokeError maps wire-level failures onto the invocation taxonomy:
// retryable server codes become transient, protocol errors fatal, and
// connection-level faults pass through unchanged.
func (c *Conn) classifyInvokeError(err error, tool string) error {
	var rpcErr *protocol.Error
	if errors.As(err, &rpcErr) {
		if rpcErr.Retryable() {
			return fault.TransientWrap(fault.ToolInvocationError, rpcErr,
				fmt.Sprintf("transient failure from %s/%s", c.cfg.Name, tool))
		}
		return fault.Wrapf(fault.ToolInvocationError, rpcErr, "tool %s/%s failed", c.cfg.Name, tool)
	}
	if fault.KindOf(err) != "" {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fault.Wrapf(fault.ToolInvocationError, err, "invoke %s/%s failed", c.cfg.Name, tool)
}

// Ping checks liveness over the session.
func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.sendRequest(ctx, &protocol.Request{
		JSONRPC: protocol.JSONRPCVersion,
		Method:  protocol.MethodPing,
		Params:  json.RawMessage(`{}`),
	}, false)
	return err
}

// sendRequest registers the request in the pending table, sends it, and
// waits for the matching response. During a reconnect the send is skipped;
// the reconnect loop re-sends everything pending once the session is back.
// force bypasses the state gate for handshake and catalog traffic.
func (c *Conn) sendRequest(ctx context.Context, req *protocol.Request, force bool) (*protocol.Response, error) {
	if err := protocol.ValidateRequest(req); err != nil {
		return nil, err
	}
	if req.ID == nil {
		req.ID = c.nextRequestID()
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	call := &pendingCall{
		respCh: make(chan *protocol.Response, 1),
		errCh:  make(chan error, 1),
		raw:    raw,
	}
	idStr := req.ID.String()

	c.pendingMu.Lock()
	c.pending[idStr] = call
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, idStr)
		c.pendingMu.Unlock()
	}()

	c.mu.RLock()
	state := c.state
	t := c.transport
	c.mu.RUnlock()

	switch {
	case force:
		c.markSent(idStr)
		if err := t.Send(ctx, raw); err != nil {
			return nil, fault.Wrapf(fault.ConnectionError, err, "send to %s failed", c.cfg.Name)
		}
	case state == StateReady:
		c.markSent(idStr)
		if err := t.Send(ctx, raw); err != nil {
			// A dead transport also kills the receive loop, which starts
			// the reconnect; the call stays parked for re-send.
			c.logger.Debug("send failed, parking for reconnect",
				zap.String("method", req.Method), zap.Error(err))
		}
	case state == StateReconnecting:
		// Parked: the reconnect loop re-sends pending calls on success or
		// fails them on exhaustion.
		c.logger.Debug("request parked during reconnect",
			zap.String("method", req.Method), zap.String("id", idStr))
	default:
		return nil, fault.Newf(fault.ConnectionError, "connection to %s is %s", c.cfg.Name, state)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-call.errCh:
		return nil, err
	case resp := <-call.respCh:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp, nil
	}
}

// receiveLoop demultiplexes one transport's inbound traffic until the
// transport dies or the connection closes.
func (c *Conn) receiveLoop(t transport.Transport) {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		data, err := t.Receive(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				c.logger.Warn("server closed the stream")
			} else {
				c.logger.Warn("transport receive failed", zap.Error(err))
			}
			c.transportFailed(t)
			return
		}

		if len(data) == 0 {
			continue
		}

		var resp protocol.Response
		if err := json.Unmarshal(data, &resp); err == nil && resp.ID != nil && (len(resp.Result) > 0 || resp.Error != nil) {
			c.handleResponse(&resp)
			continue
		}

		var req protocol.Request
		if err := json.Unmarshal(data, &req); err == nil && req.Method != "" {
			if req.IsNotification() {
				c.handleNotification(protocol.Notification{Method: req.Method, Params: req.Params})
			} else {
				c.rejectServerRequest(&req)
			}
			continue
		}

		c.logger.Warn("received unrecognized message", zap.ByteString("data", data))
	}
}

// handleResponse routes a response to its pending call.
func (c *Conn) handleResponse(resp *protocol.Response) {
	idStr := resp.ID.String()

	c.pendingMu.Lock()
	call, exists := c.pending[idStr]
	c.pendingMu.Unlock()

	if !exists {
		c.logger.Warn("response for unknown request", zap.String("id", idStr))
		return
	}

	select {
	case call.respCh <- resp:
	default:
		c.logger.Warn("response channel full", zap.String("id", idStr))
	}
}

// handleNotification pushes into the bounded queue, recording drops.
func (c *Conn) handleNotification(n protocol.Notification) {
	c.tracer.RecordMetric(observability.MetricBrokerNotificationsRecv, 1,
		map[string]string{"server": c.cfg.Name, "method": n.Method})

	if !c.queue.Push(n) {
		c.tracer.RecordMetric(observability.MetricBrokerNotificationsDrop, 1,
			map[string]string{"server": c.cfg.Name, "method": n.Method})
		c.logger.Debug("notification dropped, queue full", zap.String("method", n.Method))
	}
}

// rejectServerRequest answers server-initiated requests; this protocol has
// none, so every one of them is a method-not-found.
func (c *Conn) rejectServerRequest(req *protocol.Request) {
	resp := &protocol.Response{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      req.ID,
		Error: protocol.NewError(protocol.MethodNotFound,
			fmt.Sprintf("method not found: %s", req.Method), nil),
	}
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}

	c.mu.RLock()
	t := c.transport
	c.mu.RUnlock()
	if t == nil {
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	if err := t.Send(ctx, raw); err != nil {
		c.logger.Debug("failed to reject server request", zap.Error(err))
	}
}

// consumeNotifications is the connection's dedicated consumer: it drains the
// queue in order, refreshes the catalog on invalidation, and forwards each
// notification to the configured handler.
func (c *Conn) consumeNotifications() {
	defer c.wg.Done()

	for {
		n, ok := c.queue.Next(c.ctx)
		if !ok {
			return
		}

		if n.Method == protocol.NotifyToolsChanged {
			ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
			if err := c.refreshTools(ctx); err != nil {
				c.logger.Warn("catalog refresh after invalidation failed", zap.Error(err))
			}
			cancel()
		}

		if c.cfg.OnNotification != nil {
			c.cfg.OnNotification(n)
		}
	}
}

// transportFailed moves a Ready connection into the reconnect path. Calls
// racing from other states (already reconnecting, closing, mid-handshake)
// fail what is pending instead of starting a second loop.
func (c *Conn) transportFailed(t transport.Transport) {
	c.mu.Lock()
	switch c.state {
	case StateReady:
		c.state = StateReconnecting
		c.mu.Unlock()
		t.Close()
		// In-flight calls lost their responses with the transport; they
		// re-send alongside the parked ones.
		c.resetSent()
		c.wg.Add(1)
		go c.reconnectLoop()
	case StateConnecting:
		c.state = StateDisconnected
		c.mu.Unlock()
		t.Close()
		c.failPending(fault.Newf(fault.ConnectionError, "connection to %s lost during handshake", c.cfg.Name))
	default:
		c.mu.Unlock()
	}
}

// reconnectLoop re-dials with exponential backoff, redoes the handshake and
// catalog, then re-sends every pending request so callers that were waiting
// never observe the drop. Exhausting the attempts closes the connection and
// fails everything pending.
func (c *Conn) reconnectLoop() {
	defer c.wg.Done()

	delay := c.cfg.ReconnectBase
	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		select {
		case <-c.ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.cfg.ReconnectMax {
			delay = c.cfg.ReconnectMax
		}

		c.tracer.RecordMetric(observability.MetricBrokerReconnects, 1,
			map[string]string{"server": c.cfg.Name})
		c.logger.Info("reconnecting",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", c.cfg.ReconnectAttempts))

		dialCtx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
		t, err := c.cfg.Dialer.Dial(dialCtx)
		cancel()
		if err != nil {
			c.logger.Warn("redial failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}

		c.mu.Lock()
		c.transport = t
		c.mu.Unlock()

		c.wg.Add(1)
		go c.receiveLoop(t)

		sessionCtx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
		err = c.handshake(sessionCtx)
		if err == nil {
			err = c.refreshTools(sessionCtx)
		}
		cancel()
		if err != nil {
			c.logger.Warn("session restore failed", zap.Int("attempt", attempt), zap.Error(err))
			t.Close()
			continue
		}

		// Ready before the resend snapshot: any call that still observes
		// Reconnecting registered before the flip, so the snapshot sees it.
		c.mu.Lock()
		c.state = StateReady
		c.mu.Unlock()

		c.resendPending()

		c.logger.Info("reconnected", zap.Int("attempt", attempt))
		return
	}

	c.logger.Error("reconnect attempts exhausted, closing connection",
		zap.Int("attempts", c.cfg.ReconnectAttempts))

	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	c.failPending(fault.Newf(fault.ConnectionError,
		"connection to %s lost after %d reconnect attempts", c.cfg.Name, c.cfg.ReconnectAttempts))
	c.cancel()
	c.queue.Close()
}

// markSent flags a pending call as sent on the current transport.
func (c *Conn) markSent(id string) {
	c.pendingMu.Lock()
	if call, ok := c.pending[id]; ok {
		call.sent = true
	}
	c.pendingMu.Unlock()
}

// resetSent marks every pending call unsent so the reconnect replays the
// whole table on the next transport.
func (c *Conn) resetSent() {
	c.pendingMu.Lock()
	for _, call := range c.pending {
		call.sent = false
	}
	c.pendingMu.Unlock()
}

// resendPending replays every request that was in flight or parked while the
// transport was down. It runs after the state flips back to Ready: a call
// that parked earlier registered before it observed Reconnecting, so it is
// in this snapshot; a call that observes Ready sends itself and is marked
// sent, so it is not replayed twice.
func (c *Conn) resendPending() {
	c.pendingMu.Lock()
	calls := make([]*pendingCall, 0, len(c.pending))
	for _, call := range c.pending {
		if call.sent {
			continue
		}
		call.sent = true
		calls = append(calls, call)
	}
	c.pendingMu.Unlock()

	if len(calls) == 0 {
		return
	}

	c.mu.RLock()
	t := c.transport
	c.mu.RUnlock()

	c.logger.Info("re-sending pending requests", zap.Int("count", len(calls)))
	for _, call := range calls {
		ctx, cancel := context.WithTimeout(c.ctx, c.cfg.RequestTimeout)
		if err := t.Send(ctx, call.raw); err != nil {
			select {
			case call.errCh <- fault.Wrap(fault.ConnectionError, err, "re-send after reconnect failed"):
			default:
			}
		}
		cancel()
	}
}

// failPending delivers err to every outstanding call.
func (c *Conn) failPending(err error) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()

	for id, call := range c.pending {
		select {
		case call.errCh <- err:
		default:
		}
		delete(c.pending, id)
	}
}

// Close tears the connection down and fails anything still pending.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return nil
	}
	c.state = StateClosed
	t := c.transport
	c.mu.Unlock()

	c.cancel()
	if t != nil {
		if err := t.Close(); err != nil {
			c.logger.Error("failed to close transport", zap.Error(err))
		}
	}
	c.wg.Wait()
	c.queue.Close()
	c.failPending(fault.Newf(fault.ConnectionError, "connection to %s closed", c.cfg.Name))

	c.logger.Info("connection closed")
	return nil
}

// nextRequestID generates the next request ID.
func (c *Conn) nextRequestID() *protocol.RequestID {
	id := atomic.AddInt64(&c.nextID, 1)
	return protocol.NewNumericRequestID(id)
}
