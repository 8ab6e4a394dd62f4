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
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/teradata-labs/heddle/pkg/broker/protocol"
	"github.com/teradata-labs/heddle/pkg/broker/transport"
	"github.com/teradata-labs/heddle/pkg/fault"
	"github.com/teradata-labs/heddle/pkg/observability"
)

// Registry owns every server connection. It is an explicit object handed to
// whatever needs to invoke tools; there is no package-level instance.
type Registry struct {
	config Config
	logger *zap.Logger
	tracer observability.Tracer

	mu      sync.RWMutex
	conns   map[string]*Conn
	started bool

	// onNotification, when set, receives notifications from every
	// connection, tagged with the server name.
	onNotification func(server string, n protocol.Notification)
}

// RegistryOption customizes a Registry.
type RegistryOption func(*Registry)

// WithTracer sets the tracer used by the registry and its connections.
func WithTracer(tracer observability.Tracer) RegistryOption {
	return func(r *Registry) { r.tracer = tracer }
}

// WithNotificationSink routes every connection's notifications to one
// handler.
func WithNotificationSink(fn func(server string, n protocol.Notification)) RegistryOption {
	return func(r *Registry) { r.onNotification = fn }
}

// NewRegistry creates a registry from config.
func NewRegistry(config Config, logger *zap.Logger, opts ...RegistryOption) (*Registry, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Registry{
		config: config,
		logger: logger,
		tracer: observability.NewNoOpTracer(),
		conns:  make(map[string]*Conn),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Start connects every enabled server. Partial failure is tolerated; an
// error is returned only when every server failed.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return fmt.Errorf("registry already started")
	}

	r.logger.Info("starting broker registry", zap.Int("server_count", len(r.config.Servers)))

	var startErrors []error
	for name, serverConfig := range r.config.Servers {
		if !serverConfig.Enabled {
			r.logger.Debug("skipping disabled server", zap.String("server", name))
			continue
		}

		if err := r.connectLocked(ctx, name, serverConfig); err != nil {
			r.logger.Error("failed to connect server",
				zap.String("server", name),
				zap.Error(err))
			startErrors = append(startErrors, fmt.Errorf("server %s: %w", name, err))
			continue
		}
		r.logger.Info("connected server", zap.String("server", name))
	}

	r.started = true

	if len(startErrors) > 0 && len(r.conns) == 0 {
		return fmt.Errorf("all servers failed to connect: %v", startErrors)
	}
	if len(startErrors) > 0 {
		r.logger.Warn("some servers failed to connect",
			zap.Int("failed", len(startErrors)),
			zap.Int("connected", len(r.conns)))
	}
	return nil
}

// connectLocked builds and connects one Conn. Caller holds r.mu.
func (r *Registry) connectLocked(ctx context.Context, name string, config ServerConfig) error {
	dialer, err := r.dialerFor(name, config)
	if err != nil {
		return err
	}

	connCfg := ConnConfig{
		Name:   name,
		Dialer: dialer,
		Logger: r.logger,
		Tracer: r.tracer,
		ClientInfo: protocol.Implementation{
			Name:    r.config.ClientInfo.Name,
			Version: r.config.ClientInfo.Version,
		},
		Require:       config.Require,
		QueueCapacity: config.QueueCapacity,
	}
	if config.Timeout != "" {
		if d, err := time.ParseDuration(config.Timeout); err == nil {
			connCfg.RequestTimeout = d
		}
	}
	if config.Reconnect.Base != "" {
		if d, err := time.ParseDuration(config.Reconnect.Base); err == nil {
			connCfg.ReconnectBase = d
		}
	}
	if config.Reconnect.Max != "" {
		if d, err := time.ParseDuration(config.Reconnect.Max); err == nil {
			connCfg.ReconnectMax = d
		}
	}
	if config.Reconnect.Attempts > 0 {
		connCfg.ReconnectAttempts = config.Reconnect.Attempts
	}
	if r.onNotification != nil {
		sink := r.onNotification
		connCfg.OnNotification = func(n protocol.Notification) {
			sink(name, n)
		}
	}

	conn := NewConn(connCfg)
	if err := conn.Connect(ctx); err != nil {
		return err
	}

	r.conns[name] = conn
	return nil
}

// dialerFor builds the transport dialer matching the server's config.
func (r *Registry) dialerFor(name string, config ServerConfig) (transport.Dialer, error) {
	logger := r.logger.With(zap.String("server", name))

	switch config.Transport {
	case "stdio", "":
		return transport.NewStdioDialer(transport.StdioConfig{
			Command: config.Command,
			Args:    config.Args,
			Env:     config.Env,
			Logger:  logger,
		}), nil
	case "sse", "http":
		return transport.NewSSEDialer(transport.SSEConfig{
			Endpoint: config.URL,
			Headers:  config.Headers,
			Logger:   logger,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported transport: %s", config.Transport)
	}
}

// Register dynamically adds a server. With connect=true the connection is
// established before Register returns.
func (r *Registry) Register(ctx context.Context, name string, config ServerConfig, connect bool) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("server %s: %w", name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[name]; exists {
		return fmt.Errorf("server %s already registered", name)
	}

	if r.config.Servers == nil {
		r.config.Servers = make(map[string]ServerConfig)
	}
	r.config.Servers[name] = config

	if connect && config.Enabled {
		if err := r.connectLocked(ctx, name, config); err != nil {
			return fmt.Errorf("failed to connect server: %w", err)
		}
		r.logger.Info("registered and connected server", zap.String("server", name))
		return nil
	}

	r.logger.Info("registered server", zap.String("server", name))
	return nil
}

// Deregister closes and removes a server.
func (r *Registry) Deregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if conn, exists := r.conns[name]; exists {
		if err := conn.Close(); err != nil {
			r.logger.Error("failed to close connection during deregister",
				zap.String("server", name), zap.Error(err))
		}
		delete(r.conns, name)
	}
	delete(r.config.Servers, name)

	r.logger.Info("deregistered server", zap.String("server", name))
	return nil
}

// Conn returns the live connection for a server.
func (r *Registry) Conn(name string) (*Conn, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, exists := r.conns[name]
	if !exists {
		return nil, fault.Newf(fault.ConnectionError, "server %q not registered", name)
	}
	return conn, nil
}

// Invoke routes one tool call. An unknown server fails immediately with no
// network traffic.
func (r *Registry) Invoke(ctx context.Context, server, tool string, args map[string]any) (*protocol.InvokeResult, error) {
	conn, err := r.Conn(server)
	if err != nil {
		return nil, err
	}
	return conn.Invoke(ctx, tool, args)
}

// Tool resolves a tool descriptor without invoking it.
func (r *Registry) Tool(server, tool string) (protocol.Tool, error) {
	conn, err := r.Conn(server)
	if err != nil {
		return protocol.Tool{}, err
	}
	def, ok := conn.Tool(tool)
	if !ok {
		return protocol.Tool{}, fault.Newf(fault.ToolInvocationError,
			"tool %q not offered by server %q", tool, server)
	}
	return def, nil
}

// Servers returns the names of live connections, sorted.
func (r *Registry) Servers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.conns))
	for name := range r.conns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Catalog returns every live server's tools, keyed by server name.
func (r *Registry) Catalog() map[string][]protocol.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]protocol.Tool, len(r.conns))
	for name, conn := range r.conns {
		out[name] = conn.Tools()
	}
	return out
}

// HealthCheck pings every live connection.
func (r *Registry) HealthCheck(ctx context.Context) map[string]bool {
	r.mu.RLock()
	conns := make(map[string]*Conn, len(r.conns))
	for name, conn := range r.conns {
		conns[name] = conn
	}
	r.mu.RUnlock()

	results := make(map[string]bool, len(conns))
	for name, conn := range conns {
		err := conn.Ping(ctx)
		if err != nil {
			r.logger.Warn("health check failed",
				zap.String("server", name), zap.Error(err))
		}
		results[name] = err == nil
	}
	return results
}

// Stop closes every connection.
func (r *Registry) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return nil
	}

	r.logger.Info("stopping broker registry", zap.Int("server_count", len(r.conns)))

	var errs []error
	for name, conn := range r.conns {
		if err := conn.Close(); err != nil {
			r.logger.Error("failed to close connection",
				zap.String("server", name), zap.Error(err))
			errs = append(errs, fmt.Errorf("server %s: %w", name, err))
		}
	}

	r.conns = make(map[string]*Conn)
	r.started = false

	if len(errs) > 0 {
		return fmt.Errorf("errors closing connections: %v", errs)
	}
	return nil
}
