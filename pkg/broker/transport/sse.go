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

package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/r3labs/sse/v2"
	"go.uber.org/zap"
)

// SSETransport reaches a remote tool server over HTTP: requests go out as
// POSTs, responses and notifications come back on an SSE stream.
type SSETransport struct {
	endpoint   string
	postPath   string
	sseClient  *sse.Client
	httpClient *http.Client

	events chan []byte
	errors chan error

	// done signals shutdown to the subscribe callback and OnDisconnect
	// hook. The events/errors channels are never closed because those
	// callbacks send on them from the sse client's goroutines.
	done   chan struct{}
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool

	logger *zap.Logger
}

// SSEConfig configures the HTTP/SSE transport.
type SSEConfig struct {
	Endpoint string            // base URL of the server
	Headers  map[string]string // custom headers, e.g. authorization
	SSEPath  string            // event stream path (default: /events)
	PostPath string            // request path (default: /rpc)
	Logger   *zap.Logger
}

// NewSSEDialer returns a Dialer that opens a fresh event stream per dial.
func NewSSEDialer(config SSEConfig) Dialer {
	return DialerFunc(func(ctx context.Context) (Transport, error) {
		return NewSSETransport(config)
	})
}

// NewSSETransport connects the event stream in the background so a down
// server delays the first invoke instead of blocking construction.
func NewSSETransport(config SSEConfig) (*SSETransport, error) {
	if config.SSEPath == "" {
		config.SSEPath = "/events"
	}
	if config.PostPath == "" {
		config.PostPath = "/rpc"
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	sseClient := sse.NewClient(config.Endpoint + config.SSEPath)
	for k, v := range config.Headers {
		sseClient.Headers[k] = v
	}

	// The stream context lives for the whole transport, cancelled only
	// from Close. A deadline here would kill the long-lived subscription.
	streamCtx, cancel := context.WithCancel(context.Background())

	t := &SSETransport{
		endpoint:  config.Endpoint,
		postPath:  config.PostPath,
		sseClient: sseClient,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		events: make(chan []byte, 100),
		errors: make(chan error, 1),
		done:   make(chan struct{}),
		cancel: cancel,
		logger: logger,
	}

	sseClient.OnDisconnect(func(c *sse.Client) {
		select {
		case <-t.done:
			return
		default:
		}
		t.logger.Warn("event stream disconnected")
		select {
		case t.errors <- fmt.Errorf("event stream disconnected"):
		default:
		}
	})

	go func() {
		logger.Debug("subscribing to event stream",
			zap.String("endpoint", config.Endpoint+config.SSEPath))

		err := sseClient.SubscribeWithContext(streamCtx, "message", func(msg *sse.Event) {
			select {
			case t.events <- msg.Data:
			case <-t.done:
			}
		})
		if err != nil && streamCtx.Err() == nil {
			logger.Warn("event stream subscription failed",
				zap.String("endpoint", config.Endpoint),
				zap.Error(err))
		}
	}()

	return t, nil
}

// Send POSTs one message to the server's request path.
func (h *SSETransport) Send(ctx context.Context, message []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return fmt.Errorf("transport closed")
	}

	req, err := http.NewRequestWithContext(ctx, "POST", h.endpoint+h.postPath, bytes.NewReader(message))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("HTTP error %d: %s", resp.StatusCode, body)
	}
	return nil
}

// Receive returns the next event from the stream.
func (h *SSETransport) Receive(ctx context.Context) ([]byte, error) {
	// Shutdown wins over buffered events so a closed transport reads EOF
	// deterministically.
	select {
	case <-h.done:
		return nil, io.EOF
	default:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
		return nil, io.EOF
	case err := <-h.errors:
		return nil, err
	case data := <-h.events:
		return data, nil
	}
}

// Close cancels the stream and signals shutdown. In-flight Receives return
// EOF; the callbacks keep their channels, which are simply abandoned.
func (h *SSETransport) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true

	h.logger.Info("closing HTTP/SSE transport")

	h.cancel()
	close(h.done)

	return nil
}
