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

package protocol

import "encoding/json"

// Version is the protocol version this hub speaks. Servers within the same
// major version interoperate; see Negotiate.
const Version = "v1.2.0"

// Method names.
const (
	MethodHello    = "session/hello"
	MethodBye      = "session/bye"
	MethodPing     = "session/ping"
	MethodDescribe = "tools/describe"
	MethodInvoke   = "tools/invoke"
)

// Notification method names (requests with no ID).
const (
	NotifyLog          = "notify/log"
	NotifyProgress     = "notify/progress"
	NotifyToolsChanged = "notify/tools_changed"
	NotifyShutdown     = "notify/shutdown"
	NotifyError        = "notify/error"
)

// CriticalNotification reports whether a notification method must never be
// dropped from a full queue. Liveness and error announcements change what the
// hub is allowed to do next; logs, progress, and catalog invalidations do not
// (a dropped invalidation only delays the next catalog refresh).
func CriticalNotification(method string) bool {
	switch method {
	case NotifyShutdown, NotifyError:
		return true
	default:
		return false
	}
}

// Implementation identifies a client or server build.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// HelloParams opens a session. Require lists capability names the hub needs
// this server to advertise; the handshake fails if any is missing.
type HelloParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ClientInfo      Implementation `json:"clientInfo"`
	Require         []string       `json:"require,omitempty"`
}

// HelloResult is the server's half of the handshake.
type HelloResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      Implementation `json:"serverInfo"`
	Capabilities    []string       `json:"capabilities"`
}

// Well-known capability names.
const (
	CapTools         = "tools"
	CapNotifications = "notifications"
	CapCancellation  = "cancellation"
)

// Tool describes one invokable tool. InputSchema is a JSON Schema document
// used to validate arguments before dispatch.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema map[string]any  `json:"inputSchema,omitempty"`
	Annotations *ToolAnnotation `json:"annotations,omitempty"`
}

// ToolAnnotation carries side-effect hints used by the risk predicate.
type ToolAnnotation struct {
	ReadOnly    bool     `json:"readOnly,omitempty"`
	Destructive bool     `json:"destructive,omitempty"`
	CostPerCall float64  `json:"costPerCall,omitempty"`
	WritePaths  []string `json:"writePaths,omitempty"`
}

// DescribeParams pages through the server's tool catalog.
type DescribeParams struct {
	Cursor string `json:"cursor,omitempty"`
}

// DescribeResult is one page of the tool catalog. A non-empty NextCursor
// means more pages follow.
type DescribeResult struct {
	Tools      []Tool `json:"tools"`
	NextCursor string `json:"nextCursor,omitempty"`
}

// InvokeParams names a tool and its arguments.
type InvokeParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// InvokeResult is a tool's output. IsError marks a tool-level failure carried
// in-band (the JSON-RPC envelope succeeded but the tool itself did not).
type InvokeResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// Content is one piece of tool output.
type Content struct {
	Type     string `json:"type"` // "text", "json", "binary"
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"` // base64 for binary
	MimeType string `json:"mimeType,omitempty"`
}

// Text joins all text content items for callers that want a flat string.
func (r *InvokeResult) Text() string {
	var out string
	for _, c := range r.Content {
		if c.Type == "text" {
			if out != "" {
				out += "\n"
			}
			out += c.Text
		}
	}
	return out
}

// LogNotification carries a server-side log line.
type LogNotification struct {
	Level   string `json:"level"` // "debug", "info", "warning", "error"
	Message string `json:"message"`
}

// ProgressNotification reports progress on a long-running invoke.
type ProgressNotification struct {
	RequestID string  `json:"requestId"`
	Progress  float64 `json:"progress"`
	Total     float64 `json:"total,omitempty"`
}

// ShutdownNotification announces the server is about to exit.
type ShutdownNotification struct {
	Reason string `json:"reason,omitempty"`
}

// ErrorNotification reports a server-side failure outside any request.
type ErrorNotification struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// Notification is a decoded inbound notification as handed to consumers.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Critical reports whether this notification must survive queue pressure.
func (n Notification) Critical() bool {
	return CriticalNotification(n.Method)
}
