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

// Package fault defines the error taxonomy shared by every heddle component.
//
// Each failure that crosses a component boundary is a *fault.Error carrying a
// Kind, a human-readable message, and enough structured detail for a CLI or
// dashboard collaborator to render it without inspecting hub internals.
// Errors wrap their cause and cooperate with errors.Is/errors.As.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind string

const (
	// ConnectionError covers transport dial, loss, and reconnect exhaustion.
	ConnectionError Kind = "CONNECTION_ERROR"
	// CapabilityMismatch is raised when a tool server's advertised schema
	// does not validate against declared expectations.
	CapabilityMismatch Kind = "CAPABILITY_MISMATCH"
	// ToolInvocationError covers tool dispatch failures. The Transient flag
	// distinguishes retryable failures from fatal ones.
	ToolInvocationError Kind = "TOOL_INVOCATION_ERROR"
	// ContextBudgetExceeded means the System layer alone overflowed the
	// composition budget. Always fatal to that composition attempt.
	ContextBudgetExceeded Kind = "CONTEXT_BUDGET_EXCEEDED"
	// SnapshotNotFound means no snapshot record exists for the requested
	// session (or session/version pair).
	SnapshotNotFound Kind = "SNAPSHOT_NOT_FOUND"
	// InvalidSnapshot means a snapshot record references memory items that
	// no longer exist — corruption, not a transient condition.
	InvalidSnapshot Kind = "INVALID_SNAPSHOT"
	// SnapshotConflict means a memory item cannot be forgotten because a
	// live snapshot record still references it.
	SnapshotConflict Kind = "SNAPSHOT_CONFLICT"
	// CouncilTimeout means every reviewer timed out; the proposal is
	// rejected fail-closed.
	CouncilTimeout Kind = "COUNCIL_TIMEOUT"
	// AutonomyAborted means a session was cancelled and the loop stopped at
	// the next state boundary.
	AutonomyAborted Kind = "AUTONOMY_ABORTED"
)

// Error is a classified failure. Details are optional structured context
// (ids, limits, counts) safe to surface to external collaborators.
type Error struct {
	Kind      Kind
	Message   string
	Transient bool
	Details   map[string]any
	cause     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// WithDetail attaches a structured detail and returns the error for chaining.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New creates an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind around a cause.
func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Wrapf creates an Error with a formatted message around a cause.
func Wrapf(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: cause}
}

// Transientf creates a transient Error. Used for failures the owning
// component retries locally before surfacing.
func Transientf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Transient: true}
}

// TransientWrap creates a transient Error around a cause.
func TransientWrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, Transient: true, cause: cause}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" when
// the chain carries no classified fault.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// Is reports whether err's chain contains an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsTransient reports whether err's chain contains a transient fault.
// Unclassified errors are never transient: retry decisions must be explicit.
func IsTransient(err error) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Transient
	}
	return false
}
