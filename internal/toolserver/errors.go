// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package toolserver

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes supervisor errors.
type ErrorCode string

const (
	// ErrorCodeConfig indicates a missing or invalid configuration or
	// container provider at call time.
	ErrorCodeConfig ErrorCode = "CONFIG"
	// ErrorCodeDependencyTimeout indicates dependencies stayed missing for
	// the whole bounded dependency-wait window.
	ErrorCodeDependencyTimeout ErrorCode = "DEPENDENCY_TIMEOUT"
	// ErrorCodeStartFailed indicates a resilient-start cycle failed.
	ErrorCodeStartFailed ErrorCode = "START_FAILED"
	// ErrorCodeDiscoveryFailed indicates the handshake or tool listing failed.
	ErrorCodeDiscoveryFailed ErrorCode = "DISCOVERY_FAILED"
	// ErrorCodeCancelled indicates the operation was abandoned because the
	// supervisor was deprovisioned or destroyed mid-flight.
	ErrorCodeCancelled ErrorCode = "CANCELLED"
	// ErrorCodeDestroyed indicates the supervisor has been destroyed and
	// will not accept further lifecycle operations.
	ErrorCodeDestroyed ErrorCode = "DESTROYED"
)

// ToolCallErrorCode is the default code attached to tool call failures.
const ToolCallErrorCode = "TOOL_CALL_ERROR"

// ServerError is the supervisor's coded error type.
type ServerError struct {
	// Code is the error category.
	Code ErrorCode
	// Message is the primary error message.
	Message string
	// Detail provides additional context.
	Detail string
	// Cause is the underlying error, if any.
	Cause error
}

// Error implements the error interface.
func (e *ServerError) Error() string {
	msg := e.Message
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Detail)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *ServerError) Unwrap() error {
	return e.Cause
}

// IsUserVisible implements pkg/errors.UserVisibleError.
func (e *ServerError) IsUserVisible() bool {
	return true
}

// UserMessage implements pkg/errors.UserVisibleError.
func (e *ServerError) UserMessage() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Detail)
	}
	return e.Message
}

// Suggestion implements pkg/errors.UserVisibleError.
func (e *ServerError) Suggestion() string {
	switch e.Code {
	case ErrorCodeConfig:
		return "Call SetConfig and SetProvider before provisioning or invoking tools"
	case ErrorCodeDependencyTimeout:
		return "Ensure a container provider and a non-empty command are configured"
	default:
		return ""
	}
}

// NewServerError creates a new ServerError.
func NewServerError(code ErrorCode, message string) *ServerError {
	return &ServerError{
		Code:    code,
		Message: message,
	}
}

// WithDetail adds detail to the error.
func (e *ServerError) WithDetail(detail string) *ServerError {
	e.Detail = detail
	return e
}

// WithCause adds an underlying cause to the error.
func (e *ServerError) WithCause(cause error) *ServerError {
	e.Cause = cause
	return e
}

// HasCode reports whether err carries the given supervisor error code.
func HasCode(err error, code ErrorCode) bool {
	var serverErr *ServerError
	if errors.As(err, &serverErr) {
		return serverErr.Code == code
	}
	return false
}

// ToolCallError wraps any failure during a tool invocation with the tool
// name and an error code. It is always surfaced to the caller, never
// retried internally.
type ToolCallError struct {
	// Tool is the invoked tool name.
	Tool string
	// Code is the error code, TOOL_CALL_ERROR unless overridden.
	Code string
	// Cause is the original failure.
	Cause error
}

// Error implements the error interface.
func (e *ToolCallError) Error() string {
	code := e.Code
	if code == "" {
		code = ToolCallErrorCode
	}
	return fmt.Sprintf("tool call %q failed [%s]: %v", e.Tool, code, e.Cause)
}

// Unwrap returns the original failure.
func (e *ToolCallError) Unwrap() error {
	return e.Cause
}

func newToolCallError(tool string, cause error) *ToolCallError {
	return &ToolCallError{
		Tool:  tool,
		Code:  ToolCallErrorCode,
		Cause: cause,
	}
}
