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
	"encoding/json"
	"time"
)

// ProvisionState is the supervisor's lifecycle state.
type ProvisionState string

const (
	// StateNotReady means no provisioning has been requested, or the
	// supervisor was deprovisioned.
	StateNotReady ProvisionState = "not_ready"
	// StateProvisioning means a start cycle is in flight or scheduled.
	StateProvisioning ProvisionState = "provisioning"
	// StateReady means discovery succeeded and tools are available.
	StateReady ProvisionState = "ready"
	// StateError means the last start cycle failed and no retry is pending.
	StateError ProvisionState = "error"
	// StateDeprovisioning means teardown is in progress.
	StateDeprovisioning ProvisionState = "deprovisioning"
	// StateDestroyed means the supervisor was permanently torn down.
	StateDestroyed ProvisionState = "destroyed"
)

// ProvisionStatus is a point-in-time snapshot of the supervisor.
type ProvisionStatus struct {
	// State is the current lifecycle state.
	State ProvisionState `json:"state"`

	// Attempts counts start attempts in the current provision cycle.
	Attempts int `json:"attempts"`

	// ToolCount is the number of discovered tools (enabled or not).
	ToolCount int `json:"tool_count"`

	// LastError describes the most recent failure, empty when none.
	LastError string `json:"last_error,omitempty"`

	// ReadySince is set while the server is ready.
	ReadySince time.Time `json:"ready_since,omitzero"`
}

// ToolDescriptor describes one tool exposed by a tool server.
type ToolDescriptor struct {
	// Name is the tool's unique name within the server.
	Name string `json:"name"`

	// Description is the human-readable purpose of the tool.
	Description string `json:"description,omitempty"`

	// InputSchema is the JSON Schema for the tool's arguments.
	InputSchema json.RawMessage `json:"input_schema,omitempty"`

	// OutputSchema is the JSON Schema for the tool's result, if declared.
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// ContentItem is one piece of a tool result.
type ContentItem struct {
	// Type is the content kind: "text", "image", or "json".
	Type string `json:"type"`

	// Text holds textual content.
	Text string `json:"text,omitempty"`

	// Data holds base64-encoded binary content for images.
	Data string `json:"data,omitempty"`

	// MimeType qualifies binary content.
	MimeType string `json:"mime_type,omitempty"`

	// JSON holds structured content.
	JSON json.RawMessage `json:"json,omitempty"`
}

// ToolResult is the outcome of a tool invocation.
type ToolResult struct {
	// Content is the ordered result content.
	Content []ContentItem `json:"content"`

	// IsError marks a tool-level failure reported by the server itself
	// (as opposed to a transport or protocol failure).
	IsError bool `json:"is_error,omitempty"`
}

// CallOptions qualify a single tool invocation.
type CallOptions struct {
	// ThreadID scopes the call to a conversation; each thread gets its own
	// container. Required.
	ThreadID string

	// Timeout overrides the configured call timeout when positive.
	Timeout time.Duration
}
