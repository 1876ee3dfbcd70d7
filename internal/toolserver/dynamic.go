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
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/helmsman-ai/helmsman/internal/log"
	"github.com/helmsman-ai/helmsman/pkg/errors"
)

// ConfigSchema validates dynamic tool configuration: one optional boolean
// property per discovered tool, defaulting to enabled.
type ConfigSchema struct {
	Type                 string                    `json:"type"`
	Properties           map[string]SchemaProperty `json:"properties"`
	AdditionalProperties bool                      `json:"additionalProperties"`
}

// SchemaProperty describes one tool's enable flag.
type SchemaProperty struct {
	Type        string `json:"type"`
	Default     bool   `json:"default"`
	Description string `json:"description,omitempty"`
}

// DynamicConfigListener receives the normalized configuration (every known
// tool name mapped to its enabled state) whenever it changes.
type DynamicConfigListener func(map[string]bool)

// dynamicConfig holds the per-tool enable/disable state. All methods with
// a Locked suffix expect the owning Server's mutex to be held.
type dynamicConfig struct {
	// submitted retains the raw configuration as given, so values set
	// before discovery apply retroactively once the tool set is known.
	submitted map[string]bool

	// enabled is the normalized set over known tools; nil means discovery
	// has not completed and every tool is treated as enabled.
	enabled map[string]bool

	lastSignature string
	schema        *ConfigSchema

	nextID    int
	observers map[int]DynamicConfigListener
}

func (d *dynamicConfig) reset() {
	d.submitted = nil
	d.enabled = nil
	d.lastSignature = ""
	d.schema = nil
}

// discoveryCompleteLocked re-evaluates the retained configuration against
// a fresh tool set, invalidates the cached schema, and returns the
// observers to notify when the normalized signature changed.
func (d *dynamicConfig) discoveryCompleteLocked(tools []ToolDescriptor) ([]DynamicConfigListener, map[string]bool) {
	d.schema = nil
	d.enabled = computeEnabled(d.submitted, tools)

	signature := configSignature(d.enabled)
	if signature == d.lastSignature {
		return nil, nil
	}
	d.lastSignature = signature
	return d.observersLocked(), copyBoolMap(d.enabled)
}

// applyLocked stores a submitted configuration and, when discovery has
// completed, recomputes the normalized set. Returns the observers to
// notify when the signature changed.
func (d *dynamicConfig) applyLocked(cfg map[string]bool, tools []ToolDescriptor, discovered bool) ([]DynamicConfigListener, map[string]bool) {
	d.submitted = copyBoolMap(cfg)
	if !discovered {
		return nil, nil
	}

	d.enabled = computeEnabled(d.submitted, tools)
	signature := configSignature(d.enabled)
	if signature == d.lastSignature {
		return nil, nil
	}
	d.lastSignature = signature
	return d.observersLocked(), copyBoolMap(d.enabled)
}

// schemaLocked lazily builds the validation schema from the tool set. The
// cache is invalidated when discovery completes, not on every submission.
func (d *dynamicConfig) schemaLocked(tools []ToolDescriptor, discovered bool) *ConfigSchema {
	if !discovered {
		return nil
	}
	if d.schema != nil {
		return d.schema
	}

	props := make(map[string]SchemaProperty, len(tools))
	for _, tool := range tools {
		props[tool.Name] = SchemaProperty{
			Type:        "boolean",
			Default:     true,
			Description: tool.Description,
		}
	}
	d.schema = &ConfigSchema{
		Type:                 "object",
		Properties:           props,
		AdditionalProperties: false,
	}
	return d.schema
}

func (d *dynamicConfig) observersLocked() []DynamicConfigListener {
	observers := make([]DynamicConfigListener, 0, len(d.observers))
	for _, fn := range d.observers {
		observers = append(observers, fn)
	}
	return observers
}

func (d *dynamicConfig) enabledLocked(name string) bool {
	if d.enabled == nil {
		return true
	}
	enabled, ok := d.enabled[name]
	return !ok || enabled
}

// computeEnabled normalizes a submitted configuration over the known tool
// set. Names absent from the submission default to enabled.
func computeEnabled(submitted map[string]bool, tools []ToolDescriptor) map[string]bool {
	enabled := make(map[string]bool, len(tools))
	for _, tool := range tools {
		value, ok := submitted[tool.Name]
		enabled[tool.Name] = !ok || value
	}
	return enabled
}

// configSignature produces a canonical fingerprint of the normalized
// configuration, used to de-duplicate change notifications.
func configSignature(enabled map[string]bool) string {
	pairs := make([]string, 0, len(enabled))
	for name, on := range enabled {
		flag := "0"
		if on {
			flag = "1"
		}
		pairs = append(pairs, name+":"+flag)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

func copyBoolMap(m map[string]bool) map[string]bool {
	cp := make(map[string]bool, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}

// SetDynamicConfig submits a per-tool enable/disable configuration. Before
// discovery the submission is retained and evaluated once the tool set is
// known. Unknown tool names are rejected once the schema exists; invalid
// input leaves the stored configuration untouched. Observers are notified
// only when the normalized configuration actually changed.
func (s *Server) SetDynamicConfig(cfg map[string]bool) error {
	s.mu.Lock()
	if schema := s.dynamic.schemaLocked(s.tools, s.discovered); schema != nil {
		for name := range cfg {
			if _, ok := schema.Properties[name]; !ok {
				s.mu.Unlock()
				err := &errors.ValidationError{
					Field:      name,
					Message:    fmt.Sprintf("unknown tool %q in dynamic configuration", name),
					Suggestion: "Use ListTools to see the discovered tool names",
				}
				s.logger.Warn("rejecting dynamic configuration", log.Error(err))
				return err
			}
		}
	}

	observers, normalized := s.dynamic.applyLocked(cfg, s.tools, s.discovered)
	s.mu.Unlock()

	for _, fn := range observers {
		s.notifyDynamic(fn, normalized)
	}
	return nil
}

// DynamicConfigSchema returns the validation schema for dynamic tool
// configuration, or nil before discovery has completed.
func (s *Server) DynamicConfigSchema() *ConfigSchema {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dynamic.schemaLocked(s.tools, s.discovered)
}

// OnDynamicConfigChange registers an observer for normalized configuration
// changes. If discovery has already completed the observer is immediately
// replayed the current configuration. The returned function removes it.
func (s *Server) OnDynamicConfigChange(fn DynamicConfigListener) func() {
	s.mu.Lock()
	if s.dynamic.observers == nil {
		s.dynamic.observers = make(map[int]DynamicConfigListener)
	}
	id := s.dynamic.nextID
	s.dynamic.nextID++
	s.dynamic.observers[id] = fn

	var replay map[string]bool
	if s.discovered {
		replay = computeEnabled(s.dynamic.submitted, s.tools)
	}
	s.mu.Unlock()

	if replay != nil {
		s.notifyDynamic(fn, replay)
	}

	return func() {
		s.mu.Lock()
		delete(s.dynamic.observers, id)
		s.mu.Unlock()
	}
}

// ListTools is a pure read of the discovery cache filtered by the dynamic
// configuration. It never triggers discovery.
func (s *Server) ListTools() []ToolDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()

	tools := make([]ToolDescriptor, 0, len(s.tools))
	for _, tool := range s.tools {
		if s.dynamic.enabledLocked(tool.Name) {
			tools = append(tools, tool)
		}
	}
	return tools
}

func (s *Server) notifyDynamic(fn DynamicConfigListener, cfg map[string]bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("dynamic config observer panicked", slog.Any("panic", r))
		}
	}()
	fn(cfg)
}
