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
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/helmsman-ai/helmsman/internal/container"
	"github.com/helmsman-ai/helmsman/internal/log"
	"github.com/helmsman-ai/helmsman/pkg/errors"
)

// CallTool invokes one tool inside a fresh exec session against the
// caller's per-thread container. Each call obtains its own
// container/transport/client triple and tears it down itself; calls are
// independent of discovery state. All failures are wrapped with the tool
// name and surfaced to the caller, never retried internally.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any, opts CallOptions) (*ToolResult, error) {
	if opts.ThreadID == "" {
		return nil, &errors.ValidationError{
			Field:      "thread_id",
			Message:    "thread id is required",
			Suggestion: "Pass CallOptions with a non-empty ThreadID to select the per-caller container",
		}
	}

	s.mu.Lock()
	cfg := s.cfg
	provider := s.provider
	engine := s.engine
	discovered := s.discovered
	known := false
	if discovered {
		for _, tool := range s.tools {
			if tool.Name == name {
				known = s.dynamic.enabledLocked(name)
				break
			}
		}
	}
	s.mu.Unlock()

	if cfg == nil || provider == nil || engine == nil {
		return nil, NewServerError(ErrorCodeConfig, "tool server not configured").
			WithDetail("SetConfig and SetProvider must be called before invoking tools")
	}

	// Before discovery there is no tool list to check against, so the
	// name passes through untouched. Once discovered, unknown and
	// disabled tools are rejected without provisioning a container.
	if discovered && !known {
		return nil, &errors.NotFoundError{Resource: "tool", ID: name}
	}

	timeout := cfg.callTimeout()
	if opts.Timeout > 0 {
		timeout = opts.Timeout
	}

	ctx, span := s.tracer.Start(ctx, "toolserver.call")
	span.SetAttributes(
		attribute.String("tool.name", name),
		attribute.String("thread.id", opts.ThreadID),
	)
	defer span.End()

	started := time.Now()
	result, err := s.runCall(ctx, cfg, provider, engine, name, args, opts.ThreadID, timeout)
	elapsed := time.Since(started)

	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		s.metrics.recordToolCall(cfg.Namespace, name, "failure", elapsed)
		return nil, newToolCallError(name, err)
	}

	s.metrics.recordToolCall(cfg.Namespace, name, "success", elapsed)
	return result, nil
}

func (s *Server) runCall(ctx context.Context, cfg *ServerConfig, provider container.Provider, engine container.Engine, name string, args map[string]any, threadID string, timeout time.Duration) (*ToolResult, error) {
	containerID := cfg.Namespace + "_" + threadID
	logger := s.logger.With(
		slog.String(log.ServerKey, cfg.Namespace),
		slog.String(log.ToolKey, name),
		slog.String(log.ContainerKey, containerID),
	)

	ctr, err := provider.Provide(ctx, containerID)
	if err != nil {
		return nil, err
	}
	defer s.teardownContainer(ctr, logger)

	env := resolveEnv(ctx, cfg.Env, s.resolver, logger)

	transport, err := startExec(ctx, engine, ctr.ID(), execConfig(cfg, env), logger)
	if err != nil {
		return nil, err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.stopGrace)
		defer cancel()
		if _, closeErr := transport.Close(closeCtx); closeErr != nil {
			logger.Warn("closing call transport", log.Error(closeErr))
		}
	}()

	rpc := s.dialer(transport)
	defer func() {
		if closeErr := rpc.Close(); closeErr != nil {
			logger.Warn("closing call client", log.Error(closeErr))
		}
	}()

	connectCtx, cancel := context.WithTimeout(ctx, cfg.startupTimeout())
	err = rpc.Connect(connectCtx)
	cancel()
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	callStart := time.Now()
	result, err := rpc.CallTool(callCtx, name, args)
	if err != nil {
		if callCtx.Err() == context.DeadlineExceeded {
			return nil, &errors.TimeoutError{
				Operation: "tool call",
				Duration:  timeout,
				Cause:     err,
			}
		}
		return nil, err
	}

	logger.Debug("tool call complete", log.Duration("duration", time.Since(callStart).Milliseconds()))
	return result, nil
}
