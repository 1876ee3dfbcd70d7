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

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/helmsman-ai/helmsman/internal/container"
	"github.com/helmsman-ai/helmsman/internal/log"
)

// DiscoverTools runs the tool server inside a throwaway container long
// enough to list its tools. The result is cached; discovery runs at most
// once per instance lifetime until Deprovision or Destroy, and concurrent
// callers share the single pass. The throwaway container is always torn
// down, on success and failure alike.
func (s *Server) DiscoverTools(ctx context.Context) ([]ToolDescriptor, error) {
	return s.discoverTools(ctx, nil)
}

// discoverTools is the shared discovery path. A non-nil stopCh ties the
// pass to a provision cycle: when that cycle has been torn down by the
// time results arrive, the cache write is abandoned so a stale pass
// cannot repopulate state after Deprovision.
func (s *Server) discoverTools(ctx context.Context, stopCh chan struct{}) ([]ToolDescriptor, error) {
	s.discoverMu.Lock()
	defer s.discoverMu.Unlock()

	s.mu.Lock()
	if s.discovered {
		tools := append([]ToolDescriptor(nil), s.tools...)
		s.mu.Unlock()
		return tools, nil
	}
	cfg := s.cfg
	provider := s.provider
	engine := s.engine
	s.mu.Unlock()

	if cfg == nil || provider == nil || engine == nil {
		return nil, NewServerError(ErrorCodeConfig, "tool server not configured").
			WithDetail("SetConfig and SetProvider must be called before discovery")
	}

	tools, err := s.runDiscovery(ctx, cfg, provider, engine)
	if err != nil {
		s.metrics.recordDiscovery(cfg.Namespace, "failure")
		return nil, err
	}
	s.metrics.recordDiscovery(cfg.Namespace, "success")

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil, NewServerError(ErrorCodeDestroyed, "tool server has been destroyed")
	}
	if stopCh != nil && s.stopCh != stopCh {
		s.mu.Unlock()
		return nil, NewServerError(ErrorCodeCancelled, "tool server deprovisioned during discovery")
	}
	s.tools = tools
	s.discovered = true
	observers, normalized := s.dynamic.discoveryCompleteLocked(tools)
	result := append([]ToolDescriptor(nil), tools...)
	s.mu.Unlock()

	// Retained dynamic configuration is evaluated against the fresh tool
	// set; observers learn the normalized result.
	for _, fn := range observers {
		s.notifyDynamic(fn, normalized)
	}

	return result, nil
}

// runDiscovery performs one discovery pass against a uniquely named
// ephemeral container.
func (s *Server) runDiscovery(ctx context.Context, cfg *ServerConfig, provider container.Provider, engine container.Engine) (tools []ToolDescriptor, err error) {
	ctx, span := s.tracer.Start(ctx, "toolserver.discover")
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	containerID := cfg.Namespace + "_discovery_temp_" + uuid.NewString()
	logger := s.logger.With(
		slog.String(log.ServerKey, cfg.Namespace),
		slog.String(log.ContainerKey, containerID),
	)
	logger.Info("starting tool discovery")
	started := time.Now()

	ctr, err := provider.Provide(ctx, containerID)
	if err != nil {
		return nil, NewServerError(ErrorCodeDiscoveryFailed, "could not provision discovery container").WithCause(err)
	}
	defer s.teardownContainer(ctr, logger)

	env := resolveEnv(ctx, cfg.Env, s.resolver, logger)

	transport, err := startExec(ctx, engine, ctr.ID(), execConfig(cfg, env), logger)
	if err != nil {
		return nil, NewServerError(ErrorCodeDiscoveryFailed, "could not start tool server exec").WithCause(err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.stopGrace)
		defer cancel()
		if _, closeErr := transport.Close(closeCtx); closeErr != nil {
			logger.Warn("closing discovery transport", log.Error(closeErr))
		}
	}()

	rpc := s.dialer(transport)
	defer func() {
		if closeErr := rpc.Close(); closeErr != nil {
			logger.Warn("closing discovery client", log.Error(closeErr))
		}
	}()

	connectCtx, cancel := context.WithTimeout(ctx, cfg.startupTimeout())
	err = rpc.Connect(connectCtx)
	cancel()
	if err != nil {
		return nil, NewServerError(ErrorCodeDiscoveryFailed, "tool server handshake failed").WithCause(err)
	}

	listCtx, cancel := context.WithTimeout(ctx, cfg.requestTimeout())
	tools, err = rpc.ListTools(listCtx)
	cancel()
	if err != nil {
		return nil, NewServerError(ErrorCodeDiscoveryFailed, "tool listing failed").WithCause(err)
	}

	logger.Info("tool discovery complete",
		slog.Int("tools", len(tools)),
		log.Duration("duration", time.Since(started).Milliseconds()))
	return tools, nil
}

// teardownContainer stops and removes an ephemeral container. Failures are
// logged and swallowed; teardown never blocks the surrounding flow.
func (s *Server) teardownContainer(ctr container.Container, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), s.stopGrace+inspectTimeout)
	defer cancel()

	if err := ctr.Stop(ctx, s.stopGrace); err != nil {
		logger.Warn("stopping container", log.Error(err))
	}
	if err := ctr.Remove(ctx, true); err != nil {
		logger.Warn("removing container", log.Error(err))
	}
}
