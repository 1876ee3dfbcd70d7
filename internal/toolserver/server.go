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
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/helmsman-ai/helmsman/internal/container"
	"github.com/helmsman-ai/helmsman/internal/log"
	"github.com/helmsman-ai/helmsman/internal/secrets"
)

// Dependency-wait and teardown timing defaults.
const (
	defaultDependencyPoll   = 5 * time.Second
	defaultDependencyWindow = 30 * time.Second
	defaultStopGrace        = 5 * time.Second
)

// errCycleStopped signals that a start cycle was abandoned because the
// supervisor was deprovisioned or destroyed mid-flight. It never reaches
// callers; waiters are rejected by the teardown path instead.
var errCycleStopped = errors.New("start cycle stopped")

// Options configures a Server. The zero value is usable: logging falls
// back to the default logger, metrics are disabled, and the production
// protocol dialer is used.
type Options struct {
	// Logger receives structured supervisor logs.
	Logger *slog.Logger

	// Registerer enables prometheus instrumentation when non-nil.
	Registerer prometheus.Registerer

	// Tracer emits spans for discovery and tool calls. Defaults to the
	// global tracer provider.
	Tracer trace.Tracer

	// Dialer builds the RPC client over an exec transport. Overridden in
	// tests.
	Dialer RPCDialer

	// Secrets resolves vault-sourced environment overlay entries.
	Secrets secrets.Resolver
}

// Server supervises one tool server: it launches the configured command
// inside ephemeral containers, discovers the tools it exposes exactly once,
// retries failed starts with exponential backoff, and routes tool calls
// through per-thread containers. All state is in-memory and scoped to the
// instance; multiple Servers coexist without sharing anything.
type Server struct {
	logger   *slog.Logger
	metrics  *metrics
	tracer   trace.Tracer
	dialer   RPCDialer
	resolver secrets.Resolver
	events   *eventBus

	// Timing knobs, shortened in tests.
	dependencyPoll   time.Duration
	dependencyWindow time.Duration
	stopGrace        time.Duration

	mu       sync.Mutex
	cfg      *ServerConfig
	provider container.Provider
	engine   container.Engine

	state      ProvisionState
	lastErr    error
	readySince time.Time

	// intent records the desire to be running; started records that a
	// provision cycle has actually reached ready. Keeping them separate
	// makes timer cancellation race-free.
	intent    bool
	started   bool
	destroyed bool

	// cycleActive spans the whole start cycle including scheduled retry
	// windows, so concurrent Provision callers attach to the next outcome
	// instead of spawning a duplicate cycle.
	cycleActive bool
	attempts    int
	waiters     []chan error
	stopCh      chan struct{}

	heartbeatStop chan struct{}

	statusNextID    int
	statusListeners map[int]StatusListener

	// Discovery cache, replaced atomically on success.
	discoverMu sync.Mutex
	discovered bool
	tools      []ToolDescriptor

	dynamic dynamicConfig
}

// NewServer creates a supervisor in the not_ready state.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("helmsman/toolserver")
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = defaultDialer
	}

	return &Server{
		logger:           logger,
		metrics:          newMetrics(opts.Registerer),
		tracer:           tracer,
		dialer:           dialer,
		resolver:         opts.Secrets,
		events:           newEventBus(logger),
		dependencyPoll:   defaultDependencyPoll,
		dependencyWindow: defaultDependencyWindow,
		stopGrace:        defaultStopGrace,
		state:            StateNotReady,
		statusListeners:  make(map[int]StatusListener),
	}
}

// SetConfig normalizes, validates, and stores the server configuration.
// The stored snapshot is immutable until replaced.
func (s *Server) SetConfig(cfg ServerConfig) error {
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.cfg = cfg.clone()
	s.mu.Unlock()
	return nil
}

// SetProvider installs the container provider and engine used for
// discovery and per-call containers.
func (s *Server) SetProvider(p container.Provider, e container.Engine) {
	s.mu.Lock()
	s.provider = p
	s.engine = e
	s.mu.Unlock()
}

// Status returns a point-in-time snapshot of the supervisor.
func (s *Server) Status() ProvisionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Server) statusLocked() ProvisionStatus {
	st := ProvisionStatus{
		State:     s.state,
		Attempts:  s.attempts,
		ToolCount: len(s.tools),
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	if s.state == StateReady {
		st.ReadySince = s.readySince
	}
	return st
}

// OnStatusChange registers an observer notified synchronously on every
// state change. The returned function removes it.
func (s *Server) OnStatusChange(fn StatusListener) func() {
	s.mu.Lock()
	id := s.statusNextID
	s.statusNextID++
	s.statusListeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.statusListeners, id)
		s.mu.Unlock()
	}
}

// OnEvent registers a lifecycle event listener for the given type (empty
// for all types). The returned function removes it.
func (s *Server) OnEvent(typ EventType, fn EventListener) func() {
	return s.events.subscribe(typ, fn)
}

// setState mutates the lifecycle state under the lock and notifies status
// observers outside it. Observer panics are isolated.
func (s *Server) setState(state ProvisionState, lastErr error) {
	s.mu.Lock()
	snapshot, listeners, namespace := s.applyStateLocked(state, lastErr)
	s.mu.Unlock()

	s.notifyStateChanged(namespace, state, snapshot, listeners)
}

// applyStateLocked commits a state transition while the caller holds s.mu.
// Cycle outcomes must commit their flags and their transition in the same
// critical section, otherwise a Deprovision or Destroy interleaving between
// the two would be overwritten by the stale transition landing afterwards.
func (s *Server) applyStateLocked(state ProvisionState, lastErr error) (ProvisionStatus, []StatusListener, string) {
	s.state = state
	s.lastErr = lastErr
	if state == StateReady {
		s.readySince = time.Now()
	}
	snapshot := s.statusLocked()
	listeners := make([]StatusListener, 0, len(s.statusListeners))
	for _, fn := range s.statusListeners {
		listeners = append(listeners, fn)
	}
	return snapshot, listeners, s.namespaceLocked()
}

func (s *Server) notifyStateChanged(namespace string, state ProvisionState, snapshot ProvisionStatus, listeners []StatusListener) {
	s.metrics.recordState(namespace, state)
	for _, fn := range listeners {
		s.notifyStatus(fn, snapshot)
	}
}

func (s *Server) notifyStatus(fn StatusListener, st ProvisionStatus) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("status observer panicked", slog.Any("panic", r))
		}
	}()
	fn(st)
}

func (s *Server) namespaceLocked() string {
	if s.cfg != nil {
		return s.cfg.Namespace
	}
	return DefaultNamespace
}

func (s *Server) namespace() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.namespaceLocked()
}

// Provision arms the supervisor. It is idempotent: if the server is
// already ready it returns immediately, and concurrent callers while a
// start cycle is in flight all observe that cycle's first outcome.
func (s *Server) Provision(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return NewServerError(ErrorCodeDestroyed, "tool server has been destroyed")
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}

	s.intent = true
	waiter := make(chan error, 1)
	s.waiters = append(s.waiters, waiter)

	startCycle := !s.cycleActive
	var stopCh chan struct{}
	if startCycle {
		s.cycleActive = true
		s.attempts = 0
		s.stopCh = make(chan struct{})
		stopCh = s.stopCh
	}
	s.mu.Unlock()

	if startCycle {
		s.setState(StateProvisioning, nil)
		go s.runCycle(stopCh)
	}

	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runCycle executes one start attempt: bounded dependency wait, then a
// single discovery pass. Failures reject the current waiters and either
// schedule a backoff retry or stop silently once attempts are exhausted.
func (s *Server) runCycle(stopCh chan struct{}) {
	attempt := s.currentAttempt() + 1
	logger := log.WithCorrelationID(s.logger, uuid.NewString()).With(
		slog.String(log.ServerKey, s.namespace()),
		slog.Int(log.AttemptKey, attempt),
	)
	logger.Info("starting tool server provision attempt")

	if err := s.waitDependencies(stopCh); err != nil {
		if errors.Is(err, errCycleStopped) {
			return
		}
		s.metrics.recordStartAttempt(s.namespace(), "dependency_timeout")
		s.attemptFailed(stopCh, logger, err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	_, err := s.discoverTools(ctx, stopCh)

	if s.stopped(stopCh) {
		return
	}
	if err != nil {
		s.metrics.recordStartAttempt(s.namespace(), "failure")
		s.attemptFailed(stopCh, logger, err)
		return
	}

	s.metrics.recordStartAttempt(s.namespace(), "success")
	s.attemptSucceeded(stopCh, logger)
}

func (s *Server) currentAttempt() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Server) stopped(stopCh <-chan struct{}) bool {
	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}

// waitDependencies polls until configuration and a container provider are
// both present, failing after the bounded window.
func (s *Server) waitDependencies(stopCh <-chan struct{}) error {
	deadline := time.Now().Add(s.dependencyWindow)
	for {
		s.mu.Lock()
		ready := s.cfg != nil && s.cfg.Command != "" && s.provider != nil && s.engine != nil
		s.mu.Unlock()
		if ready {
			return nil
		}

		if time.Now().After(deadline) {
			return NewServerError(ErrorCodeDependencyTimeout,
				"dependencies not ready").
				WithDetail("configuration or container provider still missing after wait window")
		}

		select {
		case <-stopCh:
			return errCycleStopped
		case <-time.After(s.dependencyPoll):
		}
	}
}

func (s *Server) attemptSucceeded(stopCh chan struct{}, logger *slog.Logger) {
	s.mu.Lock()
	if s.destroyed || !s.intent || s.stopCh != stopCh {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.cycleActive = false
	s.attempts++
	waiters := s.takeWaitersLocked()
	namespace := s.namespaceLocked()
	s.startHeartbeatLocked(namespace)
	snapshot, listeners, _ := s.applyStateLocked(StateReady, nil)
	s.mu.Unlock()

	s.notifyStateChanged(namespace, StateReady, snapshot, listeners)
	resolveWaiters(waiters, nil)
	s.events.emit(Event{
		Type:      EventReady,
		Namespace: namespace,
		Timestamp: time.Now(),
	})
	logger.Info("tool server ready")
}

func (s *Server) attemptFailed(stopCh chan struct{}, logger *slog.Logger, cause error) {
	// Coded failures (dependency timeout, discovery) keep their code;
	// anything else is wrapped as a start failure.
	err := cause
	var serverErr *ServerError
	if !errors.As(cause, &serverErr) {
		err = NewServerError(ErrorCodeStartFailed, "tool server start failed").WithCause(cause)
	}

	s.mu.Lock()
	if s.destroyed || !s.intent || s.stopCh != stopCh {
		s.mu.Unlock()
		return
	}
	s.attempts++
	attempts := s.attempts
	cfg := s.cfg
	waiters := s.takeWaitersLocked()
	namespace := s.namespaceLocked()

	maxAttempts := DefaultMaxAttempts
	backoff := time.Duration(DefaultBackoffMs) * time.Millisecond
	if cfg != nil {
		maxAttempts = cfg.Restart.MaxAttempts
		backoff = cfg.backoffDelay(attempts)
	}

	retry := attempts < maxAttempts
	var snapshot ProvisionStatus
	var listeners []StatusListener
	if !retry {
		s.cycleActive = false
		snapshot, listeners, _ = s.applyStateLocked(StateError, err)
	}
	s.mu.Unlock()

	resolveWaiters(waiters, err)

	if retry {
		logger.Warn("start attempt failed, retrying",
			log.Error(cause),
			slog.Duration("backoff", backoff))
		s.events.emit(Event{
			Type:      EventRestarted,
			Namespace: namespace,
			Timestamp: time.Now(),
			Attempt:   attempts,
		})
		go s.scheduleRetry(stopCh, backoff)
		return
	}

	logger.Error("start attempts exhausted", log.Error(cause))
	s.notifyStateChanged(namespace, StateError, snapshot, listeners)
	s.events.emit(Event{
		Type:      EventError,
		Namespace: namespace,
		Timestamp: time.Now(),
		Attempt:   attempts,
		Err:       err,
		Message:   err.Error(),
	})
}

// scheduleRetry re-runs the cycle after the backoff delay. A deprovision
// or destroy in the meantime makes the timer a no-op.
func (s *Server) scheduleRetry(stopCh chan struct{}, delay time.Duration) {
	select {
	case <-stopCh:
		return
	case <-time.After(delay):
	}

	s.mu.Lock()
	fire := s.intent && !s.destroyed && s.cycleActive && s.stopCh == stopCh
	s.mu.Unlock()
	if !fire {
		return
	}

	s.runCycle(stopCh)
}

func (s *Server) takeWaitersLocked() []chan error {
	waiters := s.waiters
	s.waiters = nil
	return waiters
}

func resolveWaiters(waiters []chan error, err error) {
	for _, w := range waiters {
		w <- err
	}
}

// Deprovision tears the supervisor down to not_ready: it clears intent,
// cancels pending timers, rejects in-flight waiters, and drops all caches.
// It is a no-op when already not_ready.
func (s *Server) Deprovision(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	if s.state == StateNotReady && !s.cycleActive {
		s.mu.Unlock()
		return nil
	}
	namespace := s.namespaceLocked()
	waiters := s.teardownLocked()
	s.mu.Unlock()

	s.setState(StateDeprovisioning, nil)
	resolveWaiters(waiters, NewServerError(ErrorCodeCancelled, "tool server deprovisioned"))
	s.setState(StateNotReady, nil)
	s.events.emit(Event{
		Type:      EventExit,
		Namespace: namespace,
		Timestamp: time.Now(),
	})
	s.logger.Info("tool server deprovisioned", slog.String(log.ServerKey, namespace))
	return nil
}

// Destroy is a permanent hard teardown. Later Provision calls are
// rejected.
func (s *Server) Destroy(ctx context.Context) error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	namespace := s.namespaceLocked()
	waiters := s.teardownLocked()
	s.mu.Unlock()

	resolveWaiters(waiters, NewServerError(ErrorCodeCancelled, "tool server destroyed"))
	s.setState(StateDestroyed, nil)
	s.events.emit(Event{
		Type:      EventExit,
		Namespace: namespace,
		Timestamp: time.Now(),
	})
	s.logger.Info("tool server destroyed", slog.String(log.ServerKey, namespace))
	return nil
}

// teardownLocked clears intent, stops timers, and resets every cache so a
// later Provision starts from scratch. Returns the waiters to reject.
func (s *Server) teardownLocked() []chan error {
	s.intent = false
	s.started = false
	s.cycleActive = false
	s.attempts = 0
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	s.stopHeartbeatLocked()

	s.tools = nil
	s.discovered = false
	s.dynamic.reset()

	return s.takeWaitersLocked()
}

func (s *Server) startHeartbeatLocked(namespace string) {
	if s.cfg == nil || s.cfg.HeartbeatIntervalMs <= 0 || s.heartbeatStop != nil {
		return
	}
	stop := make(chan struct{})
	s.heartbeatStop = stop
	interval := s.cfg.heartbeatInterval()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				s.events.emit(Event{
					Type:      EventHeartbeat,
					Namespace: namespace,
					Timestamp: time.Now(),
				})
			}
		}
	}()
}

func (s *Server) stopHeartbeatLocked() {
	if s.heartbeatStop != nil {
		close(s.heartbeatStop)
		s.heartbeatStop = nil
	}
}
