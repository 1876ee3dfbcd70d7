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
	"log/slog"
	"sync"
	"time"

	"github.com/helmsman-ai/helmsman/internal/log"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	// EventReady fires when discovery succeeds and tools become available.
	EventReady EventType = "ready"
	// EventError fires when a provision cycle fails permanently.
	EventError EventType = "error"
	// EventRestarted fires when a retry attempt is scheduled after a failure.
	EventRestarted EventType = "restarted"
	// EventExit fires when the supervisor is deprovisioned or destroyed.
	EventExit EventType = "exit"
	// EventHeartbeat fires periodically while the server is ready, when a
	// heartbeat interval is configured.
	EventHeartbeat EventType = "heartbeat"
)

// Event is a lifecycle notification delivered to OnEvent listeners.
type Event struct {
	// Type is the event kind.
	Type EventType `json:"type"`

	// Namespace is the server's configured namespace.
	Namespace string `json:"namespace"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"timestamp"`

	// Attempt is the start attempt number, for restarted events.
	Attempt int `json:"attempt,omitempty"`

	// Err carries the failure for error events.
	Err error `json:"-"`

	// Message is the human-readable failure summary for error events.
	Message string `json:"message,omitempty"`
}

// EventListener receives lifecycle events. Listeners must not block; they
// are invoked synchronously from supervisor goroutines.
type EventListener func(Event)

// StatusListener receives provision status snapshots on every state change.
type StatusListener func(ProvisionStatus)

// eventBus fans lifecycle events out to registered listeners. A panicking
// listener is isolated so it cannot take down the supervisor.
type eventBus struct {
	mu        sync.RWMutex
	nextID    int
	listeners map[int]eventSub
	logger    *slog.Logger
}

type eventSub struct {
	// typ filters delivery; the empty type receives every event.
	typ EventType
	fn  EventListener
}

func newEventBus(logger *slog.Logger) *eventBus {
	return &eventBus{
		listeners: make(map[int]eventSub),
		logger:    logger,
	}
}

// subscribe registers a listener for the given event type (empty for all)
// and returns a removal function.
func (b *eventBus) subscribe(typ EventType, fn EventListener) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = eventSub{typ: typ, fn: fn}
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
	}
}

func (b *eventBus) hasListeners(typ EventType) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.listeners {
		if sub.typ == "" || sub.typ == typ {
			return true
		}
	}
	return false
}

// emit delivers the event to matching listeners. Error events with no
// listener registered are logged instead, so failures never vanish
// silently.
func (b *eventBus) emit(event Event) {
	b.mu.RLock()
	matched := make([]EventListener, 0, len(b.listeners))
	for _, sub := range b.listeners {
		if sub.typ == "" || sub.typ == event.Type {
			matched = append(matched, sub.fn)
		}
	}
	b.mu.RUnlock()

	if len(matched) == 0 {
		if event.Type == EventError {
			b.logger.Error("unhandled lifecycle error",
				slog.String(log.ServerKey, event.Namespace),
				slog.String(log.EventKey, string(event.Type)),
				slog.String("error", event.Message))
		}
		return
	}

	for _, fn := range matched {
		b.deliver(fn, event)
	}
}

func (b *eventBus) deliver(fn EventListener, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				slog.String(log.EventKey, string(event.Type)),
				slog.Any("panic", r))
		}
	}()
	fn(event)
}
