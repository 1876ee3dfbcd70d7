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
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEventBus_TypedSubscription(t *testing.T) {
	bus := newEventBus(discardLogger())

	var ready, all int
	bus.subscribe(EventReady, func(Event) { ready++ })
	bus.subscribe("", func(Event) { all++ })

	bus.emit(Event{Type: EventReady, Timestamp: time.Now()})
	bus.emit(Event{Type: EventExit, Timestamp: time.Now()})

	assert.Equal(t, 1, ready)
	assert.Equal(t, 2, all)
}

func TestEventBus_RemoveStopsDelivery(t *testing.T) {
	bus := newEventBus(discardLogger())

	var count int
	remove := bus.subscribe(EventReady, func(Event) { count++ })

	bus.emit(Event{Type: EventReady})
	remove()
	bus.emit(Event{Type: EventReady})

	assert.Equal(t, 1, count)
}

func TestEventBus_PanickingListenerIsolated(t *testing.T) {
	bus := newEventBus(discardLogger())

	var delivered int
	bus.subscribe("", func(Event) { panic("listener bug") })
	bus.subscribe("", func(Event) { delivered++ })

	bus.emit(Event{Type: EventReady})

	assert.Equal(t, 1, delivered)
}

func TestEventBus_UnhandledErrorLogged(t *testing.T) {
	var buf bytes.Buffer
	bus := newEventBus(slog.New(slog.NewTextHandler(&buf, nil)))

	cause := errors.New("start attempts exhausted")
	bus.emit(Event{
		Type:      EventError,
		Namespace: "mcp",
		Err:       cause,
		Message:   cause.Error(),
	})

	assert.Contains(t, buf.String(), "unhandled lifecycle error")
	assert.Contains(t, buf.String(), "start attempts exhausted")
}

func TestEventBus_UnhandledNonErrorEventsSilent(t *testing.T) {
	var buf bytes.Buffer
	bus := newEventBus(slog.New(slog.NewTextHandler(&buf, nil)))

	bus.emit(Event{Type: EventReady, Namespace: "mcp"})

	assert.Empty(t, buf.String())
}
