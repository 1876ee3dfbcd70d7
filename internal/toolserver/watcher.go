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
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/helmsman-ai/helmsman/internal/log"
	"github.com/helmsman-ai/helmsman/pkg/errors"
)

// ConfigWatcher monitors a server configuration file and reloads it into
// the supervisor when it changes. Reload replaces the config snapshot and
// re-provisions when the supervisor was running, so edits take effect
// without restarting the host process.
type ConfigWatcher struct {
	// fsWatcher is the underlying filesystem watcher
	fsWatcher *fsnotify.Watcher

	// server is the supervisor to reload into
	server *Server

	// path is the watched configuration file
	path string

	// logger is used for structured logging
	logger *slog.Logger

	// debounceDelay coalesces rapid successive writes into one reload
	debounceDelay time.Duration

	// pendingReload is the debounce timer, nil when none is scheduled
	pendingReload *time.Timer

	// mu protects pendingReload
	mu sync.Mutex

	// ctx is the watcher's lifecycle context
	ctx context.Context

	// cancel stops the watcher
	cancel context.CancelFunc

	// wg tracks the event loop goroutine
	wg sync.WaitGroup
}

// WatcherConfig configures a ConfigWatcher.
type WatcherConfig struct {
	// Server is the supervisor to reload into
	Server *Server

	// Path is the configuration file to watch
	Path string

	// Logger is used for structured logging (optional)
	Logger *slog.Logger

	// DebounceDelay coalesces rapid writes (defaults to 200ms)
	DebounceDelay time.Duration
}

// NewConfigWatcher creates a watcher on the given configuration file.
func NewConfigWatcher(cfg WatcherConfig) (*ConfigWatcher, error) {
	if cfg.Server == nil {
		return nil, errors.New("server is required")
	}
	if cfg.Path == "" {
		return nil, errors.New("config path is required")
	}

	absPath, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, errors.Wrapf(err, "resolving path %s", cfg.Path)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "creating file watcher")
	}

	// Watch the parent directory; editors often replace the file via
	// rename, which drops a watch placed on the file itself.
	if err := fsWatcher.Add(filepath.Dir(absPath)); err != nil {
		fsWatcher.Close()
		return nil, errors.Wrapf(err, "watching %s", absPath)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	debounceDelay := cfg.DebounceDelay
	if debounceDelay == 0 {
		debounceDelay = 200 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := &ConfigWatcher{
		fsWatcher:     fsWatcher,
		server:        cfg.Server,
		path:          absPath,
		logger:        logger,
		debounceDelay: debounceDelay,
		ctx:           ctx,
		cancel:        cancel,
	}

	w.wg.Add(1)
	go w.processEvents()

	return w, nil
}

// processEvents watches for writes to the configuration file and schedules
// debounced reloads.
func (w *ConfigWatcher) processEvents() {
	defer w.wg.Done()

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !w.matchesPath(event.Name) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.scheduleReload()
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", log.Error(err))

		case <-w.ctx.Done():
			return
		}
	}
}

func (w *ConfigWatcher) matchesPath(name string) bool {
	abs, err := filepath.Abs(name)
	if err != nil {
		return false
	}
	return abs == w.path
}

// scheduleReload coalesces bursts of file events into a single reload.
func (w *ConfigWatcher) scheduleReload() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pendingReload != nil {
		w.pendingReload.Stop()
	}
	w.pendingReload = time.AfterFunc(w.debounceDelay, w.reload)
}

// reload parses the changed file and installs it. Parse and validation
// failures keep the previous configuration in place.
func (w *ConfigWatcher) reload() {
	w.mu.Lock()
	w.pendingReload = nil
	w.mu.Unlock()

	w.logger.Info("configuration file changed, reloading", slog.String("path", w.path))

	cfg, err := LoadConfig(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous configuration", log.Error(err))
		return
	}

	if err := w.server.SetConfig(*cfg); err != nil {
		w.logger.Error("config reload rejected, keeping previous configuration", log.Error(err))
		return
	}

	// A running supervisor is bounced so the new command, environment,
	// and timeouts take effect on the next exec.
	status := w.server.Status()
	if status.State == StateReady || status.State == StateProvisioning {
		ctx, cancel := context.WithTimeout(w.ctx, 30*time.Second)
		defer cancel()

		if err := w.server.Deprovision(ctx); err != nil {
			w.logger.Error("deprovision after config reload failed", log.Error(err))
			return
		}
		if err := w.server.Provision(ctx); err != nil {
			w.logger.Error("re-provision after config reload failed", log.Error(err))
		}
	}
}

// Close shuts the watcher down and cancels any pending reload.
func (w *ConfigWatcher) Close() error {
	w.cancel()

	w.mu.Lock()
	if w.pendingReload != nil {
		w.pendingReload.Stop()
		w.pendingReload = nil
	}
	w.mu.Unlock()

	w.wg.Wait()
	return w.fsWatcher.Close()
}
