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
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, path, command string) {
	t.Helper()
	content := "command: " + command + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func (s *Server) configuredCommand() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg == nil {
		return ""
	}
	return s.cfg.Command
}

func TestConfigWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	writeConfigFile(t, path, "mcp start --stdio")

	h := newHarness(t, Options{})
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, h.server.SetConfig(*cfg))

	watcher, err := NewConfigWatcher(WatcherConfig{
		Server:        h.server,
		Path:          path,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		DebounceDelay: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	defer watcher.Close()

	writeConfigFile(t, path, "searchd --stdio")

	require.Eventually(t, func() bool {
		return h.server.configuredCommand() == "searchd --stdio"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConfigWatcher_KeepsConfigOnParseError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	writeConfigFile(t, path, "mcp start --stdio")

	h := newHarness(t, Options{})
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, h.server.SetConfig(*cfg))

	watcher, err := NewConfigWatcher(WatcherConfig{
		Server:        h.server,
		Path:          path,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		DebounceDelay: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	defer watcher.Close()

	require.NoError(t, os.WriteFile(path, []byte("command: [unclosed"), 0o600))

	// Give the reload a chance to fire, then confirm nothing changed.
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, "mcp start --stdio", h.server.configuredCommand())
}

func TestConfigWatcher_RequiresServerAndPath(t *testing.T) {
	_, err := NewConfigWatcher(WatcherConfig{Path: "x"})
	require.Error(t, err)

	_, err = NewConfigWatcher(WatcherConfig{Server: NewServer(Options{})})
	require.Error(t, err)
}

func TestConfigWatcher_BouncesRunningServer(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	writeConfigFile(t, path, "mcp start --stdio")

	h := newHarness(t, Options{})
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.NoError(t, h.server.SetConfig(*cfg))
	h.server.SetProvider(h.provider, h.engine)

	require.NoError(t, h.server.Provision(t.Context()))
	require.Equal(t, int32(1), h.dials.Load())

	watcher, err := NewConfigWatcher(WatcherConfig{
		Server:        h.server,
		Path:          path,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		DebounceDelay: 5 * time.Millisecond,
	})
	require.NoError(t, err)
	defer watcher.Close()

	writeConfigFile(t, path, "searchd --stdio")

	// The running supervisor is bounced: discovery runs again with the new
	// command.
	require.Eventually(t, func() bool {
		return h.dials.Load() == 2 && h.server.Status().State == StateReady
	}, 2*time.Second, 10*time.Millisecond)

	records := h.engine.records()
	require.NotEmpty(t, records)
	assert.Equal(t, []string{"sh", "-lc", "searchd --stdio"}, records[len(records)-1].cfg.Cmd)
}
