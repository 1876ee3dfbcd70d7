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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-ai/helmsman/pkg/errors"
)

func TestServerConfig_NormalizeDefaults(t *testing.T) {
	var cfg ServerConfig
	cfg.Normalize()

	assert.Equal(t, "mcp", cfg.Namespace)
	assert.Equal(t, "mcp start --stdio", cfg.Command)
	assert.Equal(t, 15000, cfg.RequestTimeoutMs)
	assert.Equal(t, 30000, cfg.CallTimeoutMs)
	assert.Equal(t, 15000, cfg.StartupTimeoutMs)
	assert.Equal(t, 5, cfg.Restart.MaxAttempts)
	assert.Equal(t, 2000, cfg.Restart.BackoffMs)
	assert.Zero(t, cfg.HeartbeatIntervalMs)
}

func TestServerConfig_NormalizePreservesExplicitValues(t *testing.T) {
	cfg := ServerConfig{
		Namespace:        "search",
		Command:          "searchd --stdio",
		RequestTimeoutMs: 500,
		Restart:          RestartPolicy{MaxAttempts: 1, BackoffMs: 10},
		Env:              []EnvEntry{{Key: "A", Value: "1"}},
	}
	cfg.Normalize()

	assert.Equal(t, "search", cfg.Namespace)
	assert.Equal(t, "searchd --stdio", cfg.Command)
	assert.Equal(t, 500, cfg.RequestTimeoutMs)
	assert.Equal(t, 1, cfg.Restart.MaxAttempts)
	assert.Equal(t, 10, cfg.Restart.BackoffMs)
	assert.Equal(t, EnvSourceStatic, cfg.Env[0].Source)
}

func TestServerConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		env     []EnvEntry
		wantErr bool
	}{
		{
			name: "valid static and vault",
			env: []EnvEntry{
				{Key: "A", Value: "1", Source: EnvSourceStatic},
				{Key: "B", Value: "kv/ci/token", Source: EnvSourceVault},
			},
		},
		{
			name:    "empty key",
			env:     []EnvEntry{{Key: "", Value: "1", Source: EnvSourceStatic}},
			wantErr: true,
		},
		{
			name:    "malformed vault reference",
			env:     []EnvEntry{{Key: "B", Value: "token", Source: EnvSourceVault}},
			wantErr: true,
		},
		{
			name:    "unknown source",
			env:     []EnvEntry{{Key: "A", Value: "1", Source: "wat"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := ServerConfig{Env: tt.env}
			cfg.Normalize()
			err := cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				var validationErr *errors.ValidationError
				assert.ErrorAs(t, err, &validationErr)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestServerConfig_BackoffDelay(t *testing.T) {
	cfg := ServerConfig{Restart: RestartPolicy{MaxAttempts: 5, BackoffMs: 2000}}

	assert.Equal(t, 2*time.Second, cfg.backoffDelay(1))
	assert.Equal(t, 4*time.Second, cfg.backoffDelay(2))
	assert.Equal(t, 8*time.Second, cfg.backoffDelay(3))
	assert.Equal(t, 16*time.Second, cfg.backoffDelay(4))
}

func TestServerConfig_CloneIsIndependent(t *testing.T) {
	cfg := ServerConfig{Env: []EnvEntry{{Key: "A", Value: "1"}}}
	cp := cfg.clone()
	cfg.Env[0].Value = "changed"

	assert.Equal(t, "1", cp.Env[0].Value)
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "server.yaml")
	content := `
namespace: search
command: searchd --stdio
workdir: /srv
env:
  - key: TOKEN
    value: kv/ci/token
    source: vault
restart:
  max_attempts: 3
  backoff_ms: 500
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "search", cfg.Namespace)
	assert.Equal(t, "searchd --stdio", cfg.Command)
	assert.Equal(t, "/srv", cfg.WorkingDir)
	assert.Equal(t, 3, cfg.Restart.MaxAttempts)
	assert.Equal(t, 500, cfg.Restart.BackoffMs)
	// Unset fields still get defaults.
	assert.Equal(t, 15000, cfg.RequestTimeoutMs)
	require.Len(t, cfg.Env, 1)
	assert.Equal(t, EnvSourceVault, cfg.Env[0].Source)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	var configErr *errors.ConfigError
	assert.ErrorAs(t, err, &configErr)
}

func TestLoadConfig_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("namespace: [unclosed"), 0o600))

	_, err := LoadConfig(path)
	require.Error(t, err)
	var configErr *errors.ConfigError
	assert.ErrorAs(t, err, &configErr)
}

func TestLoadConfig_InvalidVaultRef(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad-ref.yaml")
	content := `
env:
  - key: TOKEN
    value: justakey
    source: vault
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	_, err := LoadConfig(path)
	require.Error(t, err)
	var validationErr *errors.ValidationError
	assert.ErrorAs(t, err, &validationErr)
}
