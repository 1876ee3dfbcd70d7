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
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/helmsman-ai/helmsman/internal/secrets"
	"github.com/helmsman-ai/helmsman/pkg/errors"
)

// Configuration defaults.
const (
	DefaultNamespace        = "mcp"
	DefaultCommand          = "mcp start --stdio"
	DefaultRequestTimeoutMs = 15000
	DefaultCallTimeoutMs    = 30000
	DefaultStartupTimeoutMs = 15000
	DefaultMaxAttempts      = 5
	DefaultBackoffMs        = 2000
)

// EnvSource selects how an environment overlay entry's value is obtained.
type EnvSource string

const (
	// EnvSourceStatic passes the value through unchanged.
	EnvSourceStatic EnvSource = "static"
	// EnvSourceVault treats the value as a mount/path/key vault reference
	// resolved through the secret resolver at exec time.
	EnvSourceVault EnvSource = "vault"
)

// EnvEntry is one environment variable to inject into every exec.
type EnvEntry struct {
	// Key is the variable name. Must be non-empty.
	Key string `yaml:"key"`

	// Value is the literal value or, for vault entries, the reference.
	Value string `yaml:"value"`

	// Source defaults to static.
	Source EnvSource `yaml:"source,omitempty"`
}

// RestartPolicy bounds the resilient-start retry loop.
type RestartPolicy struct {
	// MaxAttempts is the total number of start attempts (>= 1, default 5).
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// BackoffMs is the base retry delay; attempt n waits
	// BackoffMs * 2^(n-1) milliseconds (default 2000).
	BackoffMs int `yaml:"backoff_ms,omitempty"`
}

// ServerConfig is the static description of how to run a tool server.
// It is set once via SetConfig and held as an immutable snapshot until
// replaced.
type ServerConfig struct {
	// Namespace prefixes container ids and names the server in logs
	// (default "mcp").
	Namespace string `yaml:"namespace,omitempty"`

	// Command is the shell command that starts the tool server inside the
	// container; it is executed as ["sh", "-lc", Command].
	Command string `yaml:"command,omitempty"`

	// WorkingDir is the working directory for the exec.
	WorkingDir string `yaml:"workdir,omitempty"`

	// Env is the environment overlay, resolved fresh on every exec.
	Env []EnvEntry `yaml:"env,omitempty"`

	// RequestTimeoutMs bounds the discovery tool-listing request (default 15000).
	RequestTimeoutMs int `yaml:"request_timeout_ms,omitempty"`

	// CallTimeoutMs bounds a tool invocation unless overridden per call
	// (default 30000).
	CallTimeoutMs int `yaml:"call_timeout_ms,omitempty"`

	// StartupTimeoutMs bounds the RPC connect handshake (default 15000).
	StartupTimeoutMs int `yaml:"startup_timeout_ms,omitempty"`

	// HeartbeatIntervalMs enables periodic heartbeat events while ready
	// (0 disables).
	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms,omitempty"`

	// Restart bounds the resilient-start retry loop.
	Restart RestartPolicy `yaml:"restart,omitempty"`
}

// Normalize fills in defaults for unset fields.
func (c *ServerConfig) Normalize() {
	if c.Namespace == "" {
		c.Namespace = DefaultNamespace
	}
	if c.Command == "" {
		c.Command = DefaultCommand
	}
	if c.RequestTimeoutMs <= 0 {
		c.RequestTimeoutMs = DefaultRequestTimeoutMs
	}
	if c.CallTimeoutMs <= 0 {
		c.CallTimeoutMs = DefaultCallTimeoutMs
	}
	if c.StartupTimeoutMs <= 0 {
		c.StartupTimeoutMs = DefaultStartupTimeoutMs
	}
	if c.Restart.MaxAttempts < 1 {
		c.Restart.MaxAttempts = DefaultMaxAttempts
	}
	if c.Restart.BackoffMs <= 0 {
		c.Restart.BackoffMs = DefaultBackoffMs
	}
	for i := range c.Env {
		if c.Env[i].Source == "" {
			c.Env[i].Source = EnvSourceStatic
		}
	}
}

// Validate checks the configuration after normalization.
func (c *ServerConfig) Validate() error {
	for i, entry := range c.Env {
		if entry.Key == "" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("env[%d].key", i),
				Message: "environment variable key must not be empty",
			}
		}
		switch entry.Source {
		case EnvSourceStatic:
		case EnvSourceVault:
			if _, err := secrets.ParseRef(entry.Value); err != nil {
				return &errors.ValidationError{
					Field:      fmt.Sprintf("env[%d].value", i),
					Message:    err.Error(),
					Suggestion: "Vault references use the form mount/path/key",
				}
			}
		default:
			return &errors.ValidationError{
				Field:   fmt.Sprintf("env[%d].source", i),
				Message: fmt.Sprintf("unknown source %q", entry.Source),
			}
		}
	}
	return nil
}

// clone returns a deep copy so the stored snapshot cannot be mutated by
// the caller after SetConfig.
func (c *ServerConfig) clone() *ServerConfig {
	cp := *c
	cp.Env = make([]EnvEntry, len(c.Env))
	copy(cp.Env, c.Env)
	return &cp
}

func (c *ServerConfig) requestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMs) * time.Millisecond
}

func (c *ServerConfig) callTimeout() time.Duration {
	return time.Duration(c.CallTimeoutMs) * time.Millisecond
}

func (c *ServerConfig) startupTimeout() time.Duration {
	return time.Duration(c.StartupTimeoutMs) * time.Millisecond
}

func (c *ServerConfig) heartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

// backoffDelay returns the exponential backoff delay after the given
// number of failed attempts (1-based).
func (c *ServerConfig) backoffDelay(attempts int) time.Duration {
	base := time.Duration(c.Restart.BackoffMs) * time.Millisecond
	if attempts <= 1 {
		return base
	}
	factor := math.Pow(2, float64(attempts-1))
	return time.Duration(float64(base) * factor)
}

// LoadConfig reads, normalizes, and validates a ServerConfig from a YAML
// file.
func LoadConfig(path string) (*ServerConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &errors.ConfigError{
			Key:    path,
			Reason: "could not read config file",
			Cause:  err,
		}
	}

	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &errors.ConfigError{
			Key:    path,
			Reason: "could not parse config file",
			Cause:  err,
		}
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}
