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

// Package container defines the narrow interfaces the tool-server
// supervisor consumes from a container runtime: providing ephemeral
// containers and opening exec sessions inside them. Implementations back
// these interfaces with a real engine (Docker, Podman) or, for development
// and tests, with local processes (see LocalEngine).
package container

import (
	"context"
	"io"
	"time"
)

// ExecConfig describes a process to start inside a container.
type ExecConfig struct {
	// Cmd is the command and its arguments (e.g. ["sh", "-lc", "mcp start --stdio"]).
	Cmd []string

	// Env holds environment variables in KEY=VALUE form.
	Env []string

	// WorkingDir is the working directory for the process.
	WorkingDir string

	// AttachStdin, AttachStdout and AttachStderr select which streams the
	// exec session attaches.
	AttachStdin  bool
	AttachStdout bool
	AttachStderr bool

	// TTY allocates a pseudo-terminal. Without a TTY the combined output
	// stream is multiplexed with 8-byte frame headers (see FrameReader).
	TTY bool
}

// ExecStatus reports the state of an exec session.
type ExecStatus struct {
	// Running is true while the process has not exited.
	Running bool

	// ExitCode is the process exit code. Only meaningful once Running is false.
	ExitCode int
}

// Stream is the hijacked bidirectional byte stream of a started exec
// session. Reads return the combined (possibly multiplexed) process
// output; writes go to the process stdin. Close releases the stream.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// Exec is a created exec session.
type Exec interface {
	// Start attaches to the session and returns the hijacked stream.
	Start(ctx context.Context) (Stream, error)

	// Inspect reports the session status, including the exit code once
	// the process has terminated.
	Inspect(ctx context.Context) (ExecStatus, error)
}

// Engine opens exec sessions inside existing containers.
type Engine interface {
	CreateExec(ctx context.Context, containerID string, cfg ExecConfig) (Exec, error)
}

// Container is a handle to a provisioned container.
type Container interface {
	// ID returns the container identifier.
	ID() string

	// Stop stops the container, waiting up to timeout for it to exit.
	Stop(ctx context.Context, timeout time.Duration) error

	// Remove deletes the container.
	Remove(ctx context.Context, force bool) error
}

// Provider supplies containers by id, creating them on demand. The
// supervisor only reads from the provider; it never mutates shared
// provider state.
type Provider interface {
	Provide(ctx context.Context, id string) (Container, error)
}
