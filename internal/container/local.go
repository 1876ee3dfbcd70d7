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

package container

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/helmsman-ai/helmsman/pkg/errors"
)

// LocalEngine implements Engine by running exec commands as local
// processes. The container id is accepted but otherwise ignored; the
// "container" is the process itself. Non-TTY sessions produce a combined
// stream in the multiplexed frame format, which exercises the same demux
// path a real engine would.
type LocalEngine struct {
	// Logger is used for process lifecycle logging (optional).
	Logger *slog.Logger
}

// CreateExec prepares a local process for the given exec configuration.
func (e *LocalEngine) CreateExec(ctx context.Context, containerID string, cfg ExecConfig) (Exec, error) {
	if len(cfg.Cmd) == 0 {
		return nil, errors.New("exec command is empty")
	}

	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &localExec{
		containerID: containerID,
		cfg:         cfg,
		logger:      logger,
	}, nil
}

type localExec struct {
	containerID string
	cfg         ExecConfig
	logger      *slog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	done     chan struct{}
	exited   bool
	exitCode int
}

// Start launches the process and returns its hijacked stream. Reads from
// the stream return multiplexed frames (or raw bytes when TTY is set);
// writes go to the process stdin.
func (x *localExec) Start(ctx context.Context) (Stream, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.cmd != nil {
		return nil, errors.New("exec session already started")
	}

	cmd := exec.Command(x.cfg.Cmd[0], x.cfg.Cmd[1:]...)
	cmd.Dir = x.cfg.WorkingDir
	if len(x.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), x.cfg.Env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errors.Wrap(err, "stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errors.Wrap(err, "stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "starting %q", x.cfg.Cmd[0])
	}

	x.cmd = cmd
	x.done = make(chan struct{})

	combinedR, combinedW := io.Pipe()

	var copiers sync.WaitGroup
	copiers.Add(2)

	var frameMu sync.Mutex
	outW := io.Writer(combinedW)
	errW := io.Writer(io.Discard)
	if !x.cfg.TTY {
		outW = &muxWriter{mu: &frameMu, w: combinedW, stream: StreamStdout}
		errW = &muxWriter{mu: &frameMu, w: combinedW, stream: StreamStderr}
	}

	go func() {
		defer copiers.Done()
		_, _ = io.Copy(outW, stdout)
	}()
	go func() {
		defer copiers.Done()
		_, _ = io.Copy(errW, stderr)
	}()

	go func() {
		copiers.Wait()
		err := cmd.Wait()

		x.mu.Lock()
		x.exited = true
		x.exitCode = cmd.ProcessState.ExitCode()
		x.mu.Unlock()
		close(x.done)

		if err != nil {
			x.logger.Debug("local exec exited",
				"container", x.containerID,
				"error", err,
			)
		}
		_ = combinedW.Close()
	}()

	return &localStream{
		exec:   x,
		reader: combinedR,
		stdin:  stdin,
	}, nil
}

// Inspect reports whether the process is still running and its exit code.
func (x *localExec) Inspect(ctx context.Context) (ExecStatus, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if x.cmd == nil {
		return ExecStatus{}, errors.New("exec session not started")
	}
	return ExecStatus{
		Running:  !x.exited,
		ExitCode: x.exitCode,
	}, nil
}

// localStream adapts the process pipes to the Stream interface.
type localStream struct {
	exec   *localExec
	reader *io.PipeReader
	stdin  io.WriteCloser

	closeOnce sync.Once
	closeErr  error
}

func (s *localStream) Read(p []byte) (int, error) {
	return s.reader.Read(p)
}

func (s *localStream) Write(p []byte) (int, error) {
	return s.stdin.Write(p)
}

// Close shuts the process down: stdin is closed so a well-behaved stdio
// server exits on EOF, then the process is killed if it is still running
// after a short grace period.
func (s *localStream) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.stdin.Close()

		select {
		case <-s.exec.done:
		case <-time.After(3 * time.Second):
			s.exec.mu.Lock()
			cmd := s.exec.cmd
			exited := s.exec.exited
			s.exec.mu.Unlock()
			if !exited && cmd != nil && cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
		}

		_ = s.reader.Close()
	})
	return s.closeErr
}

// LocalProvider implements Provider with no-op container handles. It pairs
// with LocalEngine: there is nothing to create, stop, or remove because
// each exec session owns its process.
type LocalProvider struct{}

// Provide returns a handle for the requested id.
func (p *LocalProvider) Provide(ctx context.Context, id string) (Container, error) {
	return &localContainer{id: id}, nil
}

type localContainer struct {
	id string
}

func (c *localContainer) ID() string { return c.id }

func (c *localContainer) Stop(ctx context.Context, timeout time.Duration) error { return nil }

func (c *localContainer) Remove(ctx context.Context, force bool) error { return nil }
