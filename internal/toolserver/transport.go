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
	"bufio"
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/helmsman-ai/helmsman/internal/container"
	"github.com/helmsman-ai/helmsman/internal/log"
)

// inspectTimeout bounds the exit-code lookup during transport teardown.
const inspectTimeout = 5 * time.Second

// ExecTransport runs the tool server command inside a container exec and
// exposes its stdio as plain readers and writers. For non-TTY execs the
// multiplexed output is demultiplexed in the background: stdout feeds the
// RPC layer, stderr is drained line by line into the logger so a chatty
// server can never fill the pipe and deadlock the protocol. A TTY exec has
// no frame envelope; its raw stream is copied straight to the stdout side.
// Raw protocol bytes are logged at trace level when enabled.
type ExecTransport struct {
	exec   container.Exec
	stream container.Stream
	logger *slog.Logger

	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	demuxDone chan struct{}

	closeOnce sync.Once
	exitCode  int
	closeErr  error
}

// execConfig builds the exec configuration for running the tool server
// command. The command runs through a shell so config values may use
// arguments and expansions.
func execConfig(cfg *ServerConfig, env []string) container.ExecConfig {
	return container.ExecConfig{
		Cmd:          []string{"sh", "-lc", cfg.Command},
		Env:          env,
		WorkingDir:   cfg.WorkingDir,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		TTY:          false,
	}
}

// startExec creates and attaches an exec inside the given container and
// starts routing its output according to execCfg.TTY.
func startExec(ctx context.Context, engine container.Engine, containerID string, execCfg container.ExecConfig, logger *slog.Logger) (*ExecTransport, error) {
	ex, err := engine.CreateExec(ctx, containerID, execCfg)
	if err != nil {
		return nil, err
	}

	stream, err := ex.Start(ctx)
	if err != nil {
		return nil, err
	}

	stdoutR, stdoutW := io.Pipe()
	t := &ExecTransport{
		exec:      ex,
		stream:    stream,
		logger:    logger,
		stdoutR:   stdoutR,
		stdoutW:   stdoutW,
		demuxDone: make(chan struct{}),
	}

	if execCfg.TTY {
		go t.passthrough()
		return t, nil
	}

	stderrR, stderrW := io.Pipe()
	go t.drainStderr(stderrR)
	go t.demux(stderrW)

	return t, nil
}

// Stdout returns the demultiplexed stdout of the exec.
func (t *ExecTransport) Stdout() io.Reader {
	return t.stdoutR
}

// Stdin returns a writer feeding the exec's stdin. Closing it signals EOF
// to the process without tearing down the transport.
func (t *ExecTransport) Stdin() io.WriteCloser {
	return &traceWriteCloser{
		traceWriter: traceWriter{w: t.stream, logger: t.logger, dir: "stdin"},
		closer:      t.stream,
	}
}

// demux routes output frames until the stream ends, then closes both
// pipes so downstream readers observe EOF.
func (t *ExecTransport) demux(stderrW *io.PipeWriter) {
	defer close(t.demuxDone)

	stdout := &traceWriter{w: t.stdoutW, logger: t.logger, dir: "stdout"}
	err := container.Demux(t.stream, stdout, stderrW)
	if err != nil && err != io.EOF {
		t.stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
		return
	}
	t.stdoutW.Close()
	stderrW.Close()
}

// passthrough copies the raw TTY stream to the stdout side. A TTY exec
// interleaves everything on one unframed stream, so there is no stderr to
// split off.
func (t *ExecTransport) passthrough() {
	defer close(t.demuxDone)

	stdout := &traceWriter{w: t.stdoutW, logger: t.logger, dir: "stdout"}
	if _, err := io.Copy(stdout, t.stream); err != nil && err != io.EOF {
		t.stdoutW.CloseWithError(err)
		return
	}
	t.stdoutW.Close()
}

// traceWriter passes writes through while logging the raw protocol bytes
// at trace level. The Enabled check inside log.Trace keeps the hot path
// free of formatting work when tracing is off.
type traceWriter struct {
	w      io.Writer
	logger *slog.Logger
	dir    string
}

func (tw *traceWriter) Write(p []byte) (int, error) {
	log.Trace(tw.logger, "rpc frame",
		slog.String("dir", tw.dir),
		slog.Int("bytes", len(p)),
		slog.String("payload", string(p)),
	)
	return tw.w.Write(p)
}

type traceWriteCloser struct {
	traceWriter
	closer io.Closer
}

func (tw *traceWriteCloser) Close() error {
	return tw.closer.Close()
}

func (t *ExecTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		t.logger.Debug("tool server stderr", slog.String("line", scanner.Text()))
	}
}

// Close tears the transport down and returns the exec's exit code. It is
// idempotent; later calls return the first outcome. A zero exit code with
// a non-nil error means the code could not be determined.
func (t *ExecTransport) Close(ctx context.Context) (int, error) {
	t.closeOnce.Do(func() {
		if err := t.stream.Close(); err != nil {
			t.logger.Debug("closing exec stream", log.Error(err))
		}

		select {
		case <-t.demuxDone:
		case <-time.After(inspectTimeout):
			t.logger.Warn("exec output demux did not drain before teardown")
		case <-ctx.Done():
		}

		inspectCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), inspectTimeout)
		defer cancel()

		status, err := t.exec.Inspect(inspectCtx)
		if err != nil {
			t.closeErr = err
			return
		}
		t.exitCode = status.ExitCode
	})

	return t.exitCode, t.closeErr
}
