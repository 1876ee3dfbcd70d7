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

// Multiplexed exec stream framing.
//
// A non-TTY exec session carries stdout and stderr over one byte stream.
// Each frame starts with an 8-byte header: one stream selector byte, three
// reserved bytes, and a big-endian uint32 payload length, followed by that
// many payload bytes. FrameReader re-assembles frames regardless of how the
// underlying reads are chunked: a single read may return a partial header,
// several whole frames, or a payload that spans reads.

package container

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"
)

// Stream selector values in the multiplexed frame header.
const (
	StreamStdin  byte = 0
	StreamStdout byte = 1
	StreamStderr byte = 2
)

const frameHeaderLen = 8

// Frame is one re-assembled unit of the multiplexed stream.
type Frame struct {
	// Stream identifies the source stream (StreamStdout or StreamStderr).
	Stream byte

	// Payload is the frame body.
	Payload []byte
}

// FrameReader reads multiplexed frames from a raw exec stream.
type FrameReader struct {
	r      io.Reader
	header [frameHeaderLen]byte
}

// NewFrameReader returns a FrameReader that decodes frames from r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r}
}

// Next returns the next complete frame. It blocks until the full header
// and payload have arrived. Returns io.EOF when the stream ends cleanly on
// a frame boundary, and io.ErrUnexpectedEOF when it ends mid-frame.
func (fr *FrameReader) Next() (Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Frame{}, fmt.Errorf("truncated frame header: %w", err)
		}
		return Frame{}, err
	}

	size := binary.BigEndian.Uint32(fr.header[4:frameHeaderLen])
	payload := make([]byte, size)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, fmt.Errorf("truncated frame payload: %w", err)
	}

	return Frame{Stream: fr.header[0], Payload: payload}, nil
}

// Demux copies the multiplexed stream r into separate stdout and stderr
// writers until EOF. A nil writer discards that stream. Frames with an
// unknown selector are treated as stdout, matching engine behaviour for
// legacy streams.
func Demux(r io.Reader, stdout, stderr io.Writer) error {
	fr := NewFrameReader(r)
	for {
		frame, err := fr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		w := stdout
		if frame.Stream == StreamStderr {
			w = stderr
		}
		if w == nil {
			continue
		}
		if _, err := w.Write(frame.Payload); err != nil {
			return err
		}
	}
}

// WriteFrame writes one frame (header plus payload) to w.
func WriteFrame(w io.Writer, stream byte, payload []byte) error {
	var header [frameHeaderLen]byte
	header[0] = stream
	binary.BigEndian.PutUint32(header[4:frameHeaderLen], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// muxWriter frames everything written to it as a single stream, serializing
// frame writes with the shared mutex so stdout and stderr frames never
// interleave mid-frame.
type muxWriter struct {
	mu     *sync.Mutex
	w      io.Writer
	stream byte
}

func (m *muxWriter) Write(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := WriteFrame(m.w, m.stream, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
