// Copyright 2025 The Darkhold Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package wire defines the line-delimited JSON-RPC dialect Darkhold speaks
// with the child agent process, and a fast, allocation-light codec for it.
//
// Frames are represented with a partial schema: only the handful of fields
// the multiplexer itself inspects (id, method, params.threadId,
// result.thread.*) are given typed accessors. Everything else is carried in
// Raw so it can be forwarded, logged, or appended to the event log without
// loss of fidelity — the child's payloads are never fully validated.
package wire

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	json "github.com/segmentio/encoding/json"
)

// maxLineBytes bounds a single frame to guard against a runaway child
// emitting an unbounded line.
const maxLineBytes = 64 << 20 // 64MiB

// ErrorObject is the {message, code?, data?} shape a child's response or
// server-initiated request can carry as its error field.
type ErrorObject struct {
	Message string          `json:"message"`
	Code    int             `json:"code,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Frame is a decoded line from the child's stdout, or a line about to be
// written to its stdin.
type Frame struct {
	Raw json.RawMessage `json:"-"`

	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorObject    `json:"error,omitempty"`
}

// Parse decodes a single line (without its trailing newline) into a Frame.
// Lines that do not parse as a JSON object are rejected; a well-behaved
// child never emits one, and callers should drop them silently.
func Parse(line []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(line, &f); err != nil {
		return Frame{}, err
	}
	f.Raw = append(json.RawMessage(nil), line...)
	return f, nil
}

// IsResponse reports whether f is a response to one of our own calls: a
// numeric id paired with a result or error.
func (f Frame) IsResponse() bool {
	return f.ID != nil && (f.Result != nil || f.Error != nil)
}

// IsRequest reports whether f carries both a numeric id and a method,
// which is the shape of either our own outbound call or a server-initiated
// request from the child — the classifier (package classify) disambiguates
// by consulting the owning session's outstanding-id table.
func (f Frame) IsRequest() bool {
	return f.ID != nil && f.Method != ""
}

// IsNotification reports whether f has a method and no id.
func (f Frame) IsNotification() bool {
	return f.ID == nil && f.Method != ""
}

// ThreadID extracts params.threadId, if present and a string.
func (f Frame) ThreadID() string {
	return stringField(f.Params, "threadId")
}

// ResultThreadID extracts result.thread.id, if present and a string.
func (f Frame) ResultThreadID() string {
	if f.Result == nil {
		return ""
	}
	var v struct {
		Thread struct {
			ID string `json:"id"`
		} `json:"thread"`
	}
	if err := json.Unmarshal(f.Result, &v); err != nil {
		return ""
	}
	return v.Thread.ID
}

// ResultThreadTurns extracts result.thread.turns as raw JSON, for
// rehydration (see package rehydrate).
func (f Frame) ResultThreadTurns() json.RawMessage {
	if f.Result == nil {
		return nil
	}
	var v struct {
		Thread struct {
			Turns json.RawMessage `json:"turns"`
		} `json:"thread"`
	}
	if err := json.Unmarshal(f.Result, &v); err != nil {
		return nil
	}
	return v.Thread.Turns
}

func stringField(raw json.RawMessage, name string) string {
	if raw == nil {
		return ""
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return ""
	}
	val, ok := m[name]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(val, &s); err != nil {
		return ""
	}
	return s
}

// EncodeRequest marshals an outbound {id, method, params} line (without the
// trailing newline).
func EncodeRequest(id int64, method string, params any) ([]byte, error) {
	return json.Marshal(struct {
		ID     int64  `json:"id"`
		Method string `json:"method"`
		Params any    `json:"params,omitempty"`
	}{id, method, params})
}

// EncodeResult marshals an outbound {id, result} response line, used by the
// interaction broker to reply to a server-initiated request.
func EncodeResult(id int64, result any) ([]byte, error) {
	return json.Marshal(struct {
		ID     int64 `json:"id"`
		Result any   `json:"result,omitempty"`
	}{id, result})
}

// EncodeError marshals an outbound {id, error} response line.
func EncodeError(id int64, errVal any) ([]byte, error) {
	return json.Marshal(struct {
		ID    int64 `json:"id"`
		Error any   `json:"error,omitempty"`
	}{id, errVal})
}

// Scanner reads newline-delimited frames from a stream, buffering any
// trailing bytes not yet terminated by a newline until the next Scan.
type Scanner struct {
	sc *bufio.Scanner
}

// NewScanner wraps r for line-delimited reads.
func NewScanner(r io.Reader) *Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &Scanner{sc: sc}
}

// Next returns the next decoded frame, or ok=false when the stream has
// ended. Lines that fail to parse as JSON are skipped silently, not
// returned as an error.
func (s *Scanner) Next() (Frame, bool) {
	for s.sc.Scan() {
		line := s.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		f, err := Parse(line)
		if err != nil {
			continue
		}
		return f, true
	}
	return Frame{}, false
}

// Err returns the first non-EOF error encountered by the underlying reader.
func (s *Scanner) Err() error { return s.sc.Err() }

// Writer serializes concurrent writers of newline-terminated frames onto a
// single underlying stream, guaranteeing that two goroutines calling Write
// at the same time never interleave their bytes.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter wraps w with a serializing mutex.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write appends a newline to line and writes it atomically with respect to
// other Write calls on the same Writer.
func (w *Writer) Write(line []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(line); err != nil {
		return fmt.Errorf("wire: write frame: %w", err)
	}
	if _, err := w.w.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("wire: write newline: %w", err)
	}
	return nil
}
