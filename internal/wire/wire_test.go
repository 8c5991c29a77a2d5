// Copyright 2025 The Darkhold Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestFrameClassification(t *testing.T) {
	tests := []struct {
		name             string
		line             string
		wantResponse     bool
		wantRequest      bool
		wantNotification bool
	}{
		{
			name:         "response with result",
			line:         `{"id":1000000,"result":{"ok":true}}`,
			wantResponse: true,
		},
		{
			name:         "response with error",
			line:         `{"id":1000000,"error":{"message":"boom"}}`,
			wantResponse: true,
		},
		{
			name:        "server request",
			line:        `{"id":7,"method":"exec/approve","params":{"threadId":"t1"}}`,
			wantRequest: true,
		},
		{
			name:             "notification",
			line:             `{"method":"item/agentMessage/delta","params":{"threadId":"t1"}}`,
			wantNotification: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, err := Parse([]byte(tt.line))
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if got := f.IsResponse(); got != tt.wantResponse {
				t.Errorf("IsResponse() = %v, want %v", got, tt.wantResponse)
			}
			if got := f.IsRequest(); got != tt.wantRequest {
				t.Errorf("IsRequest() = %v, want %v", got, tt.wantRequest)
			}
			if got := f.IsNotification(); got != tt.wantNotification {
				t.Errorf("IsNotification() = %v, want %v", got, tt.wantNotification)
			}
		})
	}
}

func TestThreadIDExtraction(t *testing.T) {
	f, err := Parse([]byte(`{"method":"turn/started","params":{"threadId":"abc-123"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := f.ThreadID(), "abc-123"; got != want {
		t.Errorf("ThreadID() = %q, want %q", got, want)
	}
}

func TestResultThreadIDAndTurns(t *testing.T) {
	f, err := Parse([]byte(`{"id":1000000,"result":{"thread":{"id":"t9","turns":[{"status":"completed"}]}}}`))
	if err != nil {
		t.Fatal(err)
	}
	if got, want := f.ResultThreadID(), "t9"; got != want {
		t.Errorf("ResultThreadID() = %q, want %q", got, want)
	}
	if diff := cmp.Diff(`[{"status":"completed"}]`, string(f.ResultThreadTurns())); diff != "" {
		t.Errorf("ResultThreadTurns mismatch (-want +got):\n%s", diff)
	}
}

func TestUnparsableLineIsSkipped(t *testing.T) {
	s := NewScanner(strings.NewReader("not json\n{\"method\":\"x\"}\n"))
	f, ok := s.Next()
	if !ok {
		t.Fatal("expected a frame after skipping the bad line")
	}
	if f.Method != "x" {
		t.Errorf("Method = %q, want x", f.Method)
	}
	if _, ok := s.Next(); ok {
		t.Fatal("expected no more frames")
	}
}

func TestWriterSerializesConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	done := make(chan struct{})
	for i := 0; i < 20; i++ {
		go func(i int) {
			_ = w.Write([]byte(strings.Repeat("x", 10)))
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 20; i++ {
		<-done
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 20 {
		t.Fatalf("got %d lines, want 20 (interleaving corrupted frames)", len(lines))
	}
	for _, l := range lines {
		if l != strings.Repeat("x", 10) {
			t.Fatalf("corrupted line: %q", l)
		}
	}
}
