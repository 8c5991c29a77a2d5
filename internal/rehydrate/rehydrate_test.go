// Copyright 2025 The Darkhold Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package rehydrate

import (
	"strings"
	"testing"

	json "github.com/segmentio/encoding/json"
)

func TestSummarizeTable(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantTyp string
		wantMsg string
	}{
		{
			name:    "user message text",
			raw:     `{"type":"userMessage","content":[{"type":"text","text":"hi"}]}`,
			wantTyp: "user.input",
			wantMsg: "hi",
		},
		{
			name:    "user message non-text",
			raw:     `{"type":"userMessage","content":[{"type":"image"}]}`,
			wantTyp: "user.input",
			wantMsg: "[non-text input]",
		},
		{
			name:    "agent message",
			raw:     `{"type":"agentMessage","text":"hello there"}`,
			wantTyp: "assistant.output",
			wantMsg: "hello there",
		},
		{
			name:    "command execution with status",
			raw:     `{"type":"commandExecution","command":"ls -la","status":"completed"}`,
			wantTyp: "command.completed",
			wantMsg: "ls -la",
		},
		{
			name:    "command execution missing status",
			raw:     `{"type":"commandExecution","command":"ls -la"}`,
			wantTyp: "command.updated",
			wantMsg: "ls -la",
		},
		{
			name:    "file change",
			raw:     `{"type":"fileChange","changes":[{"path":"a.go"},{"path":"b.go"}]}`,
			wantTyp: "file.change",
			wantMsg: "2 file(s) changed",
		},
		{
			name:    "mcp tool call with server",
			raw:     `{"type":"mcpToolCall","tool":"search","server":"web"}`,
			wantTyp: "mcp.tool",
			wantMsg: "web.search",
		},
		{
			name:    "mcp tool call defaults server",
			raw:     `{"type":"mcpToolCall","tool":"search"}`,
			wantTyp: "mcp.tool",
			wantMsg: "mcp.search",
		},
		{
			name:    "unknown item type",
			raw:     `{"type":"weirdThing","foo":"bar"}`,
			wantTyp: "item.weirdThing",
			wantMsg: `{"type":"weirdThing","foo":"bar"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Summarize(json.RawMessage(tt.raw))
			if err != nil {
				t.Fatalf("Summarize: %v", err)
			}
			if s.Type != tt.wantTyp {
				t.Errorf("Type = %q, want %q", s.Type, tt.wantTyp)
			}
			if s.Message != tt.wantMsg {
				t.Errorf("Message = %q, want %q", s.Message, tt.wantMsg)
			}
		})
	}
}

func TestFileChangeAttachesDiffLinks(t *testing.T) {
	s, err := Summarize(json.RawMessage(`{"type":"fileChange","changes":[{"path":"a.go"}]}`))
	if err != nil {
		t.Fatal(err)
	}
	if len(s.FileLinks) != 1 || s.FileLinks[0] != "file://a.go" {
		t.Errorf("FileLinks = %v, want [file://a.go]", s.FileLinks)
	}
}

func TestLinesProducesItemsThenTurnCompletedPerTurn(t *testing.T) {
	turns := `[
		{"status":"completed","items":[{"type":"userMessage","content":[{"type":"text","text":"hi"}]},{"type":"agentMessage","text":"hello"}]},
		{"status":"failed","error":{"message":"boom"},"items":[{"type":"agentMessage","text":"partial"}]}
	]`

	lines, err := Lines("t1", json.RawMessage(turns))
	if err != nil {
		t.Fatalf("Lines: %v", err)
	}
	if len(lines) != 6 {
		t.Fatalf("got %d lines, want 6:\n%s", len(lines), strings.Join(lines, "\n"))
	}

	wantMethods := []string{
		"darkhold/thread-event", // user.input
		"darkhold/thread-event", // assistant.output
		"turn/completed",
		"darkhold/thread-event", // assistant.output (partial)
		"darkhold/thread-event", // turn.error
		"turn/completed",
	}
	for i, want := range wantMethods {
		var env struct {
			Method string `json:"method"`
		}
		if err := json.Unmarshal([]byte(lines[i]), &env); err != nil {
			t.Fatalf("line %d: %v", i, err)
		}
		if env.Method != want {
			t.Errorf("line %d method = %q, want %q", i, env.Method, want)
		}
	}

	var turn2 struct {
		Params struct {
			TurnNumber int `json:"turnNumber"`
		} `json:"params"`
	}
	if err := json.Unmarshal([]byte(lines[5]), &turn2); err != nil {
		t.Fatal(err)
	}
	if turn2.Params.TurnNumber != 2 {
		t.Errorf("second turn/completed turnNumber = %d, want 2", turn2.Params.TurnNumber)
	}
}

func TestLinesEmptyTurns(t *testing.T) {
	lines, err := Lines("t1", nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(lines) != 0 {
		t.Errorf("expected no lines for empty turns, got %d", len(lines))
	}
}
