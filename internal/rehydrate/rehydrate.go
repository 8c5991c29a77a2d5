// Copyright 2025 The Darkhold Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package rehydrate implements the shared item-to-event summarization table
// and the turn/item walk that reconstructs a thread's event log from a
// thread/read or thread/resume result.
package rehydrate

import (
	"fmt"
	"strings"

	json "github.com/segmentio/encoding/json"
	"github.com/yosida95/uritemplate/v3"
)

// fileLinkTemplate expands a changed file's path into a link a UI may use
// to fetch a per-file diff.
var fileLinkTemplate = uritemplate.MustNew("file://{path}")

// contentSegment is one element of a userMessage's content array.
type contentSegment struct {
	Type string `json:"type,omitempty"`
	Text string `json:"text,omitempty"`
}

// fileChangeEntry is one element of a fileChange item's changes array.
type fileChangeEntry struct {
	Path string `json:"path,omitempty"`
}

// item is a loosely-typed view over a thread item sufficient to apply the
// summarization table below. Fields irrelevant to a given item's Type are
// simply left zero.
type item struct {
	Type    string            `json:"type"`
	Content []contentSegment  `json:"content,omitempty"`
	Text    string            `json:"text,omitempty"`
	Command string            `json:"command,omitempty"`
	Status  string            `json:"status,omitempty"`
	Changes []fileChangeEntry `json:"changes,omitempty"`
	Tool    string            `json:"tool,omitempty"`
	Server  string            `json:"server,omitempty"`
}

// Summary is the (type, message) pair the summarization table derives from
// an item.
type Summary struct {
	Type    string
	Message string
	// FileLinks holds the optional per-file diff links for a file.change
	// summary; empty for every other type.
	FileLinks []string
}

// Summarize maps a single thread item's raw JSON to its (type, message)
// pair.
func Summarize(raw json.RawMessage) (Summary, error) {
	var it item
	if err := json.Unmarshal(raw, &it); err != nil {
		return Summary{}, fmt.Errorf("rehydrate: decode item: %w", err)
	}

	switch it.Type {
	case "userMessage":
		return Summary{Type: "user.input", Message: userInputMessage(it.Content)}, nil
	case "agentMessage":
		return Summary{Type: "assistant.output", Message: it.Text}, nil
	case "commandExecution":
		status := it.Status
		if status == "" {
			status = "updated"
		}
		return Summary{Type: "command." + status, Message: it.Command}, nil
	case "fileChange":
		return Summary{
			Type:      "file.change",
			Message:   fmt.Sprintf("%d file(s) changed", len(it.Changes)),
			FileLinks: fileLinks(it.Changes),
		}, nil
	case "mcpToolCall":
		server := it.Server
		if server == "" {
			server = "mcp"
		}
		return Summary{Type: "mcp.tool", Message: server + "." + it.Tool}, nil
	default:
		return Summary{Type: "item." + it.Type, Message: string(raw)}, nil
	}
}

func userInputMessage(segments []contentSegment) string {
	var texts []string
	for _, seg := range segments {
		if seg.Type == "" || seg.Type == "text" {
			if seg.Text != "" {
				texts = append(texts, seg.Text)
			}
		}
	}
	if len(texts) == 0 {
		return "[non-text input]"
	}
	return strings.Join(texts, "")
}

func fileLinks(changes []fileChangeEntry) []string {
	var links []string
	for _, c := range changes {
		if c.Path == "" {
			continue
		}
		link, err := fileLinkTemplate.Expand(uritemplate.Values{}.Set("path", uritemplate.String(c.Path)))
		if err != nil {
			continue
		}
		links = append(links, link)
	}
	return links
}

// turn is the subset of a thread/read turn's shape the rehydrator inspects.
type turn struct {
	Status string            `json:"status"`
	Error  *struct{ Message string `json:"message"` } `json:"error,omitempty"`
	Items  []json.RawMessage `json:"items"`
}

// threadEventEnvelope mirrors the synthetic notification Darkhold emits for
// rehydrated items: {"method":"darkhold/thread-event","params":{...}}.
type threadEventEnvelope struct {
	Method string              `json:"method"`
	Params threadEventEnvelopeParams `json:"params"`
}

type threadEventEnvelopeParams struct {
	ThreadID  string   `json:"threadId"`
	Type      string   `json:"type"`
	Message   string   `json:"message"`
	Source    string   `json:"source"`
	FileLinks []string `json:"fileLinks,omitempty"`
}

type turnCompletedEnvelope struct {
	Method string                 `json:"method"`
	Params turnCompletedParams    `json:"params"`
}

type turnCompletedParams struct {
	ThreadID   string `json:"threadId"`
	Source     string `json:"source"`
	TurnNumber int    `json:"turnNumber"`
}

// Lines reconstructs the ordered event-log lines for threadID from a
// thread/read or thread/resume result's `thread.turns` array.
func Lines(threadID string, turnsRaw json.RawMessage) ([]string, error) {
	if len(turnsRaw) == 0 {
		return nil, nil
	}
	var turns []turn
	if err := json.Unmarshal(turnsRaw, &turns); err != nil {
		return nil, fmt.Errorf("rehydrate: decode turns: %w", err)
	}

	var lines []string
	for i, t := range turns {
		for _, raw := range t.Items {
			summary, err := Summarize(raw)
			if err != nil {
				return nil, err
			}
			line, err := json.Marshal(threadEventEnvelope{
				Method: "darkhold/thread-event",
				Params: threadEventEnvelopeParams{
					ThreadID:  threadID,
					Type:      summary.Type,
					Message:   summary.Message,
					Source:    "thread/read",
					FileLinks: summary.FileLinks,
				},
			})
			if err != nil {
				return nil, err
			}
			lines = append(lines, string(line))
		}

		if t.Status == "failed" && t.Error != nil && t.Error.Message != "" {
			line, err := json.Marshal(threadEventEnvelope{
				Method: "darkhold/thread-event",
				Params: threadEventEnvelopeParams{
					ThreadID: threadID,
					Type:     "turn.error",
					Message:  t.Error.Message,
					Source:   "thread/read",
				},
			})
			if err != nil {
				return nil, err
			}
			lines = append(lines, string(line))
		}

		line, err := json.Marshal(turnCompletedEnvelope{
			Method: "turn/completed",
			Params: turnCompletedParams{
				ThreadID:   threadID,
				Source:     "thread/read",
				TurnNumber: i + 1,
			},
		})
		if err != nil {
			return nil, err
		}
		lines = append(lines, string(line))
	}
	return lines, nil
}
