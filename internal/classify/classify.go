// Copyright 2025 The Darkhold Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package classify decides, for one decoded frame from a child's stdout,
// whether it is a response to one of our outstanding calls, a
// server-initiated request, or a notification.
package classify

import "darkhold-go/internal/wire"

// Decision is the classifier's verdict for one frame.
type Decision int

const (
	// Drop means the frame should be silently discarded.
	Drop Decision = iota
	// Response is a reply to one of our outstanding calls.
	Response
	// ServerRequest is a server-initiated request needing human arbitration.
	ServerRequest
	// Notification is an unsolicited event to append and broadcast.
	Notification
)

func (d Decision) String() string {
	switch d {
	case Response:
		return "response"
	case ServerRequest:
		return "server-request"
	case Notification:
		return "notification"
	default:
		return "drop"
	}
}

// Result is the classifier's output for one frame.
type Result struct {
	Decision Decision
	// ThreadID is populated for ServerRequest (resolved by explicit
	// params.threadId or single-bound-thread fallback) and Notification
	// (from params.threadId).
	ThreadID string
}

// SessionView is the subset of a child session's state the classifier
// needs to disambiguate correlation ids and infer a missing thread id.
type SessionView interface {
	// HasOutstanding reports whether id is a correlation id we are
	// currently waiting on.
	HasOutstanding(id int64) bool
	// SingleBoundThread returns the session's one bound thread, if it has
	// exactly one.
	SingleBoundThread() (string, bool)
}

// Classify decides what f is and, for requests and notifications, which
// thread it belongs to.
func Classify(f wire.Frame, sess SessionView) Result {
	if f.IsResponse() {
		return Result{Decision: Response}
	}

	if f.IsRequest() {
		// A well-formed child never reuses one of our own outstanding
		// correlation ids for its own request; treat it as ambiguous and
		// drop rather than misroute it as either.
		if sess.HasOutstanding(*f.ID) {
			return Result{Decision: Drop}
		}
		threadID := f.ThreadID()
		if threadID == "" {
			t, ok := sess.SingleBoundThread()
			if !ok {
				return Result{Decision: Drop}
			}
			threadID = t
		}
		return Result{Decision: ServerRequest, ThreadID: threadID}
	}

	if f.IsNotification() {
		threadID := f.ThreadID()
		if threadID == "" {
			return Result{Decision: Drop}
		}
		return Result{Decision: Notification, ThreadID: threadID}
	}

	return Result{Decision: Drop}
}
