// Copyright 2025 The Darkhold Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package session implements the per-child session data model, its
// outstanding-call bookkeeping and RPC round trip, and the thread affinity
// map that routes thread traffic to a consistent session.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"darkhold-go/internal/childproc"
	"darkhold-go/internal/wire"
)

// ErrTimeout is returned by Call when no response arrives within the
// deadline.
var ErrTimeout = errors.New("session: rpc timed out")

// ErrTransportClosed is returned by Call, and delivered to any still
// outstanding waiter, when the owning child exits.
var ErrTransportClosed = errors.New("session: app-server exited")

// DefaultCallTimeout is the deadline assigned to a client RPC round trip.
const DefaultCallTimeout = 20 * time.Second

// firstUpstreamID is the starting value for correlation ids we assign to
// our own outbound calls, chosen so it is visually distinct from the much
// smaller ids a well-behaved child uses for its own server-initiated
// requests.
const firstUpstreamID = 1_000_000

// waiter is one outstanding HTTP RPC, matching the ClientCallWaiter data
// model entry.
type waiter struct {
	method string
	ch     chan waiterResult
}

type waiterResult struct {
	frame wire.Frame
	err   error
}

// Session is a running child agent process plus the bookkeeping needed to
// route calls to it and recognize its replies.
type Session struct {
	ID        int64
	Transport *childproc.Transport

	log *slog.Logger

	nextID atomic.Int64

	mu           sync.Mutex
	pending      map[int64]*waiter
	boundThreads map[string]struct{}
	initialized  bool
	closed       bool
}

func newSession(id int64, t *childproc.Transport, log *slog.Logger) *Session {
	s := &Session{
		ID:           id,
		Transport:    t,
		log:          log,
		pending:      make(map[int64]*waiter),
		boundThreads: make(map[string]struct{}),
	}
	s.nextID.Store(firstUpstreamID - 1)
	return s
}

// Alive reports whether the child is still running.
func (s *Session) Alive() bool {
	select {
	case <-s.Transport.Done():
		return false
	default:
		return true
	}
}

// IsInitialized reports whether `initialize` has already succeeded on this
// session.
func (s *Session) IsInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

func (s *Session) setInitialized() {
	s.mu.Lock()
	s.initialized = true
	s.mu.Unlock()
}

// BindThread records threadID as routed to this session. Idempotent.
func (s *Session) BindThread(threadID string) {
	if threadID == "" {
		return
	}
	s.mu.Lock()
	s.boundThreads[threadID] = struct{}{}
	s.mu.Unlock()
}

// SingleBoundThread returns the session's one bound thread id, if it has
// exactly one, for the classifier's thread-id inference fallback.
func (s *Session) SingleBoundThread() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.boundThreads) != 1 {
		return "", false
	}
	for t := range s.boundThreads {
		return t, true
	}
	return "", false
}

// registerWaiter assigns a fresh correlation id and records a waiter for it.
func (s *Session) registerWaiter(method string) (int64, *waiter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, nil, ErrTransportClosed
	}
	id := s.nextID.Add(1)
	w := &waiter{method: method, ch: make(chan waiterResult, 1)}
	s.pending[id] = w
	return id, w, nil
}

func (s *Session) takeWaiter(id int64) (*waiter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	return w, ok
}

// Resolve is called by the frame classifier when a response frame arrives.
// It reports whether a waiter was found (a miss is dropped).
func (s *Session) Resolve(id int64, f wire.Frame) bool {
	w, ok := s.takeWaiter(id)
	if !ok {
		return false
	}
	w.ch <- waiterResult{frame: f}
	return true
}

// HasOutstanding reports whether id is a correlation id we are currently
// waiting on — the classifier's disambiguation test against a child
// request sharing our own id space.
func (s *Session) HasOutstanding(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[id]
	return ok
}

// RejectAll fails every outstanding waiter with err and marks the session
// closed so future registrations fail fast. Called when the child exits.
func (s *Session) RejectAll(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[int64]*waiter)
	s.closed = true
	s.mu.Unlock()
	for _, w := range pending {
		w.ch <- waiterResult{err: err}
	}
}

// Call performs one RPC round trip: it writes method/params to the child's
// stdin and waits for a matching response, the deadline, or context
// cancellation.
func (s *Session) Call(ctx context.Context, method string, params any) (wire.Frame, error) {
	id, w, err := s.registerWaiter(method)
	if err != nil {
		return wire.Frame{}, err
	}

	line, err := wire.EncodeRequest(id, method, params)
	if err != nil {
		s.takeWaiter(id)
		return wire.Frame{}, fmt.Errorf("session: encode request: %w", err)
	}
	if err := s.Transport.Send(line); err != nil {
		s.takeWaiter(id)
		return wire.Frame{}, ErrTransportClosed
	}

	timer := time.NewTimer(DefaultCallTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		s.takeWaiter(id)
		return wire.Frame{}, ctx.Err()
	case <-timer.C:
		s.takeWaiter(id)
		return wire.Frame{}, fmt.Errorf("%w: %s", ErrTimeout, method)
	case res := <-w.ch:
		if res.err != nil {
			return wire.Frame{}, res.err
		}
		return res.frame, nil
	}
}

// EnsureInitialized forwards `initialize` exactly once per session. A
// child's "already initialized" error is treated as success; any other
// error propagates.
func (s *Session) EnsureInitialized(ctx context.Context) error {
	if s.IsInitialized() {
		return nil
	}
	f, err := s.Call(ctx, "initialize", map[string]any{
		"clientInfo":   map[string]any{"name": "darkhold", "title": "Darkhold", "version": "0.1.0"},
		"capabilities": map[string]any{"experimentalApi": true},
	})
	if err != nil {
		return err
	}
	if f.Error != nil && !alreadyInitialized(f.Error.Message) {
		return fmt.Errorf("%s", f.Error.Message)
	}
	s.setInitialized()
	return nil
}

func alreadyInitialized(msg string) bool {
	return strings.Contains(strings.ToLower(msg), "already initialized")
}
