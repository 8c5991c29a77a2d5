// Copyright 2025 The Darkhold Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/time/rate"

	"darkhold-go/internal/childproc"
)

// Affinity is a mutex-guarded map from thread id to the session id
// currently routing its traffic.
type Affinity struct {
	mu  sync.Mutex
	m   map[string]int64
}

// NewAffinity returns an empty Affinity map.
func NewAffinity() *Affinity {
	return &Affinity{m: make(map[string]int64)}
}

// Bind records threadID as owned by sessionID. Idempotent and safe to call
// on every thread-producing event.
func (a *Affinity) Bind(threadID string, sessionID int64) {
	if threadID == "" {
		return
	}
	a.mu.Lock()
	a.m[threadID] = sessionID
	a.mu.Unlock()
}

// Lookup returns the session id currently bound to threadID, if any.
func (a *Affinity) Lookup(threadID string) (int64, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	id, ok := a.m[threadID]
	return id, ok
}

// UnbindAll clears every thread id routed to sessionID, called when that
// session's child exits.
func (a *Affinity) UnbindAll(sessionID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for t, id := range a.m {
		if id == sessionID {
			delete(a.m, t)
		}
	}
}

// Manager owns the registry of live child sessions and the affinity map
// that routes threads to them. It implements SelectSession and an exit
// cleanup ordering where waiters are rejected before pending interactions
// are purged.
type Manager struct {
	log     *slog.Logger
	limiter *rate.Limiter

	// OnExit is invoked after a session's waiters have been rejected but
	// before its affinity bindings are cleared, so that callers (the
	// interaction broker) can purge state keyed by thread id while the
	// thread-to-session mapping is still intact for diagnostics.
	OnExit func(*Session)

	// OnSpawn is invoked once, in its own goroutine, right after a new
	// session is registered — the gateway uses it to start consuming the
	// session's frame channel.
	OnSpawn func(*Session)

	mu       sync.Mutex
	sessions map[int64]*Session
	nextID   int64
	affinity *Affinity
}

// NewManager returns a Manager. limiter, if non-nil, rate-limits how often
// a new child process may be spawned — guarding against a crash-looping
// child being respawned in a tight loop.
func NewManager(log *slog.Logger, limiter *rate.Limiter) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log,
		limiter:  limiter,
		sessions: make(map[int64]*Session),
		affinity: NewAffinity(),
	}
}

// Affinity returns the manager's thread affinity map.
func (m *Manager) Affinity() *Affinity { return m.affinity }

// Session looks up a live session by id.
func (m *Manager) Session(id int64) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Sessions returns a snapshot of every currently registered session, used
// by shutdown to signal each live child.
func (m *Manager) Sessions() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// SelectSession reuses the session bound to threadIDHint if it is alive;
// else reuses any live session; else spawns one.
func (m *Manager) SelectSession(ctx context.Context, threadIDHint string) (*Session, error) {
	if threadIDHint != "" {
		if id, ok := m.affinity.Lookup(threadIDHint); ok {
			if s, ok := m.Session(id); ok && s.Alive() {
				return s, nil
			}
		}
	}

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.Alive() {
			m.mu.Unlock()
			return s, nil
		}
	}
	m.mu.Unlock()

	return m.spawn(ctx)
}

func (m *Manager) spawn(ctx context.Context) (*Session, error) {
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("session: respawn rate limit: %w", err)
		}
	}

	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.mu.Unlock()

	// The child outlives the request that caused it to be spawned, so it is
	// not tied to ctx's cancellation.
	t, err := childproc.Spawn(context.WithoutCancel(ctx), m.log.With("component", "childproc", "session", id))
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	s := newSession(id, t, m.log.With("session", id))
	m.sessions[id] = s
	m.mu.Unlock()

	go m.watchExit(s)
	if m.OnSpawn != nil {
		go m.OnSpawn(s)
	}

	return s, nil
}

func (m *Manager) watchExit(s *Session) {
	<-s.Transport.Done()

	// Waiters are rejected before pending interactions are cleared, so an
	// in-flight client call reports TransportClosed rather than racing a
	// Conflict from the interaction broker.
	s.RejectAll(ErrTransportClosed)

	if m.OnExit != nil {
		m.OnExit(s)
	}

	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()
	m.affinity.UnbindAll(s.ID)
}
