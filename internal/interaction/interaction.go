// Copyright 2025 The Darkhold Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package interaction tracks server-initiated requests awaiting a human
// decision and resolves each one at most once.
package interaction

import (
	"sync"

	json "github.com/segmentio/encoding/json"
)

// Pending is one server-initiated request awaiting an HTTP response,
// keyed by (threadID, requestID) where requestID is the string form of the
// upstream correlation id the child used.
type Pending struct {
	SessionID  int64
	UpstreamID int64
	Method     string
	Params     json.RawMessage
}

// Broker holds every currently pending interaction, and guarantees that
// concurrent attempts to resolve the same one race for exactly one winner.
type Broker struct {
	mu sync.Mutex
	m  map[string]map[string]Pending // threadID -> requestID -> Pending
}

// New returns an empty Broker.
func New() *Broker {
	return &Broker{m: make(map[string]map[string]Pending)}
}

// Register records a newly observed server-initiated request.
func (b *Broker) Register(threadID, requestID string, p Pending) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.m[threadID] == nil {
		b.m[threadID] = make(map[string]Pending)
	}
	b.m[threadID][requestID] = p
}

// Resolve atomically removes and returns the pending interaction for
// (threadID, requestID), reporting ok=false if there is none — either it
// was never registered or a concurrent caller already resolved it. This is
// the single point of arbitration guaranteeing that exactly one concurrent
// Resolve call for the same key observes ok=true.
func (b *Broker) Resolve(threadID, requestID string) (Pending, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	byReq, ok := b.m[threadID]
	if !ok {
		return Pending{}, false
	}
	p, ok := byReq[requestID]
	if !ok {
		return Pending{}, false
	}
	delete(byReq, requestID)
	if len(byReq) == 0 {
		delete(b.m, threadID)
	}
	return p, true
}

// PurgeSession drops every pending interaction owned by sessionID, with no
// resolution event published — an observing subscriber sees no
// darkhold/interaction/resolved envelope and should treat the silence as
// cancellation. Called after the owning session's outstanding RPC waiters
// have already been rejected.
func (b *Broker) PurgeSession(sessionID int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for threadID, byReq := range b.m {
		for reqID, p := range byReq {
			if p.SessionID == sessionID {
				delete(byReq, reqID)
			}
		}
		if len(byReq) == 0 {
			delete(b.m, threadID)
		}
	}
}
