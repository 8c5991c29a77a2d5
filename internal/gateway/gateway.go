// Copyright 2025 The Darkhold Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package gateway is the orchestrator tying the child session registry,
// the frame classifier, the thread event log, the fan-out hub, and the
// interaction broker into the operations the HTTP surface needs: forward
// an RPC, read a thread's history, stream its live events, and resolve a
// pending interaction.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	json "github.com/segmentio/encoding/json"

	"darkhold-go/internal/apierr"
	"darkhold-go/internal/classify"
	"darkhold-go/internal/eventlog"
	"darkhold-go/internal/hub"
	"darkhold-go/internal/interaction"
	"darkhold-go/internal/session"
	"darkhold-go/internal/wire"
)

// Gateway wires together every collaborator and runs one dispatch loop per
// live child session.
type Gateway struct {
	log      *slog.Logger
	manager  *session.Manager
	eventlog *eventlog.Store
	hub      *hub.Hub
	broker   *interaction.Broker
}

// New returns a Gateway and wires manager's spawn/exit hooks to it. manager
// must not have been used to spawn a session yet.
func New(log *slog.Logger, manager *session.Manager, store *eventlog.Store, h *hub.Hub, broker *interaction.Broker) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	g := &Gateway{log: log, manager: manager, eventlog: store, hub: h, broker: broker}
	manager.OnSpawn = g.dispatch
	manager.OnExit = func(s *session.Session) { broker.PurgeSession(s.ID) }
	return g
}

// dispatch consumes one session's decoded frames until the child exits,
// classifying each and routing it to the matching collaborator.
func (g *Gateway) dispatch(sess *session.Session) {
	for f := range sess.Transport.Frames() {
		res := classify.Classify(f, sess)
		switch res.Decision {
		case classify.Response:
			if f.ID != nil {
				sess.Resolve(*f.ID, f)
			}
		case classify.Notification:
			if _, err := g.hub.Publish(res.ThreadID, string(f.Raw)); err != nil {
				g.log.Error("publish notification", "thread", res.ThreadID, "error", err)
			}
		case classify.ServerRequest:
			g.registerInteraction(sess, res.ThreadID, f)
		case classify.Drop:
		}
	}
}

type interactionRequestEnvelope struct {
	Method string                     `json:"method"`
	Params interactionRequestParams   `json:"params"`
}

type interactionRequestParams struct {
	ThreadID  string          `json:"threadId"`
	RequestID string          `json:"requestId"`
	Method    string          `json:"method"`
	Params    json.RawMessage `json:"params,omitempty"`
}

type interactionResolvedEnvelope struct {
	Method string                     `json:"method"`
	Params interactionResolvedParams  `json:"params"`
}

type interactionResolvedParams struct {
	ThreadID  string `json:"threadId"`
	RequestID string `json:"requestId"`
}

func (g *Gateway) registerInteraction(sess *session.Session, threadID string, f wire.Frame) {
	requestID := strconv.FormatInt(*f.ID, 10)
	g.broker.Register(threadID, requestID, interaction.Pending{
		SessionID:  sess.ID,
		UpstreamID: *f.ID,
		Method:     f.Method,
		Params:     f.Params,
	})

	line, err := json.Marshal(interactionRequestEnvelope{
		Method: "darkhold/interaction/request",
		Params: interactionRequestParams{
			ThreadID:  threadID,
			RequestID: requestID,
			Method:    f.Method,
			Params:    f.Params,
		},
	})
	if err != nil {
		g.log.Error("marshal interaction request envelope", "error", err)
		return
	}
	if _, err := g.hub.Publish(threadID, string(line)); err != nil {
		g.log.Error("publish interaction request", "thread", threadID, "error", err)
	}
}

// paramsThreadID extracts a "threadId" string field from a raw params
// object, used to pick the thread affinity hint for an RPC.
func paramsThreadID(params json.RawMessage) string {
	if len(params) == 0 {
		return ""
	}
	var v struct {
		ThreadID string `json:"threadId"`
	}
	if err := json.Unmarshal(params, &v); err != nil {
		return ""
	}
	return v.ThreadID
}

// CallRPC forwards one HTTP-originated RPC to the affinity-selected child,
// ensuring initialization first, and returns the child's raw result or a
// categorized error.
func (g *Gateway) CallRPC(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error) {
	hint := paramsThreadID(params)
	sess, err := g.manager.SelectSession(ctx, hint)
	if err != nil {
		return nil, apierr.New(apierr.Internal, err.Error())
	}

	if method != "initialize" {
		if err := sess.EnsureInitialized(ctx); err != nil {
			return nil, callError(method, err)
		}
	}

	f, err := sess.Call(ctx, method, params)
	if err != nil {
		return nil, callError(method, err)
	}
	if f.Error != nil {
		return nil, apierr.New(apierr.RPCError, f.Error.Message)
	}

	g.postProcess(method, sess, f)
	return f.Result, nil
}

func callError(method string, err error) error {
	switch {
	case errors.Is(err, session.ErrTimeout):
		return apierr.New(apierr.RPCTimeout, fmt.Sprintf("RPC request timed out: %s", method))
	case errors.Is(err, session.ErrTransportClosed):
		return apierr.New(apierr.TransportClosed, "app-server exited")
	default:
		return apierr.New(apierr.Internal, err.Error())
	}
}

// postProcess binds a newly started or resumed thread to its session and
// rehydrates the event log when the RPC's result carries turns.
func (g *Gateway) postProcess(method string, sess *session.Session, f wire.Frame) {
	switch method {
	case "thread/start", "thread/read", "thread/resume":
	default:
		return
	}

	threadID := f.ResultThreadID()
	if threadID == "" {
		return
	}
	sess.BindThread(threadID)
	g.manager.Affinity().Bind(threadID, sess.ID)

	if method == "thread/start" {
		return
	}
	turns := f.ResultThreadTurns()
	if turns == nil {
		return
	}
	if err := g.eventlog.RehydrateFromThreadRead(threadID, turns); err != nil {
		g.log.Error("rehydrate thread", "thread", threadID, "error", err)
	}
}

// ThreadEvents returns the full persisted log for threadID, or an empty
// slice for an unknown thread.
func (g *Gateway) ThreadEvents(threadID string) ([]string, error) {
	return g.eventlog.Read(threadID)
}

// Subscribe registers send as a live subscriber to threadID, first
// replaying its history from lastEventID+1 (or from the start if nil).
func (g *Gateway) Subscribe(threadID string, lastEventID *int, send hub.SendFunc) (int64, error) {
	return g.hub.Subscribe(threadID, lastEventID, send)
}

// Unsubscribe removes a live subscriber added by Subscribe.
func (g *Gateway) Unsubscribe(threadID string, subID int64) {
	g.hub.Unsubscribe(threadID, subID)
}

// KeepaliveInterval is how often an SSE handler should emit a keepalive
// comment frame on an otherwise idle connection.
const KeepaliveInterval = 15 * time.Second

// RespondInteraction resolves the pending interaction for (threadID,
// requestID): it writes a response frame to the owning child's stdin,
// removes the pending record, and publishes a resolution envelope.
func (g *Gateway) RespondInteraction(threadID, requestID string, result, errVal json.RawMessage) error {
	p, ok := g.broker.Resolve(threadID, requestID)
	if !ok {
		return apierr.New(apierr.Conflict, "no such pending interaction")
	}

	sess, ok := g.manager.Session(p.SessionID)
	if !ok || !sess.Alive() {
		return apierr.New(apierr.Gone, "owning session has exited")
	}

	var line []byte
	var err error
	if len(errVal) > 0 {
		line, err = wire.EncodeError(p.UpstreamID, json.RawMessage(errVal))
	} else {
		line, err = wire.EncodeResult(p.UpstreamID, json.RawMessage(result))
	}
	if err != nil {
		return apierr.New(apierr.Internal, err.Error())
	}
	if err := sess.Transport.Send(line); err != nil {
		return apierr.New(apierr.TransportClosed, "app-server exited")
	}

	resolved, err := json.Marshal(interactionResolvedEnvelope{
		Method: "darkhold/interaction/resolved",
		Params: interactionResolvedParams{ThreadID: threadID, RequestID: requestID},
	})
	if err != nil {
		g.log.Error("marshal interaction resolved envelope", "error", err)
		return nil
	}
	if _, err := g.hub.Publish(threadID, string(resolved)); err != nil {
		g.log.Error("publish interaction resolved", "thread", threadID, "error", err)
	}
	return nil
}

// SelectSession exposes the manager's affinity-aware session selection for
// callers that need a session without issuing an RPC.
func (g *Gateway) SelectSession(ctx context.Context, threadIDHint string) (*session.Session, error) {
	return g.manager.SelectSession(ctx, threadIDHint)
}
