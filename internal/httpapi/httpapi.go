// Copyright 2025 The Darkhold Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package httpapi is the thin HTTP/SSE surface adapting browser requests to
// the gateway and filesystem browser collaborators.
package httpapi

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	json "github.com/segmentio/encoding/json"
	"github.com/google/jsonschema-go/jsonschema"

	"darkhold-go/internal/apierr"
	"darkhold-go/internal/config"
	"darkhold-go/internal/fsbrowse"
	"darkhold-go/internal/gateway"
	"darkhold-go/internal/hub"
)

// Server adapts HTTP/SSE requests onto a Gateway and filesystem Browser.
type Server struct {
	cfg     *config.Config
	gw      *gateway.Gateway
	browser *fsbrowse.Browser
	log     *slog.Logger

	rpcResolved     *jsonschema.Resolved
	respondResolved *jsonschema.Resolved

	handler http.Handler
}

type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type interactionRespondRequest struct {
	ThreadID  string          `json:"threadId"`
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     json.RawMessage `json:"error,omitempty"`
}

// NewServer builds the request-validation schemas and the routed handler.
func NewServer(cfg *config.Config, gw *gateway.Gateway, browser *fsbrowse.Browser, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}

	rpcResolved, err := resolvedSchemaFor[rpcRequest]()
	if err != nil {
		return nil, fmt.Errorf("httpapi: rpc request schema: %w", err)
	}
	respondResolved, err := resolvedSchemaFor[interactionRespondRequest]()
	if err != nil {
		return nil, fmt.Errorf("httpapi: interaction-respond request schema: %w", err)
	}

	s := &Server{
		cfg:             cfg,
		gw:              gw,
		browser:         browser,
		log:             log,
		rpcResolved:     rpcResolved,
		respondResolved: respondResolved,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/fs/list", s.handleFSList)
	mux.HandleFunc("/api/rpc", s.handleRPC)
	mux.HandleFunc("/api/thread/events", s.handleThreadEvents)
	mux.HandleFunc("/api/thread/events/stream", s.handleThreadEventsStream)
	mux.HandleFunc("/api/thread/interaction/respond", s.handleInteractionRespond)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, apierr.New(apierr.NotFound, "no such endpoint"))
	})

	s.handler = s.allowListMiddleware(mux)
	return s, nil
}

func resolvedSchemaFor[T any]() (*jsonschema.Resolved, error) {
	schema, err := jsonschema.For[T](nil)
	if err != nil {
		return nil, err
	}
	return schema.Resolve(&jsonschema.ResolveOptions{ValidateDefaults: true})
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) allowListMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.IsAllowedAddr(r.RemoteAddr) {
			writeError(w, apierr.New(apierr.Forbidden, "client not allowed"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, apierr.New(apierr.MethodNotAllowed, "GET required"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "basePath": s.browser.Root()})
}

func (s *Server) handleFSList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, apierr.New(apierr.MethodNotAllowed, "GET required"))
		return
	}
	entries, err := s.browser.List(r.URL.Query().Get("path"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, apierr.New(apierr.MethodNotAllowed, "POST required"))
		return
	}
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.BadRequest, "malformed JSON body"))
		return
	}
	if err := s.rpcResolved.Validate(req); err != nil {
		writeError(w, apierr.New(apierr.BadRequest, err.Error()))
		return
	}
	if req.Method == "" {
		writeError(w, apierr.New(apierr.BadRequest, "missing method"))
		return
	}

	result, err := s.gw.CallRPC(r.Context(), req.Method, req.Params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeRawJSON(w, http.StatusOK, result)
}

func (s *Server) handleThreadEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, apierr.New(apierr.MethodNotAllowed, "GET required"))
		return
	}
	threadID := r.URL.Query().Get("threadId")
	if threadID == "" {
		writeError(w, apierr.New(apierr.BadRequest, "missing threadId"))
		return
	}
	events, err := s.gw.ThreadEvents(threadID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"threadId": threadID, "events": events})
}

var errSubscriberGone = errors.New("httpapi: subscriber connection closed")

func parseLastEventID(r *http.Request) *int {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("lastEventId")
	}
	if raw == "" {
		return nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return nil
	}
	return &n
}

func (s *Server) handleThreadEventsStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, apierr.New(apierr.MethodNotAllowed, "GET required"))
		return
	}
	threadID := r.URL.Query().Get("threadId")
	if threadID == "" {
		writeError(w, apierr.New(apierr.BadRequest, "missing threadId"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apierr.New(apierr.Internal, "streaming unsupported"))
		return
	}
	lastEventID := parseLastEventID(r)

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache, no-transform")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	frames := make(chan string, 256)
	done := make(chan struct{})
	var closeOnce sync.Once
	closeDone := func() { closeOnce.Do(func() { close(done) }) }

	send := func(frame string) error {
		select {
		case frames <- frame:
			return nil
		case <-done:
			return errSubscriberGone
		}
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		keepalive := time.NewTicker(gateway.KeepaliveInterval)
		defer keepalive.Stop()
		for {
			select {
			case frame := <-frames:
				if _, err := io.WriteString(w, frame); err != nil {
					closeDone()
					return
				}
				flusher.Flush()
			case <-keepalive.C:
				if _, err := io.WriteString(w, hub.KeepaliveFrame); err != nil {
					closeDone()
					return
				}
				flusher.Flush()
			case <-done:
				return
			}
		}
	}()

	subID, err := s.gw.Subscribe(threadID, lastEventID, send)
	if err != nil {
		s.log.Error("subscribe", "thread", threadID, "error", err)
		closeDone()
		<-writerDone
		return
	}
	defer s.gw.Unsubscribe(threadID, subID)

	select {
	case <-r.Context().Done():
	case <-done:
	}
	closeDone()
	<-writerDone
}

func (s *Server) handleInteractionRespond(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, apierr.New(apierr.MethodNotAllowed, "POST required"))
		return
	}
	var req interactionRespondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierr.New(apierr.BadRequest, "malformed JSON body"))
		return
	}
	if err := s.respondResolved.Validate(req); err != nil {
		writeError(w, apierr.New(apierr.BadRequest, err.Error()))
		return
	}
	if req.ThreadID == "" || req.RequestID == "" {
		writeError(w, apierr.New(apierr.BadRequest, "missing threadId or requestId"))
		return
	}

	if err := s.gw.RespondInteraction(req.ThreadID, req.RequestID, req.Result, req.Error); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeRawJSON writes an already-encoded JSON value verbatim, per the
// child's result being returned to the HTTP caller unmodified.
func writeRawJSON(w http.ResponseWriter, status int, raw json.RawMessage) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if len(raw) == 0 {
		_, _ = w.Write([]byte("null"))
		return
	}
	_, _ = w.Write(raw)
}

func writeError(w http.ResponseWriter, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		apiErr = apierr.New(apierr.Internal, err.Error())
	}
	writeJSON(w, apiErr.Status(), map[string]any{"error": apiErr.Message})
}
