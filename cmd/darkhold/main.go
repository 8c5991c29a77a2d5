// Copyright 2025 The Darkhold Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Command darkhold runs the host-resident HTTP gateway that exposes a
// local app-server child process to browser clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"darkhold-go/internal/config"
	"darkhold-go/internal/eventlog"
	"darkhold-go/internal/fsbrowse"
	"darkhold-go/internal/gateway"
	"darkhold-go/internal/httpapi"
	"darkhold-go/internal/hub"
	"darkhold-go/internal/interaction"
	"darkhold-go/internal/session"
)

// shutdownGrace is how long a graceful HTTP shutdown waits for in-flight
// requests (chiefly SSE streams) before the process moves on to signaling
// children.
const shutdownGrace = 2500 * time.Millisecond

// childSignalGrace is how long a child gets to exit after SIGINT before
// darkhold force-kills it.
const childSignalGrace = 2500 * time.Millisecond

// respawnRateLimit bounds how often a crash-looping child may be respawned.
const respawnRateLimit = rate.Limit(1.0 / 3.0) // one respawn per 3s, burst 2

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				return slog.String("timestamp", a.Value.Time().Format(time.RFC3339))
			}
			return a
		},
	}))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		logger.Error("darkhold exited with an error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		return fmt.Errorf("darkhold: config: %w", err)
	}

	browser, err := fsbrowse.New(cfg.BasePath)
	if err != nil {
		return fmt.Errorf("darkhold: filesystem browser: %w", err)
	}

	stateDir, err := os.MkdirTemp("", "darkhold-threads-")
	if err != nil {
		return fmt.Errorf("darkhold: state directory: %w", err)
	}
	store, err := eventlog.NewStore(stateDir)
	if err != nil {
		return fmt.Errorf("darkhold: event log: %w", err)
	}
	// Removed on a clean return below; also removed on panic, so a crash
	// never leaves orphaned per-thread files behind.
	defer func() {
		if r := recover(); r != nil {
			_ = store.Cleanup()
			panic(r)
		}
	}()

	limiter := rate.NewLimiter(respawnRateLimit, 2)
	manager := session.NewManager(logger, limiter)
	h := hub.New(store)
	broker := interaction.New()
	gw := gateway.New(logger, manager, store, h, broker)

	srv, err := httpapi.NewServer(cfg, gw, browser, logger)
	if err != nil {
		return fmt.Errorf("darkhold: http server: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port)
	rpcAddr := fmt.Sprintf("%s:%d", cfg.Bind, cfg.RPCPort)
	httpServer := &http.Server{Addr: addr, Handler: srv}
	rpcServer := &http.Server{Addr: rpcAddr, Handler: srv}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Buffered so a goroutine's send never blocks once shutdown has already
	// drained the channel.
	serveErr := make(chan error, 2)
	listen := func(s *http.Server, label string) {
		logger.Info("darkhold listening", "addr", s.Addr, "surface", label, "basePath", browser.Root())
		err := s.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		serveErr <- err
	}
	go listen(httpServer, "browser")
	go listen(rpcServer, "rpc")

	var firstErr error
	remaining := 2
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case firstErr = <-serveErr:
		remaining--
	}

	shutdown(logger, []*http.Server{httpServer, rpcServer}, manager, store)

	for range remaining {
		if err := <-serveErr; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return fmt.Errorf("darkhold: serve: %w", firstErr)
	}
	return nil
}

// shutdown drains in-flight HTTP requests, then signals and, after a grace
// period, force-kills every live child session before removing the event
// log's state directory and every thread log in it.
func shutdown(logger *slog.Logger, servers []*http.Server, manager *session.Manager, store *eventlog.Store) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	for _, s := range servers {
		if err := s.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown did not complete cleanly", "addr", s.Addr, "error", err)
		}
	}

	sessions := manager.Sessions()
	for _, s := range sessions {
		if err := s.Transport.Signal(syscall.SIGINT); err != nil {
			logger.Warn("signal child", "session", s.ID, "error", err)
		}
	}

	deadline := time.Now().Add(childSignalGrace)
	for _, s := range sessions {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			remaining = 0
		}
		select {
		case <-s.Transport.Done():
		case <-time.After(remaining):
			logger.Warn("force-killing unresponsive child", "session", s.ID)
			_ = s.Transport.Kill()
		}
	}

	if err := store.Cleanup(); err != nil {
		logger.Warn("event log cleanup", "error", err)
	}
}
