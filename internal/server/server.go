// Package server exposes object logs over HTTP: JSON query and append
// endpoints under /api and a websocket tail under /ws/logs.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ehrlich-b/objlog/internal/version"
)

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 10 * time.Second

// Options configures a Server.
type Options struct {
	Addr  string
	Logs  []Log
	Stats StatsSource // optional
	Auth  *Auth       // nil or unconfigured disables authentication
}

// Server wires the API and tail handlers onto one mux.
type Server struct {
	opts Options
	hub  *Hub
	api  *APIHandler
	tail *TailHandler
	log  *slog.Logger
}

// New creates a Server.
func New(opts Options, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	hub := NewHub(log)
	return &Server{
		opts: opts,
		hub:  hub,
		api:  NewAPIHandler(opts.Logs, hub, opts.Stats, log),
		tail: NewTailHandler(opts.Logs, hub, log),
		log:  log,
	}
}

// Hub returns the tail hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.health)
	mux.Handle("/api/", noCache(s.opts.Auth.Require(s.api)))
	mux.Handle("/ws/logs/", s.opts.Auth.Require(s.tail))
	return mux
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"version": version.String(),
		"logs":    len(s.opts.Logs),
	})
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if !s.opts.Auth.Enabled() {
		s.log.Warn("no jwt_secret or token_hashes configured, serving without authentication")
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.log.Info("starting server", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		s.log.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("shutdown error", "error", err)
		}
	}
	return nil
}

func noCache(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		h.ServeHTTP(w, r)
	})
}
