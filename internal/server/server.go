// Package server provides the status HTTP server: health, metrics and the
// recent event log.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/invisible-tech/integrity-sentinel/internal/types"
	"github.com/invisible-tech/integrity-sentinel/internal/version"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// EventSource exposes the event log read side.
type EventSource interface {
	Recent(limit int) []types.LogEntry
	Len() int
}

// Server is the status HTTP server.
type Server struct {
	addr       string
	events     EventSource
	log        *logrus.Logger
	httpServer *http.Server
}

// New creates a new HTTP server reading from events.
func New(addr string, events EventSource, log *logrus.Logger) *Server {
	mux := http.NewServeMux()
	s := &Server{addr: addr, events: events, log: log}
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/v1/events", s.handleEvents)
	mux.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.withServerHeader(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts the HTTP server. It blocks until the server is closed.
func (s *Server) ListenAndServe() error {
	s.log.WithField("addr", s.addr).Info("Status server listening")
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) withServerHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", version.UserAgent())
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":  "healthy",
		"version": version.Version,
		"entries": s.events.Len(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = min(n, maxEventLimit)
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.events.Recent(limit))
}
