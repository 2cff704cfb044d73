// Package server exposes the orchestrator over HTTP: the SSE chat
// stream, the session control endpoints and health.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/olegkizyma008-rgb/atlas/pkg/config"
	"github.com/olegkizyma008-rgb/atlas/pkg/gateway"
	"github.com/olegkizyma008-rgb/atlas/pkg/protocol"
	"github.com/olegkizyma008-rgb/atlas/pkg/provider"
	"github.com/olegkizyma008-rgb/atlas/pkg/session"
	"github.com/olegkizyma008-rgb/atlas/pkg/stream"
	"github.com/olegkizyma008-rgb/atlas/pkg/workflow"
)

// Server wires the HTTP surface to the engine and its collaborators.
type Server struct {
	cfg         config.ServerConfig
	engine      *workflow.Engine
	store       *session.Store
	coordinator *stream.Coordinator
	approvals   *stream.Approvals
	providers   *provider.Manager
	gateway     *gateway.Gateway

	httpServer *http.Server
}

func New(cfg config.ServerConfig, engine *workflow.Engine, store *session.Store, coordinator *stream.Coordinator, approvals *stream.Approvals, providers *provider.Manager, gw *gateway.Gateway) *Server {
	s := &Server{
		cfg:         cfg,
		engine:      engine,
		store:       store,
		coordinator: coordinator,
		approvals:   approvals,
		providers:   providers,
		gateway:     gw,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	r.Post("/chat/stream", s.handleChatStream)
	r.Post("/session/pause", s.handlePause)
	r.Post("/session/resume", s.handleResume)
	r.Post("/session/confirm", s.handleConfirm)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	slog.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"sessionId"`
}

// handleChatStream accepts a user message and streams the session's
// events back as SSE. A reconnect with Last-Event-ID (or an empty
// message) replays missed events without re-running anything.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sess := s.store.GetOrCreate(req.SessionID)
	if req.Message != "" {
		go s.engine.HandleMessage(sess, req.Message)
	}

	lastAck := parseLastEventID(r.Header.Get("Last-Event-ID"))

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := s.coordinator.Serve(r.Context(), sess.ID, lastAck, func(ev protocol.Event) error {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, sseEventName(ev), data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && err != context.Canceled {
		slog.Debug("event stream closed", "session", sess.ID, "error", err)
	}
}

type sessionRequest struct {
	SessionID string `json:"sessionId"`
	Confirmed bool   `json:"confirmed"`
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromBody(w, r)
	if !ok {
		return
	}
	sess.Pause()
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": sess.ID, "paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.sessionFromBody(w, r)
	if !ok {
		return
	}
	sess.Resume()
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": sess.ID, "paused": false})
}

func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if s.store.Get(req.SessionID) == nil {
		writeError(w, http.StatusNotFound, "unknown session")
		return
	}
	resolved := s.approvals.Confirm(req.SessionID, req.Confirmed)
	writeJSON(w, http.StatusOK, map[string]any{"sessionId": req.SessionID, "resolved": resolved})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	circuits := make(map[string]string)
	for _, svc := range s.gateway.Services() {
		if state, ok := s.gateway.CircuitState(svc); ok {
			circuits[svc] = state
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"sessions":  s.store.Len(),
		"providers": s.providers.Statuses(),
		"gateway":   circuits,
	})
}

func (s *Server) sessionFromBody(w http.ResponseWriter, r *http.Request) (*session.Session, bool) {
	var req sessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return nil, false
	}
	sess := s.store.Get(req.SessionID)
	if sess == nil {
		writeError(w, http.StatusNotFound, "unknown session")
		return nil, false
	}
	return sess, true
}

func parseLastEventID(header string) uint64 {
	if header == "" {
		return 0
	}
	id, err := strconv.ParseUint(header, 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
