// Package server exposes the orchestrator over HTTP. Responses stream as
// newline-delimited JSON payloads so callers see progress before the
// terminal payload arrives.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/queryweave/queryweave/pkg/config"
	"github.com/queryweave/queryweave/pkg/orchestrator"
	"github.com/queryweave/queryweave/pkg/payloads"
)

// Server is the HTTP front end.
type Server struct {
	cfg  config.ServerConfig
	orch *orchestrator.Orchestrator
	log  *slog.Logger
	http *http.Server
}

// New builds a Server.
func New(cfg config.ServerConfig, orch *orchestrator.Orchestrator, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}

	s := &Server{cfg: cfg, orch: orch, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Minute))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/v1/threads/{thread_id}/messages", s.handleMessage)

	s.http = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks serving HTTP until Shutdown or failure.
func (s *Server) ListenAndServe() error {
	s.log.Info("http server listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// messageRequest is the caller's input payload.
type messageRequest struct {
	UserMessage        string          `json:"user_message"`
	ChatHistory        []payloads.Turn `json:"chat_history,omitempty"`
	InjectedParameters map[string]any  `json:"injected_parameters,omitempty"`
}

// handleMessage runs one user message, streaming payloads as NDJSON.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	threadID := chi.URLParam(r, "thread_id")
	if threadID == "" {
		http.Error(w, `{"error":"thread_id required"}`, http.StatusBadRequest)
		return
	}

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"malformed request body"}`, http.StatusBadRequest)
		return
	}
	if req.UserMessage == "" {
		http.Error(w, `{"error":"user_message required"}`, http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	q := payloads.NewQuestion(req.UserMessage, req.ChatHistory, req.InjectedParameters)
	encoder := json.NewEncoder(w)

	for payload := range s.orch.ProcessUserMessage(r.Context(), threadID, q) {
		if err := encoder.Encode(payload); err != nil {
			s.log.Warn("stream write failed", "thread_id", threadID, "error", err)
			return
		}
		flusher.Flush()
	}
}
