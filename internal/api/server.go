// Package api exposes a small read-only status surface over HTTP. It reports
// budget headroom, session summaries and recent domain events; nothing here
// mutates state.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/reforge/internal/budget"
	"github.com/mattjoyce/reforge/internal/config"
	"github.com/mattjoyce/reforge/internal/events"
	"github.com/mattjoyce/reforge/internal/log"
	"github.com/mattjoyce/reforge/internal/session"
	"github.com/mattjoyce/reforge/internal/worker"
)

type Server struct {
	cfg      config.APIConfig
	store    *session.Store
	governor *budget.Governor
	hub      *events.Hub
	registry *worker.Registry
	logger   *slog.Logger
}

func NewServer(cfg config.APIConfig, st *session.Store, gov *budget.Governor, hub *events.Hub, reg *worker.Registry) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		governor: gov,
		hub:      hub,
		registry: reg,
		logger:   log.WithComponent("api"),
	}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Get("/sessions/{id}", s.handleSession)
	r.Get("/sessions/{id}/results", s.handleSessionResults)
	r.Get("/events", s.handleEvents)
	return r
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("status api listening", "addr", s.cfg.Listen)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	hourly, daily, err := s.governor.Used(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "budget counters unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hourly_used":  hourly,
		"daily_used":   daily,
		"worker_types": s.registry.Types(),
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sum, err := s.store.Summarize(r.Context(), id)
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "unknown session")
			return
		}
		writeError(w, http.StatusInternalServerError, "could not summarize session")
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleSessionResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.Get(r.Context(), id); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "unknown session")
			return
		}
		writeError(w, http.StatusInternalServerError, "could not load session")
		return
	}
	results, err := s.store.Results(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not load results")
		return
	}
	type resultView struct {
		TargetPath string `json:"target_path"`
		WorkerType string `json:"worker_type"`
		Status     string `json:"status"`
		Risk       string `json:"risk"`
		Cost       int64  `json:"cost_consumed"`
		RolledBack bool   `json:"rolled_back"`
		Error      string `json:"error,omitempty"`
		Seq        int64  `json:"seq"`
	}
	out := make([]resultView, 0, len(results))
	for _, res := range results {
		out = append(out, resultView{
			TargetPath: res.TargetPath,
			WorkerType: res.WorkerType,
			Status:     string(res.Status),
			Risk:       res.Risk,
			Cost:       res.CostConsumed,
			RolledBack: res.RolledBack,
			Error:      res.Error,
			Seq:        res.Seq,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	since := int64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "since must be a non-negative integer")
			return
		}
		since = parsed
	}
	writeJSON(w, http.StatusOK, s.hub.SnapshotSince(since))
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("request",
			"method", r.Method, "path", r.URL.Path,
			"status", ww.Status(), "duration", time.Since(start))
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
