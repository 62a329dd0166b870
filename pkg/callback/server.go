package callback

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/teamcloud/orchestrator/pkg/workflow"
)

// EventRaiser delivers provider replies into waiting instances.
// Satisfied by the workflow engine.
type EventRaiser interface {
	RaiseEvent(ctx context.Context, instanceID, event string, payload json.RawMessage) error
}

// Server receives provider callbacks over HTTP.
type Server struct {
	registry *Registry
	raiser   EventRaiser
	logger   *slog.Logger
	addr     string
	http     *http.Server
}

// NewServer creates the callback server listening on addr.
func NewServer(addr string, registry *Registry, raiser EventRaiser, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		registry: registry,
		raiser:   raiser,
		logger:   logger,
		addr:     addr,
	}

	r := chi.NewRouter()
	r.Post("/api/callback/{instance}/{event}", s.handleCallback)
	s.http = &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	return s
}

// Handler exposes the router, used by httptest in tests.
func (s *Server) Handler() http.Handler { return s.http.Handler }

// Name implements runner.Service.
func (s *Server) Name() string { return "callback-server" }

// Start begins serving in the background.
func (s *Server) Start(_ context.Context) error {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("callback server failed", slog.String("error", err.Error()))
		}
	}()
	s.logger.Info("callback server listening", slog.String("addr", s.addr))
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instance")
	event := chi.URLParam(r, "event")
	token := r.URL.Query().Get("code")

	if !s.registry.Verify(instanceID, event, token) {
		s.logger.Warn("callback rejected: bad token", slog.String("instance_id", instanceID))
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil || len(body) == 0 {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if !json.Valid(body) {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	if err := s.raiser.RaiseEvent(r.Context(), instanceID, event, body); err != nil {
		if errors.Is(err, workflow.ErrInstanceNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		s.logger.Error("callback delivery failed",
			slog.String("instance_id", instanceID),
			slog.String("error", err.Error()))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	s.logger.Info("callback delivered",
		slog.String("instance_id", instanceID),
		slog.String("event", event))
	w.WriteHeader(http.StatusAccepted)
}
