package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"dailysync/internal/config"
	"dailysync/internal/metrics"
	"dailysync/internal/models"
	"dailysync/internal/syncer"

	"github.com/rs/zerolog"
)

// SyncEngine is the orchestrator surface the API drives.
type SyncEngine interface {
	StatusSource
	SyncNow(ctx context.Context) (syncer.PassResult, error)
	QueueOperation(ctx context.Context, userID string, target models.Target, kind models.OperationKind, payload models.Record) (string, error)
}

// PendingReader exposes queue contents.
type PendingReader interface {
	List(ctx context.Context, userID string) []models.PendingOperation
	Total(ctx context.Context) int
}

type DayTracker interface {
	LoadDay(ctx context.Context, userID, date string) (models.DailyTaskState, error)
	CompleteTask(ctx context.Context, userID, date, taskID string, points int) (models.DailyTaskState, error)
}

type StreakTracker interface {
	LoadStreak(ctx context.Context, userID string) (models.StreakState, error)
	RecordActivity(ctx context.Context, userID, date string, points int) (models.StreakState, error)
}

// NetworkSwitch accepts host network events.
type NetworkSwitch interface {
	IsOffline() bool
	SetNetworkAttached(ctx context.Context, attached bool) bool
}

// Backend groups what the HTTP handlers call into.
type Backend struct {
	Engine  SyncEngine
	Pending PendingReader
	Tasks   DayTracker
	Streaks StreakTracker
	Network NetworkSwitch
}

// HTTPServer exposes the sync engine over a small JSON API.
type HTTPServer struct {
	cfg     config.APIConfig
	backend Backend
	server  *http.Server
	auth    *HTTPAuth
	log     zerolog.Logger
}

func NewHTTPServer(cfg config.APIConfig, backend Backend, limiter *RateLimiter, logger *zerolog.Logger) *HTTPServer {
	srv := &HTTPServer{cfg: cfg, backend: backend, log: zerolog.Nop()}
	if logger != nil {
		srv.log = logger.With().Str("component", "http").Logger()
	}
	srv.auth = NewHTTPAuth(cfg, limiter)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/status", srv.handleStatus)
	mux.HandleFunc("POST /api/v1/sync", srv.handleSync)
	mux.HandleFunc("POST /api/v1/connectivity", srv.handleConnectivity)
	mux.HandleFunc("GET /api/v1/users/{id}/pending", srv.handlePending)
	mux.HandleFunc("POST /api/v1/users/{id}/operations", srv.handleQueueOperation)
	mux.HandleFunc("GET /api/v1/users/{id}/days/{date}", srv.handleLoadDay)
	mux.HandleFunc("POST /api/v1/users/{id}/days/{date}/tasks/{task}/complete", srv.handleCompleteTask)
	mux.HandleFunc("GET /api/v1/users/{id}/streak", srv.handleLoadStreak)
	mux.HandleFunc("POST /api/v1/users/{id}/streak/activity", srv.handleRecordActivity)

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.loggingMiddleware(srv.auth.Wrap(mux)),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
	}
	return srv
}

// Handler returns the fully wrapped handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.log.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  s.backend.Engine.Status(),
		"pending": s.backend.Pending.Total(r.Context()),
	}
	if s.backend.Network != nil {
		resp["offline"] = s.backend.Network.IsOffline()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.backend.Engine.SyncNow(r.Context())
	switch {
	case errors.Is(err, syncer.ErrPassInProgress):
		writeJSON(w, http.StatusAccepted, map[string]any{"queued": true})
	case err != nil:
		s.log.Error().Err(err).Msg("manual sync failed")
		writeError(w, http.StatusInternalServerError, "sync failed")
	default:
		writeJSON(w, http.StatusOK, result)
	}
}

func (s *HTTPServer) handleConnectivity(w http.ResponseWriter, r *http.Request) {
	if s.backend.Network == nil {
		writeError(w, http.StatusNotImplemented, "connectivity control unavailable")
		return
	}
	var body struct {
		Attached *bool `json:"attached"`
	}
	if err := decodeBody(r, &body); err != nil || body.Attached == nil {
		writeError(w, http.StatusBadRequest, "attached is required")
		return
	}
	offline := s.backend.Network.SetNetworkAttached(r.Context(), *body.Attached)
	writeJSON(w, http.StatusOK, map[string]any{"offline": offline})
}

func (s *HTTPServer) handlePending(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	ops := s.backend.Pending.List(r.Context(), userID)
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":    userID,
		"count":      len(ops),
		"operations": ops,
	})
}

func (s *HTTPServer) handleQueueOperation(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Target  string        `json:"target"`
		Kind    string        `json:"kind"`
		Payload models.Record `json:"payload"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	target, err := models.ParseTarget(body.Target)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	kind, err := models.ParseOperationKind(body.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := s.backend.Engine.QueueOperation(r.Context(), r.PathValue("id"), target, kind, body.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *HTTPServer) handleLoadDay(w http.ResponseWriter, r *http.Request) {
	day, err := s.backend.Tasks.LoadDay(r.Context(), r.PathValue("id"), r.PathValue("date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, day)
}

func (s *HTTPServer) handleCompleteTask(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Points int `json:"points"`
	}
	if err := decodeOptionalBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	day, err := s.backend.Tasks.CompleteTask(r.Context(), r.PathValue("id"), r.PathValue("date"), r.PathValue("task"), body.Points)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, day)
}

func (s *HTTPServer) handleLoadStreak(w http.ResponseWriter, r *http.Request) {
	streak, err := s.backend.Streaks.LoadStreak(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, streak)
}

func (s *HTTPServer) handleRecordActivity(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Date   string `json:"date"`
		Points int    `json:"points"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	streak, err := s.backend.Streaks.RecordActivity(r.Context(), r.PathValue("id"), body.Date, body.Points)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, streak)
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		// mux fills Pattern on the shared request
		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = "unmatched"
		}
		metrics.IncHTTP(endpoint)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func decodeBody(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

// decodeOptionalBody accepts an empty body.
func decodeOptionalBody(r *http.Request, dest any) error {
	if err := decodeBody(r, dest); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
