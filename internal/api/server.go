// Package api exposes the HTTP interface for the harvester.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/smartfollow/harvester/internal/config"
	"github.com/smartfollow/harvester/internal/crawler"
	"github.com/smartfollow/harvester/internal/domain"
	"github.com/smartfollow/harvester/internal/metrics"
	"github.com/smartfollow/harvester/internal/okx"
	"github.com/smartfollow/harvester/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	requestTimeout   = 60 * time.Second
	submitWindow     = time.Hour
)

// TaskSubmitter is the dispatcher surface the API needs.
type TaskSubmitter interface {
	Submit(ctx context.Context, task *crawler.Task) (*crawler.Task, bool, error)
	Cancel(ctx context.Context, id int64) (*crawler.Task, error)
}

// ReadyFunc reports whether downstream dependencies are reachable.
type ReadyFunc func(ctx context.Context) error

// Deps are the collaborators behind the routes.
type Deps struct {
	Tasks      store.TaskRepository
	Logs       store.LogRepository
	Projects   store.ProjectRepository
	Tombstones store.TombstoneRepository
	Snapshots  store.SnapshotRepository
	Trades     store.TradeRepository
	Dispatcher TaskSubmitter
	Clock      crawler.Clock
	// APIs lists the API names tasks may be submitted for.
	APIs  []string
	Ready ReadyFunc
}

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router chi.Router
	deps   Deps
	apis   map[string]struct{}
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, auth config.AuthConfig, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		apis:   make(map[string]struct{}, len(deps.APIs)),
		logger: logger.Named("api"),
	}
	for _, name := range deps.APIs {
		s.apis[name] = struct{}{}
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if auth.Enabled {
			r.Use(apiKeyMiddleware(auth.APIKey))
		}
		r.Route("/tasks", func(r chi.Router) {
			r.Get("/", s.listTasks)
			r.Post("/", s.submitTask)
			r.Route("/{task_id}", func(r chi.Router) {
				r.Get("/", s.getTask)
				r.Get("/logs", s.listTaskLogs)
				r.Post("/cancel", s.cancelTask)
			})
		})
		data := newDataHandler(deps, s.logger)
		r.Get("/projects", data.listVisibleProjects)
		r.Route("/projects/{project_key}", func(r chi.Router) {
			r.Get("/", data.getProject)
			r.Get("/tombstones", data.listTombstones)
			r.Get("/snapshots", data.listSnapshots)
			r.Get("/trades", data.listTrades)
		})
		r.Get("/trades/{trade_id}", data.getTrade)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()
		if err := s.deps.Ready(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := store.TaskFilter{
		APIName: strings.TrimSpace(r.URL.Query().Get("api")),
		Limit:   limit,
		Offset:  offset,
	}
	if v := r.URL.Query().Get("exchange"); v != "" {
		if filter.Exchange, err = domain.ParseExchange(v); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if v := r.URL.Query().Get("status"); v != "" {
		if filter.Status, err = crawler.ParseTaskStatus(v); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	tasks, err := s.deps.Tasks.List(r.Context(), filter)
	if err != nil {
		writeStoreError(w, s.logger, "list tasks", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

type submitTaskRequest struct {
	APIName       string            `json:"api_name"`
	Params        map[string]string `json:"params"`
	WindowMinutes int               `json:"window_minutes"`
}

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if _, ok := s.apis[req.APIName]; !ok {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown api %q", req.APIName))
		return
	}
	window := submitWindow
	if req.WindowMinutes > 0 {
		window = time.Duration(req.WindowMinutes) * time.Minute
	}
	now := s.deps.Clock.Now()
	planned, err := okx.PlanTask(req.APIName, req.Params, now, window)
	if err != nil {
		writeStoreError(w, s.logger, "plan task", err)
		return
	}
	task, err := crawler.NewTask(planned.Key, planned.ParamsJSON, now)
	if err != nil {
		writeStoreError(w, s.logger, "plan task", err)
		return
	}
	stored, created, err := s.deps.Dispatcher.Submit(r.Context(), task)
	if err != nil {
		writeStoreError(w, s.logger, "submit task", err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusAccepted
	}
	writeJSON(w, status, map[string]any{"task": stored, "created": created})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, err := parseTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.deps.Tasks.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, s.logger, "get task", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func (s *Server) listTaskLogs(w http.ResponseWriter, r *http.Request) {
	id, err := parseTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit, _, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.deps.Tasks.Get(r.Context(), id); err != nil {
		writeStoreError(w, s.logger, "get task", err)
		return
	}
	logs, err := s.deps.Logs.ListByTask(r.Context(), id, limit)
	if err != nil {
		writeStoreError(w, s.logger, "list crawl logs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs})
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := parseTaskID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	task, err := s.deps.Dispatcher.Cancel(r.Context(), id)
	if err != nil {
		writeStoreError(w, s.logger, "cancel task", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"task": task})
}

func parseTaskID(r *http.Request) (int64, error) {
	raw := chi.URLParam(r, "task_id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid task id %q", raw)
	}
	return id, nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	limit, offset := def, 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return 0, 0, errors.New("limit must be a positive integer")
		}
		limit = min(n, maxLimit)
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return 0, 0, errors.New("offset must be a non-negative integer")
		}
		offset = n
	}
	return limit, offset, nil
}

// writeStoreError logs err and maps it to an HTTP status. Only validation
// messages reach the client; conflicts and unclassified errors get a generic
// body.
func writeStoreError(w http.ResponseWriter, logger *zap.Logger, op string, err error) {
	switch {
	case domain.IsValidation(err):
		logger.Warn(op+" rejected", zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrNotFound):
		logger.Info(op+" not found", zap.Error(err))
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, context.DeadlineExceeded):
		logger.Warn(op+" timed out", zap.Error(err))
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	case domain.IsStateConflict(err), errors.Is(err, store.ErrDuplicateKey), errors.Is(err, store.ErrLeaseBusy):
		logger.Warn(op+" conflict", zap.Error(err))
		writeError(w, http.StatusInternalServerError, op+" failed")
	default:
		logger.Error(op+" failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload) //nolint:errcheck // client went away
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
