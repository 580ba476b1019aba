package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/smartfollow/harvester/internal/domain"
	"github.com/smartfollow/harvester/internal/store"
)

const defaultSnapshotRange = 7 * 24 * time.Hour

// dataHandler serves the read side of harvested projects.
type dataHandler struct {
	deps   Deps
	logger *zap.Logger
}

func newDataHandler(deps Deps, logger *zap.Logger) *dataHandler {
	return &dataHandler{deps: deps, logger: logger}
}

// listVisibleProjects handles GET /v1/projects?exchange=OKX.
func (h *dataHandler) listVisibleProjects(w http.ResponseWriter, r *http.Request) {
	exchange := domain.ExchangeOKX
	if v := r.URL.Query().Get("exchange"); v != "" {
		ex, err := domain.ParseExchange(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		exchange = ex
	}
	cutoff := h.deps.Clock.Now().Add(time.Nanosecond)
	projects, err := h.deps.Projects.ListVisibleSeenBefore(r.Context(), exchange, cutoff)
	if err != nil {
		writeStoreError(w, h.logger, "list projects", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"projects": projects})
}

// getProject handles GET /v1/projects/{project_key}, where the key is
// EXCHANGE:externalId.
func (h *dataHandler) getProject(w http.ResponseWriter, r *http.Request) {
	key, ok := projectKey(w, r)
	if !ok {
		return
	}
	project, err := h.deps.Projects.Get(r.Context(), key)
	if err != nil {
		writeStoreError(w, h.logger, "get project", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"project": project})
}

func (h *dataHandler) listTombstones(w http.ResponseWriter, r *http.Request) {
	key, ok := projectKey(w, r)
	if !ok {
		return
	}
	tombstones, err := h.deps.Tombstones.List(r.Context(), key)
	if err != nil {
		writeStoreError(w, h.logger, "list tombstones", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tombstones": tombstones})
}

// listSnapshots handles GET /v1/projects/{project_key}/snapshots?from=&to=
// with RFC3339 bounds. The range defaults to the last seven days.
func (h *dataHandler) listSnapshots(w http.ResponseWriter, r *http.Request) {
	key, ok := projectKey(w, r)
	if !ok {
		return
	}
	to := h.deps.Clock.Now()
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be RFC3339")
			return
		}
		to = t
	}
	from := to.Add(-defaultSnapshotRange)
	if v := r.URL.Query().Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be RFC3339")
			return
		}
		from = t
	}
	if from.After(to) {
		writeError(w, http.StatusBadRequest, "from must not be after to")
		return
	}
	snaps, err := h.deps.Snapshots.List(r.Context(), key, from, to)
	if err != nil {
		writeStoreError(w, h.logger, "list snapshots", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": snaps})
}

func (h *dataHandler) listTrades(w http.ResponseWriter, r *http.Request) {
	key, ok := projectKey(w, r)
	if !ok {
		return
	}
	limit, _, err := parseLimitOffset(r, defaultListLimit, maxListLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	trades, err := h.deps.Trades.ListByProject(r.Context(), key, limit)
	if err != nil {
		writeStoreError(w, h.logger, "list trades", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trades": trades})
}

func (h *dataHandler) getTrade(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "trade_id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "trade id required")
		return
	}
	t, err := h.deps.Trades.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "trade not found")
			return
		}
		writeStoreError(w, h.logger, "get trade", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trade": t})
}

func projectKey(w http.ResponseWriter, r *http.Request) (domain.ProjectKey, bool) {
	key, err := domain.ParseProjectKey(chi.URLParam(r, "project_key"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return domain.ProjectKey{}, false
	}
	return key, true
}
