package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/cyclops/internal/cycle"
	"github.com/nidhogg/cyclops/internal/notify"
	"github.com/nidhogg/cyclops/internal/store"
)

// CycleHistory is the queryable mirror of cycle results.
type CycleHistory interface {
	RecentCycles(ctx context.Context, branch string, limit int) ([]store.CycleRecord, error)
}

// SharedPatterns finds patterns discovered on more than one branch.
type SharedPatterns interface {
	SharedPatterns(ctx context.Context, branch string) (map[string][]string, error)
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	supervisor *cycle.Supervisor
	hub        *notify.Hub
	history    CycleHistory
	graph      SharedPatterns
	metrics    http.Handler
	logger     *zap.Logger
}

// Option sets an optional dependency.
type Option func(*Handler)

func WithNotifications(hub *notify.Hub) Option { return func(h *Handler) { h.hub = hub } }
func WithHistory(history CycleHistory) Option  { return func(h *Handler) { h.history = history } }
func WithPatternGraph(g SharedPatterns) Option { return func(h *Handler) { h.graph = g } }
func WithMetrics(metrics http.Handler) Option  { return func(h *Handler) { h.metrics = metrics } }

// NewHandler creates a new API handler over the supervised engines.
func NewHandler(supervisor *cycle.Supervisor, logger *zap.Logger, opts ...Option) *Handler {
	h := &Handler{supervisor: supervisor, logger: logger}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)
		r.Get("/engines", h.listEngines)
		r.Get("/status", h.status)
		r.Get("/progress", h.progress)
		r.Get("/branch", h.branch)
		r.Get("/archives", h.archives)
		r.Get("/patterns", h.patterns)
		r.Get("/history", h.cycleHistory)
		r.Get("/notifications", h.notifications)
		r.Post("/stop", h.stop)
	})

	if h.metrics != nil {
		r.Handle("/metrics", h.metrics)
	}
	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "cyclops"})
}

// engine resolves ?engine=name, defaulting to the only engine or "main".
func (h *Handler) engine(w http.ResponseWriter, r *http.Request) (*cycle.Engine, bool) {
	engines := h.supervisor.Engines()
	name := r.URL.Query().Get("engine")
	if name == "" {
		if len(engines) == 1 {
			for _, e := range engines {
				return e, true
			}
		}
		name = "main"
	}
	e, ok := engines[name]
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "engine not found: " + name})
		return nil, false
	}
	return e, true
}

func (h *Handler) listEngines(w http.ResponseWriter, r *http.Request) {
	engines := h.supervisor.Engines()
	snaps := make([]cycle.Snapshot, 0, len(engines))
	for _, e := range engines {
		snaps = append(snaps, e.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	writeJSON(w, http.StatusOK, snaps)
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, e.Snapshot())
}

func (h *Handler) progress(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, e.StateManager().LoadProgress())
}

func (h *Handler) branch(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	marker, ok := e.StateManager().Marker()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no branch recorded"})
		return
	}
	writeJSON(w, http.StatusOK, marker)
}

func (h *Handler) archives(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	archives, err := e.StateManager().ListArchives()
	if err != nil {
		h.logger.Error("list archives", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, archives)
}

func (h *Handler) patterns(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	resp := map[string]interface{}{
		"patterns": e.StateManager().LoadProgress().Patterns,
	}
	if h.graph != nil {
		branch, _ := e.StateManager().CurrentBranch()
		shared, err := h.graph.SharedPatterns(r.Context(), branch)
		if err != nil {
			h.logger.Warn("shared patterns", zap.Error(err))
		} else {
			resp["shared"] = shared
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) cycleHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "history store not configured"})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	recs, err := h.history.RecentCycles(r.Context(), r.URL.Query().Get("branch"), limit)
	if err != nil {
		h.logger.Error("recent cycles", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if recs == nil {
		recs = []store.CycleRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (h *Handler) notifications(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		writeJSON(w, http.StatusOK, []notify.Record{})
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	writeJSON(w, http.StatusOK, h.hub.History(limit))
}

func (h *Handler) stop(w http.ResponseWriter, r *http.Request) {
	e, ok := h.engine(w, r)
	if !ok {
		return
	}
	running := e.Snapshot().Running
	e.Stop()
	h.logger.Info("stop requested", zap.String("engine", e.Name()), zap.Bool("was_running", running))
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"engine": e.Name(), "was_running": running})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
