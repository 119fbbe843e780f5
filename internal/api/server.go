// Package api serves the read-only HTTP API the dashboard consumes,
// together with health, status and Prometheus endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/yourorg/bridge-kpi-indexer/internal/circuitbreaker"
	"github.com/yourorg/bridge-kpi-indexer/internal/ingest"
	"github.com/yourorg/bridge-kpi-indexer/internal/metrics"
	"github.com/yourorg/bridge-kpi-indexer/internal/model"
	"github.com/yourorg/bridge-kpi-indexer/internal/price"
	"github.com/yourorg/bridge-kpi-indexer/internal/scheduler"
)

// Version is reported by /health and /status
const Version = "1.0.0"

// Snapshot limits of /api/kpi/{kind}
const (
	defaultSnapshotLimit = 30
	maxSnapshotLimit     = 1000
)

// Store is the read side of the persistence layer
type Store interface {
	Ping() error
	Cursor(ctx context.Context) (uint64, bool, error)
	LatestSnapshots(ctx context.Context, kind model.SnapshotKind, limit int) ([]model.KpiSnapshot, error)
}

// KPIs computes the on-demand views
type KPIs interface {
	ActiveAddressDetails(ctx context.Context, now time.Time) ([]model.AddressActivity, error)
	BridgeActivity(ctx context.Context, now time.Time) (model.BridgeStats, error)
}

// Jobs exposes the scheduler
type Jobs interface {
	Trigger(name string) error
	Status() []scheduler.JobStatus
}

// Ingestion exposes the state of the ingestion engine
type Ingestion interface {
	Running() bool
	BreakerState() circuitbreaker.State
	LastResult() (ingest.Result, bool)
}

// Prices exposes the cached price without refreshing it
type Prices interface {
	Peek() (price.Quote, bool)
}

// Deps are the collaborators of the server. Ingestion and Prices may be nil.
type Deps struct {
	Store     Store
	KPIs      KPIs
	Jobs      Jobs
	Ingestion Ingestion
	Prices    Prices
	Network   string

	// Gatherer backs /metrics, defaults to the global registry
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics

	// RequestTimeout bounds every handler, zero disables it
	RequestTimeout time.Duration
}

// Server holds the HTTP handlers
type Server struct {
	deps      Deps
	startTime time.Time

	// now is replaceable in tests
	now func() time.Time
}

// New creates a server
func New(deps Deps) *Server {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		deps:      deps,
		startTime: time.Now(),
		now:       time.Now,
	}
}

// Router returns the router with every route registered
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.instrument)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	r.HandleFunc("/api/kpi/{kind}", s.handleSnapshots).Methods(http.MethodGet)
	r.HandleFunc("/api/addresses/active", s.handleActiveAddresses).Methods(http.MethodGet)
	r.HandleFunc("/api/bridge/activity", s.handleBridgeActivity).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs", s.handleJobs).Methods(http.MethodGet)
	r.HandleFunc("/api/jobs/{name}/run", s.handleRunJob).Methods(http.MethodPost)

	return r
}

// instrument applies the request timeout and records request metrics
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		if s.deps.RequestTimeout > 0 {
			ctx, cancel := context.WithTimeout(r.Context(), s.deps.RequestTimeout)
			defer cancel()
			r = r.WithContext(ctx)
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		s.deps.Metrics.ObserveRequest(route, rec.status, time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(); err != nil {
		logrus.WithField("error", err).Warn("Health check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "errored",
			"error":  "database unavailable",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "OK",
		"version":   Version,
		"timestamp": s.now().UTC().Format(time.RFC3339),
	})
}

// statusResponse is the body of /status
type statusResponse struct {
	Status    string                `json:"status"`
	Version   string                `json:"version"`
	Network   string                `json:"network,omitempty"`
	Uptime    string                `json:"uptime"`
	Cursor    *uint64               `json:"cursor"`
	Ingestion *ingestionStatus      `json:"ingestion,omitempty"`
	Price     *price.Quote          `json:"price,omitempty"`
	Jobs      []scheduler.JobStatus `json:"jobs"`
}

type ingestionStatus struct {
	Running      bool           `json:"running"`
	CircuitState string         `json:"circuit_state"`
	LastScan     *ingest.Result `json:"last_scan,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	resp := statusResponse{
		Status:  "operational",
		Version: Version,
		Network: s.deps.Network,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
		Jobs:    []scheduler.JobStatus{},
	}

	cursor, ok, err := s.deps.Store.Cursor(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if ok {
		resp.Cursor = &cursor
	}

	if s.deps.Ingestion != nil {
		st := &ingestionStatus{
			Running:      s.deps.Ingestion.Running(),
			CircuitState: s.deps.Ingestion.BreakerState().String(),
		}
		if last, ok := s.deps.Ingestion.LastResult(); ok {
			st.LastScan = &last
		}
		if s.deps.Ingestion.BreakerState() != circuitbreaker.StateClosed {
			resp.Status = "degraded"
		}
		resp.Ingestion = st
	}

	if s.deps.Prices != nil {
		if q, ok := s.deps.Prices.Peek(); ok {
			resp.Price = &q
		}
	}

	if s.deps.Jobs != nil {
		resp.Jobs = s.deps.Jobs.Status()
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	kind, err := model.ParseSnapshotKind(mux.Vars(r)["kind"])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	limit := defaultSnapshotLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = parsed
	}
	if limit > maxSnapshotLimit {
		limit = maxSnapshotLimit
	}

	snaps, err := s.deps.Store.LatestSnapshots(r.Context(), kind, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if snaps == nil {
		snaps = []model.KpiSnapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleActiveAddresses(w http.ResponseWriter, r *http.Request) {
	details, err := s.deps.KPIs.ActiveAddressDetails(r.Context(), s.now().UTC())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if details == nil {
		details = []model.AddressActivity{}
	}
	writeJSON(w, http.StatusOK, details)
}

func (s *Server) handleBridgeActivity(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.KPIs.BridgeActivity(r.Context(), s.now().UTC())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	jobs := []scheduler.JobStatus{}
	if s.deps.Jobs != nil {
		jobs = s.deps.Jobs.Status()
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleRunJob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if s.deps.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("scheduler not running"))
		return
	}

	err := s.deps.Jobs.Trigger(name)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, scheduler.ErrJobRunning):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, scheduler.ErrJobDisabled), errors.Is(err, scheduler.ErrStopped):
		writeError(w, http.StatusServiceUnavailable, err)
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		logrus.WithField("job", name).Info("Job triggered via API")
		writeJSON(w, http.StatusAccepted, map[string]string{"job": name, "status": "started"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logrus.WithField("error", err).Warn("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		logrus.WithField("error", err).Warn("Request failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
