package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/headless-job-runner/internal/metrics"
	"github.com/JakeFAU/headless-job-runner/internal/pool"
	"github.com/JakeFAU/headless-job-runner/internal/queue"
	"github.com/JakeFAU/headless-job-runner/internal/script"
	"github.com/JakeFAU/headless-job-runner/internal/telemetry"
)

const (
	requestTimeout = 30 * time.Second
	maxBodyBytes   = 1 << 20
)

// JobQueue is the slice of the scheduler the API needs.
type JobQueue interface {
	Submit(code string, cfg queue.JobConfig, rowData map[string]string) (string, error)
	Snapshot(id string) (queue.Snapshot, error)
	Stats() queue.Stats
}

// PoolStats reports browser pool occupancy.
type PoolStats interface {
	Stats() pool.Stats
}

// MetricsSource exposes the rolling event log.
type MetricsSource interface {
	Stats(window time.Duration) metrics.Stats
	Trends(window time.Duration) []metrics.Trend
	Alerts(window time.Duration) []metrics.Alert
	Export(format string) (string, error)
	Reset()
}

// Server wires HTTP handlers to the queue, pool and metrics recorder.
type Server struct {
	router  chi.Router
	queue   JobQueue
	pool    PoolStats
	metrics MetricsSource
	logger  *zap.Logger
	ready   atomic.Bool
}

// NewServer constructs a Server with middleware and routes.
func NewServer(q JobQueue, p PoolStats, m MetricsSource, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		queue:   q,
		pool:    p,
		metrics: m,
		logger:  logger,
	}
	s.ready.Store(true)

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(telemetry.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.submitJob)
		r.Get("/jobs/{job_id}", s.getJob)
		r.Get("/queue/stats", s.queueStats)
		r.Post("/scripts/validate", s.validateScript)
		r.Route("/metrics", func(r chi.Router) {
			r.Get("/stats", s.metricsStats)
			r.Get("/trends", s.metricsTrends)
			r.Get("/alerts", s.metricsAlerts)
			r.Get("/export", s.metricsExport)
			r.Post("/reset", s.metricsReset)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetReady flips the readiness probe, typically to false once shutdown begins.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitJobRequest struct {
	Code    string            `json:"code"`
	Config  queue.JobConfig   `json:"config"`
	RowData map[string]string `json:"rowData"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	jobID, err := s.queue.Submit(req.Code, req.Config, req.RowData)
	if err != nil {
		switch {
		case errors.Is(err, queue.ErrInvalidSubmission):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, queue.ErrQueueClosed):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.logger.Error("submit job failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to submit job")
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"jobId": jobID})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	snap, err := s.queue.Snapshot(jobID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	snap.Code = ""
	writeJSON(w, http.StatusOK, snap)
}

type queueStatsResponse struct {
	Queue queue.Stats `json:"queue"`
	Pool  pool.Stats  `json:"pool"`
}

func (s *Server) queueStats(w http.ResponseWriter, _ *http.Request) {
	resp := queueStatsResponse{Queue: s.queue.Stats()}
	if s.pool != nil {
		resp.Pool = s.pool.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

type validateRequest struct {
	Code string `json:"code"`
}

type validateResponse struct {
	Valid    bool   `json:"valid"`
	Error    string `json:"error,omitempty"`
	Kind     string `json:"kind,omitempty"`
	Position *int   `json:"position,omitempty"`
	Char     string `json:"char,omitempty"`
}

func (s *Server) validateScript(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	err := script.Validate(req.Code)
	if err == nil {
		writeJSON(w, http.StatusOK, validateResponse{Valid: true})
		return
	}
	resp := validateResponse{Error: err.Error()}
	var syn *script.SyntaxError
	if errors.As(err, &syn) {
		pos := syn.Position
		resp.Kind = string(syn.Kind)
		resp.Position = &pos
		resp.Char = syn.Char
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) metricsStats(w http.ResponseWriter, r *http.Request) {
	window, ok := parseWindow(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.metrics.Stats(window))
}

func (s *Server) metricsTrends(w http.ResponseWriter, r *http.Request) {
	window, ok := parseWindow(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trends": s.metrics.Trends(window)})
}

func (s *Server) metricsAlerts(w http.ResponseWriter, r *http.Request) {
	window, ok := parseWindow(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": s.metrics.Alerts(window)})
}

func (s *Server) metricsExport(w http.ResponseWriter, r *http.Request) {
	format := r.URL.Query().Get("format")
	if format == "" {
		format = metrics.FormatJSON
	}
	body, err := s.metrics.Export(format)
	if err != nil {
		if errors.Is(err, metrics.ErrUnsupportedFormat) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("metrics export failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}
	contentType := "application/json"
	if strings.EqualFold(format, metrics.FormatCSV) {
		contentType = "text/csv"
		w.Header().Set("Content-Disposition", `attachment; filename="metrics.csv"`)
	}
	w.Header().Set("Content-Type", contentType)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(body)); err != nil {
		s.logger.Warn("write export failed", zap.Error(err))
	}
}

func (s *Server) metricsReset(w http.ResponseWriter, _ *http.Request) {
	s.metrics.Reset()
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

// parseWindow reads ?window= as a Go duration ("15m") or plain milliseconds.
// A missing window selects the recorder default.
func parseWindow(w http.ResponseWriter, r *http.Request) (time.Duration, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get("window"))
	if raw == "" {
		return metrics.DefaultWindow, true
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil && ms > 0 {
		return time.Duration(ms) * time.Millisecond, true
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d, true
	}
	writeError(w, http.StatusBadRequest, "window must be a positive duration or millisecond count")
	return 0, false
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	return dec.Decode(dst) //nolint:wrapcheck // callers map any decode error to 400
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
