// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-keyagent.
//
// go-keyagent is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeremyhahn/go-keyagent/pkg/adapters/audit"
	"github.com/jeremyhahn/go-keyagent/pkg/health"
	"github.com/jeremyhahn/go-keyagent/pkg/metrics"
	"github.com/jeremyhahn/go-keyagent/pkg/ratelimit"
)

// HealthCheckResponse is the body of every health endpoint.
type HealthCheckResponse struct {
	Status  health.Status        `json:"status"`
	Message string               `json:"message,omitempty"`
	Checks  []health.CheckResult `json:"checks,omitempty"`
}

// Handler returns the router served on the metrics address.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.HTTPMiddleware)
	r.Use(ratelimit.Middleware(s.limiter))

	r.Handle("/metrics", promhttp.Handler())
	r.Route("/health", func(r chi.Router) {
		r.Get("/", s.readinessHandler)
		r.Get("/live", s.livenessHandler)
		r.Get("/ready", s.readinessHandler)
		r.Get("/startup", s.startupHandler)
	})
	r.Get("/audit", s.auditHandler)
	return r
}

// livenessHandler fails only when the process is unrecoverable.
func (s *Server) livenessHandler(w http.ResponseWriter, r *http.Request) {
	result := s.healthChecker.Live(r.Context())

	statusCode := http.StatusOK
	if result.Status == health.StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, HealthCheckResponse{Status: result.Status, Message: result.Message}, statusCode)
}

// readinessHandler reports whether the bridge can list keys. A bridge
// with no keys is degraded but still serves.
func (s *Server) readinessHandler(w http.ResponseWriter, r *http.Request) {
	results := s.healthChecker.Ready(r.Context())
	resp := HealthCheckResponse{
		Status: health.AggregateStatus(results),
		Checks: results,
	}

	statusCode := http.StatusOK
	switch resp.Status {
	case health.StatusHealthy:
		resp.Message = "All checks passed"
	case health.StatusDegraded:
		resp.Message = "Service is degraded"
	case health.StatusUnhealthy:
		resp.Message = "One or more checks failed"
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, resp, statusCode)
}

func (s *Server) startupHandler(w http.ResponseWriter, r *http.Request) {
	result := s.healthChecker.Startup(r.Context())

	statusCode := http.StatusOK
	if result.Status == health.StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, HealthCheckResponse{Status: result.Status, Message: result.Message}, statusCode)
}

// AuditResponse is the body of the audit endpoint.
type AuditResponse struct {
	Events []*audit.Event `json:"events"`
	// Total counts every event recorded since start, including evicted ones.
	Total uint64 `json:"total"`
}

// auditHandler lists recent bridge requests, newest first. Supported
// query parameters are limit, alias, type and outcome.
func (s *Server) auditHandler(w http.ResponseWriter, r *http.Request) {
	if s.auditTrail == nil {
		http.Error(w, "audit trail disabled", http.StatusNotFound)
		return
	}

	params := r.URL.Query()
	query := &audit.Query{Alias: params.Get("alias")}
	if v := params.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		query.Limit = limit
	}
	for _, t := range params["type"] {
		query.Types = append(query.Types, audit.EventType(t))
	}
	for _, o := range params["outcome"] {
		query.Outcomes = append(query.Outcomes, audit.Outcome(o))
	}

	events, err := s.auditTrail.Events(r.Context(), query)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, AuditResponse{Events: events, Total: s.auditTrail.Total()}, http.StatusOK)
}

func writeJSON(w http.ResponseWriter, v any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}
