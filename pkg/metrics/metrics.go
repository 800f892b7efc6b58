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

// Package metrics provides Prometheus instrumentation for backend calls,
// SSH agent requests and PKCS#11 sessions.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all metrics
	Namespace = "keyagent"

	// Label names
	LabelOperation   = "operation"
	LabelBackend     = "backend"
	LabelStatus      = "status"
	LabelErrorType   = "error_type"
	LabelProtocol    = "protocol"
	LabelMessageType = "message_type"
	LabelMethod      = "method"
	LabelStatusCode  = "status_code"

	// Status values
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusDeclined = "declined"

	// Backend operations
	OpList   = "list"
	OpSign   = "sign"
	OpUnlock = "unlock"

	// Error types
	ErrorTypeTransport = "transport"
	ErrorTypeDeclined  = "declined"
	ErrorTypeTimeout   = "timeout"
	ErrorTypeThrottled = "throttled"
)

var (
	// OperationsTotal counts backend calls by operation, backend and status.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "backend_operations_total",
			Help:      "Total number of backend operations by type, backend, and status",
		},
		[]string{LabelOperation, LabelBackend, LabelStatus},
	)

	// OperationDuration tracks backend call latency. Sign calls may wait on
	// a user confirmation, so buckets reach into minutes.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "backend_operation_duration_seconds",
			Help:      "Duration of backend operations in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{LabelOperation, LabelBackend},
	)

	// ErrorsTotal counts backend failures by operation, backend and error type.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "backend_errors_total",
			Help:      "Total number of backend errors by operation, backend, and error type",
		},
		[]string{LabelOperation, LabelBackend, LabelErrorType},
	)

	// ActiveConnections tracks open client connections by protocol.
	ActiveConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "active_connections",
			Help:      "Number of active connections by protocol",
		},
		[]string{LabelProtocol},
	)

	// AgentRequestsTotal counts SSH agent requests by message type and status.
	AgentRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "agent",
			Name:      "requests_total",
			Help:      "Total number of SSH agent requests by message type and status",
		},
		[]string{LabelMessageType, LabelStatus},
	)

	// OpenSessions tracks open PKCS#11 sessions.
	OpenSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "token",
			Name:      "open_sessions",
			Help:      "Number of open PKCS#11 sessions",
		},
	)

	// KeysTotal is the size of the last key listing per backend.
	KeysTotal = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "keys_total",
			Help:      "Number of keys in the last backend listing",
		},
		[]string{LabelBackend},
	)

	// BackendHealthy is 1 when the last backend call succeeded.
	BackendHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "backend_healthy",
			Help:      "Backend health status (1 = healthy, 0 = unhealthy)",
		},
		[]string{LabelBackend},
	)

	// HTTPRequestsTotal counts requests to the metrics/health listener.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests by method and status code",
		},
		[]string{LabelMethod, LabelStatusCode},
	)

	enabled atomic.Bool
)

func init() {
	enabled.Store(true)
}

// RecordOperation records a backend call with its duration in seconds.
func RecordOperation(operation, backend, status string, duration float64) {
	if !enabled.Load() {
		return
	}
	OperationsTotal.WithLabelValues(operation, backend, status).Inc()
	OperationDuration.WithLabelValues(operation, backend).Observe(duration)
}

// RecordError records a backend failure.
func RecordError(operation, backend, errorType string) {
	if !enabled.Load() {
		return
	}
	ErrorsTotal.WithLabelValues(operation, backend, errorType).Inc()
}

// RecordAgentRequest records one handled SSH agent message.
func RecordAgentRequest(messageType, status string) {
	if !enabled.Load() {
		return
	}
	AgentRequestsTotal.WithLabelValues(messageType, status).Inc()
}

// RecordHTTPRequest records one request to the HTTP listener.
func RecordHTTPRequest(method, statusCode string) {
	if !enabled.Load() {
		return
	}
	HTTPRequestsTotal.WithLabelValues(method, statusCode).Inc()
}

// IncrementActiveConnections increments the active connection count for a protocol.
func IncrementActiveConnections(protocol string) {
	if !enabled.Load() {
		return
	}
	ActiveConnections.WithLabelValues(protocol).Inc()
}

// DecrementActiveConnections decrements the active connection count for a protocol.
func DecrementActiveConnections(protocol string) {
	if !enabled.Load() {
		return
	}
	ActiveConnections.WithLabelValues(protocol).Dec()
}

// SetOpenSessions sets the open PKCS#11 session gauge.
func SetOpenSessions(n int) {
	if !enabled.Load() {
		return
	}
	OpenSessions.Set(float64(n))
}

// SetKeysTotal sets the total number of keys for a backend.
func SetKeysTotal(backend string, count int) {
	if !enabled.Load() {
		return
	}
	KeysTotal.WithLabelValues(backend).Set(float64(count))
}

// SetBackendHealth sets the health status of a backend.
func SetBackendHealth(backend string, healthy bool) {
	if !enabled.Load() {
		return
	}
	value := 0.0
	if healthy {
		value = 1.0
	}
	BackendHealthy.WithLabelValues(backend).Set(value)
}

// Enable enables metrics collection.
func Enable() {
	enabled.Store(true)
}

// Disable disables metrics collection.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether metrics collection is currently enabled.
func IsEnabled() bool {
	return enabled.Load()
}
