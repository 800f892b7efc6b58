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

package metrics

import (
	"net/http"
	"strconv"
)

const (
	ProtocolHTTP     = "http"
	ProtocolSSHAgent = "ssh-agent"
)

// HTTPMiddleware records request counts for the metrics/health listener.
//
//	router := chi.NewRouter()
//	router.Use(metrics.HTTPMiddleware)
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		IncrementActiveConnections(ProtocolHTTP)
		defer DecrementActiveConnections(ProtocolHTTP)

		wrapper := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapper, r)
		RecordHTTPRequest(r.Method, strconv.Itoa(wrapper.statusCode))
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	if !rw.written {
		rw.statusCode = statusCode
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.written {
		rw.WriteHeader(http.StatusOK)
	}
	return rw.ResponseWriter.Write(b)
}

// ConnectionTracker counts one connection for its lifetime.
//
//	tracker := metrics.NewConnectionTracker(metrics.ProtocolSSHAgent)
//	defer tracker.Close()
type ConnectionTracker struct {
	protocol string
}

// NewConnectionTracker increments the active connection gauge.
func NewConnectionTracker(protocol string) *ConnectionTracker {
	IncrementActiveConnections(protocol)
	return &ConnectionTracker{protocol: protocol}
}

// Close decrements the active connection gauge.
func (ct *ConnectionTracker) Close() {
	DecrementActiveConnections(ct.protocol)
}
