// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"log/slog"
	"net/http"
	"time"
)

// HTTPRequest represents an inbound HTTP request for logging purposes.
type HTTPRequest struct {
	// Method is the HTTP method (GET, POST, ...).
	Method string

	// Path is the request path.
	Path string

	// RequestID is the unique ID for this specific request.
	RequestID string

	// RemoteAddr is the remote address of the client.
	RemoteAddr string

	// Metadata contains additional request metadata.
	Metadata map[string]interface{}
}

// HTTPResponse represents the result of handling an HTTPRequest.
type HTTPResponse struct {
	// Status is the HTTP status code returned.
	Status int

	// Error is the error message if the request failed.
	Error string

	// DurationMs is the duration of the request in milliseconds.
	DurationMs int64

	// Metadata contains additional response metadata.
	Metadata map[string]interface{}
}

// LogHTTPRequest logs an incoming HTTP request.
func LogHTTPRequest(logger *slog.Logger, req *HTTPRequest) {
	attrs := []any{
		"event", "http_request",
		"method", req.Method,
		"path", req.Path,
		"remote", req.RemoteAddr,
	}

	if req.RequestID != "" {
		attrs = append(attrs, "request_id", req.RequestID)
	}

	for k, v := range req.Metadata {
		attrs = append(attrs, k, v)
	}

	logger.Info("http request received", attrs...)
}

// LogHTTPResponse logs the result of handling an HTTP request.
func LogHTTPResponse(logger *slog.Logger, req *HTTPRequest, resp *HTTPResponse) {
	attrs := []any{
		"event", "http_response",
		"method", req.Method,
		"path", req.Path,
		"status", resp.Status,
		"duration_ms", resp.DurationMs,
		"remote", req.RemoteAddr,
	}

	if req.RequestID != "" {
		attrs = append(attrs, "request_id", req.RequestID)
	}

	if resp.Error != "" {
		attrs = append(attrs, "error", resp.Error)
	}

	for k, v := range resp.Metadata {
		attrs = append(attrs, k, v)
	}

	level := slog.LevelInfo
	message := "http request completed"

	if resp.Status >= 500 {
		level = slog.LevelError
		message = "http request failed"
	} else if resp.Status >= 400 {
		level = slog.LevelWarn
		message = "http request rejected"
	}

	logger.Log(nil, level, message, attrs...)
}

// statusRecorder captures the status code written by a handler so the
// middleware can log it after the handler returns.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// HTTPMiddleware wraps an http.Handler with request/response logging.
// It logs the request when it arrives and the response when it completes.
type HTTPMiddleware struct {
	logger *slog.Logger
}

// NewHTTPMiddleware creates a new HTTP logging middleware.
func NewHTTPMiddleware(logger *slog.Logger) *HTTPMiddleware {
	return &HTTPMiddleware{
		logger: logger,
	}
}

// Wrap returns an http.Handler that logs req/resp around next.
func (m *HTTPMiddleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		req := &HTTPRequest{
			Method:     r.Method,
			Path:       r.URL.Path,
			RequestID:  r.Header.Get("X-Request-ID"),
			RemoteAddr: r.RemoteAddr,
		}
		LogHTTPRequest(m.logger, req)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		resp := &HTTPResponse{
			Status:     rec.status,
			DurationMs: time.Since(start).Milliseconds(),
		}
		if rec.status >= 400 {
			resp.Error = http.StatusText(rec.status)
		}
		LogHTTPResponse(m.logger, req, resp)
	})
}
