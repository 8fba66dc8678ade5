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

// Package api provides the embedding HTTP surface for flowstated: a thin
// net/http mux over the orchestrator Service, plus the webhook completion
// intake and the /metrics and /healthz operational endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/flowstate/flowstate/internal/metrics"
	"github.com/flowstate/flowstate/internal/orchestrator"
	"github.com/flowstate/flowstate/internal/store"
)

// Service is the subset of orchestrator.Service the API drives.
type Service interface {
	StartExecution(ctx context.Context, code string, allowedFunctions []string, inputs []byte) (string, error)
	Poll(ctx context.Context, executionID string) (*orchestrator.StatusView, error)
	GetPendingCalls(ctx context.Context, executionID string) ([]orchestrator.PendingCallView, error)
	CompleteCall(ctx context.Context, executionID, resumeGroupID string, callID int, result []byte, errMsg string) error
	GetResult(ctx context.Context, executionID string) ([]byte, error)
}

// Router wraps an http.ServeMux with the flowstated embedding API.
type Router struct {
	mux       *http.ServeMux
	svc       Service
	store     store.Store
	startedAt time.Time
	logger    *slog.Logger
}

// NewRouter builds a Router exposing svc over HTTP. st is used directly for
// the list/webhook-lookup operations the Service interface doesn't cover.
func NewRouter(svc Service, st store.Store, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{mux: http.NewServeMux(), svc: svc, store: st, startedAt: time.Now(), logger: logger}

	r.mux.HandleFunc("POST /executions", r.handleStartExecution)
	r.mux.HandleFunc("GET /executions", r.handleListExecutions)
	r.mux.HandleFunc("GET /executions/{id}", r.handleGetExecution)
	r.mux.HandleFunc("GET /executions/{id}/calls", r.handleGetPendingCalls)
	r.mux.HandleFunc("POST /executions/{id}/calls/{call_id}/complete", r.handleCompleteCall)
	r.mux.HandleFunc("GET /executions/{id}/result", r.handleGetResult)
	r.mux.HandleFunc("POST /webhook/complete", r.handleWebhookComplete)
	r.mux.HandleFunc("GET /healthz", r.handleHealthz)
	r.mux.Handle("GET /metrics", metrics.Handler())

	return r
}

// ServeHTTP implements http.Handler, logging each request after it completes.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	defer func() {
		r.logger.Info("request completed",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.Int64("duration_ms", time.Since(start).Milliseconds()))
	}()
	r.mux.ServeHTTP(w, req)
}

type startExecutionRequest struct {
	Code             string          `json:"code"`
	AllowedFunctions []string        `json:"allowed_functions"`
	Inputs           json.RawMessage `json:"inputs,omitempty"`
}

func (r *Router) handleStartExecution(w http.ResponseWriter, req *http.Request) {
	var body startExecutionRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := r.svc.StartExecution(req.Context(), body.Code, body.AllowedFunctions, body.Inputs)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"execution_id": id})
}

func (r *Router) handleListExecutions(w http.ResponseWriter, req *http.Request) {
	var status store.Status
	if s := req.URL.Query().Get("status"); s != "" {
		status = store.Status(s)
	}

	executions, err := r.store.ListExecutions(req.Context(), status)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	views := make([]statusResponse, 0, len(executions))
	for _, ex := range executions {
		views = append(views, statusResponseFromExecution(ex))
	}
	writeJSON(w, http.StatusOK, views)
}

func (r *Router) handleGetExecution(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	view, err := r.svc.Poll(req.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponseFromView(view))
}

func (r *Router) handleGetPendingCalls(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	calls, err := r.svc.GetPendingCalls(req.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	views := make([]pendingCallResponse, 0, len(calls))
	for _, c := range calls {
		views = append(views, pendingCallResponse{CallID: c.CallID, FunctionName: c.FunctionName, Args: c.Args})
	}
	writeJSON(w, http.StatusOK, views)
}

type completeCallRequest struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (r *Router) handleCompleteCall(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	callID, err := strconv.Atoi(req.PathValue("call_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "call_id must be an integer")
		return
	}

	var body completeCallRequest
	if req.ContentLength != 0 {
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	ex, err := r.store.GetExecution(req.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if ex.CurrentResumeGroup == "" {
		writeError(w, http.StatusConflict, "execution has no open batch")
		return
	}

	if err := r.svc.CompleteCall(req.Context(), id, ex.CurrentResumeGroup, callID, body.Result, body.Error); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (r *Router) handleGetResult(w http.ResponseWriter, req *http.Request) {
	id := req.PathValue("id")
	output, err := r.svc.GetResult(req.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]json.RawMessage{"output": output})
}

// webhookCompleteRequest is the push-executor completion payload, exactly
// per the Embedding API's webhook contract.
type webhookCompleteRequest struct {
	JobID  string          `json:"job_id"`
	Status string          `json:"status"` // "finished" | "failed"
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func (r *Router) handleWebhookComplete(w http.ResponseWriter, req *http.Request) {
	var body webhookCompleteRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.JobID == "" {
		writeError(w, http.StatusBadRequest, "job_id is required")
		return
	}

	call, err := r.store.FindCallByJobHandle(req.Context(), body.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "unknown job_id")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	errMsg := body.Error
	if body.Status == "failed" && errMsg == "" {
		errMsg = "call failed"
	}

	if err := r.svc.CompleteCall(req.Context(), call.ExecutionID, call.ResumeGroupID, call.CallID, body.Result, errMsg); err != nil {
		if errors.Is(err, store.ErrConflict) {
			writeError(w, http.StatusConflict, "conflicting outcome already recorded")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type healthResponse struct {
	Status  string `json:"status"`
	Uptime  string `json:"uptime"`
	Runtime string `json:"runtime"`
}

func (r *Router) handleHealthz(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Uptime:  time.Since(r.startedAt).String(),
		Runtime: runtime.Version(),
	})
}

type statusResponse struct {
	ExecutionID  string                `json:"execution_id"`
	Status       string                `json:"status"`
	Output       json.RawMessage       `json:"output,omitempty"`
	Error        string                `json:"error,omitempty"`
	PendingCalls []pendingCallResponse `json:"pending_calls,omitempty"`
}

type pendingCallResponse struct {
	CallID       int             `json:"call_id"`
	FunctionName string          `json:"function_name"`
	Args         json.RawMessage `json:"args,omitempty"`
}

func statusResponseFromView(v *orchestrator.StatusView) statusResponse {
	resp := statusResponse{
		ExecutionID: v.ExecutionID,
		Status:      string(v.Status),
		Output:      v.Output,
		Error:       v.Error,
	}
	for _, c := range v.PendingCalls {
		resp.PendingCalls = append(resp.PendingCalls, pendingCallResponse{CallID: c.CallID, FunctionName: c.FunctionName, Args: c.Args})
	}
	return resp
}

func statusResponseFromExecution(ex *store.Execution) statusResponse {
	return statusResponse{
		ExecutionID: ex.ID,
		Status:      string(ex.Status),
		Output:      ex.Output,
		Error:       ex.Error,
	}
}

func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "execution not found")
	case errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, "conflicting transition")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", slog.Any("error", err))
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
