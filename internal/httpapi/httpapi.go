// Package httpapi exposes the kernel's external control surface over
// plain net/http: run submission and status, plan introspection, platform
// status, and an SSE feed over a run's event stream.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/ledger"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/logging"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/model"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/scheduler"
	"github.com/EffortlessMetrics/flow-studio-dev-sub003/internal/supervisor"
)

// ErrorResponse is the closed JSON shape for every 4xx/5xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// Handler serves the kernel's HTTP surface.
type Handler struct {
	Supervisor *supervisor.Supervisor
	Ledger     ledger.Ledger
	Logger     logging.Logger
	StartedAt  time.Time
}

// New builds a Handler; a nil Logger is replaced with a no-op.
func New(sup *supervisor.Supervisor, l ledger.Ledger, logger logging.Logger) *Handler {
	if logger == nil {
		logger = logging.NoOpLogger{}
	}
	return &Handler{Supervisor: sup, Ledger: l, Logger: logger, StartedAt: time.Now()}
}

// RegisterRoutes wires every endpoint onto mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/platform/status", h.handlePlatformStatus)
	mux.HandleFunc("/plan", h.handlePlan)
	mux.HandleFunc("/runs", h.handleRuns)
	mux.HandleFunc("/runs/", h.handleRunSubresource)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime_s": time.Since(h.StartedAt).Seconds(),
	})
}

func (h *Handler) handlePlatformStatus(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"started_at":   h.StartedAt,
		"schema_version": model.SchemaVersion,
	})
}

func (h *Handler) handlePlan(w http.ResponseWriter, r *http.Request) {
	flowKey := r.URL.Query().Get("flow")
	if flowKey == "" {
		h.writeError(w, http.StatusBadRequest, "flow query parameter is required", "MISSING_FLOW")
		return
	}
	def, ok := h.Supervisor.FlowDef(flowKey)
	if !ok {
		h.writeError(w, http.StatusNotFound, "flow not registered", "FLOW_NOT_FOUND")
		return
	}
	dag, err := scheduler.NewDAG(def)
	if err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, err.Error(), "INVALID_GRAPH")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"flow_key":         flowKey,
		"topological_order": dag.TopologicalOrder(),
		"execution_levels":  dag.ExecutionLevels(),
	})
}

func (h *Handler) handleRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "use POST to start a run", "METHOD_NOT_ALLOWED")
		return
	}
	var spec model.RunSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}
	if len(spec.Flows) == 0 {
		h.writeError(w, http.StatusBadRequest, "flows is required", "MISSING_FLOWS")
		return
	}
	run, err := h.Supervisor.StartRun(r.Context(), spec)
	if err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, err.Error(), "RUN_FAILED")
		return
	}
	h.writeJSON(w, http.StatusAccepted, run)
}

// handleRunSubresource dispatches /runs/<id>, /runs/<id>/events,
// /runs/<id>/pause|resume|cancel, and /runs/<id>/escalation/<key>/resolve.
func (h *Handler) handleRunSubresource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/runs/")
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		h.writeError(w, http.StatusBadRequest, "run id is required", "MISSING_RUN_ID")
		return
	}
	runID := parts[0]

	switch {
	case len(parts) == 1:
		h.handleGetRun(w, r, runID)
	case len(parts) == 2 && parts[1] == "events":
		h.handleRunEvents(w, r, runID)
	case len(parts) == 2 && parts[1] == "pause":
		h.Supervisor.Pause(runID)
		h.writeJSON(w, http.StatusOK, map[string]any{"status": "pause_requested"})
	case len(parts) == 2 && parts[1] == "resume":
		h.Supervisor.Resume(runID)
		h.writeJSON(w, http.StatusOK, map[string]any{"status": "resume_requested"})
	case len(parts) == 2 && parts[1] == "cancel":
		h.Supervisor.Cancel(runID)
		h.writeJSON(w, http.StatusOK, map[string]any{"status": "cancel_requested"})
	case len(parts) == 4 && parts[1] == "escalation" && parts[3] == "resolve":
		h.handleResolveEscalation(w, r, runID, parts[2])
	default:
		h.writeError(w, http.StatusNotFound, "unknown run sub-resource", "NOT_FOUND")
	}
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request, runID string) {
	run, err := h.Ledger.ReadMeta(runID)
	if err != nil {
		h.writeError(w, http.StatusNotFound, "run not found", "RUN_NOT_FOUND")
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

type resolveRequest struct {
	Decision model.Decision `json:"decision"`
}

func (h *Handler) handleResolveEscalation(w http.ResponseWriter, r *http.Request, runID, key string) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "use POST to resolve an escalation", "METHOD_NOT_ALLOWED")
		return
	}
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body", "INVALID_REQUEST")
		return
	}
	if err := h.Supervisor.ResolveEscalation(runID, key, req.Decision); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error(), "INVALID_DECISION")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "resolved"})
}

// handleRunEvents streams events.jsonl as server-sent events, polling for
// new lines until the client disconnects or the run reaches a terminal
// status.
func (h *Handler) handleRunEvents(w http.ResponseWriter, r *http.Request, runID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming unsupported", "NO_FLUSH")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	ctx := r.Context()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	offset := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			events, next := h.pollEvents(ctx, runID, offset)
			offset = next
			for _, e := range events {
				data, err := json.Marshal(e)
				if err != nil {
					continue
				}
				w.Write([]byte("data: "))
				w.Write(data)
				w.Write([]byte("\n\n"))
			}
			if len(events) > 0 {
				flusher.Flush()
			}
			run, err := h.Ledger.ReadMeta(runID)
			if err == nil && isTerminal(run.Status) {
				return
			}
		}
	}
}

func isTerminal(s model.RunStatus) bool {
	return s == model.RunCompleted || s == model.RunAborted || s == model.RunEscalated
}

// pollEvents returns events appended since offset by re-reading the
// run's event stream and slicing past what was already sent; events.jsonl
// is small enough per run that a full re-read per tick is cheap.
func (h *Handler) pollEvents(ctx context.Context, runID string, offset int) ([]*model.Event, int) {
	events, err := h.Ledger.ReadEvents(runID)
	if err != nil || len(events) <= offset {
		return nil, offset
	}
	return events[offset:], len(events)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Error: message, Code: code})
}
