package workflow

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5"

	"graphflow/services/storage"
)

// maxRequestBody limits the size of the execute request body to prevent abuse.
const maxRequestBody = 1 << 20 // 1MB

// HandleGetWorkflow loads a workflow definition by ID from the database and
// returns it as JSON in the format React Flow expects (id, status, nodes, edges).
func (s *Service) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	rid := reqID(r)
	id := mux.Vars(r)["id"]
	slog.Debug("returning workflow definition", "id", id, "requestId", rid)

	wfUUID, err := uuid.Parse(id)
	if err != nil {
		slog.Warn("invalid workflow id", "id", id, "requestId", rid, "error", err)
		writeErrorJSON(w, "INVALID_ID", "invalid workflow id", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	wf, err := s.storage.GetWorkflow(ctx, wfUUID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			slog.Warn("workflow not found", "id", wfUUID, "requestId", rid)
			writeErrorJSON(w, "NOT_FOUND", "workflow not found", http.StatusNotFound)
			return
		}
		slog.Error("failed to get workflow", "id", wfUUID, "requestId", rid, "error", err)
		writeErrorJSON(w, "INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, wf.ToFrontend())
}

// HandlePublishWorkflow creates an immutable snapshot of the workflow's current
// DAG. Subsequent executions will run against this frozen snapshot rather than
// live tables, decoupling execution from node_library mutations.
func (s *Service) HandlePublishWorkflow(w http.ResponseWriter, r *http.Request) {
	rid := reqID(r)
	id := mux.Vars(r)["id"]
	slog.Debug("publishing workflow", "id", id, "requestId", rid)

	wfUUID, err := uuid.Parse(id)
	if err != nil {
		slog.Warn("invalid workflow id", "id", id, "requestId", rid, "error", err)
		writeErrorJSON(w, "INVALID_ID", "invalid workflow id", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	snap, err := s.storage.PublishWorkflow(ctx, wfUUID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			slog.Warn("workflow not found for publish", "id", wfUUID, "requestId", rid)
			writeErrorJSON(w, "NOT_FOUND", "workflow not found", http.StatusNotFound)
			return
		}
		slog.Error("failed to publish workflow", "id", wfUUID, "requestId", rid, "error", err)
		writeErrorJSON(w, "INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"snapshotId":    snap.ID,
		"versionNumber": snap.VersionNumber,
		"publishedAt":   snap.PublishedAt,
	})
}

// HandleExecuteWorkflow loads a workflow (preferring its published
// snapshot, falling back to live tables for drafts), compiles it into a
// Job, and hands it to the runtime. The run executes asynchronously over
// the shared worker pool; the response carries the execution ID a caller
// polls via HandleGetExecution rather than the final result, since a
// fork/join graph's completion time is no longer bounded by a single HTTP
// request's lifetime.
func (s *Service) HandleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	rid := reqID(r)
	id := mux.Vars(r)["id"]
	slog.Debug("handling workflow execution", "id", id, "requestId", rid)

	wfUUID, err := uuid.Parse(id)
	if err != nil {
		slog.Warn("invalid workflow id", "id", id, "requestId", rid, "error", err)
		writeErrorJSON(w, "INVALID_ID", "invalid workflow id", http.StatusBadRequest)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)

	ctx := r.Context()

	// Prefer executing from a published snapshot if one exists; this
	// decouples execution from live node_library mutations.
	var wf *storage.Workflow
	snapshot, err := s.storage.GetActiveSnapshot(ctx, wfUUID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		slog.Error("failed to get active snapshot", "id", wfUUID, "requestId", rid, "error", err)
		writeErrorJSON(w, "INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
		return
	}

	if snapshot != nil {
		slog.Debug("executing from snapshot", "id", wfUUID, "version", snapshot.VersionNumber, "requestId", rid)
		wf = &storage.Workflow{
			ID:    wfUUID,
			Nodes: snapshot.DagData.Nodes,
			Edges: snapshot.DagData.Edges,
		}
	} else {
		wf, err = s.storage.GetWorkflow(ctx, wfUUID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				slog.Warn("workflow not found", "id", wfUUID, "requestId", rid)
				writeErrorJSON(w, "NOT_FOUND", "workflow not found", http.StatusNotFound)
				return
			}
			slog.Error("failed to get workflow", "id", wfUUID, "requestId", rid, "error", err)
			writeErrorJSON(w, "INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
			return
		}
	}

	executionID, err := s.trigger(ctx, wf, rid)
	if err != nil {
		slog.Warn("workflow compilation failed", "id", wfUUID, "requestId", rid, "error", err)
		writeErrorJSON(w, "PLAN_ERROR", err.Error(), http.StatusUnprocessableEntity)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"executionId": executionID,
		"startedAt":   time.Now().UTC().Format(time.RFC3339),
	})
}

// HandleGetExecution reports a triggered execution's current status and
// rollup counters for polling clients.
func (s *Service) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	rid := reqID(r)
	executionID := mux.Vars(r)["executionId"]

	ctx := r.Context()
	exec, err := s.execStore.GetExecution(ctx, executionID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeErrorJSON(w, "NOT_FOUND", "execution not found", http.StatusNotFound)
			return
		}
		slog.Error("failed to get execution", "executionId", executionID, "requestId", rid, "error", err)
		writeErrorJSON(w, "INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, exec)
}

// writeJSON marshals v as the response body, logging (but not retrying)
// any write failure — the headers are already committed by this point.
func writeJSON(w http.ResponseWriter, status int, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to marshal response", "error", err)
		writeErrorJSON(w, "INTERNAL_ERROR", "internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(status)
	if _, err := w.Write(payload); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

// writeErrorJSON writes a structured JSON error response with a machine-readable
// code and a human-readable message. The code allows clients to programmatically
// distinguish between error types (e.g. retry on INTERNAL_ERROR, don't retry on NOT_FOUND).
func writeErrorJSON(w http.ResponseWriter, errCode, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"code": errCode, "message": message})
}

// reqID extracts the request ID from context (set by requestIDMiddleware).
func reqID(r *http.Request) string {
	id, _ := r.Context().Value(requestIDKey).(string)
	return id
}
