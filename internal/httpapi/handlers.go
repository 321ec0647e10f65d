// Package httpapi exposes the gateway surface: submitting chat turns,
// polling their progress, stopping in-flight generation, and forwarding
// answer feedback. Generation itself happens in workers; the gateway only
// writes rows and enqueues jobs.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aviary-hr/aviary/internal/feedback"
	"github.com/aviary-hr/aviary/internal/queue"
	"github.com/aviary-hr/aviary/internal/store"
)

// TaskHandler serves the chat task API.
type TaskHandler struct {
	store  store.Store
	queue  *queue.Queue
	logger *zap.Logger
}

// NewTaskHandler creates a new handler.
func NewTaskHandler(st store.Store, q *queue.Queue, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{store: st, queue: q, logger: logger}
}

// RegisterRoutes registers task routes on the provided mux.
func (h *TaskHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /tasks", h.handleCreateTask)
	mux.HandleFunc("POST /tasks/{id}/outputs", h.handleCreateOutput)
	mux.HandleFunc("GET /outputs/{id}", h.handleGetOutput)
	mux.HandleFunc("POST /outputs/{id}/stop", h.handleStop)
	mux.HandleFunc("POST /feedback", h.handleFeedback)
}

type turnRequest struct {
	Prompt    string   `json:"prompt"`
	FileIDs   []string `json:"fileIds,omitempty"`
	SearchAll bool     `json:"searchAll,omitempty"`
	CreatedBy string   `json:"createdBy,omitempty"`
}

func (h *TaskHandler) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Prompt == "" {
		http.Error(w, `{"error":"prompt is required"}`, http.StatusBadRequest)
		return
	}

	task := &store.Task{
		ID:        uuid.New().String(),
		Type:      store.TaskTypeChat,
		Status:    store.TaskPending,
		CreatedBy: req.CreatedBy,
	}
	if err := h.store.CreateTask(r.Context(), task); err != nil {
		h.logger.Error("Failed to create task", zap.Error(err))
		http.Error(w, `{"error":"failed to create task"}`, http.StatusInternalServerError)
		return
	}

	output, err := h.createTurn(r, task.ID, req)
	if err != nil {
		h.logger.Error("Failed to create first turn", zap.Error(err))
		http.Error(w, `{"error":"failed to create output"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"taskId":   task.ID,
		"outputId": output.ID,
		"sort":     output.Sort,
	})
}

func (h *TaskHandler) handleCreateOutput(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Prompt == "" {
		http.Error(w, `{"error":"prompt is required"}`, http.StatusBadRequest)
		return
	}

	output, err := h.createTurn(r, taskID, req)
	if err != nil {
		h.logger.Error("Failed to create turn", zap.String("task_id", taskID), zap.Error(err))
		http.Error(w, `{"error":"failed to create output"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"taskId":   taskID,
		"outputId": output.ID,
		"sort":     output.Sort,
	})
}

func (h *TaskHandler) createTurn(r *http.Request, taskID string, req turnRequest) (*store.Output, error) {
	meta, err := json.Marshal(map[string]interface{}{
		"prompt":    req.Prompt,
		"fileIds":   req.FileIDs,
		"searchAll": req.SearchAll,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}

	output := &store.Output{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		Metadata:  string(meta),
		Status:    store.OutputWait,
		UpdatedBy: req.CreatedBy,
	}
	if err := h.store.CreateOutput(r.Context(), output); err != nil {
		return nil, fmt.Errorf("create output: %w", err)
	}

	if err := h.queue.Enqueue(r.Context(), queue.Job{
		Type:     queue.JobChat,
		TaskID:   taskID,
		OutputID: output.ID,
	}); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	return output, nil
}

func (h *TaskHandler) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	output, err := h.store.GetOutput(r.Context(), r.PathValue("id"))
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, `{"error":"output not found"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("Failed to load output", zap.Error(err))
		http.Error(w, `{"error":"failed to load output"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      output.ID,
		"taskId":  output.TaskID,
		"sort":    output.Sort,
		"status":  output.Status,
		"content": output.Content,
	})
}

// handleStop flips the output to CANCEL. The write is unconditional and
// last-writer-wins; workers observe the status at their next checkpoint.
func (h *TaskHandler) handleStop(w http.ResponseWriter, r *http.Request) {
	outputID := r.PathValue("id")
	ok, err := h.store.UpdateOutput(r.Context(), outputID, store.Condition{}, store.OutputPatch{
		Status:    store.StatusPtr(store.OutputCancel),
		UpdatedBy: "stop-api",
	})
	if err != nil {
		h.logger.Error("Failed to cancel output", zap.String("output_id", outputID), zap.Error(err))
		http.Error(w, `{"error":"failed to cancel"}`, http.StatusInternalServerError)
		return
	}
	if !ok {
		http.Error(w, `{"error":"output not found"}`, http.StatusNotFound)
		return
	}

	h.logger.Info("Output cancelled", zap.String("output_id", outputID))
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": store.OutputCancel})
}

type feedbackRequest struct {
	// Signal is 1 for a positive rating, 0 for negative. Pointer so a
	// missing field is distinguishable from an explicit 0.
	Signal *int   `json:"cache_signal"`
	Query  string `json:"query"`
	Answer string `json:"answer"`
}

func (h *TaskHandler) handleFeedback(w http.ResponseWriter, r *http.Request) {
	var req feedbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Signal == nil || (*req.Signal != 0 && *req.Signal != 1) || req.Query == "" {
		http.Error(w, `{"error":"cache_signal (0|1) and query are required"}`, http.StatusBadRequest)
		return
	}

	payload, err := json.Marshal(feedback.Event{
		Signal: *req.Signal,
		Query:  req.Query,
		Answer: req.Answer,
	})
	if err != nil {
		http.Error(w, `{"error":"invalid payload"}`, http.StatusBadRequest)
		return
	}
	if err := h.queue.Enqueue(r.Context(), queue.Job{Type: queue.JobFeedback, Payload: payload}); err != nil {
		h.logger.Error("Failed to enqueue feedback", zap.Error(err))
		http.Error(w, `{"error":"failed to enqueue feedback"}`, http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{"status": "accepted"})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// StartServer runs the gateway HTTP server in the background.
func StartServer(addr string, handler *TaskHandler, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("Gateway API listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Gateway API server failed", zap.Error(err))
		}
	}()
	return srv
}
