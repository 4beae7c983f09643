package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/browserbase-orchestrator/internal/orchestrator"
	"github.com/shehryarbajwa/browserbase-orchestrator/internal/queue"
	"github.com/shehryarbajwa/browserbase-orchestrator/internal/session"
	"github.com/shehryarbajwa/browserbase-orchestrator/pkg/models"
)

// TaskService is the orchestrator surface the HTTP handlers call
type TaskService interface {
	Queue(ctx context.Context, req models.QueueTaskRequest) (string, error)
	GetTask(ctx context.Context, id string) (*models.TaskResponse, error)
	ListTasks(ctx context.Context, status models.TaskStatus) ([]models.TaskResponse, error)
	CancelTask(ctx context.Context, id string) (bool, error)
	PauseTask(ctx context.Context, id, reason string, timeout time.Duration) (*models.SessionState, error)
	ResumeTask(ctx context.Context, id, token string) (*models.SessionState, error)
	PoolStatus() models.PoolStatus
	Instances() []models.BrowserInstance
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	tasks TaskService
	log   *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(tasks TaskService, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		tasks: tasks,
		log:   logger,
	}
}

// PauseRequest is the payload of POST /v1/tasks/{id}/pause
type PauseRequest struct {
	Reason string `json:"reason"`
	// Timeout is in seconds; zero uses the server default
	Timeout int `json:"timeout,omitempty"`
}

// PauseResponse carries the token needed to resume
type PauseResponse struct {
	TaskID      string    `json:"taskId"`
	Reason      string    `json:"reason,omitempty"`
	ResumeToken string    `json:"resumeToken"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// ResumeRequest is the payload of POST /v1/tasks/{id}/resume
type ResumeRequest struct {
	Token string `json:"token"`
}

// CreateTask handles POST /v1/tasks
func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req models.QueueTaskRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	id, err := h.tasks.Queue(r.Context(), req)
	if err != nil {
		h.fail(w, err)
		return
	}

	task, err := h.tasks.GetTask(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, task)
}

// GetTask handles GET /v1/tasks/{id}
func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	task, err := h.tasks.GetTask(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, task)
}

// ListTasks handles GET /v1/tasks
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	status := models.TaskStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.TaskPending, models.TaskRunning, models.TaskCompleted, models.TaskFailed, models.TaskCancelled:
	default:
		writeError(w, http.StatusBadRequest, "unknown status "+string(status))
		return
	}

	tasks, err := h.tasks.ListTasks(r.Context(), status)
	if err != nil {
		h.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, tasks)
}

// CancelTask handles DELETE /v1/tasks/{id}
func (h *Handler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	cancelled, err := h.tasks.CancelTask(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// PauseTask handles POST /v1/tasks/{id}/pause
func (h *Handler) PauseTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req PauseRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
			return
		}
	}
	if req.Timeout < 0 {
		writeError(w, http.StatusBadRequest, "timeout must not be negative")
		return
	}

	state, err := h.tasks.PauseTask(r.Context(), id, req.Reason, time.Duration(req.Timeout)*time.Second)
	if err != nil {
		h.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, PauseResponse{
		TaskID:      id,
		Reason:      state.PauseReason,
		ResumeToken: state.PauseResumeToken,
		ExpiresAt:   state.PauseRequestedAt.Add(state.PauseTimeout),
	})
}

// ResumeTask handles POST /v1/tasks/{id}/resume
func (h *Handler) ResumeTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req ResumeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	if _, err := h.tasks.ResumeTask(r.Context(), id, req.Token); err != nil {
		h.fail(w, err)
		return
	}

	task, err := h.tasks.GetTask(r.Context(), id)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// GetPool handles GET /v1/pool
func (h *Handler) GetPool(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    h.tasks.PoolStatus(),
		"instances": h.tasks.Instances(),
	})
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := h.tasks.PoolStatus()
	code := http.StatusOK
	state := "ok"
	if status.Size > 0 && status.Unhealthy == status.Size {
		code = http.StatusServiceUnavailable
		state = "degraded"
	}
	writeJSON(w, code, map[string]interface{}{
		"status": state,
		"pool":   status,
	})
}

// fail maps a service error onto an HTTP status
func (h *Handler) fail(w http.ResponseWriter, err error) {
	var sessionErr *session.SessionError
	var orchErr *orchestrator.OrchestratorError

	switch {
	case errors.Is(err, queue.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &sessionErr):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &orchErr) && orchErr.Err == nil:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
