package http

import (
	"context"
	"net/http"
	"time"

	"github.com/Strob0t/StageForge/internal/domain/task"
	"github.com/Strob0t/StageForge/internal/middleware"
	"github.com/Strob0t/StageForge/internal/port/llm"
	"github.com/Strob0t/StageForge/internal/service"
)

// maxBodySize bounds request bodies.
const maxBodySize = 1 << 20

// healthTimeout bounds each dependency check on /health.
const healthTimeout = 3 * time.Second

// TaskAPI is the task surface the handlers call. *service.TaskService
// satisfies it.
type TaskAPI interface {
	Execute(ctx context.Context, ownerID string, req service.ExecuteRequest) (*task.Task, error)
	Get(ctx context.Context, ownerID, id string) (*task.Task, error)
	List(ctx context.Context, ownerID string) ([]task.Task, error)
	Logs(ctx context.Context, ownerID, id string) ([]task.AgentLog, error)
	Delete(ctx context.Context, ownerID, id string) error
}

// HealthCheck tests one dependency. A failing Critical check turns the
// health response into 503.
type HealthCheck struct {
	Name     string
	Critical bool
	Check    func(ctx context.Context) error
}

// Handlers holds the collaborators of the REST endpoints.
type Handlers struct {
	Tasks  TaskAPI
	Models llm.ModelLister
	Health []HealthCheck
	WS     http.Handler
}

// ExecuteResponse acknowledges a submitted task.
type ExecuteResponse struct {
	TaskID  string     `json:"task_id"`
	Status  string     `json:"status"`
	Message string     `json:"message"`
	Mode    task.Mode  `json:"mode"`
	Task    *task.Task `json:"task,omitempty"`
}

// ExecuteTask handles POST /api/v1/agent/execute.
func (h *Handlers) ExecuteTask(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[service.ExecuteRequest](w, r, maxBodySize)
	if !ok {
		return
	}
	t, err := h.Tasks.Execute(r.Context(), middleware.OwnerIDFromContext(r.Context()), req)
	if err != nil {
		writeDomainError(w, r, err, "task not found")
		return
	}
	writeJSON(w, http.StatusAccepted, ExecuteResponse{
		TaskID:  t.ID,
		Status:  "started",
		Message: "Task execution started",
		Mode:    t.Mode,
		Task:    t,
	})
}

// ListTasks handles GET /api/v1/tasks.
func (h *Handlers) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Tasks.List(r.Context(), middleware.OwnerIDFromContext(r.Context()))
	if err != nil {
		writeInternalError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// GetTask handles GET /api/v1/tasks/{id}.
func (h *Handlers) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Tasks.Get(r.Context(), middleware.OwnerIDFromContext(r.Context()), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// ListTaskLogs handles GET /api/v1/tasks/{id}/logs.
func (h *Handlers) ListTaskLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := h.Tasks.Logs(r.Context(), middleware.OwnerIDFromContext(r.Context()), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, r, err, "task not found")
		return
	}
	if logs == nil {
		logs = []task.AgentLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// DeleteTask handles DELETE /api/v1/tasks/{id}.
func (h *Handlers) DeleteTask(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	if err := h.Tasks.Delete(r.Context(), middleware.OwnerIDFromContext(r.Context()), id); err != nil {
		writeDomainError(w, r, err, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Task deleted", "task_id": id})
}

// ListModels handles GET /api/v1/models.
func (h *Handlers) ListModels(w http.ResponseWriter, r *http.Request) {
	if h.Models == nil {
		writeJSON(w, http.StatusOK, map[string][]string{"models": {}})
		return
	}
	models, err := h.Models.ListModels(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, llm.SentinelText(err))
		return
	}
	if models == nil {
		models = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"models": models})
}

// HealthResponse reports each dependency as "ok" or its error text.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// HealthHandler handles GET /health.
func (h *Handlers) HealthHandler(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Checks: make(map[string]string, len(h.Health))}
	code := http.StatusOK
	for _, hc := range h.Health {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		err := hc.Check(ctx)
		cancel()
		if err == nil {
			resp.Checks[hc.Name] = "ok"
			continue
		}
		resp.Checks[hc.Name] = err.Error()
		resp.Status = "degraded"
		if hc.Critical {
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, resp)
}
