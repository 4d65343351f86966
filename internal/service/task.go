package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Strob0t/StageForge/internal/domain"
	"github.com/Strob0t/StageForge/internal/domain/task"
	"github.com/Strob0t/StageForge/internal/port/cache"
	"github.com/Strob0t/StageForge/internal/port/messagequeue"
)

// TaskStore is the persistence the task service needs.
type TaskStore interface {
	CreateTask(ctx context.Context, req task.CreateRequest) (*task.Task, error)
	GetTask(ctx context.Context, ownerID, id string) (*task.Task, error)
	ListTasks(ctx context.Context, ownerID string) ([]task.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status task.Status) error
	DeleteTask(ctx context.Context, ownerID, id string) error
	AppendAgentLog(ctx context.Context, taskID, agentName, kind, message string) error
	ListAgentLogs(ctx context.Context, taskID string) ([]task.AgentLog, error)
}

// Submitter hands a run request to the executor.
type Submitter interface {
	Submit(ctx context.Context, req RunRequest) error
}

// ExecuteRequest is the body of a task submission.
type ExecuteRequest struct {
	Task      string `json:"task" validate:"required,max=20000"`
	Model     string `json:"model" validate:"omitempty,max=128"`
	Mode      string `json:"mode" validate:"omitempty,oneof=full code test"`
	RemoteURL string `json:"remote_url" validate:"omitempty,max=2048"`
}

// TaskService creates tasks, starts their runs and answers status queries.
// It also serves as the orchestrator's RunStore so status changes evict
// cached records.
type TaskService struct {
	store        TaskStore
	cache        cache.Cache
	ttl          time.Duration
	submitter    Submitter
	defaultModel string
}

// NewTaskService creates a TaskService. c may be nil to disable caching.
func NewTaskService(store TaskStore, c cache.Cache, ttl time.Duration, defaultModel string) *TaskService {
	return &TaskService{store: store, cache: c, ttl: ttl, defaultModel: defaultModel}
}

// SetSubmitter wires the run executor. The dispatcher depends on the
// orchestrator, which depends on this service, so it is set after construction.
func (s *TaskService) SetSubmitter(sub Submitter) {
	s.submitter = sub
}

// Execute validates req, creates a pending task and enqueues its run. It
// returns as soon as the run is queued.
func (s *TaskService) Execute(ctx context.Context, ownerID string, req ExecuteRequest) (*task.Task, error) {
	req.Task = strings.TrimSpace(req.Task)
	if err := validateStruct(req); err != nil {
		return nil, err
	}
	mode, err := task.ParseMode(req.Mode)
	if err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = s.defaultModel
	}
	if strings.HasPrefix(req.RemoteURL, "-") {
		return nil, fmt.Errorf("%w: remote_url must not start with '-'", domain.ErrValidation)
	}

	create := task.CreateRequest{OwnerID: ownerID, Description: req.Task, Mode: mode, Model: model}
	if err := validateStruct(create); err != nil {
		return nil, err
	}
	t, err := s.store.CreateTask(ctx, create)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}

	if s.submitter == nil {
		return t, nil
	}
	run := RunRequest{
		TaskID:      t.ID,
		OwnerID:     ownerID,
		Description: t.Description,
		Mode:        mode,
		Model:       model,
		RemoteURL:   req.RemoteURL,
	}
	if err := s.submitter.Submit(ctx, run); err != nil {
		if uerr := s.UpdateTaskStatus(ctx, t.ID, task.StatusFailed); uerr != nil {
			slog.ErrorContext(ctx, "mark unsubmitted task failed", "task_id", t.ID, "error", uerr)
		}
		return nil, fmt.Errorf("submit run: %w", err)
	}
	return t, nil
}

// Get returns one of the owner's tasks.
func (s *TaskService) Get(ctx context.Context, ownerID, id string) (*task.Task, error) {
	if t, ok := s.cached(ctx, id); ok {
		if t.OwnerID != ownerID {
			return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
		}
		return t, nil
	}

	t, err := s.store.GetTask(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	// A live task can change between this read and the write below; only
	// terminal records are safe to keep.
	if t.Status.IsTerminal() {
		s.remember(ctx, t)
	}
	return t, nil
}

// List returns the owner's tasks, newest first.
func (s *TaskService) List(ctx context.Context, ownerID string) ([]task.Task, error) {
	return s.store.ListTasks(ctx, ownerID)
}

// Logs returns a task's durable log in insertion order.
func (s *TaskService) Logs(ctx context.Context, ownerID, id string) ([]task.AgentLog, error) {
	if _, err := s.store.GetTask(ctx, ownerID, id); err != nil {
		return nil, err
	}
	return s.store.ListAgentLogs(ctx, id)
}

// Delete removes a task and its log. A task whose run is in flight cannot
// be deleted.
func (s *TaskService) Delete(ctx context.Context, ownerID, id string) error {
	t, err := s.store.GetTask(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if t.Status == task.StatusRunning {
		return fmt.Errorf("task %s is running: %w", id, domain.ErrConflict)
	}
	if err := s.store.DeleteTask(ctx, ownerID, id); err != nil {
		return err
	}
	s.forget(ctx, id)
	return nil
}

// UpdateTaskStatus persists a status change and evicts the cached record.
func (s *TaskService) UpdateTaskStatus(ctx context.Context, id string, status task.Status) error {
	err := s.store.UpdateTaskStatus(ctx, id, status)
	s.forget(ctx, id)
	return err
}

// AppendAgentLog persists one log record.
func (s *TaskService) AppendAgentLog(ctx context.Context, taskID, agentName, kind, message string) error {
	return s.store.AppendAgentLog(ctx, taskID, agentName, kind, message)
}

// HandleRunFinished evicts the finished task so every instance sharing the
// queue serves its terminal status.
func (s *TaskService) HandleRunFinished(ctx context.Context, _ string, data []byte) error {
	var p messagequeue.RunFinishedPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("decode run finished: %w", err)
	}
	s.forget(ctx, p.TaskID)
	return nil
}

func cacheKey(id string) string { return "task:" + id }

func (s *TaskService) cached(ctx context.Context, id string) (*task.Task, bool) {
	if s.cache == nil {
		return nil, false
	}
	data, ok, err := s.cache.Get(ctx, cacheKey(id))
	if err != nil || !ok {
		return nil, false
	}
	var t task.Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, false
	}
	return &t, true
}

func (s *TaskService) remember(ctx context.Context, t *task.Task) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(t)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, cacheKey(t.ID), data, s.ttl); err != nil {
		slog.Debug("cache set failed", "task_id", t.ID, "error", err)
	}
}

func (s *TaskService) forget(ctx context.Context, id string) {
	if s.cache == nil || id == "" {
		return
	}
	if err := s.cache.Delete(ctx, cacheKey(id)); err != nil {
		slog.Debug("cache delete failed", "task_id", id, "error", err)
	}
}
