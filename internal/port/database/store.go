// Package database defines the database store port (interface).
package database

import (
	"context"

	"github.com/Strob0t/StageForge/internal/domain/task"
)

// MaxLogMessageLen bounds AgentLog messages; callers truncate before appending.
const MaxLogMessageLen = 5000

// Store is the port interface for task persistence. Every read and delete is
// scoped to an owner; a task owned by someone else is reported as not found.
type Store interface {
	CreateTask(ctx context.Context, req task.CreateRequest) (*task.Task, error)
	GetTask(ctx context.Context, ownerID, id string) (*task.Task, error)
	ListTasks(ctx context.Context, ownerID string) ([]task.Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status task.Status) error
	DeleteTask(ctx context.Context, ownerID, id string) error

	AppendAgentLog(ctx context.Context, taskID, agentName, kind, message string) error
	ListAgentLogs(ctx context.Context, taskID string) ([]task.AgentLog, error)

	Ping(ctx context.Context) error
	Close() error
}
