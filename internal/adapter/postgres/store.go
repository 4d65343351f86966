package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/StageForge/internal/domain"
	"github.com/Strob0t/StageForge/internal/domain/task"
	"github.com/Strob0t/StageForge/internal/port/database"
)

// Store implements database.Store on PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ database.Store = (*Store)(nil)

// NewStore creates a Store over pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const taskColumns = `id, owner_id, title, description, status, mode, model, created_at, updated_at`

func scanTask(row scannable) (task.Task, error) {
	var t task.Task
	var status, mode string
	err := row.Scan(&t.ID, &t.OwnerID, &t.Title, &t.Description, &status, &mode, &t.Model, &t.CreatedAt, &t.UpdatedAt)
	t.Status = task.Status(status)
	t.Mode = task.Mode(mode)
	return t, err
}

func (s *Store) CreateTask(ctx context.Context, req task.CreateRequest) (*task.Task, error) {
	mode := req.Mode
	if mode == "" {
		mode = task.ModeFull
	}
	row := s.pool.QueryRow(ctx,
		`INSERT INTO tasks (owner_id, title, description, mode, model)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+taskColumns,
		req.OwnerID, req.Title(), req.Description, string(mode), req.Model)

	t, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &t, nil
}

func (s *Store) GetTask(ctx context.Context, ownerID, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id::text = $1 AND owner_id = $2`, id, ownerID)
	t, err := scanTask(row)
	if err != nil {
		return nil, notFoundWrap(err, "get task %s", id)
	}
	return &t, nil
}

func (s *Store) ListTasks(ctx context.Context, ownerID string) ([]task.Task, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE owner_id = $1 ORDER BY created_at DESC, id`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []task.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// UpdateTaskStatus moves a task to status. A transition the task lifecycle
// forbids is reported as domain.ErrConflict.
func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status task.Status) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = $2, updated_at = now()
		 WHERE id::text = $1 AND status = ANY($3)`,
		id, string(status), statusStrings(task.PreviousStatuses(status)))
	if err != nil {
		return fmt.Errorf("update task status %s: %w", id, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM tasks WHERE id::text = $1`, id).Scan(&current)
	if err != nil {
		return notFoundWrap(err, "update task status %s", id)
	}
	return fmt.Errorf("update task status %s: %s -> %s: %w", id, current, status, domain.ErrConflict)
}

// DeleteTask removes the task's logs, then the task, in one transaction.
func (s *Store) DeleteTask(ctx context.Context, ownerID, id string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var taskID string
		err := tx.QueryRow(ctx, `SELECT id::text FROM tasks WHERE id::text = $1 AND owner_id = $2 FOR UPDATE`, id, ownerID).Scan(&taskID)
		if err != nil {
			return notFoundWrap(err, "delete task %s", id)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM agent_logs WHERE task_id::text = $1`, taskID); err != nil {
			return fmt.Errorf("delete task logs %s: %w", id, err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM tasks WHERE id::text = $1`, taskID); err != nil {
			return fmt.Errorf("delete task %s: %w", id, err)
		}
		return nil
	})
}

func (s *Store) AppendAgentLog(ctx context.Context, taskID, agentName, kind, message string) error {
	if len(message) > database.MaxLogMessageLen {
		message = message[:database.MaxLogMessageLen]
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO agent_logs (task_id, agent_name, log_type, message)
		 SELECT id, $2, $3, $4 FROM tasks WHERE id::text = $1`,
		taskID, agentName, kind, message)
	if err != nil {
		return fmt.Errorf("append agent log %s: %w", taskID, err)
	}
	return nil
}

func (s *Store) ListAgentLogs(ctx context.Context, taskID string) ([]task.AgentLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, task_id::text, agent_name, log_type, message, created_at
		 FROM agent_logs WHERE task_id::text = $1 ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list agent logs: %w", err)
	}
	defer rows.Close()

	logs := []task.AgentLog{}
	for rows.Next() {
		var l task.AgentLog
		if err := rows.Scan(&l.ID, &l.TaskID, &l.AgentName, &l.Kind, &l.Message, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan agent log: %w", err)
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
