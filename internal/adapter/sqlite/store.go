package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/StageForge/internal/domain"
	"github.com/Strob0t/StageForge/internal/domain/task"
	"github.com/Strob0t/StageForge/internal/port/database"
)

// Store implements database.Store on SQLite.
type Store struct {
	db *sql.DB
}

var _ database.Store = (*Store)(nil)

// timeLayout sorts lexically in time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

const taskColumns = `id, owner_id, title, description, status, mode, model, created_at, updated_at`

type scannable interface {
	Scan(dest ...any) error
}

func scanTask(row scannable) (task.Task, error) {
	var t task.Task
	var status, mode, created, updated string
	if err := row.Scan(&t.ID, &t.OwnerID, &t.Title, &t.Description, &status, &mode, &t.Model, &created, &updated); err != nil {
		return t, err
	}
	t.Status = task.Status(status)
	t.Mode = task.Mode(mode)
	t.CreatedAt = parseTime(created)
	t.UpdatedAt = parseTime(updated)
	return t, nil
}

func notFoundWrap(err error, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", msg, domain.ErrNotFound)
	}
	return fmt.Errorf("%s: %w", msg, err)
}

func (s *Store) CreateTask(ctx context.Context, req task.CreateRequest) (*task.Task, error) {
	mode := req.Mode
	if mode == "" {
		mode = task.ModeFull
	}
	now := time.Now().UTC()
	t := task.Task{
		ID:          uuid.NewString(),
		OwnerID:     req.OwnerID,
		Title:       req.Title(),
		Description: req.Description,
		Status:      task.StatusPending,
		Mode:        mode,
		Model:       req.Model,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.OwnerID, t.Title, t.Description, string(t.Status), string(t.Mode), t.Model, formatTime(now), formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	return &t, nil
}

func (s *Store) GetTask(ctx context.Context, ownerID, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ? AND owner_id = ?`, id, ownerID)
	t, err := scanTask(row)
	if err != nil {
		return nil, notFoundWrap(err, "get task %s", id)
	}
	return &t, nil
}

func (s *Store) ListTasks(ctx context.Context, ownerID string) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE owner_id = ? ORDER BY created_at DESC, rowid DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

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
	prev := task.PreviousStatuses(status)
	args := []any{string(status), formatTime(time.Now()), id}
	for _, p := range prev {
		args = append(args, string(p))
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(prev)), ", ")
	if placeholders == "" {
		placeholders = "NULL"
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ? WHERE id = ? AND status IN (`+placeholders+`)`, args...)
	if err != nil {
		return fmt.Errorf("update task status %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var current string
	if err := s.db.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?`, id).Scan(&current); err != nil {
		return notFoundWrap(err, "update task status %s", id)
	}
	return fmt.Errorf("update task status %s: %s -> %s: %w", id, current, status, domain.ErrConflict)
}

// DeleteTask removes the task's logs, then the task, in one transaction.
func (s *Store) DeleteTask(ctx context.Context, ownerID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	var found string
	if err := tx.QueryRowContext(ctx, `SELECT id FROM tasks WHERE id = ? AND owner_id = ?`, id, ownerID).Scan(&found); err != nil {
		return notFoundWrap(err, "delete task %s", id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM agent_logs WHERE task_id = ?`, id); err != nil {
		return fmt.Errorf("delete task logs %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return tx.Commit()
}

func (s *Store) AppendAgentLog(ctx context.Context, taskID, agentName, kind, message string) error {
	if len(message) > database.MaxLogMessageLen {
		message = message[:database.MaxLogMessageLen]
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agent_logs (task_id, agent_name, log_type, message, created_at)
		 SELECT id, ?, ?, ?, ? FROM tasks WHERE id = ?`,
		agentName, kind, message, formatTime(time.Now()), taskID)
	if err != nil {
		return fmt.Errorf("append agent log %s: %w", taskID, err)
	}
	return nil
}

func (s *Store) ListAgentLogs(ctx context.Context, taskID string) ([]task.AgentLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, agent_name, log_type, message, created_at
		 FROM agent_logs WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list agent logs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	logs := []task.AgentLog{}
	for rows.Next() {
		var l task.AgentLog
		var created string
		if err := rows.Scan(&l.ID, &l.TaskID, &l.AgentName, &l.Kind, &l.Message, &created); err != nil {
			return nil, fmt.Errorf("scan agent log: %w", err)
		}
		l.CreatedAt = parseTime(created)
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
