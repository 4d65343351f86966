// Package storetest holds behavior tests every database.Store must pass.
package storetest

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/Strob0t/StageForge/internal/domain"
	"github.com/Strob0t/StageForge/internal/domain/task"
	"github.com/Strob0t/StageForge/internal/port/database"
)

// Run exercises s. owner prefixes are made unique by the caller when the
// backend is shared between test runs.
func Run(t *testing.T, s database.Store, owner string) {
	t.Helper()
	t.Run("CreateGet", func(t *testing.T) { testCreateGet(t, s, owner) })
	t.Run("OwnerScoping", func(t *testing.T) { testOwnerScoping(t, s, owner) })
	t.Run("ListNewestFirst", func(t *testing.T) { testList(t, s, owner+"-list") })
	t.Run("StatusLifecycle", func(t *testing.T) { testStatus(t, s, owner) })
	t.Run("Logs", func(t *testing.T) { testLogs(t, s, owner) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, s, owner) })
	t.Run("Ping", func(t *testing.T) {
		if err := s.Ping(context.Background()); err != nil {
			t.Fatalf("Ping: %v", err)
		}
	})
}

func create(t *testing.T, s database.Store, owner, desc string) *task.Task {
	t.Helper()
	tk, err := s.CreateTask(context.Background(), task.CreateRequest{OwnerID: owner, Description: desc, Mode: task.ModeCode, Model: "llama3"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return tk
}

func testCreateGet(t *testing.T, s database.Store, owner string) {
	desc := strings.Repeat("é", 120)
	created := create(t, s, owner, desc)
	if created.ID == "" || created.Status != task.StatusPending || created.Mode != task.ModeCode {
		t.Fatalf("created = %+v", created)
	}
	if got := []rune(created.Title); len(got) != 100 {
		t.Errorf("title runes = %d, want 100", len(got))
	}

	got, err := s.GetTask(context.Background(), owner, created.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Description != desc || got.Model != "llama3" || got.OwnerID != owner {
		t.Errorf("got = %+v", got)
	}
}

func testOwnerScoping(t *testing.T, s database.Store, owner string) {
	tk := create(t, s, owner, "mine")
	ctx := context.Background()

	if _, err := s.GetTask(ctx, owner+"-other", tk.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("foreign get = %v, want ErrNotFound", err)
	}
	if err := s.DeleteTask(ctx, owner+"-other", tk.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("foreign delete = %v, want ErrNotFound", err)
	}
	if _, err := s.GetTask(ctx, owner, "no-such-task"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("missing get = %v, want ErrNotFound", err)
	}
}

func testList(t *testing.T, s database.Store, owner string) {
	first := create(t, s, owner, "first")
	time.Sleep(10 * time.Millisecond)
	second := create(t, s, owner, "second")

	tasks, err := s.ListTasks(context.Background(), owner)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != second.ID || tasks[1].ID != first.ID {
		t.Errorf("order = %+v", tasks)
	}

	empty, err := s.ListTasks(context.Background(), owner+"-nobody")
	if err != nil || len(empty) != 0 {
		t.Errorf("empty list = %v, %v", empty, err)
	}
}

func testStatus(t *testing.T, s database.Store, owner string) {
	tk := create(t, s, owner, "status")
	ctx := context.Background()

	if err := s.UpdateTaskStatus(ctx, tk.ID, task.StatusRunning); err != nil {
		t.Fatalf("to running: %v", err)
	}
	if err := s.UpdateTaskStatus(ctx, tk.ID, task.StatusCompleted); err != nil {
		t.Fatalf("to completed: %v", err)
	}
	if err := s.UpdateTaskStatus(ctx, tk.ID, task.StatusFailed); !errors.Is(err, domain.ErrConflict) {
		t.Errorf("terminal rewrite = %v, want ErrConflict", err)
	}
	got, _ := s.GetTask(ctx, owner, tk.ID)
	if got.Status != task.StatusCompleted {
		t.Errorf("status = %s", got.Status)
	}
	if err := s.UpdateTaskStatus(ctx, "no-such-task", task.StatusRunning); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("missing update = %v, want ErrNotFound", err)
	}
}

func testLogs(t *testing.T, s database.Store, owner string) {
	tk := create(t, s, owner, "logs")
	ctx := context.Background()

	long := strings.Repeat("x", database.MaxLogMessageLen+100)
	for _, msg := range []string{"one", "two", long} {
		if err := s.AppendAgentLog(ctx, tk.ID, "coder", "info", msg); err != nil {
			t.Fatalf("AppendAgentLog: %v", err)
		}
	}
	logs, err := s.ListAgentLogs(ctx, tk.ID)
	if err != nil {
		t.Fatalf("ListAgentLogs: %v", err)
	}
	if len(logs) != 3 || logs[0].Message != "one" || logs[1].Message != "two" {
		t.Fatalf("logs = %+v", logs)
	}
	if len(logs[2].Message) != database.MaxLogMessageLen {
		t.Errorf("long message length = %d", len(logs[2].Message))
	}
	if logs[0].AgentName != "coder" || logs[0].Kind != "info" || logs[0].TaskID != tk.ID {
		t.Errorf("log = %+v", logs[0])
	}
}

func testDelete(t *testing.T, s database.Store, owner string) {
	tk := create(t, s, owner, "delete")
	ctx := context.Background()
	_ = s.AppendAgentLog(ctx, tk.ID, "planner", "info", "x")

	if err := s.DeleteTask(ctx, owner, tk.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, err := s.GetTask(ctx, owner, tk.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("get after delete = %v", err)
	}
	logs, err := s.ListAgentLogs(ctx, tk.ID)
	if err != nil || len(logs) != 0 {
		t.Errorf("logs after delete = %v, %v", logs, err)
	}
}
