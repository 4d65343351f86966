package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Strob0t/StageForge/internal/adapter/sqlite"
	"github.com/Strob0t/StageForge/internal/domain/task"
)

// setupEnv points the config at a temp SQLite file and workspace root and
// returns the path of a config file that does not exist.
func setupEnv(t *testing.T) (dbPath, wsRoot, cfgPath string) {
	t.Helper()
	dir := t.TempDir()
	dbPath = filepath.Join(dir, "stageforge.db")
	wsRoot = filepath.Join(dir, "workspace")
	t.Setenv("STAGEFORGE_STORE", "sqlite")
	t.Setenv("STAGEFORGE_SQLITE_PATH", dbPath)
	t.Setenv("WORKSPACE_DIR", wsRoot)
	t.Setenv("STAGEFORGE_LLM_PROVIDER", "ollama")
	t.Setenv("STAGEFORGE_QUEUE", "memory")
	return dbPath, wsRoot, filepath.Join(dir, "absent.yaml")
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCmd()
	for _, name := range []string{"serve", "run", "admin"} {
		if c, _, err := root.Find([]string{name}); err != nil || c.Name() != name {
			t.Errorf("subcommand %q not registered", name)
		}
	}
	if f := root.PersistentFlags().Lookup(flagConfig); f == nil || f.Shorthand != "c" {
		t.Fatal("expected --config/-c persistent flag")
	}
}

func TestAdminListTasksJSON(t *testing.T) {
	dbPath, _, cfgPath := setupEnv(t)

	ctx := context.Background()
	s, err := sqlite.Open(ctx, dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	created, err := s.CreateTask(ctx, task.CreateRequest{OwnerID: "alice", Description: "build a calculator", Mode: task.ModeCode, Model: "llama3"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.AppendAgentLog(ctx, created.ID, "planner", "info", "Planning...\nsecond line"); err != nil {
		t.Fatalf("append: %v", err)
	}
	_ = s.Close()

	out, err := execute(t, "-c", cfgPath, "admin", "list-tasks", "--owner", "alice")
	if err != nil {
		t.Fatalf("list-tasks: %v", err)
	}
	var tasks []task.Task
	if err := json.Unmarshal([]byte(out), &tasks); err != nil {
		t.Fatalf("non-terminal output should be JSON: %v\n%s", err, out)
	}
	if len(tasks) != 1 || tasks[0].ID != created.ID || tasks[0].Mode != task.ModeCode {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}

	out, err = execute(t, "-c", cfgPath, "admin", "task-logs", created.ID, "--owner", "alice")
	if err != nil {
		t.Fatalf("task-logs: %v", err)
	}
	var logs []task.AgentLog
	if err := json.Unmarshal([]byte(out), &logs); err != nil {
		t.Fatalf("decode logs: %v", err)
	}
	if len(logs) != 1 || logs[0].AgentName != "planner" {
		t.Fatalf("unexpected logs: %+v", logs)
	}

	if _, err := execute(t, "-c", cfgPath, "admin", "task-logs", created.ID, "--owner", "bob"); err == nil {
		t.Fatal("task-logs for another owner should fail")
	}

	out, err = execute(t, "-c", cfgPath, "admin", "migrate-version")
	if err != nil {
		t.Fatalf("migrate-version: %v", err)
	}
	if strings.TrimSpace(out) != "sqlite schema version: 1" {
		t.Fatalf("unexpected version output: %q", out)
	}
}

func TestPrintTasksTable(t *testing.T) {
	prev := isTerminal
	isTerminal = func(io.Writer) bool { return true }
	defer func() { isTerminal = prev }()

	var buf bytes.Buffer
	err := printTasks(&buf, []task.Task{{ID: "t1", Status: task.StatusCompleted, Mode: task.ModeFull, Model: "llama3", Title: "build"}}, false)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 || !strings.HasPrefix(lines[0], "ID") || !strings.Contains(lines[1], "completed") {
		t.Fatalf("unexpected table:\n%s", buf.String())
	}
}

func TestRunCommandCodeMode(t *testing.T) {
	_, wsRoot, cfgPath := setupEnv(t)

	answer := `{"files":[{"path":"app/main.py","content":"print(1)\n","language":"python"}]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"message": map[string]string{"role": "assistant", "content": answer}})
	}))
	defer srv.Close()
	t.Setenv("OLLAMA_BASE_URL", srv.URL)

	out, err := execute(t, "-c", cfgPath, "run", "--mode", "code", "--owner", "me", "print", "a", "number")
	if err != nil {
		t.Fatalf("run: %v\n%s", err, out)
	}
	if !strings.Contains(out, ": completed") || !strings.Contains(out, "file  app/main.py") {
		t.Fatalf("unexpected output:\n%s", out)
	}
	data, err := os.ReadFile(filepath.Join(wsRoot, "me", "app", "main.py"))
	if err != nil || string(data) != "print(1)\n" {
		t.Fatalf("generated file: %q, %v", data, err)
	}
}
