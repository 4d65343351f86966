package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/Strob0t/StageForge/internal/config"
)

func TestNew(t *testing.T) {
	cfg := config.Logging{Level: "debug", Service: "test-svc"}
	l, closer := New(cfg)
	defer closer.Close()
	if l == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNewAsync(t *testing.T) {
	var buf bytes.Buffer
	l, closer := NewWithWriter(config.Logging{Level: "info", Service: "svc", Async: true}, &buf)
	l.Info("queued")
	closer.Close()
	if !bytes.Contains(buf.Bytes(), []byte(`"msg":"queued"`)) {
		t.Fatalf("async record not flushed: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"warning", "WARN"},
		{"error", "ERROR"},
		{"unknown", "INFO"},
		{"", "INFO"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseLevel(tt.input).String()
			if got != tt.want {
				t.Errorf("parseLevel(%q) = %s, want %s", tt.input, got, tt.want)
			}
		})
	}
}

func TestContextValues(t *testing.T) {
	ctx := context.Background()
	if RequestID(ctx) != "" || TaskID(ctx) != "" || OwnerID(ctx) != "" {
		t.Fatal("expected empty values on bare context")
	}

	ctx = WithRequestID(ctx, "req-1")
	ctx = WithTaskID(ctx, "task-1")
	ctx = WithOwnerID(ctx, "alice")
	if RequestID(ctx) != "req-1" || TaskID(ctx) != "task-1" || OwnerID(ctx) != "alice" {
		t.Fatalf("unexpected values: %q %q %q", RequestID(ctx), TaskID(ctx), OwnerID(ctx))
	}
}

func TestContextHandlerAddsAttributes(t *testing.T) {
	var buf bytes.Buffer
	l, closer := NewWithWriter(config.Logging{Level: "info", Service: "svc"}, &buf)
	defer closer.Close()

	ctx := WithTaskID(WithOwnerID(WithRequestID(context.Background(), "req-9"), "bob"), "task-9")
	l.InfoContext(ctx, "stage done")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("invalid JSON log line: %v (%s)", err, buf.String())
	}
	for k, want := range map[string]string{"service": "svc", "request_id": "req-9", "task_id": "task-9", "owner_id": "bob"} {
		if rec[k] != want {
			t.Errorf("%s = %v, want %q", k, rec[k], want)
		}
	}
}
