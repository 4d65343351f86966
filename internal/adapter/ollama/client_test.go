package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Strob0t/StageForge/internal/port/llm"
	"github.com/Strob0t/StageForge/internal/resilience"
)

func TestQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" || r.Method != http.MethodPost {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if req.Model != "llama3" || req.Stream || len(req.Messages) != 2 || req.Messages[0].Role != llm.RoleSystem {
			t.Errorf("request = %+v", req)
		}
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"hello"},"done":true}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL + "/")
	got, err := c.Query(context.Background(), []llm.Message{llm.System("sys"), llm.User("hi")}, "llama3")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got != "hello" {
		t.Errorf("answer = %q", got)
	}
}

func TestQueryStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL).Query(context.Background(), []llm.Message{llm.User("x")}, "nope")
	var se *llm.StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Fatalf("err = %v, want StatusError 404", err)
	}
	if llm.SentinelText(err) != "[Model error: status 404]" {
		t.Errorf("sentinel = %q", llm.SentinelText(err))
	}
}

func TestQueryUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url).Query(context.Background(), []llm.Message{llm.User("x")}, "llama3")
	if !errors.Is(err, llm.ErrUnavailable) {
		t.Fatalf("err = %v, want ErrUnavailable", err)
	}
}

func TestQueryTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := NewClient(srv.URL).Query(ctx, []llm.Message{llm.User("x")}, "llama3")
	if !errors.Is(err, llm.ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
}

func TestBreakerOpensOnTransportFailures(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c := NewClient(url)
	c.SetBreaker(resilience.NewBreaker(2, time.Minute))
	for range 2 {
		_, _ = c.Query(context.Background(), []llm.Message{llm.User("x")}, "llama3")
	}
	_, err := c.Query(context.Background(), []llm.Message{llm.User("x")}, "llama3")
	if !errors.Is(err, llm.ErrUnavailable) || !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want open circuit reported as unavailable", err)
	}
}

func TestBreakerIgnoresStatusErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	b := resilience.NewBreaker(1, time.Minute)
	c.SetBreaker(b)
	for range 3 {
		_, err := c.Query(context.Background(), []llm.Message{llm.User("x")}, "llama3")
		if !errors.Is(err, llm.ErrStatus) {
			t.Fatalf("err = %v", err)
		}
	}
	if b.State() != resilience.StateClosed {
		t.Errorf("breaker state = %s", b.State())
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3:latest"},{"name":"codellama:7b"}]}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	names, err := c.ListModels(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "llama3:latest" || names[1] != "codellama:7b" {
		t.Errorf("names = %v", names)
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
