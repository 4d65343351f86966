package agent_test

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/Strob0t/StageForge/internal/domain/event"
	"github.com/Strob0t/StageForge/internal/port/llm"
	"github.com/Strob0t/StageForge/internal/process"
)

// fakeLLM answers queries with a fixed reply or error.
type fakeLLM struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   [][]llm.Message
	models  []string
}

func (f *fakeLLM) Query(_ context.Context, msgs []llm.Message, model string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, msgs)
	f.models = append(f.models, model)
	if f.err != nil {
		return "", f.err
	}
	if len(f.replies) == 0 {
		return "", nil
	}
	r := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return r, nil
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeRunner records commands and answers them from a prefix table.
type fakeRunner struct {
	mu       sync.Mutex
	commands []string
	results  map[string]process.Result
}

func (f *fakeRunner) Run(_ context.Context, command, _ string, _ time.Duration) process.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, command)
	for prefix, r := range f.results {
		if strings.HasPrefix(command, prefix) {
			r.Command = command
			return r
		}
	}
	return process.Result{Command: command}
}

// recorder is an in-memory Sink.
type recorder struct {
	mu     sync.Mutex
	events []event.LogEvent
}

func (r *recorder) Log(_ context.Context, _, _ string, e event.LogEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds(k event.Kind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Kind == k {
			out = append(out, e.Content)
		}
	}
	return out
}

func (r *recorder) contains(k event.Kind, substr string) bool {
	for _, c := range r.kinds(k) {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}
