package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/StageForge/internal/domain"
	"github.com/Strob0t/StageForge/internal/domain/event"
	"github.com/Strob0t/StageForge/internal/domain/pipeline"
	"github.com/Strob0t/StageForge/internal/domain/task"
)

// memStore is an in-memory TaskStore that records status transitions.
type memStore struct {
	mu        sync.Mutex
	tasks     map[string]*task.Task
	logs      map[string][]task.AgentLog
	statuses  map[string][]task.Status
	gets      int
	updateErr error
	nextLogID int64
}

func newMemStore() *memStore {
	return &memStore{
		tasks:    make(map[string]*task.Task),
		logs:     make(map[string][]task.AgentLog),
		statuses: make(map[string][]task.Status),
	}
}

func (m *memStore) CreateTask(_ context.Context, req task.CreateRequest) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	t := &task.Task{
		ID:          uuid.NewString(),
		OwnerID:     req.OwnerID,
		Title:       req.Title(),
		Description: req.Description,
		Status:      task.StatusPending,
		Mode:        req.Mode,
		Model:       req.Model,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	m.tasks[t.ID] = t
	cp := *t
	return &cp, nil
}

func (m *memStore) GetTask(_ context.Context, ownerID, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	t, ok := m.tasks[id]
	if !ok || t.OwnerID != ownerID {
		return nil, fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) ListTasks(_ context.Context, ownerID string) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.Task
	for _, t := range m.tasks {
		if t.OwnerID == ownerID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m *memStore) UpdateTaskStatus(_ context.Context, id string, status task.Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	t, ok := m.tasks[id]
	if !ok {
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	if !t.Status.CanTransition(status) {
		return fmt.Errorf("task %s: %s -> %s: %w", id, t.Status, status, domain.ErrConflict)
	}
	t.Status = status
	m.statuses[id] = append(m.statuses[id], status)
	return nil
}

func (m *memStore) DeleteTask(_ context.Context, ownerID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.OwnerID != ownerID {
		return fmt.Errorf("task %s: %w", id, domain.ErrNotFound)
	}
	delete(m.tasks, id)
	delete(m.logs, id)
	return nil
}

func (m *memStore) AppendAgentLog(_ context.Context, taskID, agentName, kind, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextLogID++
	m.logs[taskID] = append(m.logs[taskID], task.AgentLog{
		ID: m.nextLogID, TaskID: taskID, AgentName: agentName, Kind: kind, Message: message, CreatedAt: time.Now().UTC(),
	})
	return nil
}

func (m *memStore) ListAgentLogs(_ context.Context, taskID string) ([]task.AgentLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]task.AgentLog(nil), m.logs[taskID]...), nil
}

func (m *memStore) statusHistory(id string) []task.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]task.Status(nil), m.statuses[id]...)
}

func (m *memStore) logsOfKind(id, kind string) []task.AgentLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.AgentLog
	for _, l := range m.logs[id] {
		if l.Kind == kind {
			out = append(out, l)
		}
	}
	return out
}

func (m *memStore) seed(t task.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = &t
}

// fakeAgent returns a canned result and records the context it saw.
type fakeAgent struct {
	name   string
	result pipeline.StageResult
	panics bool

	mu    sync.Mutex
	seen  []pipeline.Context
	calls int
}

func (f *fakeAgent) Name() string { return f.name }

func (f *fakeAgent) Execute(_ context.Context, _ string, pc *pipeline.Context) pipeline.StageResult {
	f.mu.Lock()
	f.calls++
	f.seen = append(f.seen, *pc)
	f.mu.Unlock()
	if f.panics {
		panic("boom")
	}
	res := f.result
	res.Agent = f.name
	return res
}

func (f *fakeAgent) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// recordingSink keeps every event in order.
type recordingSink struct {
	mu     sync.Mutex
	events []event.LogEvent
}

func (r *recordingSink) Log(_ context.Context, _, _ string, e event.LogEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingSink) snapshot() []event.LogEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.LogEvent(nil), r.events...)
}

// memCache is a map-backed cache.Cache.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (c *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

// fakeSubmitter records submitted runs.
type fakeSubmitter struct {
	mu   sync.Mutex
	reqs []RunRequest
	err  error
}

func (f *fakeSubmitter) Submit(_ context.Context, req RunRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.reqs = append(f.reqs, req)
	return nil
}

var errStoreDown = errors.New("store down")
