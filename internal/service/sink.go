package service

import (
	"context"
	"log/slog"

	"github.com/Strob0t/StageForge/internal/domain/event"
	"github.com/Strob0t/StageForge/internal/port/broadcast"
	"github.com/Strob0t/StageForge/internal/port/database"
)

// LogAppender is the persistence capability the pipeline needs for logs.
type LogAppender interface {
	AppendAgentLog(ctx context.Context, taskID, agentName, kind, message string) error
}

// RunSink delivers every narrated event to live observers and, when
// persistence is on, appends it to the task's log.
type RunSink struct {
	store   LogAppender
	pub     broadcast.Publisher
	persist bool
	maxLen  int
}

// NewRunSink creates a RunSink. store may be nil when persist is false.
func NewRunSink(store LogAppender, pub broadcast.Publisher, persist bool, maxLen int) *RunSink {
	if maxLen < 1 {
		maxLen = database.MaxLogMessageLen
	}
	return &RunSink{store: store, pub: pub, persist: persist, maxLen: maxLen}
}

// Log implements agent.Sink. Delivery failures are logged and swallowed.
func (s *RunSink) Log(ctx context.Context, ownerID, taskID string, e event.LogEvent) {
	if s.pub != nil {
		s.pub.Publish(ownerID, e.Wrap(taskID))
	}
	if !s.persist || s.store == nil || taskID == "" {
		return
	}
	if err := s.store.AppendAgentLog(ctx, taskID, e.Agent, string(e.Kind), event.Truncate(e.Content, s.maxLen)); err != nil {
		slog.Warn("persist log event failed", "task_id", taskID, "agent", e.Agent, "error", err)
	}
}
