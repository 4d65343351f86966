// Package agent implements the four pipeline stages. An agent never panics
// or returns an error past Execute: every failure becomes a StageResult with
// status error plus an error-kind LogEvent.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/Strob0t/StageForge/internal/domain/event"
	"github.com/Strob0t/StageForge/internal/domain/pipeline"
	"github.com/Strob0t/StageForge/internal/port/llm"
	"github.com/Strob0t/StageForge/internal/process"
	"github.com/Strob0t/StageForge/internal/workspace"
)

// Agent runs one pipeline stage.
type Agent interface {
	Name() string
	Execute(ctx context.Context, description string, pc *pipeline.Context) pipeline.StageResult
}

// Sink receives the events agents narrate for a run.
type Sink interface {
	Log(ctx context.Context, ownerID, taskID string, e event.LogEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ownerID, taskID string, e event.LogEvent)

// Log calls f.
func (f SinkFunc) Log(ctx context.Context, ownerID, taskID string, e event.LogEvent) {
	f(ctx, ownerID, taskID, e)
}

// CommandRunner runs shell commands with a timeout. *process.Runner
// satisfies it.
type CommandRunner interface {
	Run(ctx context.Context, command, dir string, timeout time.Duration) process.Result
}

// Settings tune agent behaviour.
type Settings struct {
	QueryTimeout  time.Duration
	TestTimeout   time.Duration
	DeployTimeout time.Duration
	// PreviewLen bounds command and model output quoted in log events.
	PreviewLen    int
	PythonBin     string
	// PycacheDir receives bytecode from syntax checks so it stays out of
	// the workspace and its commits.
	PycacheDir    string
	CommitMessage string
	AuthorName    string
	AuthorEmail   string
}

// DefaultSettings returns the stock agent settings.
func DefaultSettings() Settings {
	return Settings{
		QueryTimeout:  180 * time.Second,
		TestTimeout:   30 * time.Second,
		DeployTimeout: 60 * time.Second,
		PreviewLen:    500,
		PythonBin:     "python3",
		PycacheDir:    filepath.Join(os.TempDir(), "stageforge-pycache"),
		CommitMessage: "Auto-commit by StageForge deployer",
		AuthorName:    "StageForge",
		AuthorEmail:   "stageforge@localhost",
	}
}

// Deps are the collaborators shared by all agents.
type Deps struct {
	LLM        llm.Client
	Runner     CommandRunner
	Workspaces *workspace.Manager
	Sink       Sink
	Settings   Settings
}

// Reply is the outcome of one model query. On failure Err is set and Text
// holds the sentinel that stands in for the answer.
type Reply struct {
	Text string
	Err  error
}

// OK reports whether the model answered.
func (r Reply) OK() bool { return r.Err == nil }

// base carries the plumbing every agent shares.
type base struct {
	name string
	deps Deps
}

func newBase(name string, deps Deps) base {
	def := DefaultSettings()
	s := &deps.Settings
	if s.QueryTimeout <= 0 {
		s.QueryTimeout = def.QueryTimeout
	}
	if s.TestTimeout <= 0 {
		s.TestTimeout = def.TestTimeout
	}
	if s.DeployTimeout <= 0 {
		s.DeployTimeout = def.DeployTimeout
	}
	if s.PreviewLen <= 0 {
		s.PreviewLen = def.PreviewLen
	}
	if s.PythonBin == "" {
		s.PythonBin = def.PythonBin
	}
	if s.PycacheDir == "" {
		s.PycacheDir = def.PycacheDir
	}
	if s.CommitMessage == "" {
		s.CommitMessage = def.CommitMessage
	}
	if s.AuthorName == "" {
		s.AuthorName = def.AuthorName
	}
	if s.AuthorEmail == "" {
		s.AuthorEmail = def.AuthorEmail
	}
	return base{name: name, deps: deps}
}

func (b *base) Name() string { return b.name }

func (b *base) emit(ctx context.Context, pc *pipeline.Context, kind event.Kind, content string) {
	if b.deps.Sink == nil {
		return
	}
	b.deps.Sink.Log(ctx, pc.OwnerID, pc.TaskID, event.New(b.name, kind, content))
}

func (b *base) emitf(ctx context.Context, pc *pipeline.Context, kind event.Kind, format string, args ...any) {
	b.emit(ctx, pc, kind, fmt.Sprintf(format, args...))
}

func (b *base) preview(s string) string {
	return event.Truncate(s, b.deps.Settings.PreviewLen)
}

// ask sends one query to the run's model. Failures are returned as a Reply
// carrying sentinel text; they are narrated but never raised.
func (b *base) ask(ctx context.Context, pc *pipeline.Context, system, user string) Reply {
	b.emitf(ctx, pc, event.KindCommand, "[%s] Querying LLM (%s)...", b.name, pc.Model)

	if b.deps.LLM == nil {
		err := fmt.Errorf("no model client configured: %w", llm.ErrUnavailable)
		text := llm.SentinelText(err)
		b.emit(ctx, pc, event.KindError, text)
		return Reply{Text: text, Err: err}
	}

	qctx, cancel := context.WithTimeout(ctx, b.deps.Settings.QueryTimeout)
	defer cancel()

	msgs := make([]llm.Message, 0, 2)
	if system != "" {
		msgs = append(msgs, llm.System(system))
	}
	msgs = append(msgs, llm.User(user))

	text, err := b.deps.LLM.Query(qctx, msgs, pc.Model)
	if err != nil {
		sentinel := llm.SentinelText(err)
		slog.Warn("model query failed", "agent", b.name, "task_id", pc.TaskID, "model", pc.Model, "error", err)
		b.emit(ctx, pc, event.KindError, sentinel)
		return Reply{Text: sentinel, Err: err}
	}
	b.emit(ctx, pc, event.KindOutput, b.preview(text))
	return Reply{Text: text}
}

// run executes command in dir, narrating it before and after. The full
// result is returned; only the narration is truncated.
func (b *base) run(ctx context.Context, pc *pipeline.Context, command, dir string, timeout time.Duration) process.Result {
	b.emit(ctx, pc, event.KindCommand, command)
	res := b.deps.Runner.Run(ctx, command, dir, timeout)
	switch {
	case res.TimedOut:
		b.emitf(ctx, pc, event.KindError, "Command timed out: %s", command)
	case !res.OK():
		b.emit(ctx, pc, event.KindError, b.preview(combined(res)))
	default:
		out := combined(res)
		if out == "" {
			out = "(no output)"
		}
		b.emit(ctx, pc, event.KindOutput, b.preview(out))
	}
	return res
}

// guard converts a panic inside Execute into an error StageResult.
func (b *base) guard(ctx context.Context, pc *pipeline.Context, res *pipeline.StageResult) {
	r := recover()
	if r == nil {
		return
	}
	slog.Error("agent panicked", "agent", b.name, "task_id", pc.TaskID, "panic", r, "stack", string(debug.Stack()))
	msg := fmt.Sprintf("internal error: %v", r)
	b.emit(ctx, pc, event.KindError, msg)
	*res = pipeline.Failed(b.name, msg)
}

func combined(res process.Result) string {
	return strings.TrimSpace(strings.TrimSpace(res.Stdout) + "\n" + strings.TrimSpace(res.Stderr))
}
