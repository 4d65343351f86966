package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"

	sfotel "github.com/Strob0t/StageForge/internal/adapter/otel"
	"github.com/Strob0t/StageForge/internal/agent"
	"github.com/Strob0t/StageForge/internal/config"
	"github.com/Strob0t/StageForge/internal/domain"
	"github.com/Strob0t/StageForge/internal/domain/event"
	"github.com/Strob0t/StageForge/internal/domain/pipeline"
	"github.com/Strob0t/StageForge/internal/domain/task"
	"github.com/Strob0t/StageForge/internal/logger"
)

// OrchestratorName is the agent name used for orchestrator narration.
const OrchestratorName = "orchestrator"

// resultLogKind tags the persisted StageResult records.
const resultLogKind = "result"

// RunStore is the persistence the orchestrator drives.
type RunStore interface {
	LogAppender
	UpdateTaskStatus(ctx context.Context, id string, status task.Status) error
}

// RunRequest describes one pipeline run.
type RunRequest struct {
	TaskID      string    `json:"task_id"`
	OwnerID     string    `json:"owner_id"`
	Description string    `json:"description"`
	Mode        task.Mode `json:"mode"`
	Model       string    `json:"model"`
	RemoteURL   string    `json:"remote_url,omitempty"`
}

// RunResult is the terminal outcome of a run. Context is set on completion
// and Error on failure. Skipped marks a request that did not start because
// the task had already left pending; the task's status was not touched.
type RunResult struct {
	Status  task.Status       `json:"status"`
	Context *pipeline.Context `json:"context,omitempty"`
	Error   string            `json:"error,omitempty"`
	Skipped bool              `json:"skipped,omitempty"`
}

// OrchestratorService drives the stage agents for each run.
type OrchestratorService struct {
	store        RunStore
	sink         agent.Sink
	stages       map[task.Stage]agent.Agent
	cfg          *config.Pipeline
	defaultModel string
	metrics      *sfotel.Metrics
}

// NewOrchestratorService creates an OrchestratorService. stages must hold an
// agent for every stage a mode can enable.
func NewOrchestratorService(
	store RunStore,
	sink agent.Sink,
	stages map[task.Stage]agent.Agent,
	cfg *config.Pipeline,
	defaultModel string,
) *OrchestratorService {
	return &OrchestratorService{
		store:        store,
		sink:         sink,
		stages:       stages,
		cfg:          cfg,
		defaultModel: defaultModel,
	}
}

// DefaultStages binds the four pipeline agents to their stages.
func DefaultStages(deps agent.Deps) map[task.Stage]agent.Agent {
	return map[task.Stage]agent.Agent{
		task.StagePlanner:  agent.NewPlanner(deps),
		task.StageCoder:    agent.NewCoder(deps),
		task.StageTester:   agent.NewTester(deps),
		task.StageDeployer: agent.NewDeployer(deps),
	}
}

// SetMetrics enables run and stage metrics.
func (s *OrchestratorService) SetMetrics(m *sfotel.Metrics) {
	s.metrics = m
}

// Run executes the stages req.Mode enables, in order. The task moves to
// running before the first stage and its final status is written exactly
// once. Stage errors are recorded and the run continues; only a panic
// escaping an agent fails the run.
func (s *OrchestratorService) Run(ctx context.Context, req RunRequest) RunResult {
	if req.Mode == "" {
		req.Mode = task.ModeFull
	}
	model := req.Model
	if model == "" {
		model = s.defaultModel
	}
	pc := &pipeline.Context{
		OwnerID:   req.OwnerID,
		TaskID:    req.TaskID,
		Model:     model,
		RemoteURL: req.RemoteURL,
	}

	ctx = logger.WithTaskID(ctx, req.TaskID)
	ctx = logger.WithOwnerID(ctx, req.OwnerID)
	ctx, span := sfotel.StartRunSpan(ctx, req.TaskID, req.OwnerID, string(req.Mode))
	defer span.End()

	start := time.Now()

	if err := s.store.UpdateTaskStatus(ctx, req.TaskID, task.StatusRunning); err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			// Redelivered or stale request: another run owns this task.
			slog.WarnContext(ctx, "run request skipped", "task_id", req.TaskID, "error", err)
			span.SetAttributes(attribute.Bool("run.skipped", true))
			return RunResult{Skipped: true, Error: err.Error()}
		}
		return s.fail(ctx, pc, fmt.Errorf("mark running: %w", err), start)
	}
	s.count(ctx, func(m *sfotel.Metrics) metric.Int64Counter { return m.RunsStarted })

	s.narrate(ctx, pc, event.KindInfo, "Starting autonomous execution: "+req.Description)

	if err := s.runStages(ctx, req, pc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return s.fail(ctx, pc, err, start)
	}

	if err := s.store.UpdateTaskStatus(ctx, req.TaskID, task.StatusCompleted); err != nil {
		slog.ErrorContext(ctx, "persist final status failed", "task_id", req.TaskID, "status", task.StatusCompleted, "error", err)
	}
	s.narrate(ctx, pc, event.KindInfo, "All agents completed successfully")
	s.count(ctx, func(m *sfotel.Metrics) metric.Int64Counter { return m.RunsCompleted })
	s.observeRun(ctx, start, task.StatusCompleted)

	return RunResult{Status: task.StatusCompleted, Context: pc}
}

// Abort moves a run that will never execute to failed. A task that already
// left pending belongs to another run and is left alone.
func (s *OrchestratorService) Abort(ctx context.Context, req RunRequest, reason string) RunResult {
	pc := &pipeline.Context{OwnerID: req.OwnerID, TaskID: req.TaskID}
	ctx = logger.WithTaskID(ctx, req.TaskID)
	ctx = logger.WithOwnerID(ctx, req.OwnerID)

	if err := s.store.UpdateTaskStatus(ctx, req.TaskID, task.StatusFailed); err != nil {
		if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			slog.WarnContext(ctx, "abort skipped", "task_id", req.TaskID, "error", err)
			return RunResult{Skipped: true, Error: err.Error()}
		}
		slog.ErrorContext(ctx, "persist final status failed", "task_id", req.TaskID, "status", task.StatusFailed, "error", err)
	}
	s.narrate(ctx, pc, event.KindError, "Execution failed: "+reason)
	s.count(ctx, func(m *sfotel.Metrics) metric.Int64Counter { return m.RunsFailed })
	return RunResult{Status: task.StatusFailed, Error: reason}
}

func (s *OrchestratorService) runStages(ctx context.Context, req RunRequest, pc *pipeline.Context) error {
	halted := false
	for _, stage := range req.Mode.Stages() {
		if halted {
			s.narrate(ctx, pc, event.KindWarning, fmt.Sprintf("Skipping %s stage after stage error", stage))
			continue
		}

		a, ok := s.stages[stage]
		if !ok {
			return fmt.Errorf("no agent registered for stage %s", stage)
		}

		s.narrate(ctx, pc, event.KindInfo, fmt.Sprintf("Running %s stage", stage))
		res, err := s.execute(ctx, stage, a, req.Description, pc)
		if err != nil {
			return err
		}

		s.persistResult(ctx, pc.TaskID, res)
		thread(stage, res, pc)

		if res.Status == pipeline.StageError && s.cfg.HaltOnError {
			halted = true
		}
	}
	return nil
}

// execute runs one agent, turning an escaped panic into an error.
func (s *OrchestratorService) execute(ctx context.Context, stage task.Stage, a agent.Agent, description string, pc *pipeline.Context) (res pipeline.StageResult, err error) {
	ctx, span := sfotel.StartStageSpan(ctx, string(stage))
	defer span.End()
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "stage panicked", "stage", stage, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%s stage: %v", stage, r)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	// Stage model overrides apply to this stage only.
	runModel := pc.Model
	if m := s.stageModel(stage); m != "" {
		pc.Model = m
	}
	defer func() { pc.Model = runModel }()

	res = a.Execute(ctx, description, pc)
	if res.Agent == "" {
		res.Agent = a.Name()
	}

	span.SetAttributes(attribute.String("stage.status", string(res.Status)))
	if s.metrics != nil {
		attrs := metric.WithAttributes(attribute.String("stage", string(stage)), attribute.String("status", string(res.Status)))
		s.metrics.StageResults.Add(ctx, 1, attrs)
		s.metrics.StageDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	}
	return res, nil
}

func (s *OrchestratorService) stageModel(stage task.Stage) string {
	switch stage {
	case task.StagePlanner:
		return s.cfg.PlannerModel
	case task.StageCoder:
		return s.cfg.CoderModel
	default:
		return ""
	}
}

// thread copies a stage's payload into the run context.
func thread(stage task.Stage, res pipeline.StageResult, pc *pipeline.Context) {
	switch stage {
	case task.StagePlanner:
		pc.Plan = res.Plan
	case task.StageCoder:
		pc.Files = res.Files
	case task.StageTester:
		pc.TestResults = res.Results
		pc.Tested = true
	}
}

func (s *OrchestratorService) persistResult(ctx context.Context, taskID string, res pipeline.StageResult) {
	data, err := json.Marshal(res)
	if err != nil {
		slog.ErrorContext(ctx, "marshal stage result failed", "agent", res.Agent, "error", err)
		return
	}
	msg := event.Truncate(string(data), s.cfg.LogMessageLen)
	if err := s.store.AppendAgentLog(ctx, taskID, res.Agent, resultLogKind, msg); err != nil {
		slog.ErrorContext(ctx, "persist stage result failed", "agent", res.Agent, "error", err)
	}
}

func (s *OrchestratorService) fail(ctx context.Context, pc *pipeline.Context, cause error, start time.Time) RunResult {
	msg := cause.Error()
	slog.ErrorContext(ctx, "pipeline run failed", "task_id", pc.TaskID, "error", msg)

	if err := s.store.UpdateTaskStatus(ctx, pc.TaskID, task.StatusFailed); err != nil {
		slog.ErrorContext(ctx, "persist final status failed", "task_id", pc.TaskID, "status", task.StatusFailed, "error", err)
	}
	s.narrate(ctx, pc, event.KindError, "Execution failed: "+msg)
	s.count(ctx, func(m *sfotel.Metrics) metric.Int64Counter { return m.RunsFailed })
	s.observeRun(ctx, start, task.StatusFailed)

	return RunResult{Status: task.StatusFailed, Error: msg}
}

func (s *OrchestratorService) narrate(ctx context.Context, pc *pipeline.Context, kind event.Kind, content string) {
	if s.sink == nil {
		return
	}
	s.sink.Log(ctx, pc.OwnerID, pc.TaskID, event.New(OrchestratorName, kind, content))
}

func (s *OrchestratorService) count(ctx context.Context, pick func(*sfotel.Metrics) metric.Int64Counter) {
	if s.metrics == nil {
		return
	}
	pick(s.metrics).Add(ctx, 1)
}

func (s *OrchestratorService) observeRun(ctx context.Context, start time.Time, status task.Status) {
	if s.metrics == nil {
		return
	}
	s.metrics.RunDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("status", string(status))))
}
