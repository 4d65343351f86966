package agent

import (
	"context"

	"github.com/Strob0t/StageForge/internal/domain/event"
	"github.com/Strob0t/StageForge/internal/domain/pipeline"
	"github.com/Strob0t/StageForge/internal/structured"
)

// PlannerName is the planner's agent name.
const PlannerName = "planner"

// Planner asks the model for a step plan. It always produces a plan: an
// unreachable model or unparseable answer yields the fallback plan.
type Planner struct {
	base
}

// NewPlanner creates a Planner.
func NewPlanner(deps Deps) *Planner {
	return &Planner{base: newBase(PlannerName, deps)}
}

// Execute implements Agent.
func (p *Planner) Execute(ctx context.Context, description string, pc *pipeline.Context) (res pipeline.StageResult) {
	defer p.guard(ctx, pc, &res)

	p.emitf(ctx, pc, event.KindInfo, "Planner Agent started for task: %s", description)
	p.emit(ctx, pc, event.KindCommand, "Generating project plan...")

	reply := p.ask(ctx, pc, plannerSystemPrompt, description)

	var plan pipeline.Plan
	if reply.OK() {
		var fallback bool
		plan, fallback = structured.ParsePlan(reply.Text)
		if fallback {
			p.emit(ctx, pc, event.KindWarning, "Could not parse plan, using generic four-step plan")
		}
	} else {
		plan = structured.FallbackPlan(reply.Text)
		p.emit(ctx, pc, event.KindWarning, "Model unavailable, using generic four-step plan")
	}

	p.emitf(ctx, pc, event.KindOutput, "Plan created with %d steps", len(plan.Steps))
	return pipeline.StageResult{
		Agent:  PlannerName,
		Status: pipeline.StageCompleted,
		Plan:   &plan,
	}
}
