package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Strob0t/StageForge/internal/domain/event"
	"github.com/Strob0t/StageForge/internal/domain/pipeline"
	"github.com/Strob0t/StageForge/internal/structured"
)

// CoderName is the coder's agent name.
const CoderName = "coder"

// Coder asks the model for source files and writes them into the owner's
// workspace.
type Coder struct {
	base
}

// NewCoder creates a Coder.
func NewCoder(deps Deps) *Coder {
	return &Coder{base: newBase(CoderName, deps)}
}

// Execute implements Agent.
func (c *Coder) Execute(ctx context.Context, description string, pc *pipeline.Context) (res pipeline.StageResult) {
	defer c.guard(ctx, pc, &res)

	c.emitf(ctx, pc, event.KindInfo, "Coder Agent started for task: %s", description)

	ws, err := c.deps.Workspaces.For(pc.OwnerID)
	if err != nil {
		c.emitf(ctx, pc, event.KindError, "Workspace unavailable: %v", err)
		return pipeline.Failed(CoderName, err.Error())
	}

	system := coderSystemPrompt
	if pc.Plan != nil {
		planJSON, err := json.MarshalIndent(pc.Plan, "", "  ")
		if err == nil {
			system += "\n\nProject Plan:\n" + string(planJSON)
		}
	} else {
		c.emit(ctx, pc, event.KindWarning, "No plan in context, generating without one")
	}

	c.emit(ctx, pc, event.KindCommand, "Generating code...")
	reply := c.ask(ctx, pc, system, description)

	set := structured.FallbackFileSet(reply.Text)
	fallback := true
	if reply.OK() {
		set, fallback = structured.ParseFileSet(reply.Text)
	}
	if fallback {
		c.emit(ctx, pc, event.KindWarning, "Could not parse structured output, saving raw response")
	}

	written := make([]string, 0, len(set.Files))
	for _, f := range set.Files {
		c.emitf(ctx, pc, event.KindCommand, "Writing %s", f.Path)
		rel, err := ws.WriteFile(f.Path, f.Content)
		if err != nil {
			c.emitf(ctx, pc, event.KindError, "Skipped %s: %v", f.Path, err)
			continue
		}
		written = append(written, rel)
		c.emitf(ctx, pc, event.KindOutput, "Created: %s", rel)
	}

	if len(written) == 0 && !fallback {
		// Every entry had an unusable path; keep the answer instead of losing it.
		c.emit(ctx, pc, event.KindWarning, "No usable file paths, saving raw response")
		c.emitf(ctx, pc, event.KindCommand, "Writing %s", structured.FallbackFileName)
		if rel, err := ws.WriteFile(structured.FallbackFileName, reply.Text); err != nil {
			c.emitf(ctx, pc, event.KindError, "Skipped %s: %v", structured.FallbackFileName, err)
		} else {
			written = append(written, rel)
			c.emitf(ctx, pc, event.KindOutput, "Created: %s", rel)
		}
	}
	if len(written) == 0 {
		msg := fmt.Sprintf("no files could be written to workspace %s", ws.Dir())
		c.emit(ctx, pc, event.KindError, msg)
		return pipeline.Failed(CoderName, msg)
	}

	c.emitf(ctx, pc, event.KindInfo, "Coder Agent completed. Files created: %d", len(written))
	return pipeline.StageResult{
		Agent:  CoderName,
		Status: pipeline.StageCompleted,
		Files:  written,
	}
}
