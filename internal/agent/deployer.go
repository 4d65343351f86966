package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/Strob0t/StageForge/internal/domain/event"
	"github.com/Strob0t/StageForge/internal/domain/pipeline"
	"github.com/Strob0t/StageForge/internal/process"
)

// DeployerName is the deployer's agent name.
const DeployerName = "deployer"

// Deployer commits the workspace to a local git repository and pushes it
// when the run names a remote.
type Deployer struct {
	base
}

// NewDeployer creates a Deployer.
func NewDeployer(deps Deps) *Deployer {
	return &Deployer{base: newBase(DeployerName, deps)}
}

// Execute implements Agent.
func (d *Deployer) Execute(ctx context.Context, _ string, pc *pipeline.Context) (res pipeline.StageResult) {
	defer d.guard(ctx, pc, &res)

	d.emit(ctx, pc, event.KindInfo, "Deployer Agent started")

	if !pc.Tested {
		d.emit(ctx, pc, event.KindError, "Tester has not run, refusing to deploy unverified files")
		return pipeline.Failed(DeployerName, "Tester has not run")
	}

	ws, err := d.deps.Workspaces.For(pc.OwnerID)
	if err != nil || !ws.Exists() {
		d.emit(ctx, pc, event.KindError, "Workspace not found")
		return pipeline.Failed(DeployerName, "No workspace found")
	}

	var steps []pipeline.DeployStep
	failed := false
	step := func(name, command string) bool {
		r := d.run(ctx, pc, command, ws.Dir(), d.deps.Settings.DeployTimeout)
		s := pipeline.DeployStep{
			Step:     name,
			Command:  command,
			Output:   combined(r),
			ExitCode: r.ExitCode,
		}
		if !r.OK() {
			s.Error = errorText(r)
			failed = true
		}
		steps = append(steps, s)
		return r.OK()
	}

	if !ws.HasRepository() {
		step("git_init", "git init")
	}
	step("git_add", "git add -A")
	step("git_commit", d.commitCommand())

	if remote := strings.TrimSpace(pc.RemoteURL); remote != "" {
		if strings.HasPrefix(remote, "-") {
			d.emitf(ctx, pc, event.KindError, "Refusing remote URL %q", remote)
			steps = append(steps, pipeline.DeployStep{Step: "git_remote", ExitCode: process.ExitNotRun, Error: "invalid remote URL"})
			failed = true
		} else {
			// A failed push leaves the local commit in place.
			q := process.Quote(remote)
			if step("git_remote", fmt.Sprintf("git remote add origin %s || git remote set-url origin %s", q, q)) {
				step("git_push", "git push -u origin HEAD")
			}
		}
	}

	status := pipeline.StageCompleted
	if failed {
		status = pipeline.StageCompletedWithErrors
	}
	d.emitf(ctx, pc, event.KindInfo, "Deployer Agent completed. %d steps executed.", len(steps))
	return pipeline.StageResult{
		Agent:  DeployerName,
		Status: status,
		Steps:  steps,
	}
}

func (d *Deployer) commitCommand() string {
	s := d.deps.Settings
	return fmt.Sprintf("git -c user.name=%s -c user.email=%s commit -m %s --allow-empty",
		process.Quote(s.AuthorName), process.Quote(s.AuthorEmail), process.Quote(s.CommitMessage))
}

func errorText(r process.Result) string {
	if r.TimedOut {
		return "Command timed out"
	}
	if msg := strings.TrimSpace(r.Stderr); msg != "" {
		return msg
	}
	return fmt.Sprintf("exit code %d", r.ExitCode)
}
