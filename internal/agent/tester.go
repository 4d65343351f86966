package agent

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/Strob0t/StageForge/internal/domain/event"
	"github.com/Strob0t/StageForge/internal/domain/pipeline"
	"github.com/Strob0t/StageForge/internal/process"
	"github.com/Strob0t/StageForge/internal/workspace"
)

// TesterName is the tester's agent name.
const TesterName = "tester"

type checkKind int

const (
	checkSkip checkKind = iota
	checkCompile
	checkNonEmpty
)

// checkFor classifies a file by extension.
func checkFor(rel string) checkKind {
	switch strings.ToLower(path.Ext(rel)) {
	case ".py":
		return checkCompile
	case ".js", ".ts", ".jsx", ".tsx", ".html", ".css":
		return checkNonEmpty
	default:
		return checkSkip
	}
}

// Tester checks the files the coder wrote and asks the model for fix
// suggestions when any check fails.
type Tester struct {
	base
}

// NewTester creates a Tester.
func NewTester(deps Deps) *Tester {
	return &Tester{base: newBase(TesterName, deps)}
}

// Execute implements Agent.
func (t *Tester) Execute(ctx context.Context, _ string, pc *pipeline.Context) (res pipeline.StageResult) {
	defer t.guard(ctx, pc, &res)

	t.emit(ctx, pc, event.KindInfo, "Tester Agent started")

	ws, err := t.deps.Workspaces.For(pc.OwnerID)
	if err != nil {
		t.emitf(ctx, pc, event.KindError, "Workspace unavailable: %v", err)
		return pipeline.Failed(TesterName, err.Error())
	}

	results := make([]pipeline.FileVerdict, 0, len(pc.Files))
	var failed []pipeline.FileVerdict
	for _, rel := range pc.Files {
		v := t.check(ctx, pc, ws, rel)
		results = append(results, v)
		if v.Status == pipeline.VerdictError {
			failed = append(failed, v)
		}
	}

	if len(failed) > 0 {
		t.suggestFixes(ctx, pc, failed)
	}

	status := pipeline.StageCompleted
	if len(failed) > 0 {
		status = pipeline.StageCompletedWithErrors
	}
	t.emitf(ctx, pc, event.KindInfo, "Tester Agent completed. %d errors found in %d files", len(failed), len(results))
	return pipeline.StageResult{
		Agent:   TesterName,
		Status:  status,
		Results: results,
	}
}

func (t *Tester) check(ctx context.Context, pc *pipeline.Context, ws *workspace.Workspace, rel string) pipeline.FileVerdict {
	if !ws.FileExists(rel) {
		t.emitf(ctx, pc, event.KindError, "File not found: %s", rel)
		return pipeline.FileVerdict{File: rel, Status: pipeline.VerdictMissing, Errors: []string{"File not found"}}
	}

	switch checkFor(rel) {
	case checkCompile:
		return t.compilePython(ctx, pc, ws, rel)
	case checkNonEmpty:
		t.emitf(ctx, pc, event.KindCommand, "Testing: %s", rel)
		content, err := ws.ReadFile(rel)
		if err != nil {
			t.emitf(ctx, pc, event.KindError, "FAIL: %s - %v", rel, err)
			return pipeline.FileVerdict{File: rel, Status: pipeline.VerdictError, Errors: []string{err.Error()}}
		}
		if len(strings.TrimSpace(string(content))) == 0 {
			t.emitf(ctx, pc, event.KindError, "FAIL: %s - Empty file", rel)
			return pipeline.FileVerdict{File: rel, Status: pipeline.VerdictError, Errors: []string{"Empty file"}}
		}
		t.emitf(ctx, pc, event.KindOutput, "PASS (syntax check): %s", rel)
		return pipeline.FileVerdict{File: rel, Status: pipeline.VerdictPassed, Errors: []string{}}
	default:
		t.emitf(ctx, pc, event.KindInfo, "Skipped non-testable file: %s", rel)
		return pipeline.FileVerdict{File: rel, Status: pipeline.VerdictSkipped, Errors: []string{}}
	}
}

func (t *Tester) compilePython(ctx context.Context, pc *pipeline.Context, ws *workspace.Workspace, rel string) pipeline.FileVerdict {
	s := t.deps.Settings
	cmd := fmt.Sprintf("%s -X pycache_prefix=%s -m py_compile %s", s.PythonBin, process.Quote(s.PycacheDir), process.Quote(rel))
	res := t.run(ctx, pc, cmd, ws.Dir(), t.deps.Settings.TestTimeout)
	switch {
	case res.TimedOut:
		return pipeline.FileVerdict{File: rel, Status: pipeline.VerdictError, Errors: []string{"Test timed out"}}
	case !res.OK():
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = fmt.Sprintf("exit code %d", res.ExitCode)
		}
		return pipeline.FileVerdict{File: rel, Status: pipeline.VerdictError, Errors: []string{msg}}
	default:
		t.emitf(ctx, pc, event.KindOutput, "PASS: %s", rel)
		return pipeline.FileVerdict{File: rel, Status: pipeline.VerdictPassed, Errors: []string{}}
	}
}

// suggestFixes is best effort: the answer is narrated, never applied.
func (t *Tester) suggestFixes(ctx context.Context, pc *pipeline.Context, failed []pipeline.FileVerdict) {
	t.emit(ctx, pc, event.KindCommand, "Attempting to fix errors...")

	var b strings.Builder
	b.WriteString("Fix the following errors in the code:\n")
	for _, f := range failed {
		fmt.Fprintf(&b, "\nFile: %s\nErrors: %s\n", f.File, strings.Join(f.Errors, ", "))
	}

	reply := t.ask(ctx, pc, fixSystemPrompt, b.String())
	if reply.OK() {
		t.emit(ctx, pc, event.KindOutput, "Fix suggestions generated")
	}
}
