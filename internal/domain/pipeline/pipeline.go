// Package pipeline defines the values threaded between pipeline stages: the
// per-run Context, each stage's StageResult, and the stage payload shapes.
package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Context is the evolving record carried through one run. Each optional
// field is written by exactly one stage and read by the ones after it. A
// Context belongs to a single in-flight run and is never shared.
type Context struct {
	OwnerID   string `json:"owner_id"`
	TaskID    string `json:"-"`
	Model     string `json:"model"`
	RemoteURL string `json:"remote_url,omitempty"`

	// Plan is set by the planner.
	Plan *Plan `json:"plan,omitempty"`
	// Files is set by the coder: workspace-relative paths written.
	Files []string `json:"files,omitempty"`
	// TestResults is set by the tester; nil means the tester has not run.
	TestResults []FileVerdict `json:"test_results,omitempty"`
	// Tested records that the tester ran, even with zero files. The
	// deployer refuses to run without it.
	Tested bool `json:"tested"`
}

// StageStatus is the outcome an agent reports for its stage.
type StageStatus string

const (
	StageCompleted           StageStatus = "completed"
	StageCompletedWithErrors StageStatus = "completed_with_errors"
	StageError               StageStatus = "error"
)

// StageResult is the value an agent hands back to the orchestrator. Only
// the payload field belonging to the agent's stage is populated.
type StageResult struct {
	Agent   string        `json:"agent"`
	Status  StageStatus   `json:"status"`
	Message string        `json:"message,omitempty"`
	Plan    *Plan         `json:"plan,omitempty"`
	Files   []string      `json:"files,omitempty"`
	Results []FileVerdict `json:"results,omitempty"`
	Steps   []DeployStep  `json:"steps,omitempty"`
}

// Failed builds an error result for agent carrying msg.
func Failed(agent, msg string) StageResult {
	return StageResult{Agent: agent, Status: StageError, Message: msg}
}

// StepID identifies a plan step. Models emit both numbers and strings, so
// either form is accepted.
type StepID string

// UnmarshalJSON accepts a JSON number or string.
func (id *StepID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = StepID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("step id: %w", err)
	}
	*id = StepID(n.String())
	return nil
}

// MarshalJSON emits integral IDs as numbers and anything else as a string.
func (id StepID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

// PlanStep is one ordered step of a plan.
type PlanStep struct {
	ID           StepID   `json:"id"`
	Title        string   `json:"title"`
	Description  string   `json:"description"`
	Type         string   `json:"type"`
	Dependencies []StepID `json:"dependencies"`
	Complexity   string   `json:"complexity"`
}

// Plan is the planner's output.
type Plan struct {
	Steps []PlanStep `json:"steps"`
	// RawResponse holds the model text verbatim when the plan is a fallback.
	RawResponse string `json:"raw_response,omitempty"`
}

// FileSpec is one file the coder materializes.
type FileSpec struct {
	Path     string `json:"path"`
	Content  string `json:"content"`
	Language string `json:"language"`
}

// FileSet is the coder's parsed model output.
type FileSet struct {
	Files []FileSpec `json:"files"`
}

// Verdict is the tester's outcome for one file.
type Verdict string

const (
	VerdictPassed  Verdict = "passed"
	VerdictError   Verdict = "error"
	VerdictSkipped Verdict = "skipped"
	VerdictMissing Verdict = "missing"
)

// FileVerdict is the tester's result for one file.
type FileVerdict struct {
	File   string   `json:"file"`
	Status Verdict  `json:"status"`
	Errors []string `json:"errors"`
}

// DeployStep records one deployer shell step.
type DeployStep struct {
	Step     string `json:"step"`
	Command  string `json:"command"`
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
	Error    string `json:"error,omitempty"`
}
