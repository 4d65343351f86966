// Package task defines the Task domain entity and the stage selection rules
// that a task's mode implies.
package task

import (
	"fmt"
	"time"

	"github.com/Strob0t/StageForge/internal/domain"
)

// Status represents the current state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next is a legal step of
// pending -> running -> {completed | failed}.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusRunning || next == StatusFailed
	case StatusRunning:
		return next == StatusCompleted || next == StatusFailed
	default:
		return false
	}
}

// PreviousStatuses lists the statuses from which next may be entered.
func PreviousStatuses(next Status) []Status {
	var out []Status
	for _, s := range []Status{StatusPending, StatusRunning, StatusCompleted, StatusFailed} {
		if s.CanTransition(next) {
			out = append(out, s)
		}
	}
	return out
}

// Mode selects which stages of the pipeline run.
type Mode string

const (
	ModeFull Mode = "full"
	ModeCode Mode = "code"
	ModeTest Mode = "test"
)

// ParseMode converts a user supplied mode, defaulting an empty value to full.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeFull, nil
	case ModeFull, ModeCode, ModeTest:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q (want full, code or test)", domain.ErrValidation, s)
	}
}

// Stage is one unit of work in the pipeline.
type Stage string

const (
	StagePlanner  Stage = "planner"
	StageCoder    Stage = "coder"
	StageTester   Stage = "tester"
	StageDeployer Stage = "deployer"
)

// order is the total execution order of stages.
var order = []Stage{StagePlanner, StageCoder, StageTester, StageDeployer}

// Stages returns the stages m enables, in execution order. Every mode is a
// prefix of the full order, so a stage's inputs always exist when it runs.
func (m Mode) Stages() []Stage {
	n := len(order)
	switch m {
	case ModeCode:
		n = 2
	case ModeTest:
		n = 3
	}
	out := make([]Stage, n)
	copy(out, order[:n])
	return out
}

// Enables reports whether stage s runs under mode m.
func (m Mode) Enables(s Stage) bool {
	for _, st := range m.Stages() {
		if st == s {
			return true
		}
	}
	return false
}

// Task represents one submitted description and its pipeline run.
type Task struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Status      Status    `json:"status"`
	Mode        Mode      `json:"mode"`
	Model       string    `json:"model"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// maxTitleLen bounds the derived title.
const maxTitleLen = 100

// CreateRequest holds the fields needed to create a new task.
type CreateRequest struct {
	OwnerID     string `json:"owner_id" validate:"required,max=128"`
	Description string `json:"description" validate:"required,max=20000"`
	Mode        Mode   `json:"mode" validate:"omitempty,oneof=full code test"`
	Model       string `json:"model" validate:"omitempty,max=128"`
}

// Title derives the task title from the description.
func (r *CreateRequest) Title() string {
	runes := []rune(r.Description)
	if len(runes) > maxTitleLen {
		return string(runes[:maxTitleLen])
	}
	return r.Description
}

// AgentLog is one durable log record attached to a task.
type AgentLog struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	AgentName string    `json:"agent_name"`
	Kind      string    `json:"log_type"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
