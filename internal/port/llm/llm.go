// Package llm defines the model-query port and the recoverable failure modes
// the pipeline handles without aborting a run.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Message roles.
const (
	RoleSystem = "system"
	RoleUser   = "user"
)

// Message is one chat message sent to a model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// System builds a system message.
func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

// User builds a user message.
func User(content string) Message { return Message{Role: RoleUser, Content: content} }

// Client queries a chat model and returns its text answer.
type Client interface {
	Query(ctx context.Context, messages []Message, model string) (string, error)
}

// ModelLister lists models known to the backend.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// Recoverable failure classes. Adapters wrap one of these so callers can
// branch with errors.Is.
var (
	ErrUnavailable = errors.New("model server not available")
	ErrStatus      = errors.New("model server returned an error status")
	ErrTimeout     = errors.New("model query timed out")
)

// StatusError carries the HTTP status of a failed query. It matches ErrStatus.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("model error: status %d", e.Code)
	}
	return fmt.Sprintf("model error: status %d: %s", e.Code, e.Body)
}

// Is reports ErrStatus as a match.
func (e *StatusError) Is(target error) bool { return target == ErrStatus }

// SentinelText renders err as the bracketed text that stands in for a model
// answer. Sentinel text never contains a JSON object of the shape a stage
// expects, so structured parsing falls back on it.
func SentinelText(err error) string {
	var se *StatusError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &se):
		return fmt.Sprintf("[Model error: status %d]", se.Code)
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "[Model query timed out]"
	case errors.Is(err, ErrUnavailable):
		return "[Model server not available]"
	default:
		return fmt.Sprintf("[LLM Error: %v]", err)
	}
}
