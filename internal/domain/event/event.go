// Package event defines the LogEvent narrated by pipeline stages and the
// envelope delivered to live observers.
package event

import (
	"time"
	"unicode/utf8"
)

// Kind classifies a log event.
type Kind string

const (
	KindInfo    Kind = "info"
	KindCommand Kind = "command"
	KindOutput  Kind = "output"
	KindWarning Kind = "warning"
	KindError   Kind = "error"
)

// MaxContentLen bounds LogEvent.Content.
const MaxContentLen = 500

// LogEvent is one narrated step of a stage. It is immutable once built.
type LogEvent struct {
	Agent     string    `json:"agent"`
	Kind      Kind      `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// New builds a LogEvent stamped with the current UTC time and content
// truncated to MaxContentLen.
func New(agent string, kind Kind, content string) LogEvent {
	return LogEvent{
		Agent:     agent,
		Kind:      kind,
		Content:   Truncate(content, MaxContentLen),
		Timestamp: time.Now().UTC(),
	}
}

// Envelope is the JSON unit pushed to observers.
type Envelope struct {
	TaskID    string    `json:"task_id"`
	Agent     string    `json:"agent"`
	Type      Kind      `json:"type"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Wrap attaches the task identity to e for delivery.
func (e LogEvent) Wrap(taskID string) Envelope {
	return Envelope{
		TaskID:    taskID,
		Agent:     e.Agent,
		Type:      e.Kind,
		Content:   e.Content,
		Timestamp: e.Timestamp,
	}
}

// Truncate returns at most n bytes of s without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
