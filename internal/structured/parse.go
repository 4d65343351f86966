// Package structured turns free-form model text into typed pipeline values.
// Parsing never fails past this boundary: input that cannot be read as the
// expected shape yields a deterministic fallback so the pipeline proceeds.
package structured

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/Strob0t/StageForge/internal/domain/event"
	"github.com/Strob0t/StageForge/internal/domain/pipeline"
)

// FallbackFileName is the pseudo-file that carries unparseable coder output.
const FallbackFileName = "generated_output.txt"

// fallbackDescriptionLen bounds the first fallback step's description.
const fallbackDescriptionLen = 200

var (
	errNoObject = errors.New("no JSON object found")

	trailingCommaRegex = regexp.MustCompile(`,\s*([}\]])`)
)

// ParsePlan reads raw as a plan object {"steps": [...]}. The boolean is true
// when the returned plan is the fallback.
func ParsePlan(raw string) (pipeline.Plan, bool) {
	var shape struct {
		Steps json.RawMessage `json:"steps"`
	}
	if err := decodeObject(raw, &shape); err != nil || !isArray(shape.Steps) {
		return FallbackPlan(raw), true
	}
	var steps []pipeline.PlanStep
	if err := json.Unmarshal(shape.Steps, &steps); err != nil {
		return FallbackPlan(raw), true
	}
	if steps == nil {
		steps = []pipeline.PlanStep{}
	}
	return pipeline.Plan{Steps: steps}, false
}

// ParseFileSet reads raw as {"files": [{"path", "content", "language"}]}.
// Entries without a path are dropped; if nothing usable remains the
// fallback pseudo-file is returned instead.
func ParseFileSet(raw string) (pipeline.FileSet, bool) {
	var shape struct {
		Files json.RawMessage `json:"files"`
	}
	if err := decodeObject(raw, &shape); err != nil || !isArray(shape.Files) {
		return FallbackFileSet(raw), true
	}
	var files []pipeline.FileSpec
	if err := json.Unmarshal(shape.Files, &files); err != nil {
		return FallbackFileSet(raw), true
	}
	usable := files[:0]
	for _, f := range files {
		if strings.TrimSpace(f.Path) == "" {
			continue
		}
		usable = append(usable, f)
	}
	if len(usable) == 0 {
		return FallbackFileSet(raw), true
	}
	return pipeline.FileSet{Files: usable}, false
}

// FallbackPlan is the fixed four-step plan used when the model's answer is
// not a plan. The raw text is kept verbatim for audit.
func FallbackPlan(raw string) pipeline.Plan {
	return pipeline.Plan{
		Steps: []pipeline.PlanStep{
			{ID: "1", Title: "Analysis", Description: event.Truncate(raw, fallbackDescriptionLen), Type: "design", Dependencies: []pipeline.StepID{}, Complexity: "medium"},
			{ID: "2", Title: "Implementation", Description: "Implement the solution based on analysis", Type: "code", Dependencies: []pipeline.StepID{"1"}, Complexity: "high"},
			{ID: "3", Title: "Testing", Description: "Test the implementation", Type: "test", Dependencies: []pipeline.StepID{"2"}, Complexity: "medium"},
			{ID: "4", Title: "Deployment", Description: "Deploy the solution", Type: "deploy", Dependencies: []pipeline.StepID{"3"}, Complexity: "low"},
		},
		RawResponse: raw,
	}
}

// FallbackFileSet wraps raw in the single pseudo-file so no model output is lost.
func FallbackFileSet(raw string) pipeline.FileSet {
	return pipeline.FileSet{
		Files: []pipeline.FileSpec{{Path: FallbackFileName, Content: raw, Language: "text"}},
	}
}

// decodeObject locates the first JSON object in s and decodes it into v,
// retrying once with common model syntax slips repaired.
func decodeObject(s string, v any) error {
	obj, err := extractObject(s)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(strings.NewReader(obj))
	if err := dec.Decode(v); err == nil {
		return nil
	}
	repaired := repairJSON(obj)
	if repaired == obj {
		return fmt.Errorf("decode: %w", errNoObject)
	}
	dec = json.NewDecoder(strings.NewReader(repaired))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode repaired: %w", err)
	}
	return nil
}

// extractObject strips markdown fences and returns s from the first '{'.
// Trailing prose after the object is left for the decoder to ignore.
func extractObject(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	if start < 0 {
		return "", errNoObject
	}
	return s[start:], nil
}

// repairJSON escapes raw control characters inside strings and drops
// trailing commas.
func repairJSON(s string) string {
	return trailingCommaRegex.ReplaceAllString(escapeControlChars(s), "$1")
}

func escapeControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString && c < 0x20:
			switch c {
			case '\n':
				b.WriteString(`\n`)
			case '\t':
				b.WriteString(`\t`)
			case '\r':
				b.WriteString(`\r`)
			default:
				fmt.Fprintf(&b, `\u%04x`, c)
			}
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isArray(raw json.RawMessage) bool {
	t := strings.TrimSpace(string(raw))
	return strings.HasPrefix(t, "[")
}
