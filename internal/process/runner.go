// Package process runs shell commands for pipeline stages under a hard
// timeout. Every outcome, including failure to start, is reported through a
// Result; Run never returns an error.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Strob0t/StageForge/internal/domain/event"
)

const (
	// ExitTimeout is the exit code reported when a command exceeds its timeout.
	ExitTimeout = 124
	// ExitNotRun is the exit code reported when a command could not be started
	// or was cancelled before it finished.
	ExitNotRun = -1

	// waitDelay bounds how long Wait blocks on pipes held open by orphans
	// after the process group has been killed.
	waitDelay = 2 * time.Second
)

// Result is the outcome of one command.
type Result struct {
	Command  string        `json:"command"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	ExitCode int           `json:"exit_code"`
	TimedOut bool          `json:"timed_out"`
	Duration time.Duration `json:"duration"`
}

// OK reports whether the command exited zero.
func (r Result) OK() bool { return r.ExitCode == 0 && !r.TimedOut }

// Output returns stdout, falling back to stderr when stdout is empty.
func (r Result) Output() string {
	if strings.TrimSpace(r.Stdout) != "" {
		return r.Stdout
	}
	return r.Stderr
}

// Runner executes commands through the system shell. A Runner bounds the
// number of concurrently running processes across all pipeline runs.
type Runner struct {
	sem   *semaphore.Weighted
	shell string
}

// NewRunner creates a Runner allowing at most limit concurrent processes.
func NewRunner(limit int) *Runner {
	if limit < 1 {
		limit = 1
	}
	return &Runner{sem: semaphore.NewWeighted(int64(limit)), shell: "/bin/sh"}
}

// Run executes command in dir with sh -c. When timeout elapses the whole
// process group is killed and a synthetic timeout result is returned.
func (r *Runner) Run(ctx context.Context, command, dir string, timeout time.Duration) Result {
	start := time.Now()
	res := Result{Command: command}

	if r.sem != nil {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			res.ExitCode = ExitNotRun
			res.Stderr = fmt.Sprintf("waiting for process slot: %v", err)
			return res
		}
		defer r.sem.Release(1)
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, r.shell, "-c", command) //nolint:gosec // commands are built by the stages themselves
	cmd.Dir = dir
	configureCommandProcess(cmd)
	cmd.Cancel = func() error {
		terminateCommandProcess(cmd)
		return nil
	}
	cmd.WaitDelay = waitDelay

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res.Duration = time.Since(start)
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()

	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		res.TimedOut = true
		res.ExitCode = ExitTimeout
		res.Stderr = appendLine(res.Stderr, fmt.Sprintf("command timed out after %s", timeout))
		slog.Warn("process timed out", "command", event.Truncate(command, 120), "timeout", timeout)
	case ctx.Err() != nil:
		res.ExitCode = ExitNotRun
		res.Stderr = appendLine(res.Stderr, fmt.Sprintf("command cancelled: %v", ctx.Err()))
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// -1 when the process was killed by a signal.
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = ExitNotRun
			res.Stderr = appendLine(res.Stderr, err.Error())
		}
	}
	return res
}

func appendLine(s, line string) string {
	if s == "" || strings.HasSuffix(s, "\n") {
		return s + line
	}
	return s + "\n" + line
}
