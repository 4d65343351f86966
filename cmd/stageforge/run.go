package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Strob0t/StageForge/internal/domain/event"
	"github.com/Strob0t/StageForge/internal/domain/task"
	"github.com/Strob0t/StageForge/internal/logger"
	"github.com/Strob0t/StageForge/internal/service"
)

func newRunCmd() *cobra.Command {
	var (
		mode      string
		owner     string
		model     string
		remoteURL string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "run [flags] <task description>",
		Short: "Run one pipeline in this process against the SQLite store",
		Example: `  stageforge run --mode full --owner me "build a calculator"
  stageforge run --mode code "a python script that prints primes"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			// The local run is self-contained: embedded store, in-process queue.
			cfg.Store.Driver = "sqlite"
			cfg.Dispatcher.Queue = "memory"
			cfg.Logging.Level = "warn"

			log, closer := logger.NewWithWriter(cfg.Logging, cmd.ErrOrStderr())
			slog.SetDefault(log)
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := &eventPrinter{w: cmd.OutOrStdout(), json: asJSON}
			a, err := buildApp(ctx, cfg, out)
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()

			t, err := a.tasks.Execute(ctx, owner, service.ExecuteRequest{
				Task:      strings.Join(args, " "),
				Model:     model,
				Mode:      mode,
				RemoteURL: remoteURL,
			})
			if err != nil {
				return err
			}
			res := a.orchestrator.Run(ctx, service.RunRequest{
				TaskID:      t.ID,
				OwnerID:     t.OwnerID,
				Description: t.Description,
				Mode:        t.Mode,
				Model:       t.Model,
				RemoteURL:   remoteURL,
			})
			return out.result(t.ID, res)
		},
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", string(task.ModeFull), "stages to run: full, code or test")
	cmd.Flags().StringVarP(&owner, "owner", "o", "default", "owner identity; selects the workspace")
	cmd.Flags().StringVar(&model, "model", "", "model name (default from config)")
	cmd.Flags().StringVar(&remoteURL, "remote", "", "git remote the deployer pushes to")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print events and the result as JSON lines")
	return cmd
}

// eventPrinter writes narrated events as they happen. It stands in for the
// observer socket during a local run.
type eventPrinter struct {
	mu   sync.Mutex
	w    io.Writer
	json bool
}

// Publish implements broadcast.Publisher.
func (p *eventPrinter) Publish(_ string, env event.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		_ = json.NewEncoder(p.w).Encode(env)
		return
	}
	fmt.Fprintf(p.w, "%s [%-8s] %-7s %s\n", env.Timestamp.Format("15:04:05"), env.Agent, env.Type, env.Content)
}

func (p *eventPrinter) result(taskID string, res service.RunResult) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.json {
		if err := json.NewEncoder(p.w).Encode(struct {
			TaskID string `json:"task_id"`
			service.RunResult
		}{taskID, res}); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(p.w, "\ntask %s: %s\n", taskID, res.Status)
		if pc := res.Context; pc != nil {
			for _, f := range pc.Files {
				fmt.Fprintf(p.w, "  file  %s\n", f)
			}
			for _, v := range pc.TestResults {
				fmt.Fprintf(p.w, "  test  %-8s %s\n", v.Status, v.File)
			}
		}
	}
	if res.Status == task.StatusFailed {
		return fmt.Errorf("run failed: %s", res.Error)
	}
	return nil
}

