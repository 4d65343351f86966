package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/Strob0t/StageForge/internal/adapter/postgres"
	"github.com/Strob0t/StageForge/internal/adapter/sqlite"
	"github.com/Strob0t/StageForge/internal/config"
	"github.com/Strob0t/StageForge/internal/domain/task"
	"github.com/Strob0t/StageForge/internal/port/database"
)

// isTerminal reports whether w is an interactive terminal.
var isTerminal = func(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd())) //nolint:gosec // fd fits in int
}

func newAdminCmd() *cobra.Command {
	var (
		owner  string
		asJSON bool
	)
	admin := &cobra.Command{
		Use:   "admin",
		Short: "Inspect tasks and the database",
	}
	admin.PersistentFlags().StringVarP(&owner, "owner", "o", "default", "owner whose tasks are shown")
	admin.PersistentFlags().BoolVar(&asJSON, "json", false, "print JSON even on a terminal")

	listTasks := &cobra.Command{
		Use:   "list-tasks",
		Short: "List an owner's tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(s database.Store) error {
				tasks, err := s.ListTasks(cmd.Context(), owner)
				if err != nil {
					return err
				}
				return printTasks(cmd.OutOrStdout(), tasks, asJSON)
			})
		},
	}

	taskLogs := &cobra.Command{
		Use:   "task-logs <task-id>",
		Short: "Show a task's log in insertion order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(s database.Store) error {
				if _, err := s.GetTask(cmd.Context(), owner, args[0]); err != nil {
					return err
				}
				logs, err := s.ListAgentLogs(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printLogs(cmd.OutOrStdout(), logs, asJSON)
			})
		},
	}

	migrateVersion := &cobra.Command{
		Use:   "migrate-version",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			v, err := migrationVersion(cmd, cfg)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s schema version: %d\n", cfg.Store.Driver, v)
			return err
		},
	}

	var steps int
	migrateDown := &cobra.Command{
		Use:   "migrate-down",
		Short: "Roll back PostgreSQL migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Store.Driver != "postgres" {
				return errors.New("migrate-down is only supported for the postgres store")
			}
			if err := postgres.RollbackMigrations(cmd.Context(), cfg.Postgres.DSN, steps); err != nil {
				return err
			}
			v, err := postgres.MigrationVersion(cmd.Context(), cfg.Postgres.DSN)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d step(s), schema version: %d\n", steps, v)
			return err
		},
	}
	migrateDown.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	admin.AddCommand(listTasks, taskLogs, migrateVersion, migrateDown)
	return admin
}

func withStore(cmd *cobra.Command, fn func(database.Store) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	s, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer func() { _ = s.Close() }()
	return fn(s)
}

func migrationVersion(cmd *cobra.Command, cfg *config.Config) (int64, error) {
	if cfg.Store.Driver == "postgres" {
		return postgres.MigrationVersion(cmd.Context(), cfg.Postgres.DSN)
	}
	s, err := sqlite.Open(cmd.Context(), cfg.SQLite.Path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = s.Close() }()
	return s.MigrationVersion(cmd.Context())
}

func printTasks(w io.Writer, tasks []task.Task, asJSON bool) error {
	if asJSON || !isTerminal(w) {
		if tasks == nil {
			tasks = []task.Task{}
		}
		return writeJSONTo(w, tasks)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tMODE\tMODEL\tCREATED\tTITLE")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Status, t.Mode, t.Model, t.CreatedAt.Format("2006-01-02 15:04:05"), t.Title)
	}
	return tw.Flush()
}

func printLogs(w io.Writer, logs []task.AgentLog, asJSON bool) error {
	if asJSON || !isTerminal(w) {
		if logs == nil {
			logs = []task.AgentLog{}
		}
		return writeJSONTo(w, logs)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tAGENT\tTYPE\tMESSAGE")
	for _, l := range logs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", l.CreatedAt.Format("15:04:05"), l.AgentName, l.Kind, firstLine(l.Message))
	}
	return tw.Flush()
}

func writeJSONTo(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			return s[:i] + " …"
		}
	}
	return s
}
