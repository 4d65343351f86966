package main

import (
	"github.com/spf13/cobra"

	"github.com/Strob0t/StageForge/internal/config"
)

const flagConfig = "config"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "stageforge",
		Short: "Planner, coder, tester and deployer pipeline for plain-language tasks",
		Long: `stageforge turns a plain-language task into a plan, generated files,
a per-file verification report and a committed workspace.

Run 'stageforge serve' for the HTTP and WebSocket API or 'stageforge run'
to execute one pipeline in this process.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP(flagConfig, "c", config.DefaultConfigFile, "path to the YAML config file")

	root.AddCommand(newServeCmd(), newRunCmd(), newAdminCmd())
	return root
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString(flagConfig)
	if err != nil {
		return nil, err
	}
	return config.LoadFrom(path)
}
