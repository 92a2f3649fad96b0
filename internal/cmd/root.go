// Package cmd implements the dreamteam command line.
package cmd

import (
	"fmt"
	"io"

	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"

	"github.com/aristath/dreamteam/internal/config"
)

// app holds state shared by every command of one invocation.
type app struct {
	configPath string
	cfg        *config.Config
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "dreamteam",
		Short: "Task orchestration engine for agent teams",
		Long: `Dreamteam schedules role-tagged tasks for a team of agents. Tasks
depend on each other, retry with backoff, wait for approval when asked,
and are reclaimed by a watchdog when their worker goes quiet.

Run 'dreamteam serve' to start the scheduler and its HTTP API, or use the
task and queue commands to work with the store directly.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig()
		},
	}
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "project config file (default .dreamteam/config.json)")

	root.AddCommand(
		newServeCmd(a),
		newTopCmd(a),
		newTaskCmd(a),
		newQueueCmd(a),
		newTreeCmd(a),
		newMetricsCmd(a),
		newConfigCmd(a),
	)
	return root
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

func (a *app) loadConfig() error {
	globalPath, err := config.GlobalPath()
	if err != nil {
		globalPath = ""
	}
	projectPath := a.configPath
	if projectPath == "" {
		projectPath = config.ProjectPath()
	}
	cfg, err := config.Load(globalPath, projectPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	data, err := sonic.ConfigStd.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
