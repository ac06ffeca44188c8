package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"opsbrain/internal/version"
	"opsbrain/pkg/config"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	socket     string
	json       bool
}

// newRootCmd creates the root opsbrain command with all subcommands attached.
func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "opsbrain",
		Short: "Autonomous operations orchestrator",
		Long: "opsbrain turns operational signals into events, reasons about them,\n" +
			"dispatches work to role-based agents and closes events with a journal entry.",
		Version:       version.String(),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetVersionTemplate("opsbrain {{.Version}}\n")

	cmd.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "config file (.yaml, .yml or .toml)")
	cmd.PersistentFlags().StringVar(&g.socket, "socket", "", "brain socket path (overrides config)")
	cmd.PersistentFlags().BoolVar(&g.json, "json", false, "print JSON instead of styled output")

	cmd.AddCommand(
		newServeCmd(g),
		newAgentCmd(g),
		newIngestCmd(g),
		newPostCmd(g),
		newApproveCmd(g, true),
		newApproveCmd(g, false),
		newCloseCmd(g),
		newStopAllCmd(g),
		newResumeCmd(g),
		newEventsCmd(g),
		newClosedCmd(g),
		newShowCmd(g),
		newJournalCmd(g),
		newAgentsCmd(g),
		newWatchCmd(g),
		newVersionCmd(),
	)
	return cmd
}

// load reads the config file and applies the --socket override.
func (g *globalFlags) load() (*config.Config, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if g.socket != "" {
		cfg.Socket = g.socket
	}
	return cfg, nil
}

// socketPath resolves the brain socket without requiring a valid store
// section, so operator commands work from any machine that can reach it.
func (g *globalFlags) socketPath() (string, error) {
	if g.socket != "" {
		return g.socket, nil
	}
	cfg, err := g.load()
	if err != nil {
		return "", err
	}
	return cfg.Socket, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Long())
		},
	}
}
