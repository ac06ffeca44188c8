package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"opsbrain/internal/logging"
	"opsbrain/pkg/agent"
	"opsbrain/pkg/protocol"
)

// newAgentCmd creates the "opsbrain agent" subcommand.
func newAgentCmd(g *globalFlags) *cobra.Command {
	var (
		role    string
		id      string
		command string
		workdir string
	)
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run a worker agent for one role",
		Long: `Connects to the brain socket, registers for a role and runs every task
it receives through a shell command. The task prompt arrives on stdin and
OPSBRAIN_EVENT_ID / OPSBRAIN_ROLE are set; each stdout line is streamed back
as progress and the tail of stdout becomes the result.

  opsbrain agent --role sysadmin --exec ./runbooks/sysadmin.sh`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r := protocol.Actor(role)
			if !r.IsAgent() {
				return fmt.Errorf("--role must be one of architect, sysadmin, developer, aligner (got %q)", role)
			}
			if command == "" {
				return fmt.Errorf("--exec is required")
			}
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if id == "" {
				id = fmt.Sprintf("%s-%s", role, uuid.NewString()[:8])
			}
			log := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
			a, err := agent.New(agent.Config{ID: id, Role: r, SocketPath: cfg.Socket},
				&agent.CommandExecutor{Command: command, Dir: workdir}, log)
			if err != nil {
				return err
			}
			if err := a.Run(cmd.Context()); err != nil {
				return fmt.Errorf("agent %s: %w", id, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", "", "role to serve (required)")
	cmd.Flags().StringVar(&id, "id", "", "agent id (default <role>-<random>)")
	cmd.Flags().StringVar(&command, "exec", "", "shell command run for each task (required)")
	cmd.Flags().StringVar(&workdir, "dir", "", "working directory for the command")
	return cmd
}
