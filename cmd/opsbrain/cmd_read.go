package main

import (
	"github.com/spf13/cobra"

	"opsbrain/pkg/protocol"
)

// query sends a read request and decodes its data into v.
func (g *globalFlags) query(cmd *cobra.Command, req protocol.ControlRequest, v any) error {
	sock, err := g.socketPath()
	if err != nil {
		return err
	}
	ack, err := sendControl(cmd.Context(), sock, req)
	if err != nil {
		return err
	}
	return decodeData(ack, v)
}

// newEventsCmd creates the "opsbrain events" subcommand.
func newEventsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "events",
		Aliases: []string{"ls"},
		Short:   "List open events",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var events []*protocol.Event
			if err := g.query(cmd, protocol.ControlRequest{Op: protocol.OpListActive}, &events); err != nil {
				return err
			}
			return newPrinter(cmd.OutOrStdout(), g.json).events(events)
		},
	}
}

// newClosedCmd creates the "opsbrain closed" subcommand.
func newClosedCmd(g *globalFlags) *cobra.Command {
	var window string
	cmd := &cobra.Command{
		Use:   "closed <service>",
		Short: "List recently closed events for a service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var rows []protocol.ClosedSummary
			req := protocol.ControlRequest{Op: protocol.OpListClosed, Service: args[0], Window: window}
			if err := g.query(cmd, req, &rows); err != nil {
				return err
			}
			return newPrinter(cmd.OutOrStdout(), g.json).closed(rows)
		},
	}
	cmd.Flags().StringVarP(&window, "window", "w", "24h", "how far back to look")
	return cmd
}

// newShowCmd creates the "opsbrain show" subcommand.
func newShowCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <event-id>",
		Short: "Show an event and its conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var ev protocol.Event
			if err := g.query(cmd, protocol.ControlRequest{Op: protocol.OpGetEvent, EventID: args[0]}, &ev); err != nil {
				return err
			}
			return newPrinter(cmd.OutOrStdout(), g.json).event(&ev)
		},
	}
}

// newJournalCmd creates the "opsbrain journal" subcommand.
func newJournalCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "journal <service>",
		Short: "Show a service's journal",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var entries []protocol.JournalEntry
			if err := g.query(cmd, protocol.ControlRequest{Op: protocol.OpGetJournal, Service: args[0]}, &entries); err != nil {
				return err
			}
			return newPrinter(cmd.OutOrStdout(), g.json).journal(entries)
		},
	}
}

// newAgentsCmd creates the "opsbrain agents" subcommand.
func newAgentsCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "agents",
		Short: "List connected agents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var agents []protocol.AgentConnection
			if err := g.query(cmd, protocol.ControlRequest{Op: protocol.OpListAgents}, &agents); err != nil {
				return err
			}
			return newPrinter(cmd.OutOrStdout(), g.json).agents(agents)
		},
	}
}

// newWatchCmd creates the "opsbrain watch" subcommand.
func newWatchCmd(g *globalFlags) *cobra.Command {
	var eventID string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream progress and turn status changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sock, err := g.socketPath()
			if err != nil {
				return err
			}
			p := newPrinter(cmd.OutOrStdout(), g.json)
			return subscribe(cmd.Context(), sock, func(msg protocol.Message) {
				if eventID != "" && messageEventID(msg) != eventID {
					return
				}
				p.stream(msg)
			})
		},
	}
	cmd.Flags().StringVarP(&eventID, "event", "e", "", "only show messages for this event")
	return cmd
}

func messageEventID(msg protocol.Message) string {
	switch {
	case msg.Progress != nil:
		return msg.Progress.EventID
	case msg.Status != nil:
		return msg.Status.EventID
	default:
		return ""
	}
}
