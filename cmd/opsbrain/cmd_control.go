package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"opsbrain/pkg/protocol"
)

// control sends req and prints the ACK.
func (g *globalFlags) control(cmd *cobra.Command, req protocol.ControlRequest) error {
	sock, err := g.socketPath()
	if err != nil {
		return err
	}
	ack, err := sendControl(cmd.Context(), sock, req)
	if err != nil {
		return err
	}
	return newPrinter(cmd.OutOrStdout(), g.json).ack(ack)
}

// newIngestCmd creates the "opsbrain ingest" subcommand.
func newIngestCmd(g *globalFlags) *cobra.Command {
	var (
		source  string
		metrics map[string]string
	)
	cmd := &cobra.Command{
		Use:   "ingest <service> [text...]",
		Short: "Submit a signal for a service",
		Long: `Submits an external signal. A signal for a service that already has an
open event inside the correlation window joins that event instead of
opening a new one.

Evidence is either free text or a metrics snapshot:
  opsbrain ingest checkout "p99 latency above 2s"
  opsbrain ingest checkout --metric error_rate=0.07 --metric p99_ms=2300`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := buildIngest(args[0], strings.Join(args[1:], " "), protocol.Source(source), metrics, time.Now())
			if err != nil {
				return err
			}
			return g.control(cmd, req)
		},
	}
	cmd.Flags().StringVar(&source, "source", string(protocol.SourceTelemetry), "signal source: telemetry, chat, ticket or observer")
	cmd.Flags().StringToStringVar(&metrics, "metric", nil, "metric name=value (repeatable)")
	return cmd
}

func buildIngest(service, text string, source protocol.Source, metrics map[string]string, now time.Time) (protocol.ControlRequest, error) {
	req := protocol.ControlRequest{Op: protocol.OpIngest, Service: service, Source: source}
	switch {
	case len(metrics) > 0:
		snap := protocol.MetricsSnapshot{Values: make(map[string]float64, len(metrics)), CapturedAt: now.UTC()}
		for k, v := range metrics {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return req, fmt.Errorf("metric %s: %q is not a number", k, v)
			}
			snap.Values[k] = f
		}
		if text != "" {
			snap.Labels = map[string]string{"note": text}
		}
		ev := protocol.MetricsEvidence(snap)
		req.Evidence = &ev
	case text != "":
		req.Text = text
	default:
		return req, fmt.Errorf("ingest needs text or at least one --metric")
	}
	return req, nil
}

// newPostCmd creates the "opsbrain post" subcommand.
func newPostCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "post <event-id> <message...>",
		Short: "Add an operator message to an open event",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.control(cmd, protocol.ControlRequest{Op: protocol.OpPost, EventID: args[0], Text: strings.Join(args[1:], " ")})
		},
	}
}

// newApproveCmd creates "opsbrain approve" or "opsbrain reject".
func newApproveCmd(g *globalFlags, approve bool) *cobra.Command {
	op, use, short := protocol.OpApprove, "approve", "Approve the plan an event is waiting on"
	if !approve {
		op, use, short = protocol.OpReject, "reject", "Reject the plan an event is waiting on"
	}
	return &cobra.Command{
		Use:   use + " <event-id> [note...]",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.control(cmd, protocol.ControlRequest{Op: op, EventID: args[0], Text: strings.Join(args[1:], " ")})
		},
	}
}

// newCloseCmd creates the "opsbrain close" subcommand.
func newCloseCmd(g *globalFlags) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "close <event-id>",
		Short: "Force-close an event",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.control(cmd, protocol.ControlRequest{Op: protocol.OpForceClose, EventID: args[0], Text: reason})
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "closed by operator", "close reason recorded in the journal")
	return cmd
}

// newStopAllCmd creates the "opsbrain stop-all" subcommand.
func newStopAllCmd(g *globalFlags) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "stop-all",
		Short: "Emergency stop: cancel every active task and pause the loop until resume",
		Long: `Cancels every in-flight dispatch, records a cancelled turn on each
affected event and pauses the event loop. The loop stays paused until
"opsbrain resume": new signals and messages are recorded but not processed.
Requires an interactive confirmation or --yes.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				ok, err := confirm(cmd.InOrStdin(), cmd.OutOrStdout(), isStdinTTY(), "Cancel all active tasks and pause the loop until resume?")
				if err != nil {
					return err
				}
				if !ok {
					fmt.Fprintln(cmd.OutOrStdout(), "aborted")
					return nil
				}
			}
			return g.control(cmd, protocol.ControlRequest{Op: protocol.OpEmergencyStop})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")
	return cmd
}

// newResumeCmd creates the "opsbrain resume" subcommand.
func newResumeCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume the event loop after an emergency stop",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return g.control(cmd, protocol.ControlRequest{Op: protocol.OpResume})
		},
	}
}

func isStdinTTY() bool {
	return isatty.IsTerminal(os.Stdin.Fd())
}

// confirm asks a yes/no question. Without a terminal it refuses, so scripts
// must pass --yes explicitly.
func confirm(in io.Reader, out io.Writer, tty bool, question string) (bool, error) {
	if !tty {
		return false, fmt.Errorf("refusing to prompt without a terminal; pass --yes")
	}
	fmt.Fprintf(out, "%s [y/N] ", question)
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && line == "" {
		return false, nil //nolint:nilerr // EOF on the prompt means no
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}
