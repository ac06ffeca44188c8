package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"opsbrain/pkg/protocol"
)

// Theme colors, ANSI 256 palette.
var (
	colorPrimary = lipgloss.Color("12")  // Blue
	colorSuccess = lipgloss.Color("10")  // Green
	colorWarning = lipgloss.Color("11")  // Yellow
	colorMuted   = lipgloss.Color("240") // Gray
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	labelStyle  = lipgloss.NewStyle().Bold(true)
)

// printer renders command output either styled or as JSON.
type printer struct {
	w      io.Writer
	json   bool
	styled bool
}

// newPrinter picks JSON when asked or when w is not a terminal.
func newPrinter(w io.Writer, forceJSON bool) *printer {
	tty := false
	if f, ok := w.(*os.File); ok {
		tty = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &printer{w: w, json: forceJSON, styled: tty}
}

func (p *printer) style(s lipgloss.Style, text string) string {
	if !p.styled {
		return text
	}
	return s.Render(text)
}

// emit writes v as indented JSON.
func (p *printer) emit(v any) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

// ack prints the outcome of a mutating control op.
func (p *printer) ack(resp *protocol.ControlResponse) error {
	if p.json {
		return p.emit(resp)
	}
	fmt.Fprintln(p.w, p.style(lipgloss.NewStyle().Foreground(colorSuccess), "ok")+" "+resp.Detail)
	return nil
}

func statusStyle(s protocol.EventStatus) lipgloss.Style {
	switch s {
	case protocol.EventActive:
		return lipgloss.NewStyle().Foreground(colorPrimary)
	case protocol.EventWaitingApproval, protocol.EventDeferred:
		return lipgloss.NewStyle().Foreground(colorWarning)
	case protocol.EventResolved, protocol.EventClosed:
		return lipgloss.NewStyle().Foreground(colorSuccess)
	default:
		return lipgloss.NewStyle()
	}
}

func turnStatusStyle(s protocol.TurnStatus) lipgloss.Style {
	switch s {
	case protocol.TurnSent:
		return mutedStyle
	case protocol.TurnDelivered:
		return lipgloss.NewStyle().Foreground(colorWarning)
	default:
		return lipgloss.NewStyle().Foreground(colorSuccess)
	}
}

// events prints one line per event.
func (p *printer) events(events []*protocol.Event) error {
	if p.json {
		return p.emit(events)
	}
	if len(events) == 0 {
		fmt.Fprintln(p.w, p.style(mutedStyle, "no open events"))
		return nil
	}
	fmt.Fprintln(p.w, p.style(headerStyle, fmt.Sprintf("%-36s  %-18s  %-16s  %5s  %s", "ID", "SERVICE", "STATUS", "TURNS", "UPDATED")))
	for _, ev := range events {
		status := fmt.Sprintf("%-16s", ev.Status)
		fmt.Fprintf(p.w, "%-36s  %-18s  %s  %5d  %s\n",
			ev.ID, truncate(ev.Service, 18), p.style(statusStyle(ev.Status), status), len(ev.Conversation), ago(ev.UpdatedAt))
	}
	return nil
}

// event prints an event header and its conversation.
func (p *printer) event(ev *protocol.Event) error {
	if p.json {
		return p.emit(ev)
	}
	fmt.Fprintf(p.w, "%s %s\n", p.style(labelStyle, "event"), ev.ID)
	fmt.Fprintf(p.w, "%s %s  %s %s  %s %s\n",
		p.style(labelStyle, "service"), ev.Service,
		p.style(labelStyle, "source"), ev.Source,
		p.style(labelStyle, "status"), p.style(statusStyle(ev.Status), string(ev.Status)))
	fmt.Fprintf(p.w, "%s %s\n", p.style(labelStyle, "evidence"), ev.Evidence.Summary())
	if ev.WakeAt != nil {
		fmt.Fprintf(p.w, "%s %s\n", p.style(labelStyle, "wakes"), ev.WakeAt.Format(time.RFC3339))
	}
	if ev.CloseReason != "" {
		fmt.Fprintf(p.w, "%s %s\n", p.style(labelStyle, "closed"), ev.CloseReason)
	}
	fmt.Fprintln(p.w)
	for _, t := range ev.Conversation {
		head := fmt.Sprintf("#%-3d %-10s %-16s", t.Turn, t.Actor, t.Action)
		mark := ""
		if t.PendingApproval {
			mark = p.style(lipgloss.NewStyle().Foreground(colorWarning).Bold(true), " [awaiting approval]")
		}
		fmt.Fprintf(p.w, "%s %s %s%s\n", p.style(headerStyle, head),
			p.style(turnStatusStyle(t.Status), fmt.Sprintf("%-9s", t.Status)),
			p.style(mutedStyle, t.Timestamp.Format("15:04:05")), mark)
		if text := t.Text(); text != "" {
			for _, line := range strings.Split(text, "\n") {
				fmt.Fprintf(p.w, "     %s\n", line)
			}
		}
	}
	return nil
}

func (p *printer) closed(rows []protocol.ClosedSummary) error {
	if p.json {
		return p.emit(rows)
	}
	if len(rows) == 0 {
		fmt.Fprintln(p.w, p.style(mutedStyle, "nothing closed in this window"))
		return nil
	}
	for _, r := range rows {
		fmt.Fprintf(p.w, "%s  %s  %s\n", p.style(mutedStyle, r.ClosedAt.Format(time.RFC3339)), r.ID, r.Summary)
	}
	return nil
}

func (p *printer) journal(entries []protocol.JournalEntry) error {
	if p.json {
		return p.emit(entries)
	}
	if len(entries) == 0 {
		fmt.Fprintln(p.w, p.style(mutedStyle, "journal is empty"))
		return nil
	}
	for _, e := range entries {
		fmt.Fprintf(p.w, "%s  %s\n", p.style(mutedStyle, e.Timestamp.Format(time.RFC3339)), e.Text)
	}
	return nil
}

func (p *printer) agents(agents []protocol.AgentConnection) error {
	if p.json {
		return p.emit(agents)
	}
	if len(agents) == 0 {
		fmt.Fprintln(p.w, p.style(mutedStyle, "no agents connected"))
		return nil
	}
	fmt.Fprintln(p.w, p.style(headerStyle, fmt.Sprintf("%-24s  %-10s  %-6s  %s", "AGENT", "ROLE", "STATE", "EVENT")))
	for _, a := range agents {
		state := p.style(lipgloss.NewStyle().Foreground(colorSuccess), "idle  ")
		if a.Busy {
			state = p.style(lipgloss.NewStyle().Foreground(colorWarning), "busy  ")
		}
		fmt.Fprintf(p.w, "%-24s  %-10s  %s  %s\n", a.AgentID, a.Role, state, a.CurrentEventID)
	}
	return nil
}

// stream prints one fan-out message.
func (p *printer) stream(msg protocol.Message) {
	if p.json {
		data, err := json.Marshal(msg)
		if err == nil {
			fmt.Fprintln(p.w, string(data))
		}
		return
	}
	now := p.style(mutedStyle, time.Now().Format("15:04:05"))
	switch {
	case msg.Progress != nil:
		fmt.Fprintf(p.w, "%s %s %s %s\n", now, msg.Progress.EventID, p.style(headerStyle, string(msg.Progress.Actor)), msg.Progress.Message)
	case msg.Status != nil:
		turns, all, err := msg.Status.TurnNumbers()
		which := "all"
		if err != nil {
			which = "?"
		} else if !all {
			which = fmt.Sprint(turns)
		}
		line := fmt.Sprintf("%s turns %s -> %s", msg.Status.EventID, which, msg.Status.Status)
		if msg.Status.Note != "" {
			line += " (" + msg.Status.Note + ")"
		}
		if msg.Status.Status == protocol.TurnEvaluated {
			fmt.Fprintf(p.w, "%s %s\n", now, line)
		} else {
			fmt.Fprintf(p.w, "%s %s\n", now, p.style(mutedStyle, line))
		}
	default:
		fmt.Fprintf(p.w, "%s %s\n", now, msg.Type)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t).Round(time.Second)
	if d < 0 {
		d = 0
	}
	return d.String() + " ago"
}
