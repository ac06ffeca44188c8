package reasoning

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"opsbrain/pkg/protocol"

	"gopkg.in/yaml.v3"
)

// Playbook is a deterministic Engine driven by YAML rules. Each rule matches
// the newest inbound turn the orchestrator has not yet evaluated and yields
// one action. Text fields may use {service}, {text} and {result}.
//
//	rules:
//	  - name: investigate
//	    match: {actor: aligner, action: signal}
//	    then:
//	      dispatch: {agents: [architect], prompt: "Investigate {service}: {text}"}
//	default:
//	  respond: "No playbook rule for {text}"
type Playbook struct {
	Rules   []Rule `yaml:"rules"`
	Default *Then  `yaml:"default,omitempty"`

	now func() time.Time
}

// Rule pairs a match with an action.
type Rule struct {
	Name  string `yaml:"name"`
	Match Match  `yaml:"match"`
	Then  Then   `yaml:"then"`
}

// Match selects turns. Empty fields match anything.
type Match struct {
	Actor    protocol.Actor `yaml:"actor,omitempty"`
	Action   string         `yaml:"action,omitempty"`
	Service  string         `yaml:"service,omitempty"`
	Contains string         `yaml:"contains,omitempty"`
}

// Then holds exactly one action template.
type Then struct {
	Respond         string         `yaml:"respond,omitempty"`
	Dispatch        *DispatchRule  `yaml:"dispatch,omitempty"`
	RequestApproval *ApprovalRule  `yaml:"request_approval,omitempty"`
	Defer           *DeferRule     `yaml:"defer,omitempty"`
	Close           *CloseRule     `yaml:"close,omitempty"`
}

// DispatchRule is the template for a Dispatch action.
type DispatchRule struct {
	Agents []protocol.Actor `yaml:"agents"`
	Prompt string           `yaml:"prompt"`
}

// ApprovalRule is the template for a RequestApproval action.
type ApprovalRule struct {
	Plan string `yaml:"plan"`
}

// DeferRule is the template for a Defer action; After is a Go duration.
type DeferRule struct {
	After  string `yaml:"after"`
	Reason string `yaml:"reason"`

	after time.Duration
}

// CloseRule is the template for a Close action.
type CloseRule struct {
	Reason   string `yaml:"reason"`
	Resolved bool   `yaml:"resolved"`
}

// LoadPlaybook reads and validates a playbook file.
func LoadPlaybook(path string) (*Playbook, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read playbook: %w", err)
	}
	return ParsePlaybook(data)
}

// ParsePlaybook decodes YAML, rejecting unknown fields.
func ParsePlaybook(data []byte) (*Playbook, error) {
	pb := &Playbook{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(pb); err != nil {
		return nil, fmt.Errorf("parse playbook: %w", err)
	}
	if err := pb.validate(); err != nil {
		return nil, err
	}
	return pb, nil
}

// WithClock sets the time source used for defer rules.
func (p *Playbook) WithClock(now func() time.Time) *Playbook {
	p.now = now
	return p
}

func (p *Playbook) validate() error {
	for i := range p.Rules {
		r := &p.Rules[i]
		if r.Match.Actor != "" && !r.Match.Actor.Valid() {
			return fmt.Errorf("rule %q: unknown actor %q", r.Name, r.Match.Actor)
		}
		if err := r.Then.validate(); err != nil {
			return fmt.Errorf("rule %q: %w", r.Name, err)
		}
	}
	if p.Default != nil {
		if err := p.Default.validate(); err != nil {
			return fmt.Errorf("default: %w", err)
		}
	}
	return nil
}

func (t *Then) validate() error {
	set := 0
	if t.Respond != "" {
		set++
	}
	if t.Dispatch != nil {
		set++
		if len(t.Dispatch.Agents) == 0 {
			return errors.New("dispatch needs at least one agent")
		}
		for _, role := range t.Dispatch.Agents {
			if !role.IsAgent() {
				return fmt.Errorf("dispatch: %q is not an agent role", role)
			}
		}
	}
	if t.RequestApproval != nil {
		set++
	}
	if t.Defer != nil {
		set++
		d, err := time.ParseDuration(t.Defer.After)
		if err != nil || d <= 0 {
			return fmt.Errorf("defer: invalid duration %q", t.Defer.After)
		}
		t.Defer.after = d
	}
	if t.Close != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("then must set exactly one action, got %d", set)
	}
	return nil
}

// Decide implements Engine.
func (p *Playbook) Decide(_ context.Context, ev *protocol.Event) (Action, error) {
	turn := pendingInbound(ev)
	vars := strings.NewReplacer(
		"{service}", ev.Service,
		"{text}", turnText(turn, ev),
		"{result}", latestResult(ev),
	)
	if turn != nil {
		for _, r := range p.Rules {
			if r.Match.matches(ev, turn) {
				return p.render(r.Then, vars), nil
			}
		}
	}
	if p.Default != nil {
		return p.render(*p.Default, vars), nil
	}
	return Respond{Text: vars.Replace("No playbook rule matched for {service}.")}, nil
}

func (m Match) matches(ev *protocol.Event, t *protocol.Turn) bool {
	if m.Actor != "" && m.Actor != t.Actor {
		return false
	}
	if m.Action != "" && m.Action != t.Action {
		return false
	}
	if m.Service != "" && m.Service != ev.Service {
		return false
	}
	if m.Contains != "" && !strings.Contains(strings.ToLower(t.Text()), strings.ToLower(m.Contains)) {
		return false
	}
	return true
}

func (p *Playbook) render(t Then, vars *strings.Replacer) Action {
	switch {
	case t.Dispatch != nil:
		return Dispatch{Agents: append([]protocol.Actor(nil), t.Dispatch.Agents...), Prompt: vars.Replace(t.Dispatch.Prompt)}
	case t.RequestApproval != nil:
		return RequestApproval{Plan: vars.Replace(t.RequestApproval.Plan)}
	case t.Defer != nil:
		now := time.Now
		if p.now != nil {
			now = p.now
		}
		return Defer{Until: now().Add(t.Defer.after), Reason: vars.Replace(t.Defer.Reason)}
	case t.Close != nil:
		return Close{Reason: vars.Replace(t.Close.Reason), Resolved: t.Close.Resolved}
	default:
		return Respond{Text: vars.Replace(t.Respond)}
	}
}

// pendingInbound returns the newest non-brain turn still awaiting
// evaluation. An event woken from a deferral has nothing pending; it
// resumes from the newest inbound turn that was not a busy or cancelled record.
func pendingInbound(ev *protocol.Event) *protocol.Turn {
	for i := len(ev.Conversation) - 1; i >= 0; i-- {
		t := &ev.Conversation[i]
		if t.Actor != protocol.ActorBrain && t.Status == protocol.TurnDelivered {
			return t
		}
	}
	if !wokenFromDefer(ev) {
		return nil
	}
	for i := len(ev.Conversation) - 1; i >= 0; i-- {
		t := &ev.Conversation[i]
		if t.Actor == protocol.ActorBrain || t.Action == protocol.ActionBusy || t.Action == protocol.ActionCancelled {
			continue
		}
		return t
	}
	return nil
}

// wokenFromDefer reports whether the brain's latest non-think turn is a defer.
func wokenFromDefer(ev *protocol.Event) bool {
	for i := len(ev.Conversation) - 1; i >= 0; i-- {
		t := ev.Conversation[i]
		if t.Actor != protocol.ActorBrain || t.Action == protocol.ActionThink {
			continue
		}
		return t.Action == protocol.ActionDefer
	}
	return false
}

func turnText(t *protocol.Turn, ev *protocol.Event) string {
	if t != nil {
		if s := t.Text(); s != "" {
			return s
		}
	}
	return ev.Evidence.Summary()
}

func latestResult(ev *protocol.Event) string {
	for i := len(ev.Conversation) - 1; i >= 0; i-- {
		t := ev.Conversation[i]
		if t.Actor.IsAgent() && t.Action == protocol.ActionResult {
			return t.Result
		}
	}
	return ""
}
