package protocol

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// EvidenceKind tags the variant held by an Evidence value.
type EvidenceKind string

// Evidence kinds.
const (
	EvidenceMetrics EvidenceKind = "metrics"
	EvidenceText    EvidenceKind = "text"
	EvidencePlan    EvidenceKind = "plan"
)

// MetricsSnapshot is a point-in-time set of telemetry values.
type MetricsSnapshot struct {
	Values     map[string]float64 `json:"values"`
	Labels     map[string]string  `json:"labels,omitempty"`
	CapturedAt time.Time          `json:"captured_at"`
}

// PlanRef points at a remediation plan produced by a planning agent.
type PlanRef struct {
	ID    string   `json:"id"`
	Title string   `json:"title,omitempty"`
	Steps []string `json:"steps,omitempty"`
}

// Evidence is a tagged union: exactly one of Metrics, Text or Plan is set,
// matching Kind. Use the constructors rather than building it by hand.
type Evidence struct {
	Kind    EvidenceKind     `json:"kind"`
	Metrics *MetricsSnapshot `json:"metrics,omitempty"`
	Text    string           `json:"text,omitempty"`
	Plan    *PlanRef         `json:"plan,omitempty"`
}

// MetricsEvidence wraps a metrics snapshot.
func MetricsEvidence(m MetricsSnapshot) Evidence {
	return Evidence{Kind: EvidenceMetrics, Metrics: &m}
}

// TextEvidence wraps free text.
func TextEvidence(text string) Evidence {
	return Evidence{Kind: EvidenceText, Text: text}
}

// PlanEvidence wraps a plan reference.
func PlanEvidence(p PlanRef) Evidence {
	return Evidence{Kind: EvidencePlan, Plan: &p}
}

// Validate checks that the payload matches the tag.
func (e Evidence) Validate() error {
	switch e.Kind {
	case EvidenceMetrics:
		if e.Metrics == nil {
			return fmt.Errorf("%w: metrics evidence without snapshot", ErrInvalidEvidence)
		}
	case EvidenceText:
		if strings.TrimSpace(e.Text) == "" {
			return fmt.Errorf("%w: empty text evidence", ErrInvalidEvidence)
		}
	case EvidencePlan:
		if e.Plan == nil || e.Plan.ID == "" {
			return fmt.Errorf("%w: plan evidence without id", ErrInvalidEvidence)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvidence, e.Kind)
	}
	return nil
}

// Summary renders the evidence as one human-readable line.
func (e Evidence) Summary() string {
	switch e.Kind {
	case EvidenceMetrics:
		if e.Metrics == nil {
			return ""
		}
		keys := make([]string, 0, len(e.Metrics.Values))
		for k := range e.Metrics.Values {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s=%g", k, e.Metrics.Values[k]))
		}
		return "metrics: " + strings.Join(parts, " ")
	case EvidenceText:
		return e.Text
	case EvidencePlan:
		if e.Plan == nil {
			return ""
		}
		if e.Plan.Title != "" {
			return fmt.Sprintf("plan %s: %s", e.Plan.ID, e.Plan.Title)
		}
		return "plan " + e.Plan.ID
	default:
		return ""
	}
}

// UnmarshalJSON decodes the union and drops payload fields that do not belong to Kind.
func (e *Evidence) UnmarshalJSON(data []byte) error {
	type raw Evidence
	var r raw
	if err := json.Unmarshal(data, &r); err != nil {
		return fmt.Errorf("decode evidence: %w", err)
	}
	out := Evidence{Kind: r.Kind}
	switch r.Kind {
	case EvidenceMetrics:
		out.Metrics = r.Metrics
	case EvidenceText:
		out.Text = r.Text
	case EvidencePlan:
		out.Plan = r.Plan
	case "":
		// Zero value: no evidence attached.
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvidence, r.Kind)
	}
	*e = out
	return nil
}

func (e Evidence) clone() Evidence {
	out := e
	if e.Metrics != nil {
		m := *e.Metrics
		m.Values = make(map[string]float64, len(e.Metrics.Values))
		for k, v := range e.Metrics.Values {
			m.Values[k] = v
		}
		if e.Metrics.Labels != nil {
			m.Labels = make(map[string]string, len(e.Metrics.Labels))
			for k, v := range e.Metrics.Labels {
				m.Labels[k] = v
			}
		}
		out.Metrics = &m
	}
	if e.Plan != nil {
		p := *e.Plan
		p.Steps = append([]string(nil), e.Plan.Steps...)
		out.Plan = &p
	}
	return out
}
