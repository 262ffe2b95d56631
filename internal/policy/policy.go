// Package policy evaluates organizational rules for a classified ticket:
// human-review requirements, escalation, and SLA targets.
package policy

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/linnemanlabs/ticketwarden/internal/ticket"
)

// Flags raised by Evaluate.
const (
	FlagLowConfidence       = "low_confidence_classification"
	FlagExternalContact     = "external_contact_detected"
	FlagHighSensitivityPII  = "high_sensitivity_pii"
	FlagDepartmentReview    = "department_policy_requires_review"
	FlagCriticalPriority    = "critical_priority_escalation"
	FlagAutoEscalated       = "auto_escalated"
	FlagEvaluationError     = "policy_evaluation_error"
	criticalAutoEscalateMin = 0.9
	highAutoEscalateMin     = 0.6
)

// ErrInvalidInput is returned when the engine cannot evaluate the input.
var ErrInvalidInput = errors.New("invalid policy input")

// Input is everything the rules look at.
type Input struct {
	Department        string
	Team              string
	Priority          ticket.Priority
	Confidence        float64
	SuggestedAssignee string
	Reporter          string
	RedactionFlags    []string
	ExistingFlags     []string
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Flags               []string  `json:"policy_flags"`
	RequiresHumanReview bool      `json:"requires_human_review"`
	EscalationReasons   []string  `json:"escalation_reasons"`
	AutoEscalate        bool      `json:"auto_escalate"`
	SLATargetHours      float64   `json:"sla_target_hours"`
	SLAWarningAt        time.Time `json:"sla_warning_at"`
	SLABreachAt         time.Time `json:"sla_breach_at"`
	EvaluatedAt         time.Time `json:"evaluated_at"`
	RecommendedAssignee string    `json:"recommended_assignee,omitempty"`
	EscalationPath      []string  `json:"escalation_path"`
}

// Engine evaluates tickets against a policy Table. It holds no mutable state
// and is safe for concurrent use.
type Engine struct {
	table Table
	now   func() time.Time
}

// New validates table and returns an Engine using the wall clock.
func New(table Table) (*Engine, error) {
	if err := table.Validate(); err != nil {
		return nil, fmt.Errorf("policy table: %w", err)
	}
	return &Engine{table: table, now: time.Now}, nil
}

// NewDefault returns an Engine over DefaultTable.
func NewDefault() *Engine {
	e, err := New(DefaultTable())
	if err != nil {
		panic(err)
	}
	return e
}

// Evaluate runs every rule against in, anchoring SLA clocks at the current time.
func (e *Engine) Evaluate(in Input) (Decision, error) {
	return e.EvaluateAt(in, e.now())
}

// EvaluateAt is Evaluate with an explicit evaluation time. Rules are
// independent and accumulate; reasons are recorded in rule order.
func (e *Engine) EvaluateAt(in Input, now time.Time) (Decision, error) {
	if math.IsNaN(in.Confidence) || in.Confidence < 0 || in.Confidence > 1 {
		return Decision{}, fmt.Errorf("%w: confidence %v out of range [0,1]", ErrInvalidInput, in.Confidence)
	}
	now = now.UTC()

	flags := newFlagSet(in.ExistingFlags)
	var reasons []string
	review := false

	dept := e.table.department(in.Department)

	if in.Confidence < dept.MinConfidence {
		flags.add(FlagLowConfidence)
		review = true
		reasons = append(reasons, fmt.Sprintf("Confidence %.2f below threshold %.2f", in.Confidence, dept.MinConfidence))
	}

	if e.IsExternalEmail(in.Reporter) {
		flags.add(FlagExternalContact)
		review = true
		reasons = append(reasons, "External email address detected")
	}

	if e.hasHighSensitivityPII(in.RedactionFlags) {
		flags.add(FlagHighSensitivityPII)
		review = true
		reasons = append(reasons, "High-sensitivity PII detected")
	}

	if dept.RequiresHumanReview {
		flags.add(FlagDepartmentReview)
		review = true
		reasons = append(reasons, fmt.Sprintf("%s department requires human review", in.Department))
	}

	if in.Priority == ticket.PriorityCritical {
		flags.add(FlagCriticalPriority)
		reasons = append(reasons, "Critical priority ticket")
	}

	auto := shouldAutoEscalate(in.Priority, in.Confidence, review)
	if auto {
		flags.add(FlagAutoEscalated)
		reasons = append(reasons, "Automatic escalation triggered")
	}

	sla := e.SLA(in.Priority, in.Department, now)

	return Decision{
		Flags:               flags.list(),
		RequiresHumanReview: review,
		EscalationReasons:   reasons,
		AutoEscalate:        auto,
		SLATargetHours:      sla.TargetHours,
		SLAWarningAt:        sla.WarningAt,
		SLABreachAt:         sla.BreachAt,
		EvaluatedAt:         now,
		RecommendedAssignee: in.SuggestedAssignee,
		EscalationPath:      e.EscalationPath(in.Department, in.Team),
	}, nil
}

// EscalationPath returns the ordered contacts for department/team, or the
// generic two-level chain when the pair is not mapped.
func (e *Engine) EscalationPath(department, team string) []string {
	return e.table.escalationPath(department, team)
}

// IsExternalEmail reports whether the domain of email is outside every
// internal domain. A domain matches an internal entry when it equals it or
// is a subdomain of it. Values without an @ are not treated as external.
func (e *Engine) IsExternalEmail(email string) bool {
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(strings.TrimSpace(email[at+1:]))
	for _, allowed := range e.table.InternalDomains {
		allowed = strings.ToLower(strings.TrimSpace(allowed))
		if domain == allowed || strings.HasSuffix(domain, "."+allowed) {
			return false
		}
	}
	return true
}

func (e *Engine) hasHighSensitivityPII(redactionFlags []string) bool {
	for _, f := range redactionFlags {
		for _, risky := range e.table.HighSensitivityPII {
			if f == risky {
				return true
			}
		}
	}
	return false
}

func shouldAutoEscalate(p ticket.Priority, confidence float64, alreadyFlagged bool) bool {
	switch {
	case p == ticket.PriorityCritical && confidence < criticalAutoEscalateMin:
		return true
	case p == ticket.PriorityHigh && confidence < highAutoEscalateMin:
		return true
	case alreadyFlagged && (p == ticket.PriorityCritical || p == ticket.PriorityHigh):
		return true
	}
	return false
}

// flagSet keeps insertion order and drops duplicates.
type flagSet struct {
	seen  map[string]struct{}
	order []string
}

func newFlagSet(initial []string) *flagSet {
	fs := &flagSet{seen: make(map[string]struct{}, len(initial)+4)}
	for _, f := range initial {
		fs.add(f)
	}
	return fs
}

func (fs *flagSet) add(f string) {
	if f == "" {
		return
	}
	if _, ok := fs.seen[f]; ok {
		return
	}
	fs.seen[f] = struct{}{}
	fs.order = append(fs.order, f)
}

func (fs *flagSet) list() []string {
	out := make([]string, len(fs.order))
	copy(out, fs.order)
	return out
}
