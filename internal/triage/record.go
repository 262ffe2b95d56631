package triage

import (
	"slices"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/ticketwarden/internal/ticket"
)

// RetentionPeriod is how long a decision record is kept (7 years).
const RetentionPeriod = 2555 * 24 * time.Hour

// DecisionRecord is the immutable audit entry written once per pipeline run.
type DecisionRecord struct {
	ID                  string          `json:"id"`
	TicketID            string          `json:"ticket_id"`
	IssueKey            string          `json:"issue_key"`
	Department          string          `json:"department"`
	Team                string          `json:"team"`
	SuggestedPriority   ticket.Priority `json:"suggested_priority"`
	SuggestedAssignee   string          `json:"suggested_assignee"`
	Confidence          float64         `json:"confidence"`
	Citations           []string        `json:"citations"`
	GeneratedComment    string          `json:"generated_comment"`
	PolicyFlags         []string        `json:"policy_flags"`
	RequiresHumanReview bool            `json:"requires_human_review"`
	EscalationReasons   []string        `json:"escalation_reasons"`
	AutoEscalate        bool            `json:"auto_escalate"`
	SLATargetHours      float64         `json:"sla_target_hours"`
	SLAWarningAt        time.Time       `json:"sla_warning_at"`
	SLABreachAt         time.Time       `json:"sla_breach_at"`
	PolicyEvaluatedAt   time.Time       `json:"policy_evaluated_at"`
	EscalationPath      []string        `json:"escalation_path"`
	DegradedStages      []string        `json:"degraded_stages"`
	Model               string          `json:"model,omitempty"`
	LatencyMS           int64           `json:"latency_ms"`
	SanitizedInputHash  string          `json:"sanitized_input_hash,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	ExpiresAt           time.Time       `json:"expires_at"`
}

// NewDecisionRecord snapshots a completed run. The record gets a fresh ULID,
// a UTC creation time of now truncated to RecordTimePrecision, and an expiry
// RetentionPeriod later.
func NewDecisionRecord(rr *RunResult, now time.Time) *DecisionRecord {
	st := rr.State
	d := rr.Decision
	created := now.UTC().Truncate(RecordTimePrecision)
	return &DecisionRecord{
		ID:                  ulid.MustNew(ulid.Timestamp(created), ulid.DefaultEntropy()).String(),
		TicketID:            st.Ticket.TicketID,
		IssueKey:            st.Ticket.IssueKey,
		Department:          st.Department,
		Team:                st.Team,
		SuggestedPriority:   st.SuggestedPriority,
		SuggestedAssignee:   st.SuggestedAssignee,
		Confidence:          st.Confidence,
		Citations:           slices.Clone(st.Citations),
		GeneratedComment:    st.GeneratedComment,
		PolicyFlags:         slices.Clone(st.PolicyFlags),
		RequiresHumanReview: st.RequiresHumanReview,
		EscalationReasons:   slices.Clone(d.EscalationReasons),
		AutoEscalate:        d.AutoEscalate,
		SLATargetHours:      d.SLATargetHours,
		SLAWarningAt:        d.SLAWarningAt,
		SLABreachAt:         d.SLABreachAt,
		PolicyEvaluatedAt:   d.EvaluatedAt,
		EscalationPath:      slices.Clone(d.EscalationPath),
		DegradedStages:      rr.DegradedStages(),
		Model:               rr.Model,
		LatencyMS:           rr.Duration.Milliseconds(),
		SanitizedInputHash:  st.Ticket.SanitizedInputHash,
		CreatedAt:           created,
		ExpiresAt:           created.Add(RetentionPeriod),
	}
}

// Clone returns a deep copy.
func (r *DecisionRecord) Clone() *DecisionRecord {
	cp := *r
	cp.Citations = slices.Clone(r.Citations)
	cp.PolicyFlags = slices.Clone(r.PolicyFlags)
	cp.EscalationReasons = slices.Clone(r.EscalationReasons)
	cp.EscalationPath = slices.Clone(r.EscalationPath)
	cp.DegradedStages = slices.Clone(r.DegradedStages)
	return &cp
}

// Expired reports whether the record is past its retention deadline at now.
func (r *DecisionRecord) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
