// Package ticket defines the sanitized support ticket consumed by the triage pipeline.
package ticket

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Priority is the routing priority of a ticket.
type Priority string

const (
	PriorityCritical Priority = "Critical"
	PriorityHigh     Priority = "High"
	PriorityMedium   Priority = "Medium"
	PriorityLow      Priority = "Low"
)

// ParsePriority maps s case-insensitively onto a known Priority.
func ParsePriority(s string) (Priority, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "critical":
		return PriorityCritical, true
	case "high":
		return PriorityHigh, true
	case "medium":
		return PriorityMedium, true
	case "low":
		return PriorityLow, true
	}
	return "", false
}

// Valid reports whether p is one of the four known priorities.
func (p Priority) Valid() bool {
	canon, ok := ParsePriority(string(p))
	return ok && canon == p
}

// Input is a ticket as handed to the pipeline. It is already PII-redacted
// upstream and is never modified by the pipeline.
type Input struct {
	TicketID           string    `json:"ticket_id"`
	IssueKey           string    `json:"issue_key"`
	Summary            string    `json:"summary"`
	Description        string    `json:"description"`
	IssueType          string    `json:"issue_type"`
	Priority           Priority  `json:"priority"`
	Reporter           string    `json:"reporter"`
	CreatedAt          time.Time `json:"created_at"`
	RedactionFlags     []string  `json:"redaction_flags"`
	SanitizedInputHash string    `json:"sanitized_input_hash,omitempty"`
}

// Validate checks the fields the pipeline cannot run without.
func (in *Input) Validate() error {
	if in == nil {
		return errors.New("ticket is nil")
	}
	var errs []error
	if strings.TrimSpace(in.TicketID) == "" {
		errs = append(errs, errors.New("ticket_id is required"))
	}
	if strings.TrimSpace(in.IssueKey) == "" {
		errs = append(errs, errors.New("issue_key is required"))
	}
	if strings.TrimSpace(in.Summary) == "" {
		errs = append(errs, errors.New("summary is required"))
	}
	if !in.Priority.Valid() {
		errs = append(errs, fmt.Errorf("invalid priority %q (want Critical, High, Medium or Low)", in.Priority))
	}
	return errors.Join(errs...)
}
