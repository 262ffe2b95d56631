package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"

	"github.com/linnemanlabs/ticketwarden/internal/ticket"
	"github.com/linnemanlabs/ticketwarden/internal/triage"
)

const classifySystemPrompt = `You are an expert ticket classifier for enterprise IT operations.

Classify the ticket into:
- department: IT, HR, Finance, Legal, General
- team: DBA, DevOps, Security, Onboarding, Payroll, Accounting, Contracts, Support
- suggested_priority: Critical, High, Medium, Low
- suggested_assignee: team lead email address
- confidence: 0.0 to 1.0

Consider:
- technical keywords for IT (database, server, deployment, auth)
- HR keywords (onboard, hire, termination, benefits)
- Finance keywords (invoice, payment, expense, budget)
- Legal keywords (contract, compliance, GDPR, NDA)

Respond ONLY with a JSON object of this shape and nothing else:
{"department": "...", "team": "...", "suggested_priority": "...", "suggested_assignee": "...", "confidence": 0.0}`

// Defaults applied to fields the model leaves out.
const (
	defaultDepartment = "General"
	defaultTeam       = "Support"
	defaultAssignee   = "support@company.com"
	defaultConfidence = 0.5
)

// Classify implements triage.Classifier.
func (c *Client) Classify(ctx context.Context, req *triage.ClassifyRequest) (*triage.Classification, error) {
	text, err := c.complete(ctx, "classify", classifySystemPrompt, classifyPrompt(req), classifyMaxTokens)
	if err != nil {
		return nil, err
	}
	return parseClassification(text, req.OriginalPriority)
}

func classifyPrompt(req *triage.ClassifyRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Ticket Summary: %s\n", req.Summary)
	fmt.Fprintf(&b, "Ticket Description: %s\n", req.Description)
	fmt.Fprintf(&b, "Original Priority: %s\n", req.OriginalPriority)
	fmt.Fprintf(&b, "Issue Type: %s\n", req.IssueType)
	flags := "None"
	if len(req.RedactionFlags) > 0 {
		flags = strings.Join(req.RedactionFlags, ", ")
	}
	fmt.Fprintf(&b, "Redaction Flags: %s\n", flags)
	return b.String()
}

// rawClassification uses pointers so absent fields can be told from zero values.
type rawClassification struct {
	Department *string  `json:"department"`
	Team       *string  `json:"team"`
	Priority   *string  `json:"suggested_priority"`
	Assignee   *string  `json:"suggested_assignee"`
	Confidence *float64 `json:"confidence"`
}

// parseClassification decodes the model's JSON answer. Missing fields get
// defaults and an unknown priority keeps the original; non-JSON output or a
// confidence outside [0,1] is an error.
func parseClassification(text string, original ticket.Priority) (*triage.Classification, error) {
	body := extractJSONObject(text)
	if body == "" {
		return nil, fmt.Errorf("classification is not a JSON object: %q", truncate(text, 200))
	}
	var raw rawClassification
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("decode classification: %w", err)
	}

	out := &triage.Classification{
		Department: stringOr(raw.Department, defaultDepartment),
		Team:       stringOr(raw.Team, defaultTeam),
		Priority:   original,
		Assignee:   stringOr(raw.Assignee, defaultAssignee),
		Confidence: defaultConfidence,
	}
	if raw.Priority != nil {
		if p, ok := ticket.ParsePriority(*raw.Priority); ok {
			out.Priority = p
		}
	}
	if raw.Confidence != nil {
		c := *raw.Confidence
		if math.IsNaN(c) || c < 0 || c > 1 {
			return nil, fmt.Errorf("classification confidence %v outside [0,1]", c)
		}
		out.Confidence = c
	}
	return out, nil
}

// extractJSONObject returns the outermost {...} span, tolerating code fences
// or prose around it.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}

func stringOr(p *string, def string) string {
	if p == nil {
		return def
	}
	if v := strings.TrimSpace(*p); v != "" {
		return v
	}
	return def
}

// truncate keeps at most n bytes of s, cut on a rune boundary.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
