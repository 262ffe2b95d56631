package claude

import (
	"context"
	"fmt"
	"strings"

	"github.com/linnemanlabs/ticketwarden/internal/triage"
)

// Generate implements triage.Generator.
func (c *Client) Generate(ctx context.Context, req *triage.GenerateRequest) (string, error) {
	return c.complete(ctx, "generate", generateSystemPrompt(req.Classification), generatePrompt(req), generateMaxTokens)
}

func generateSystemPrompt(cl triage.Classification) string {
	return fmt.Sprintf(`You are an assistant helping triage support tickets for the %s department, %s team.

Write a professional comment for the ticket that acknowledges the issue,
cites the relevant knowledge base articles by ID, and gives next steps or
initial guidance including the suggested assignment.

Keep it to 2-3 sentences. Be helpful but direct.`, cl.Department, cl.Team)
}

func generatePrompt(req *triage.GenerateRequest) string {
	cl := req.Classification
	kb := "None"
	if len(req.Citations) > 0 {
		kb = strings.Join(req.Citations, ", ")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Ticket: %s\n", req.Summary)
	fmt.Fprintf(&b, "Description: %s\n", req.Description)
	fmt.Fprintf(&b, "Issue Type: %s\n", req.IssueType)
	fmt.Fprintf(&b, "Classification: %s > %s (confidence: %.2f)\n", cl.Department, cl.Team, cl.Confidence)
	fmt.Fprintf(&b, "Priority: %s\n", cl.Priority)
	fmt.Fprintf(&b, "Suggested Assignee: %s\n", cl.Assignee)
	fmt.Fprintf(&b, "Knowledge Base: %s\n\n", kb)
	b.WriteString("Write the triage comment:")
	return b.String()
}
