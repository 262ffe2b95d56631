package triage

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/linnemanlabs/ticketwarden/internal/policy"
)

const (
	searchTopK   = 5
	maxCitations = 3

	fallbackDepartment = "General"
	fallbackTeam       = "Support"
	fallbackAssignee   = "support@company.com"
)

// Flags added to the policy input when a stage ran on its fallback.
const (
	FlagClassificationDegraded = "classification_degraded"
	FlagRetrievalDegraded      = "retrieval_degraded"
	FlagGenerationDegraded     = "generation_degraded"
)

// StageError is a stage failure that the engine absorbed with a fallback.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

var errNilClassification = errors.New("classifier returned no classification")

func (e *Engine) classify(ctx context.Context, st *State) (ClassifyUpdate, error) {
	t := &st.Ticket
	c, err := e.classifier.Classify(ctx, &ClassifyRequest{
		TicketID:         t.TicketID,
		Summary:          t.Summary,
		Description:      t.Description,
		IssueType:        t.IssueType,
		OriginalPriority: t.Priority,
		Reporter:         t.Reporter,
		RedactionFlags:   slices.Clone(t.RedactionFlags),
	})
	if err != nil {
		return ClassifyUpdate{}, err
	}
	if c == nil {
		return ClassifyUpdate{}, errNilClassification
	}
	if math.IsNaN(c.Confidence) || c.Confidence < 0 || c.Confidence > 1 {
		return ClassifyUpdate{}, fmt.Errorf("confidence %v out of range [0,1]", c.Confidence)
	}
	prio := c.Priority
	if !prio.Valid() {
		prio = t.Priority
	}
	return ClassifyUpdate{
		Department:        orDefault(c.Department, fallbackDepartment),
		Team:              orDefault(c.Team, fallbackTeam),
		SuggestedPriority: prio,
		SuggestedAssignee: orDefault(c.Assignee, fallbackAssignee),
		Confidence:        c.Confidence,
	}, nil
}

func classifyFallback(st *State) ClassifyUpdate {
	return ClassifyUpdate{
		Department:        fallbackDepartment,
		Team:              fallbackTeam,
		SuggestedPriority: st.Ticket.Priority,
		SuggestedAssignee: fallbackAssignee,
		Confidence:        0.0,
	}
}

// retrieve queries scoped to the classified department and team first and
// widens to an unscoped query only when the scoped one comes back empty.
func (e *Engine) retrieve(ctx context.Context, st *State) (RetrieveUpdate, error) {
	q := SearchQuery{
		Text:       strings.TrimSpace(st.Ticket.Summary + " " + st.Ticket.Description),
		Department: st.Department,
		Team:       st.Team,
		TopK:       searchTopK,
	}
	docs, err := e.retriever.Search(ctx, q)
	if err != nil {
		return RetrieveUpdate{}, err
	}
	if len(docs) == 0 && (q.Department != "" || q.Team != "") {
		q.Department, q.Team = "", ""
		docs, err = e.retriever.Search(ctx, q)
		if err != nil {
			return RetrieveUpdate{}, err
		}
	}
	if len(docs) == 0 {
		return RetrieveUpdate{Citations: defaultCitations(st.Department)}, nil
	}

	n := min(len(docs), maxCitations)
	cites := make([]string, 0, n)
	for _, d := range docs[:n] {
		cites = append(cites, d.ID+": "+d.Title)
	}
	return RetrieveUpdate{Citations: cites}, nil
}

func defaultCitations(dept string) []string {
	return []string{
		dept + "-KB-001: General Support Guidelines",
		dept + "-KB-002: Escalation Procedures",
	}
}

func retrieveFallback(st *State) RetrieveUpdate {
	return RetrieveUpdate{Citations: []string{
		st.Department + "-KB-001: General Support Guidelines (fallback)",
	}}
}

func (e *Engine) generate(ctx context.Context, st *State) (GenerateUpdate, error) {
	t := &st.Ticket
	text, err := e.generator.Generate(ctx, &GenerateRequest{
		TicketID:       t.TicketID,
		Summary:        t.Summary,
		Description:    t.Description,
		IssueType:      t.IssueType,
		Classification: st.Classification(),
		Citations:      st.Citations,
	})
	if err != nil {
		return GenerateUpdate{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return GenerateUpdate{}, errors.New("generator returned empty comment")
	}
	return GenerateUpdate{Comment: text}, nil
}

func generateFallback(st *State) GenerateUpdate {
	return GenerateUpdate{Comment: fmt.Sprintf(
		"This ticket has been received and classified as %s - %s. Assigning to %s for review.",
		st.Department, st.Team, st.SuggestedAssignee,
	)}
}

func (e *Engine) evaluatePolicy(st *State, degraded []string) (policy.Decision, error) {
	return e.policy.Evaluate(policy.Input{
		Department:        st.Department,
		Team:              st.Team,
		Priority:          st.SuggestedPriority,
		Confidence:        st.Confidence,
		SuggestedAssignee: st.SuggestedAssignee,
		Reporter:          st.Ticket.Reporter,
		RedactionFlags:    st.Ticket.RedactionFlags,
		ExistingFlags:     degraded,
	})
}

// policyFallback forces human review whenever the policy engine could not decide.
func policyFallback(st *State) policy.Decision {
	return policy.Decision{
		Flags:               []string{policy.FlagEvaluationError},
		RequiresHumanReview: true,
		EscalationReasons:   []string{"Policy evaluation failed"},
		RecommendedAssignee: st.SuggestedAssignee,
	}
}

func degradedFlag(s Stage) string {
	switch s {
	case StageClassify:
		return FlagClassificationDegraded
	case StageRetrieve:
		return FlagRetrievalDegraded
	case StageGenerate:
		return FlagGenerationDegraded
	}
	return ""
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
