package triage

import (
	"context"

	"github.com/linnemanlabs/ticketwarden/internal/policy"
	"github.com/linnemanlabs/ticketwarden/internal/ticket"
)

// ClassifyRequest is the ticket context handed to a Classifier.
type ClassifyRequest struct {
	TicketID         string
	Summary          string
	Description      string
	IssueType        string
	OriginalPriority ticket.Priority
	Reporter         string
	RedactionFlags   []string
}

// Classification is the routing decision produced by a Classifier.
type Classification struct {
	Department string          `json:"department"`
	Team       string          `json:"team"`
	Priority   ticket.Priority `json:"suggested_priority"`
	Assignee   string          `json:"suggested_assignee"`
	Confidence float64         `json:"confidence"`
}

// Classifier assigns department, team, priority and assignee to a ticket.
// Retries are the implementation's concern; an error means it gave up.
type Classifier interface {
	Classify(ctx context.Context, req *ClassifyRequest) (*Classification, error)
}

// SearchQuery is a knowledge-base lookup. Empty Department or Team means
// no filter on that level.
type SearchQuery struct {
	Text       string
	Department string
	Team       string
	TopK       int
}

// Document is one retrieval hit.
type Document struct {
	ID    string  `json:"id"`
	Title string  `json:"title"`
	Score float64 `json:"score"`
}

// Retriever searches the knowledge base. No match is an empty slice, not an error.
type Retriever interface {
	Search(ctx context.Context, q SearchQuery) ([]Document, error)
}

// GenerateRequest is what a Generator sees.
type GenerateRequest struct {
	TicketID       string
	Summary        string
	Description    string
	IssueType      string
	Classification Classification
	Citations      []string
}

// Generator drafts the advisory comment for a ticket.
type Generator interface {
	Generate(ctx context.Context, req *GenerateRequest) (string, error)
}

// PolicyEvaluator is satisfied by *policy.Engine.
type PolicyEvaluator interface {
	Evaluate(in policy.Input) (policy.Decision, error)
}

type modelNamer interface {
	Model() string
}
