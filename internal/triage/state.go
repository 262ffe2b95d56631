package triage

import (
	"fmt"
	"slices"

	"github.com/linnemanlabs/ticketwarden/internal/ticket"
)

// Stage is a step of the pipeline. Stages run in declaration order and
// none is re-entered.
type Stage int

const (
	StageClassify Stage = iota
	StageRetrieve
	StageGenerate
	StagePolicy
	StageDone
)

var stageNames = [...]string{
	StageClassify: "classify",
	StageRetrieve: "retrieve",
	StageGenerate: "generate",
	StagePolicy:   "policy",
	StageDone:     "done",
}

func (s Stage) String() string {
	if s < 0 || int(s) >= len(stageNames) {
		return fmt.Sprintf("stage(%d)", int(s))
	}
	return stageNames[s]
}

// State is the working record of one pipeline run. It is owned by a single
// run and never shared. Each group of stage fields is written exactly once,
// through the apply method of the stage that owns it.
type State struct {
	Ticket ticket.Input

	// classify
	Department        string
	Team              string
	SuggestedPriority ticket.Priority
	SuggestedAssignee string
	Confidence        float64

	// retrieve
	Citations []string

	// generate
	GeneratedComment string

	// policy
	PolicyFlags         []string
	RequiresHumanReview bool

	next Stage
}

// NewState starts a run for in. The ticket is copied so the caller's value
// is never touched by the pipeline.
func NewState(in *ticket.Input) *State {
	cp := *in
	cp.RedactionFlags = slices.Clone(in.RedactionFlags)
	return &State{Ticket: cp, next: StageClassify}
}

// Next reports the stage whose output the state expects next.
func (s *State) Next() Stage { return s.next }

// ClassifyUpdate is the output owned by the classify stage.
type ClassifyUpdate struct {
	Department        string
	Team              string
	SuggestedPriority ticket.Priority
	SuggestedAssignee string
	Confidence        float64
}

// RetrieveUpdate is the output owned by the retrieve stage.
type RetrieveUpdate struct {
	Citations []string
}

// GenerateUpdate is the output owned by the generate stage.
type GenerateUpdate struct {
	Comment string
}

// PolicyUpdate is the output owned by the policy stage.
type PolicyUpdate struct {
	Flags               []string
	RequiresHumanReview bool
}

func (s *State) expect(st Stage) error {
	if s.next != st {
		return fmt.Errorf("out of order update: got %s output, expecting %s", st, s.next)
	}
	return nil
}

// ApplyClassify merges the classify output.
func (s *State) ApplyClassify(u ClassifyUpdate) error {
	if err := s.expect(StageClassify); err != nil {
		return err
	}
	s.Department = u.Department
	s.Team = u.Team
	s.SuggestedPriority = u.SuggestedPriority
	s.SuggestedAssignee = u.SuggestedAssignee
	s.Confidence = u.Confidence
	s.next = StageRetrieve
	return nil
}

// ApplyRetrieve merges the retrieve output. Citation order is preserved.
func (s *State) ApplyRetrieve(u RetrieveUpdate) error {
	if err := s.expect(StageRetrieve); err != nil {
		return err
	}
	s.Citations = slices.Clone(u.Citations)
	s.next = StageGenerate
	return nil
}

// ApplyGenerate merges the generate output.
func (s *State) ApplyGenerate(u GenerateUpdate) error {
	if err := s.expect(StageGenerate); err != nil {
		return err
	}
	s.GeneratedComment = u.Comment
	s.next = StagePolicy
	return nil
}

// ApplyPolicy merges the policy output and completes the state.
func (s *State) ApplyPolicy(u PolicyUpdate) error {
	if err := s.expect(StagePolicy); err != nil {
		return err
	}
	s.PolicyFlags = slices.Clone(u.Flags)
	s.RequiresHumanReview = u.RequiresHumanReview
	s.next = StageDone
	return nil
}

// Classification returns the classify-owned fields.
func (s *State) Classification() Classification {
	return Classification{
		Department: s.Department,
		Team:       s.Team,
		Priority:   s.SuggestedPriority,
		Assignee:   s.SuggestedAssignee,
		Confidence: s.Confidence,
	}
}
