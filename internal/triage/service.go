package triage

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/linnemanlabs/ticketwarden/internal/ticket"
)

// Notifier is told about decisions that need a human.
type Notifier interface {
	Notify(ctx context.Context, rec *DecisionRecord) error
}

// ServiceHooks receives persistence and notification outcomes. Nil fields are skipped.
type ServiceHooks struct {
	OnAppend func(err error)
	OnNotify func(err error)
}

// SLAInfo is the SLA part of a Result.
type SLAInfo struct {
	TargetHours float64   `json:"target_hours"`
	WarningAt   time.Time `json:"warning_at"`
	BreachAt    time.Time `json:"breach_at"`
}

// Result is the enriched ticket returned to callers.
type Result struct {
	TicketID            string         `json:"ticket_id"`
	IssueKey            string         `json:"issue_key"`
	Classification      Classification `json:"classification"`
	GeneratedComment    string         `json:"generated_comment"`
	Citations           []string       `json:"citations"`
	PolicyFlags         []string       `json:"policy_flags"`
	Confidence          float64        `json:"confidence"`
	RequiresHumanReview bool           `json:"requires_human_review"`
	LatencyMS           int64          `json:"latency_ms"`
	ModelUsed           string         `json:"model_used,omitempty"`
	RecordID            string         `json:"record_id,omitempty"`
	SLA                 SLAInfo        `json:"sla"`
	EscalationReasons   []string       `json:"escalation_reasons"`
	AutoEscalate        bool           `json:"auto_escalate"`
	EscalationPath      []string       `json:"escalation_path"`
	DegradedStages      []string       `json:"degraded_stages,omitempty"`
	Warnings            []string       `json:"warnings,omitempty"`
}

// Service is the business boundary for triage: it runs the engine, records
// the decision and dispatches review notifications.
type Service struct {
	store    Store
	engine   *Engine
	notifier Notifier
	logger   log.Logger
	hooks    ServiceHooks
	now      func() time.Time
	pending  sync.WaitGroup
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithNotifier sets the human-review notifier.
func WithNotifier(n Notifier) ServiceOption {
	return func(s *Service) { s.notifier = n }
}

// WithServiceHooks sets persistence and notification hooks.
func WithServiceHooks(h ServiceHooks) ServiceOption {
	return func(s *Service) { s.hooks = h }
}

// NewService creates a new triage service.
func NewService(store Store, engine *Engine, logger log.Logger, opts ...ServiceOption) *Service {
	if store == nil {
		panic(xerrors.New("decision store is required"))
	}
	if engine == nil {
		panic(xerrors.New("triage engine is required"))
	}
	if logger == nil {
		logger = log.Nop()
	}
	s := &Service{
		store:  store,
		engine: engine,
		logger: logger,
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Process triages one ticket. The only error is ErrInvalidTicket: a failed
// audit write is logged and reported in Result.Warnings, and the triage
// answer is still returned.
func (s *Service) Process(ctx context.Context, in *ticket.Input) (*Result, error) {
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidTicket, err)
	}

	rr := s.engine.Run(ctx, in)
	rec := NewDecisionRecord(rr, s.now())

	L := s.logger.With("ticket_id", in.TicketID, "record_id", rec.ID)
	res := newResult(rr, rec)

	if _, err := s.store.Append(ctx, rec.Clone()); err != nil {
		L.Error(ctx, err, "failed to persist decision record")
		res.RecordID = ""
		res.Warnings = append(res.Warnings, "decision record was not persisted: "+err.Error())
		s.observeAppend(err)
	} else {
		s.observeAppend(nil)
	}

	if rec.RequiresHumanReview && s.notifier != nil {
		s.pending.Add(1)
		go s.notify(context.WithoutCancel(ctx), rec)
	}

	return res, nil
}

// Decision returns the latest live decision record for a ticket.
func (s *Service) Decision(ctx context.Context, ticketID string) (*DecisionRecord, bool, error) {
	return s.store.GetLatestByTicketID(ctx, ticketID)
}

// Decisions returns records matching q, newest first.
func (s *Service) Decisions(ctx context.Context, q RecordQuery) ([]*DecisionRecord, error) {
	return s.store.Query(ctx, q)
}

// Wait blocks until in-flight notifications have finished.
func (s *Service) Wait() {
	s.pending.Wait()
}

func (s *Service) notify(ctx context.Context, rec *DecisionRecord) {
	defer s.pending.Done()
	err := s.notifier.Notify(ctx, rec)
	if err != nil {
		s.logger.Error(ctx, err, "review notification failed", "ticket_id", rec.TicketID, "record_id", rec.ID)
	}
	if s.hooks.OnNotify != nil {
		s.hooks.OnNotify(err)
	}
}

func (s *Service) observeAppend(err error) {
	if s.hooks.OnAppend != nil {
		s.hooks.OnAppend(err)
	}
}

func newResult(rr *RunResult, rec *DecisionRecord) *Result {
	st := rr.State
	return &Result{
		TicketID:            st.Ticket.TicketID,
		IssueKey:            st.Ticket.IssueKey,
		Classification:      st.Classification(),
		GeneratedComment:    st.GeneratedComment,
		Citations:           slices.Clone(st.Citations),
		PolicyFlags:         slices.Clone(st.PolicyFlags),
		Confidence:          st.Confidence,
		RequiresHumanReview: st.RequiresHumanReview,
		LatencyMS:           rr.Duration.Milliseconds(),
		ModelUsed:           rr.Model,
		RecordID:            rec.ID,
		SLA: SLAInfo{
			TargetHours: rr.Decision.SLATargetHours,
			WarningAt:   rr.Decision.SLAWarningAt,
			BreachAt:    rr.Decision.SLABreachAt,
		},
		EscalationReasons: slices.Clone(rr.Decision.EscalationReasons),
		AutoEscalate:      rr.Decision.AutoEscalate,
		EscalationPath:    slices.Clone(rr.Decision.EscalationPath),
		DegradedStages:    rr.DegradedStages(),
	}
}
