package triage

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"
	"github.com/linnemanlabs/ticketwarden/internal/policy"
	"github.com/linnemanlabs/ticketwarden/internal/ticket"
)

const tracerName = "github.com/linnemanlabs/ticketwarden/internal/triage"

// Collaborators are the external services the engine drives. All four are required.
type Collaborators struct {
	Classifier Classifier
	Retriever  Retriever
	Generator  Generator
	Policy     PolicyEvaluator
}

// EngineHooks receives engine events, typically for metrics. Nil fields are skipped.
type EngineHooks struct {
	OnStage    func(stage Stage, duration float64, fellBack bool)
	OnComplete func(e *CompleteEvent)
}

// CompleteEvent summarizes a finished run.
type CompleteEvent struct {
	Duration            float64
	RequiresHumanReview bool
	AutoEscalate        bool
	Flags               []string
	DegradedStages      []string
	Model               string
}

// RunResult is the outcome of Engine.Run.
type RunResult struct {
	State       *State
	Decision    policy.Decision
	StageErrors []*StageError
	Model       string
	StartedAt   time.Time
	Duration    time.Duration
}

// DegradedStages lists the stages that ran on their fallback, in pipeline order.
func (rr *RunResult) DegradedStages() []string {
	out := make([]string, 0, len(rr.StageErrors))
	for _, se := range rr.StageErrors {
		out = append(out, se.Stage.String())
	}
	return out
}

// Engine sequences classify, retrieve, generate and policy for one ticket at
// a time. It keeps no per-run state and is safe for concurrent use.
type Engine struct {
	classifier Classifier
	retriever  Retriever
	generator  Generator
	policy     PolicyEvaluator
	logger     log.Logger
	hooks      EngineHooks
}

// NewEngine creates an engine over the given collaborators.
func NewEngine(c Collaborators, logger log.Logger, hooks EngineHooks) *Engine {
	if logger == nil {
		logger = log.Nop()
	}
	switch {
	case c.Classifier == nil:
		panic(xerrors.New("classifier is required"))
	case c.Retriever == nil:
		panic(xerrors.New("retriever is required"))
	case c.Generator == nil:
		panic(xerrors.New("generator is required"))
	case c.Policy == nil:
		panic(xerrors.New("policy evaluator is required"))
	}
	return &Engine{
		classifier: c.Classifier,
		retriever:  c.Retriever,
		generator:  c.Generator,
		policy:     c.Policy,
		logger:     logger,
		hooks:      hooks,
	}
}

// Run executes the four stages in order. Stage failures never abort the run:
// each failed stage contributes its fallback output and is reported in
// RunResult.StageErrors. The caller's ticket is not modified.
func (e *Engine) Run(ctx context.Context, in *ticket.Input) *RunResult {
	start := time.Now()
	st := NewState(in)
	rr := &RunResult{State: st, StartedAt: start.UTC()}
	if mn, ok := e.classifier.(modelNamer); ok {
		rr.Model = mn.Model()
	}

	ctx, span := otel.Tracer(tracerName).Start(ctx, "triage.run", trace.WithAttributes(
		attribute.String("ticketwarden.ticket.id", in.TicketID),
		attribute.String("ticketwarden.ticket.issue_key", in.IssueKey),
		attribute.String("ticketwarden.ticket.original_priority", string(in.Priority)),
	))
	defer span.End()

	L := e.logger.With("ticket_id", in.TicketID, "issue_key", in.IssueKey)

	cu := runStage(ctx, e, L, rr, StageClassify,
		func(ctx context.Context) (ClassifyUpdate, error) { return e.classify(ctx, st) },
		func() ClassifyUpdate { return classifyFallback(st) })
	mustApply(st.ApplyClassify(cu))

	ru := runStage(ctx, e, L, rr, StageRetrieve,
		func(ctx context.Context) (RetrieveUpdate, error) { return e.retrieve(ctx, st) },
		func() RetrieveUpdate { return retrieveFallback(st) })
	mustApply(st.ApplyRetrieve(ru))

	gu := runStage(ctx, e, L, rr, StageGenerate,
		func(ctx context.Context) (GenerateUpdate, error) { return e.generate(ctx, st) },
		func() GenerateUpdate { return generateFallback(st) })
	mustApply(st.ApplyGenerate(gu))

	degraded := make([]string, 0, len(rr.StageErrors))
	for _, se := range rr.StageErrors {
		degraded = append(degraded, degradedFlag(se.Stage))
	}
	rr.Decision = runStage(ctx, e, L, rr, StagePolicy,
		func(context.Context) (policy.Decision, error) { return e.evaluatePolicy(st, degraded) },
		func() policy.Decision { return policyFallback(st) })
	mustApply(st.ApplyPolicy(PolicyUpdate{
		Flags:               rr.Decision.Flags,
		RequiresHumanReview: rr.Decision.RequiresHumanReview,
	}))

	rr.Duration = time.Since(start)

	span.SetAttributes(
		attribute.String("ticketwarden.department", st.Department),
		attribute.String("ticketwarden.team", st.Team),
		attribute.Float64("ticketwarden.confidence", st.Confidence),
		attribute.Bool("ticketwarden.requires_human_review", st.RequiresHumanReview),
		attribute.StringSlice("ticketwarden.policy_flags", st.PolicyFlags),
		attribute.StringSlice("ticketwarden.degraded_stages", rr.DegradedStages()),
	)

	L.Info(ctx, "triage complete",
		"department", st.Department,
		"team", st.Team,
		"confidence", st.Confidence,
		"requires_human_review", st.RequiresHumanReview,
		"auto_escalate", rr.Decision.AutoEscalate,
		"degraded_stages", rr.DegradedStages(),
		"duration_ms", rr.Duration.Milliseconds(),
	)

	if e.hooks.OnComplete != nil {
		e.hooks.OnComplete(&CompleteEvent{
			Duration:            rr.Duration.Seconds(),
			RequiresHumanReview: st.RequiresHumanReview,
			AutoEscalate:        rr.Decision.AutoEscalate,
			Flags:               st.PolicyFlags,
			DegradedStages:      rr.DegradedStages(),
			Model:               rr.Model,
		})
	}

	return rr
}

// runStage runs one stage under its own span. A returned error or a panic
// becomes a StageError and the fallback output is used instead.
func runStage[U any](ctx context.Context, e *Engine, L log.Logger, rr *RunResult, stage Stage,
	fn func(context.Context) (U, error), fallback func() U,
) U {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "triage.stage."+stage.String(), trace.WithAttributes(
		attribute.String("ticketwarden.stage", stage.String()),
		attribute.String("ticketwarden.ticket.id", rr.State.Ticket.TicketID),
	))
	defer span.End()

	start := time.Now()
	u, err := callStage(ctx, fn)
	dur := time.Since(start)

	fellBack := err != nil
	if fellBack {
		se := &StageError{Stage: stage, Err: err}
		rr.StageErrors = append(rr.StageErrors, se)
		span.RecordError(se)
		span.SetStatus(codes.Error, se.Error())
		L.Warn(ctx, "stage failed, using fallback",
			"stage", stage.String(),
			"error", err,
			"duration_ms", dur.Milliseconds(),
		)
		u = fallback()
	} else {
		L.Info(ctx, "stage complete",
			"stage", stage.String(),
			"duration_ms", dur.Milliseconds(),
		)
	}
	span.SetAttributes(attribute.Bool("ticketwarden.stage.fallback", fellBack))

	if e.hooks.OnStage != nil {
		e.hooks.OnStage(stage, dur.Seconds(), fellBack)
	}
	return u
}

func callStage[U any](ctx context.Context, fn func(context.Context) (U, error)) (u U, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx)
}

// mustApply guards the fixed stage order inside Run.
func mustApply(err error) {
	if err != nil {
		panic(err)
	}
}
