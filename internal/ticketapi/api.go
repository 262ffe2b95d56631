// Package ticketapi exposes the triage service over HTTP.
package ticketapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/linnemanlabs/go-core/log"
	"github.com/linnemanlabs/go-core/xerrors"

	"github.com/linnemanlabs/ticketwarden/internal/ticket"
	"github.com/linnemanlabs/ticketwarden/internal/triage"
)

// TriageService defines the business operations ticketapi needs.
type TriageService interface {
	Process(ctx context.Context, in *ticket.Input) (*triage.Result, error)
	Decision(ctx context.Context, ticketID string) (*triage.DecisionRecord, bool, error)
	Decisions(ctx context.Context, q triage.RecordQuery) ([]*triage.DecisionRecord, error)
}

// EscalationLookup resolves escalation contacts; *policy.Engine satisfies it.
type EscalationLookup interface {
	EscalationPath(department, team string) []string
}

// API holds dependencies for HTTP handlers.
type API struct {
	logger     log.Logger
	svc        TriageService
	escalation EscalationLookup
	middleware []func(http.Handler) http.Handler
}

// Option configures an API.
type Option func(*API)

// WithMiddleware wraps every /api/v1 route, e.g. with authentication.
func WithMiddleware(mw ...func(http.Handler) http.Handler) Option {
	return func(a *API) { a.middleware = append(a.middleware, mw...) }
}

// New creates a new API handler.
func New(logger log.Logger, svc TriageService, escalation EscalationLookup, opts ...Option) *API {
	if logger == nil {
		logger = log.Nop()
	}
	if svc == nil {
		panic(xerrors.New("triage service is required"))
	}
	if escalation == nil {
		panic(xerrors.New("escalation lookup is required"))
	}
	a := &API{
		logger:     logger,
		svc:        svc,
		escalation: escalation,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// RegisterRoutes attaches API endpoints to the router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(a.middleware...)
		r.Post("/tickets/process", a.handleProcessTicket)
		r.Get("/tickets/{ticketID}/decision", a.handleGetDecision)
		r.Get("/decisions", a.handleListDecisions)
		r.Get("/escalation-path", a.handleEscalationPath)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// nothing useful to do with a write error here
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
