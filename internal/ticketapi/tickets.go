package ticketapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/ticketwarden/internal/ticket"
	"github.com/linnemanlabs/ticketwarden/internal/triage"
)

// Defaults for optional inbound fields.
const (
	defaultIssueType = "Unknown"
	defaultPriority  = ticket.PriorityMedium
	defaultReporter  = "unknown"
)

// processRequest is the inbound ticket as posted by the sanitization layer.
type processRequest struct {
	TicketID           string     `json:"ticket_id"`
	IssueKey           string     `json:"issue_key"`
	Summary            string     `json:"summary"`
	Description        string     `json:"description"`
	IssueType          string     `json:"issue_type"`
	Priority           string     `json:"priority"`
	Reporter           string     `json:"reporter"`
	CreatedAt          *time.Time `json:"created_at"`
	RedactionFlags     []string   `json:"redaction_flags"`
	SanitizedInputHash string     `json:"sanitized_input_hash"`
}

func (p *processRequest) toInput(now time.Time) *ticket.Input {
	in := &ticket.Input{
		TicketID:           strings.TrimSpace(p.TicketID),
		IssueKey:           strings.TrimSpace(p.IssueKey),
		Summary:            p.Summary,
		Description:        p.Description,
		IssueType:          orDefault(p.IssueType, defaultIssueType),
		Priority:           defaultPriority,
		Reporter:           orDefault(p.Reporter, defaultReporter),
		CreatedAt:          now,
		RedactionFlags:     p.RedactionFlags,
		SanitizedInputHash: p.SanitizedInputHash,
	}
	if strings.TrimSpace(p.Priority) != "" {
		if pr, ok := ticket.ParsePriority(p.Priority); ok {
			in.Priority = pr
		} else {
			// left invalid so validation reports it
			in.Priority = ticket.Priority(p.Priority)
		}
	}
	if p.CreatedAt != nil {
		in.CreatedAt = p.CreatedAt.UTC()
	}
	if in.RedactionFlags == nil {
		in.RedactionFlags = []string{}
	}
	return in
}

func (a *API) handleProcessTicket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req processRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	in := req.toInput(time.Now().UTC())
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("ticketwarden.ticket.id", in.TicketID),
		attribute.String("ticketwarden.ticket.issue_key", in.IssueKey),
	)

	res, err := a.svc.Process(ctx, in)
	if errors.Is(err, triage.ErrInvalidTicket) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		a.logger.Error(ctx, err, "failed to process ticket", "ticket_id", in.TicketID)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	span.SetAttributes(
		attribute.Bool("ticketwarden.requires_human_review", res.RequiresHumanReview),
		attribute.String("ticketwarden.record_id", res.RecordID),
	)
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handleGetDecision(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "ticketID")
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("ticketwarden.ticket.id", id))

	rec, ok, err := a.svc.Decision(ctx, id)
	if err != nil {
		a.logger.Error(ctx, err, "failed to get decision record", "ticket_id", id)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func orDefault(s, def string) string {
	if strings.TrimSpace(s) == "" {
		return def
	}
	return s
}
