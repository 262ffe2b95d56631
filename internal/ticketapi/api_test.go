package ticketapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/ticketwarden/internal/authmw"
	"github.com/linnemanlabs/ticketwarden/internal/ticket"
	"github.com/linnemanlabs/ticketwarden/internal/triage"
)

type mockService struct {
	mu        sync.Mutex
	processed []*ticket.Input
	queries   []triage.RecordQuery
	records   map[string]*triage.DecisionRecord

	processErr error
	queryErr   error
}

func (m *mockService) Process(_ context.Context, in *ticket.Input) (*triage.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.processed = append(m.processed, in)
	if m.processErr != nil {
		return nil, m.processErr
	}
	if err := in.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", triage.ErrInvalidTicket, err)
	}
	return &triage.Result{
		TicketID:            in.TicketID,
		IssueKey:            in.IssueKey,
		Confidence:          0.9,
		RequiresHumanReview: false,
		RecordID:            "rec-1",
		Citations:           []string{},
		PolicyFlags:         []string{},
	}, nil
}

func (m *mockService) Decision(_ context.Context, id string) (*triage.DecisionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.queryErr != nil {
		return nil, false, m.queryErr
	}
	rec, ok := m.records[id]
	return rec, ok, nil
}

func (m *mockService) Decisions(_ context.Context, q triage.RecordQuery) ([]*triage.DecisionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queries = append(m.queries, q)
	if m.queryErr != nil {
		return nil, m.queryErr
	}
	var out []*triage.DecisionRecord
	for _, r := range m.records {
		if q.Department == "" || r.Department == q.Department {
			out = append(out, r)
		}
	}
	return out, nil
}

type staticEscalation map[string][]string

func (s staticEscalation) EscalationPath(dept, team string) []string {
	if p, ok := s[dept+"/"+team]; ok {
		return p
	}
	return s[dept]
}

func newTestRouter(t *testing.T, opts ...Option) (chi.Router, *mockService) {
	t.Helper()
	svc := &mockService{records: map[string]*triage.DecisionRecord{
		"tkt-001": {ID: "rec-1", TicketID: "tkt-001", Department: "IT", Team: "Network"},
	}}
	esc := staticEscalation{
		"IT":         {"it-lead@company.com", "cto@company.com"},
		"IT/Network": {"netops-lead@company.com", "it-lead@company.com"},
	}
	r := chi.NewRouter()
	New(nil, svc, esc, opts...).RegisterRoutes(r)
	return r, svc
}

func do(r http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, target, http.NoBody)
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

//  New / constructor

func TestNew_NilLogger(t *testing.T) {
	t.Parallel()

	api := New(nil, &mockService{}, staticEscalation{})
	if api.logger == nil {
		t.Fatal("New(nil, ...) left logger nil; expected Nop logger")
	}
}

func TestNew_WithLogger(t *testing.T) {
	t.Parallel()

	api := New(log.Nop(), &mockService{}, staticEscalation{})
	if api.logger == nil {
		t.Fatal("New(logger, ...) left logger nil")
	}
}

func TestNew_MissingDependencies_Panics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		svc  TriageService
		esc  EscalationLookup
	}{
		{"nil service", nil, staticEscalation{}},
		{"nil escalation", &mockService{}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			defer func() {
				if r := recover(); r == nil {
					t.Fatal("New did not panic")
				}
			}()
			New(nil, tt.svc, tt.esc)
		})
	}
}

// Routing

func TestRegisterRoutes_Methods(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"GET process not allowed", http.MethodGet, "/api/v1/tickets/process", http.StatusMethodNotAllowed},
		{"POST decision not allowed", http.MethodPost, "/api/v1/tickets/tkt-001/decision", http.StatusMethodNotAllowed},
		{"DELETE decisions not allowed", http.MethodDelete, "/api/v1/decisions", http.StatusMethodNotAllowed},
		{"PUT escalation not allowed", http.MethodPut, "/api/v1/escalation-path", http.StatusMethodNotAllowed},
		{"GET decision", http.MethodGet, "/api/v1/tickets/tkt-001/decision", http.StatusOK},
		{"GET decisions", http.MethodGet, "/api/v1/decisions", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if rec := do(r, tt.method, tt.path, ""); rec.Code != tt.wantStatus {
				t.Errorf("%s %s = %d, want %d", tt.method, tt.path, rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRegisterRoutes_NotFound(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	for _, path := range []string{
		"/api/v1/nonexistent",
		"/api/v2/decisions",
		"/tickets/process",
		"/api/v1/tickets",
	} {
		t.Run(path, func(t *testing.T) {
			t.Parallel()
			if rec := do(r, http.MethodGet, path, ""); rec.Code != http.StatusNotFound {
				t.Errorf("GET %s = %d, want 404", path, rec.Code)
			}
		})
	}
}

func TestRegisterRoutes_Middleware(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t, WithMiddleware(authmw.BearerToken("s3cret")))

	if rec := do(r, http.MethodGet, "/api/v1/decisions", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("without token = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/decisions", http.NoBody)
	req.Header.Set("Authorization", "Bearer s3cret")
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("with token = %d, want 200", rec.Code)
	}
}

// Process

func TestHandleProcessTicket_Valid(t *testing.T) {
	t.Parallel()

	r, svc := newTestRouter(t)
	body := `{
		"ticket_id": "tkt-001",
		"issue_key": "OPS-42",
		"summary": "VPN drops every hour",
		"description": "Since Monday",
		"priority": "high",
		"created_at": "2026-02-26T14:23:00Z",
		"redaction_flags": ["email"]
	}`
	rec := do(r, http.MethodPost, "/api/v1/tickets/process", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var res triage.Result
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.TicketID != "tkt-001" || res.RecordID != "rec-1" {
		t.Errorf("result = %+v", res)
	}

	in := svc.processed[0]
	if in.Priority != ticket.PriorityHigh {
		t.Errorf("priority = %q, want High", in.Priority)
	}
	if in.IssueType != "Unknown" || in.Reporter != "unknown" {
		t.Errorf("defaults not applied: issue_type=%q reporter=%q", in.IssueType, in.Reporter)
	}
	if want := time.Date(2026, 2, 26, 14, 23, 0, 0, time.UTC); !in.CreatedAt.Equal(want) {
		t.Errorf("created_at = %v, want %v", in.CreatedAt, want)
	}
	if len(in.RedactionFlags) != 1 || in.RedactionFlags[0] != "email" {
		t.Errorf("redaction_flags = %v", in.RedactionFlags)
	}
}

func TestHandleProcessTicket_Defaults(t *testing.T) {
	t.Parallel()

	r, svc := newTestRouter(t)
	before := time.Now().UTC()
	rec := do(r, http.MethodPost, "/api/v1/tickets/process",
		`{"ticket_id":"tkt-002","issue_key":"OPS-43","summary":"printer jam"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	in := svc.processed[0]
	if in.Priority != ticket.PriorityMedium {
		t.Errorf("priority = %q, want Medium", in.Priority)
	}
	if in.CreatedAt.Before(before) {
		t.Errorf("created_at = %v, want >= %v", in.CreatedAt, before)
	}
	if in.RedactionFlags == nil {
		t.Error("redaction_flags should default to an empty list")
	}
}

func TestHandleProcessTicket_BadRequests(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{not json`},
		{"unknown field", `{"ticket_id":"a","issue_key":"b","summary":"c","extra":1}`},
		{"missing ticket id", `{"issue_key":"OPS-1","summary":"x"}`},
		{"missing summary", `{"ticket_id":"a","issue_key":"OPS-1"}`},
		{"bad priority", `{"ticket_id":"a","issue_key":"OPS-1","summary":"x","priority":"urgent"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := do(r, http.MethodPost, "/api/v1/tickets/process", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400; body = %s", rec.Code, rec.Body.String())
			}
			var body map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body["error"] == "" {
				t.Errorf("expected JSON error body, got %q", rec.Body.String())
			}
		})
	}
}

func TestHandleProcessTicket_ServiceError(t *testing.T) {
	t.Parallel()

	r, svc := newTestRouter(t)
	svc.processErr = errors.New("boom")

	rec := do(r, http.MethodPost, "/api/v1/tickets/process",
		`{"ticket_id":"a","issue_key":"OPS-1","summary":"x"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
	if strings.Contains(rec.Body.String(), "boom") {
		t.Error("internal error detail leaked to client")
	}
}

// Decision lookups

func TestHandleGetDecision(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	rec := do(r, http.MethodGet, "/api/v1/tickets/tkt-001/decision", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var got triage.DecisionRecord
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "rec-1" {
		t.Errorf("record id = %q", got.ID)
	}

	if rec := do(r, http.MethodGet, "/api/v1/tickets/missing/decision", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing ticket = %d, want 404", rec.Code)
	}
}

func TestHandleGetDecision_StoreError(t *testing.T) {
	t.Parallel()

	r, svc := newTestRouter(t)
	svc.queryErr = errors.New("db down")

	if rec := do(r, http.MethodGet, "/api/v1/tickets/tkt-001/decision", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", rec.Code)
	}
}

func TestHandleListDecisions(t *testing.T) {
	t.Parallel()

	r, svc := newTestRouter(t)

	rec := do(r, http.MethodGet,
		"/api/v1/decisions?department=IT&start=2026-02-01T00:00:00Z&end=2026-03-01T00:00:00Z&limit=5", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var resp decisionsResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 || len(resp.Decisions) != 1 {
		t.Errorf("count = %d, decisions = %d", resp.Count, len(resp.Decisions))
	}

	q := svc.queries[0]
	if q.Department != "IT" || q.MaxItems != 5 {
		t.Errorf("query = %+v", q)
	}
	if !q.Start.Equal(time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("start = %v", q.Start)
	}
}

func TestHandleListDecisions_EmptyIsArray(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)
	rec := do(r, http.MethodGet, "/api/v1/decisions?department=HR", "")
	if !strings.Contains(rec.Body.String(), `"decisions":[]`) {
		t.Errorf("body = %s, want empty decisions array", rec.Body.String())
	}
}

func TestParseRecordQuery_Invalid(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	for _, qs := range []string{
		"start=yesterday",
		"end=2026-13-01",
		"start=2026-03-01T00:00:00Z&end=2026-02-01T00:00:00Z",
		"limit=0",
		"limit=ten",
	} {
		t.Run(qs, func(t *testing.T) {
			t.Parallel()
			if rec := do(r, http.MethodGet, "/api/v1/decisions?"+qs, ""); rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

// Escalation path

func TestHandleEscalationPath(t *testing.T) {
	t.Parallel()

	r, _ := newTestRouter(t)

	tests := []struct {
		query string
		want  string
	}{
		{"department=IT&team=Network", "netops-lead@company.com"},
		{"department=IT", "it-lead@company.com"},
	}
	for _, tt := range tests {
		rec := do(r, http.MethodGet, "/api/v1/escalation-path?"+tt.query, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d", tt.query, rec.Code)
		}
		var resp escalationResponse
		if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(resp.EscalationPath) == 0 || resp.EscalationPath[0] != tt.want {
			t.Errorf("%s: path = %v, want first %q", tt.query, resp.EscalationPath, tt.want)
		}
	}

	if rec := do(r, http.MethodGet, "/api/v1/escalation-path", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing department = %d, want 400", rec.Code)
	}
}
