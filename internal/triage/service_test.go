package triage

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/linnemanlabs/go-core/log"
)

// mockStore implements Store for testing.
type mockStore struct {
	mu        sync.Mutex
	records   []*DecisionRecord
	appendErr error
}

func (m *mockStore) Append(_ context.Context, rec *DecisionRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return "", m.appendErr
	}
	m.records = append(m.records, rec.Clone())
	return rec.ID, nil
}

func (m *mockStore) Query(_ context.Context, q RecordQuery) ([]*DecisionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*DecisionRecord
	for i := len(m.records) - 1; i >= 0 && len(out) < q.Limit(); i-- {
		if q.Matches(m.records[i], time.Now()) {
			out = append(out, m.records[i].Clone())
		}
	}
	return out, nil
}

func (m *mockStore) GetLatestByTicketID(_ context.Context, id string) (*DecisionRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].TicketID == id {
			return m.records[i].Clone(), true, nil
		}
	}
	return nil, false, nil
}

// mockNotifier records notified records.
type mockNotifier struct {
	mu      sync.Mutex
	got     []*DecisionRecord
	err     error
	release chan struct{}
}

func (m *mockNotifier) Notify(ctx context.Context, rec *DecisionRecord) error {
	if m.release != nil {
		<-m.release
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	m.got = append(m.got, rec)
	return m.err
}

func newTestService(store Store, opts ...ServiceOption) *Service {
	return NewService(store, newFixture().engine(), log.Nop(), opts...)
}

func TestProcess_PersistsRecord(t *testing.T) {
	t.Parallel()

	store := &mockStore{}
	svc := newTestService(store)

	res, err := svc.Process(context.Background(), testTicket())
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.RecordID == "" {
		t.Fatal("expected record id")
	}
	if len(res.Warnings) != 0 {
		t.Errorf("warnings = %v", res.Warnings)
	}

	rec, ok, err := svc.Decision(context.Background(), "tkt-001")
	if err != nil || !ok {
		t.Fatalf("Decision: ok=%v err=%v", ok, err)
	}
	if rec.ID != res.RecordID {
		t.Errorf("record id = %s, want %s", rec.ID, res.RecordID)
	}
	if rec.Department != res.Classification.Department || rec.GeneratedComment != res.GeneratedComment {
		t.Errorf("record does not match result: %+v", rec)
	}
	if !slices.Equal(rec.Citations, res.Citations) {
		t.Errorf("citations = %v, want %v", rec.Citations, res.Citations)
	}
	if got := rec.ExpiresAt.Sub(rec.CreatedAt); got != RetentionPeriod {
		t.Errorf("retention = %v, want %v", got, RetentionPeriod)
	}
	if rec.CreatedAt.Location() != time.UTC {
		t.Error("created_at should be UTC")
	}
	if rec.Model != testModel || res.ModelUsed != testModel {
		t.Errorf("model = %q / %q", rec.Model, res.ModelUsed)
	}
}

func TestProcess_ResultShape(t *testing.T) {
	t.Parallel()

	res, err := newTestService(&mockStore{}).Process(context.Background(), testTicket())
	if err != nil {
		t.Fatal(err)
	}
	if res.TicketID != "tkt-001" || res.IssueKey != "OPS-42" {
		t.Errorf("ids = %s/%s", res.TicketID, res.IssueKey)
	}
	if res.Classification.Confidence != res.Confidence {
		t.Errorf("confidence mismatch: %v vs %v", res.Classification.Confidence, res.Confidence)
	}
	if res.SLA.TargetHours != 4 || !res.SLA.WarningAt.Before(res.SLA.BreachAt) {
		t.Errorf("sla = %+v", res.SLA)
	}
	if len(res.EscalationPath) == 0 {
		t.Error("expected escalation path")
	}
	if res.LatencyMS < 0 {
		t.Errorf("latency = %d", res.LatencyMS)
	}
}

func TestProcess_InvalidTicket(t *testing.T) {
	t.Parallel()

	store := &mockStore{}
	svc := newTestService(store)

	in := testTicket()
	in.Summary = ""
	_, err := svc.Process(context.Background(), in)
	if !errors.Is(err, ErrInvalidTicket) {
		t.Fatalf("err = %v, want ErrInvalidTicket", err)
	}
	if len(store.records) != 0 {
		t.Error("invalid ticket should not be recorded")
	}
}

func TestProcess_PersistFailureStillReturnsResult(t *testing.T) {
	t.Parallel()

	var appendErrs []error
	store := &mockStore{appendErr: errors.New("table unavailable")}
	svc := newTestService(store, WithServiceHooks(ServiceHooks{
		OnAppend: func(err error) { appendErrs = append(appendErrs, err) },
	}))

	res, err := svc.Process(context.Background(), testTicket())
	if err != nil {
		t.Fatalf("Process returned error on persist failure: %v", err)
	}
	if res.GeneratedComment == "" || res.Classification.Department != "IT" {
		t.Errorf("triage answer missing: %+v", res)
	}
	if res.RecordID != "" {
		t.Errorf("record id = %q, want empty when not persisted", res.RecordID)
	}
	if len(res.Warnings) != 1 || !strings.Contains(res.Warnings[0], "table unavailable") {
		t.Errorf("warnings = %v", res.Warnings)
	}
	if len(appendErrs) != 1 || appendErrs[0] == nil {
		t.Errorf("append hook errs = %v", appendErrs)
	}
}

func TestProcess_NotifiesOnReview(t *testing.T) {
	t.Parallel()

	n := &mockNotifier{}
	svc := newTestService(&mockStore{}, WithNotifier(n))

	in := testTicket()
	in.Reporter = "someone@gmail.com"
	res, err := svc.Process(context.Background(), in)
	if err != nil {
		t.Fatal(err)
	}
	if !res.RequiresHumanReview {
		t.Fatal("external reporter should require review")
	}
	svc.Wait()

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.got) != 1 || n.got[0].TicketID != "tkt-001" {
		t.Errorf("notified = %v", n.got)
	}
}

func TestProcess_NoNotificationWithoutReview(t *testing.T) {
	t.Parallel()

	n := &mockNotifier{}
	svc := newTestService(&mockStore{}, WithNotifier(n))

	if _, err := svc.Process(context.Background(), testTicket()); err != nil {
		t.Fatal(err)
	}
	svc.Wait()
	if len(n.got) != 0 {
		t.Errorf("unexpected notification: %v", n.got)
	}
}

func TestProcess_NotificationOutlivesRequest(t *testing.T) {
	t.Parallel()

	var (
		mu         sync.Mutex
		notifyErrs []error
	)
	n := &mockNotifier{release: make(chan struct{}), err: errors.New("webhook 500")}
	svc := newTestService(&mockStore{}, WithNotifier(n), WithServiceHooks(ServiceHooks{
		OnNotify: func(err error) {
			mu.Lock()
			defer mu.Unlock()
			notifyErrs = append(notifyErrs, err)
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	in := testTicket()
	in.RedactionFlags = []string{"us_ssn_detected"}
	res, err := svc.Process(ctx, in)
	cancel()
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Warnings) != 0 {
		t.Errorf("notification failure leaked into result: %v", res.Warnings)
	}

	close(n.release)
	svc.Wait()

	n.mu.Lock()
	if len(n.got) != 1 {
		t.Errorf("notification dropped after request cancel: %d", len(n.got))
	}
	n.mu.Unlock()

	mu.Lock()
	defer mu.Unlock()
	if len(notifyErrs) != 1 || notifyErrs[0] == nil {
		t.Errorf("notify hook errs = %v", notifyErrs)
	}
}

func TestDecisions_NewestFirst(t *testing.T) {
	t.Parallel()

	store := &mockStore{}
	svc := newTestService(store)
	for _, id := range []string{"a", "b", "c"} {
		in := testTicket()
		in.TicketID = id
		if _, err := svc.Process(context.Background(), in); err != nil {
			t.Fatal(err)
		}
	}

	recs, err := svc.Decisions(context.Background(), RecordQuery{Department: "IT", MaxItems: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].TicketID != "c" || recs[1].TicketID != "b" {
		t.Errorf("records = %v", recs)
	}
}

func TestNewService_Panics(t *testing.T) {
	t.Parallel()

	defer func() {
		if recover() == nil {
			t.Error("expected panic for nil store")
		}
	}()
	NewService(nil, newFixture().engine(), log.Nop())
}

func TestProcess_RecordMatchesAcrossReads(t *testing.T) {
	t.Parallel()

	store := &mockStore{}
	svc := newTestService(store)
	in := testTicket()
	in.SanitizedInputHash = "sha256:abc"
	if _, err := svc.Process(context.Background(), in); err != nil {
		t.Fatal(err)
	}

	first, _, _ := svc.Decision(context.Background(), in.TicketID)
	first.PolicyFlags = append(first.PolicyFlags, "tampered")
	first.Citations[0] = "tampered"

	second, _, _ := svc.Decision(context.Background(), in.TicketID)
	if slices.Contains(second.PolicyFlags, "tampered") || second.Citations[0] == "tampered" {
		t.Error("mutating a read record changed the stored record")
	}
	if second.SanitizedInputHash != "sha256:abc" {
		t.Errorf("hash = %q", second.SanitizedInputHash)
	}
}
