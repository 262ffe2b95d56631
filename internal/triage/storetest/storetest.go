// Package storetest is a conformance suite shared by the triage.Store implementations.
package storetest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/linnemanlabs/ticketwarden/internal/ticket"
	"github.com/linnemanlabs/ticketwarden/internal/triage"
)

// Factory opens a store whose expiry checks use now.
type Factory func(t *testing.T, now func() time.Time) triage.Store

// Run exercises the Store contract against stores produced by newStore.
// Ticket ids and departments are unique per call so a shared database can be used.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	now := time.Now().UTC().Truncate(time.Microsecond)
	clock := func() time.Time { return now }
	prefix := ulid.Make().String()

	t.Run("AppendThenRead", func(t *testing.T) {
		s := newStore(t, clock)
		ctx := context.Background()
		rec := Record(prefix+"-read", prefix+"-IT", now.Add(-time.Minute))

		id, err := s.Append(ctx, rec)
		if err != nil {
			t.Fatalf("Append: %v", err)
		}
		if id != rec.ID {
			t.Errorf("Append id = %q, want %q", id, rec.ID)
		}

		got, ok, err := s.GetLatestByTicketID(ctx, rec.TicketID)
		if err != nil || !ok {
			t.Fatalf("GetLatestByTicketID: ok=%v err=%v", ok, err)
		}
		assertSameJSON(t, rec, got)

		// reads are copies
		got.PolicyFlags[0] = "tampered"
		again, _, _ := s.GetLatestByTicketID(ctx, rec.TicketID)
		assertSameJSON(t, rec, again)
	})

	t.Run("DuplicateID", func(t *testing.T) {
		s := newStore(t, clock)
		ctx := context.Background()
		rec := Record(prefix+"-dup", prefix+"-IT", now.Add(-time.Minute))
		if _, err := s.Append(ctx, rec); err != nil {
			t.Fatalf("Append: %v", err)
		}
		changed := rec.Clone()
		changed.GeneratedComment = "overwrite attempt"
		if _, err := s.Append(ctx, changed); !errors.Is(err, triage.ErrDuplicateRecord) {
			t.Fatalf("second Append err = %v, want ErrDuplicateRecord", err)
		}
		got, _, _ := s.GetLatestByTicketID(ctx, rec.TicketID)
		assertSameJSON(t, rec, got)
	})

	t.Run("LatestByTicket", func(t *testing.T) {
		s := newStore(t, clock)
		ctx := context.Background()
		tid := prefix + "-latest"
		older := Record(tid, prefix+"-IT", now.Add(-2*time.Hour))
		newest := Record(tid, prefix+"-IT", now.Add(-time.Hour))
		for _, r := range []*triage.DecisionRecord{newest, older} {
			if _, err := s.Append(ctx, r); err != nil {
				t.Fatalf("Append: %v", err)
			}
		}
		got, ok, err := s.GetLatestByTicketID(ctx, tid)
		if err != nil || !ok {
			t.Fatalf("GetLatestByTicketID: ok=%v err=%v", ok, err)
		}
		if got.ID != newest.ID {
			t.Errorf("latest = %s, want %s", got.ID, newest.ID)
		}

		_, ok, err = s.GetLatestByTicketID(ctx, prefix+"-missing")
		if err != nil || ok {
			t.Errorf("missing ticket: ok=%v err=%v", ok, err)
		}
	})

	t.Run("QueryFiltersAndOrder", func(t *testing.T) {
		s := newStore(t, clock)
		ctx := context.Background()
		it, hr := prefix+"-qIT", prefix+"-qHR"
		recs := []*triage.DecisionRecord{
			Record(prefix+"-q1", it, now.Add(-5*time.Hour)),
			Record(prefix+"-q2", hr, now.Add(-4*time.Hour)),
			Record(prefix+"-q3", it, now.Add(-3*time.Hour)),
			Record(prefix+"-q4", it, now.Add(-2*time.Hour)),
		}
		for _, r := range recs {
			if _, err := s.Append(ctx, r); err != nil {
				t.Fatalf("Append: %v", err)
			}
		}

		got, err := s.Query(ctx, triage.RecordQuery{Department: it})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		assertTickets(t, got, prefix+"-q4", prefix+"-q3", prefix+"-q1")

		got, err = s.Query(ctx, triage.RecordQuery{Department: it, MaxItems: 2})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		assertTickets(t, got, prefix+"-q4", prefix+"-q3")

		got, err = s.Query(ctx, triage.RecordQuery{
			Department: it,
			Start:      now.Add(-3 * time.Hour),
			End:        now.Add(-2*time.Hour - time.Minute),
		})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		assertTickets(t, got, prefix+"-q3")

		got, err = s.Query(ctx, triage.RecordQuery{Department: hr})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		assertTickets(t, got, prefix+"-q2")
	})

	t.Run("SubMicrosecondBounds", func(t *testing.T) {
		s := newStore(t, clock)
		ctx := context.Background()
		dept := prefix + "-usec"
		created := now.Add(-time.Hour)
		if _, err := s.Append(ctx, Record(prefix+"-u1", dept, created)); err != nil {
			t.Fatalf("Append: %v", err)
		}

		tests := []struct {
			name       string
			start, end time.Time
			want       int
		}{
			{"start just after", created.Add(500 * time.Nanosecond), time.Time{}, 0},
			{"end just before", time.Time{}, created.Add(-500 * time.Nanosecond), 0},
			{"bracketing", created.Add(-500 * time.Nanosecond), created.Add(500 * time.Nanosecond), 1},
			{"exact", created, created, 1},
		}
		for _, tt := range tests {
			got, err := s.Query(ctx, triage.RecordQuery{Department: dept, Start: tt.start, End: tt.end})
			if err != nil {
				t.Fatalf("%s: Query: %v", tt.name, err)
			}
			if len(got) != tt.want {
				t.Errorf("%s: got %d records, want %d", tt.name, len(got), tt.want)
			}
		}
	})

	t.Run("ExpiredInvisible", func(t *testing.T) {
		s := newStore(t, clock)
		ctx := context.Background()
		dept := prefix + "-exp"
		old := Record(prefix+"-expired", dept, now.Add(-triage.RetentionPeriod-time.Hour))
		if _, err := s.Append(ctx, old); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if _, ok, _ := s.GetLatestByTicketID(ctx, old.TicketID); ok {
			t.Error("expired record visible through GetLatestByTicketID")
		}
		got, err := s.Query(ctx, triage.RecordQuery{Department: dept})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(got) != 0 {
			t.Errorf("expired record visible through Query: %d", len(got))
		}

		sw, ok := s.(triage.Sweeper)
		if !ok {
			return
		}
		live := Record(prefix+"-live", dept, now.Add(-time.Minute))
		if _, err := s.Append(ctx, live); err != nil {
			t.Fatalf("Append: %v", err)
		}
		n, err := sw.Sweep(ctx, now)
		if err != nil {
			t.Fatalf("Sweep: %v", err)
		}
		if n < 1 {
			t.Errorf("Sweep removed %d, want at least 1", n)
		}
		if _, ok, _ := s.GetLatestByTicketID(ctx, live.TicketID); !ok {
			t.Error("Sweep removed a live record")
		}
	})

	t.Run("ConcurrentAppends", func(t *testing.T) {
		s := newStore(t, clock)
		ctx := context.Background()
		dept := prefix + "-conc"
		const n = 25

		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				rec := Record(fmt.Sprintf("%s-c%02d", prefix, i), dept, now.Add(-time.Duration(i)*time.Second))
				if _, err := s.Append(ctx, rec); err != nil {
					errs <- err
				}
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Errorf("Append: %v", err)
		}

		got, err := s.Query(ctx, triage.RecordQuery{Department: dept, MaxItems: n + 10})
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		if len(got) != n {
			t.Errorf("Query returned %d records, want %d", len(got), n)
		}
	})
}

// Record builds a populated decision record created at created.
func Record(ticketID, department string, created time.Time) *triage.DecisionRecord {
	created = created.UTC().Truncate(time.Microsecond)
	return &triage.DecisionRecord{
		ID:                  ulid.MustNew(ulid.Timestamp(created), ulid.DefaultEntropy()).String(),
		TicketID:            ticketID,
		IssueKey:            "OPS-" + ticketID,
		Department:          department,
		Team:                "DBA",
		SuggestedPriority:   ticket.PriorityHigh,
		SuggestedAssignee:   "dba-team@company.com",
		Confidence:          0.87,
		Citations:           []string{"IT-KB-101: Database Connection Troubleshooting"},
		GeneratedComment:    "Restart the connection pool.",
		PolicyFlags:         []string{"critical_priority_escalation"},
		RequiresHumanReview: true,
		EscalationReasons:   []string{"Critical priority ticket"},
		AutoEscalate:        true,
		SLATargetHours:      4,
		SLAWarningAt:        created.Add(3 * time.Hour),
		SLABreachAt:         created.Add(4 * time.Hour),
		PolicyEvaluatedAt:   created,
		EscalationPath:      []string{"dba-lead@company.com", "it-director@company.com"},
		DegradedStages:      []string{},
		Model:               "claude-sonnet-4-20250514",
		LatencyMS:           1834,
		SanitizedInputHash:  "sha256:" + ticketID,
		CreatedAt:           created,
		ExpiresAt:           created.Add(triage.RetentionPeriod),
	}
}

func assertSameJSON(t *testing.T, want, got *triage.DecisionRecord) {
	t.Helper()
	wb, err := json.Marshal(want)
	if err != nil {
		t.Fatal(err)
	}
	gb, err := json.Marshal(got)
	if err != nil {
		t.Fatal(err)
	}
	if string(wb) != string(gb) {
		t.Errorf("record changed in storage:\nwant %s\ngot  %s", wb, gb)
	}
}

func assertTickets(t *testing.T, got []*triage.DecisionRecord, want ...string) {
	t.Helper()
	ids := make([]string, len(got))
	for i, r := range got {
		ids[i] = r.TicketID
	}
	if fmt.Sprint(ids) != fmt.Sprint(want) {
		t.Errorf("tickets = %v, want %v", ids, want)
	}
}
