// Package memstore provides an in-memory implementation of triage.Store.
package memstore

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/linnemanlabs/ticketwarden/internal/triage"
)

// Store holds decision records in memory. Suitable for dev/testing.
type Store struct {
	mu       sync.RWMutex
	records  []*triage.DecisionRecord // append order
	ids      map[string]struct{}
	byTicket map[string][]int // ticket ID -> indexes into records
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used to hide expired records.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New initializes a new in-memory Store.
func New(opts ...Option) *Store {
	s := &Store{
		ids:      make(map[string]struct{}),
		byTicket: make(map[string][]int),
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Append stores a copy of rec. Records are never replaced.
func (s *Store) Append(_ context.Context, rec *triage.DecisionRecord) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.ids[rec.ID]; ok {
		return "", triage.ErrDuplicateRecord
	}
	s.ids[rec.ID] = struct{}{}
	s.records = append(s.records, rec.Clone())
	s.byTicket[rec.TicketID] = append(s.byTicket[rec.TicketID], len(s.records)-1)
	return rec.ID, nil
}

// Query returns copies of live records matching q, newest first.
func (s *Store) Query(_ context.Context, q triage.RecordQuery) ([]*triage.DecisionRecord, error) {
	now := s.now()
	limit := q.Limit()

	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*triage.DecisionRecord, 0, min(limit, len(s.records)))
	for _, r := range s.records {
		if q.Matches(r, now) {
			matched = append(matched, r)
		}
	}
	sortNewestFirst(matched)
	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]*triage.DecisionRecord, len(matched))
	for i, r := range matched {
		out[i] = r.Clone()
	}
	return out, nil
}

// GetLatestByTicketID returns a copy of the newest live record for a ticket.
func (s *Store) GetLatestByTicketID(_ context.Context, ticketID string) (*triage.DecisionRecord, bool, error) {
	now := s.now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *triage.DecisionRecord
	for _, i := range s.byTicket[ticketID] {
		r := s.records[i]
		if r.Expired(now) {
			continue
		}
		if latest == nil || newer(r, latest) {
			latest = r
		}
	}
	if latest == nil {
		return nil, false, nil
	}
	return latest.Clone(), true, nil
}

// Sweep drops records whose retention deadline has passed.
func (s *Store) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.records[:0]
	removed := 0
	for _, r := range s.records {
		if r.Expired(now) {
			delete(s.ids, r.ID)
			removed++
			continue
		}
		kept = append(kept, r)
	}
	clear(s.records[len(kept):])
	s.records = kept

	s.byTicket = make(map[string][]int, len(s.byTicket))
	for i, r := range s.records {
		s.byTicket[r.TicketID] = append(s.byTicket[r.TicketID], i)
	}
	return removed, nil
}

// Len returns the number of stored records, expired or not.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func newer(a, b *triage.DecisionRecord) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func sortNewestFirst(recs []*triage.DecisionRecord) {
	slices.SortStableFunc(recs, func(a, b *triage.DecisionRecord) int {
		switch {
		case newer(a, b):
			return -1
		case newer(b, a):
			return 1
		}
		return 0
	})
}
