package triage

import (
	"context"
	"errors"
	"time"
)

const (
	DefaultQueryLimit = 100
	MaxQueryLimit     = 1000
)

var (
	// ErrDuplicateRecord is returned by Append when the record id already exists.
	ErrDuplicateRecord = errors.New("decision record already exists")

	// ErrInvalidTicket wraps validation failures of the inbound ticket.
	ErrInvalidTicket = errors.New("invalid ticket")
)

// Store is the append-only persistence interface for decision records.
// There is no update or delete: expiry is the store's own business.
type Store interface {
	Append(ctx context.Context, rec *DecisionRecord) (string, error)
	Query(ctx context.Context, q RecordQuery) ([]*DecisionRecord, error)
	GetLatestByTicketID(ctx context.Context, ticketID string) (*DecisionRecord, bool, error)
}

// Sweeper is implemented by stores that remove expired records on demand.
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// RecordQuery filters Store.Query. Zero values mean no filter; Start and
// End are inclusive bounds on CreatedAt.
type RecordQuery struct {
	Department string
	Start      time.Time
	End        time.Time
	MaxItems   int
}

// Limit returns MaxItems clamped to [1, MaxQueryLimit], DefaultQueryLimit when unset.
func (q RecordQuery) Limit() int {
	switch {
	case q.MaxItems <= 0:
		return DefaultQueryLimit
	case q.MaxItems > MaxQueryLimit:
		return MaxQueryLimit
	}
	return q.MaxItems
}

// RecordTimePrecision is the resolution of DecisionRecord.CreatedAt. The
// database stores keep microseconds.
const RecordTimePrecision = time.Microsecond

// StoredBounds returns Start rounded up and End rounded down to
// RecordTimePrecision. Against CreatedAt values of that precision they
// select exactly the records Start and End do.
func (q RecordQuery) StoredBounds() (start, end time.Time) {
	start = q.Start.Truncate(RecordTimePrecision)
	if start.Before(q.Start) {
		start = start.Add(RecordTimePrecision)
	}
	return start, q.End.Truncate(RecordTimePrecision)
}

// Matches reports whether rec passes the query filters and is still live at now.
func (q RecordQuery) Matches(rec *DecisionRecord, now time.Time) bool {
	if rec.Expired(now) {
		return false
	}
	if q.Department != "" && rec.Department != q.Department {
		return false
	}
	if !q.Start.IsZero() && rec.CreatedAt.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && rec.CreatedAt.After(q.End) {
		return false
	}
	return true
}
