// Package pgstore provides a PostgreSQL implementation of triage.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/ticketwarden/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/ticketwarden/internal/triage/pgstore")

//go:embed schema.sql
var schema string

// Store persists decision records in PostgreSQL. The table is guarded by a
// trigger that rejects updates and deletes of unexpired rows.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used to hide expired records.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New applies the schema on pool and returns a ready Store. The caller owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool, opts ...Option) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	s := &Store{pool: pool, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
		attribute.String("db.collection.name", "decision_records"),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Append inserts rec. An existing id yields triage.ErrDuplicateRecord and the
// stored row is left untouched.
func (s *Store) Append(ctx context.Context, rec *triage.DecisionRecord) (string, error) {
	ctx, span := startSpan(ctx, "pgstore.Append", "INSERT")
	defer span.End()

	body, err := json.Marshal(rec)
	if err != nil {
		return "", fail(span, fmt.Errorf("marshal record: %w", err))
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO decision_records (id, ticket_id, department, created_at, expires_at, record)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.TicketID, rec.Department, rec.CreatedAt, rec.ExpiresAt, body,
	)
	if err != nil {
		return "", fail(span, fmt.Errorf("insert decision record: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return "", fail(span, triage.ErrDuplicateRecord)
	}
	return rec.ID, nil
}

// Query returns live records matching q, newest first.
func (s *Store) Query(ctx context.Context, q triage.RecordQuery) ([]*triage.DecisionRecord, error) {
	ctx, span := startSpan(ctx, "pgstore.Query", "SELECT")
	defer span.End()

	var (
		where = []string{"expires_at > $1"}
		args  = []any{s.now()}
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, strings.ReplaceAll(cond, "?", "$"+strconv.Itoa(len(args))))
	}
	if q.Department != "" {
		add("department = ?", q.Department)
	}
	start, end := q.StoredBounds()
	if !q.Start.IsZero() {
		add("created_at >= ?", start)
	}
	if !q.End.IsZero() {
		add("created_at <= ?", end)
	}
	args = append(args, q.Limit())

	sql := `SELECT record FROM decision_records WHERE ` + strings.Join(where, " AND ") +
		` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args))

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query decision records: %w", err))
	}
	recs, err := pgx.CollectRows(rows, scanRecord)
	if err != nil {
		return nil, fail(span, err)
	}
	span.SetAttributes(attribute.Int("db.response.returned_rows", len(recs)))
	return recs, nil
}

// GetLatestByTicketID returns the newest live record for ticketID.
func (s *Store) GetLatestByTicketID(ctx context.Context, ticketID string) (*triage.DecisionRecord, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetLatestByTicketID", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx, `
		SELECT record FROM decision_records
		WHERE ticket_id = $1 AND expires_at > $2
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, ticketID, s.now())
	if err != nil {
		return nil, false, fail(span, fmt.Errorf("query decision record: %w", err))
	}
	rec, err := pgx.CollectOneRow(rows, scanRecord)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, err)
	}
	return rec, true, nil
}

// Sweep deletes rows whose retention deadline is at or before now.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	ctx, span := startSpan(ctx, "pgstore.Sweep", "DELETE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fail(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	tag, err := tx.Exec(ctx, `DELETE FROM decision_records WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fail(span, fmt.Errorf("delete expired records: %w", err))
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fail(span, fmt.Errorf("commit: %w", err))
	}
	n := int(tag.RowsAffected())
	span.SetAttributes(attribute.Int("ticketwarden.sweep.removed", n))
	return n, nil
}

func scanRecord(row pgx.CollectableRow) (*triage.DecisionRecord, error) {
	var body []byte
	if err := row.Scan(&body); err != nil {
		return nil, fmt.Errorf("scan decision record: %w", err)
	}
	var rec triage.DecisionRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal decision record: %w", err)
	}
	return &rec, nil
}
