// Package sqlitestore provides a SQLite implementation of triage.Store for
// single-node deployments.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the sqlite3 driver

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/ticketwarden/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/ticketwarden/internal/triage/sqlitestore")

// Times are stored as unix microseconds so ordering and expiry compare as integers.
const schema = `
CREATE TABLE IF NOT EXISTS decision_records (
	id          TEXT PRIMARY KEY,
	ticket_id   TEXT    NOT NULL,
	department  TEXT    NOT NULL,
	created_at  INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL,
	record      TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS decision_records_ticket_idx ON decision_records (ticket_id, created_at DESC);
CREATE INDEX IF NOT EXISTS decision_records_department_idx ON decision_records (department, created_at DESC);
CREATE INDEX IF NOT EXISTS decision_records_expires_idx ON decision_records (expires_at);

CREATE TRIGGER IF NOT EXISTS decision_records_no_update
BEFORE UPDATE ON decision_records
BEGIN
	SELECT RAISE(ABORT, 'decision_records is append-only');
END;

CREATE TRIGGER IF NOT EXISTS decision_records_no_early_delete
BEFORE DELETE ON decision_records
WHEN OLD.expires_at > CAST(strftime('%s', 'now') AS INTEGER) * 1000000
BEGIN
	SELECT RAISE(ABORT, 'decision record is still within retention');
END;
`

// Store persists decision records in a SQLite database file.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the clock used to hide expired records.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	q := url.Values{}
	q.Set("_busy_timeout", "5000")
	q.Set("_journal_mode", "WAL")
	q.Set("_foreign_keys", "on")
	db, err := sql.Open("sqlite3", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// single writer; readers share the same connection
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "sqlite"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Append inserts rec, rejecting an existing id with triage.ErrDuplicateRecord.
func (s *Store) Append(ctx context.Context, rec *triage.DecisionRecord) (string, error) {
	ctx, span := startSpan(ctx, "sqlitestore.Append", "INSERT")
	defer span.End()

	body, err := json.Marshal(rec)
	if err != nil {
		return "", fail(span, fmt.Errorf("marshal record: %w", err))
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO decision_records (id, ticket_id, department, created_at, expires_at, record)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TicketID, rec.Department, rec.CreatedAt.UnixMicro(), rec.ExpiresAt.UnixMicro(), string(body),
	)
	if err != nil {
		return "", fail(span, fmt.Errorf("insert decision record: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fail(span, fmt.Errorf("rows affected: %w", err))
	}
	if n == 0 {
		return "", fail(span, triage.ErrDuplicateRecord)
	}
	return rec.ID, nil
}

// Query returns live records matching q, newest first.
func (s *Store) Query(ctx context.Context, q triage.RecordQuery) ([]*triage.DecisionRecord, error) {
	ctx, span := startSpan(ctx, "sqlitestore.Query", "SELECT")
	defer span.End()

	where := []string{"expires_at > ?"}
	args := []any{s.now().UnixMicro()}
	if q.Department != "" {
		where = append(where, "department = ?")
		args = append(args, q.Department)
	}
	start, end := q.StoredBounds()
	if !q.Start.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, start.UnixMicro())
	}
	if !q.End.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, end.UnixMicro())
	}
	args = append(args, q.Limit())

	rows, err := s.db.QueryContext(ctx, `SELECT record FROM decision_records WHERE `+
		strings.Join(where, " AND ")+` ORDER BY created_at DESC, id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fail(span, fmt.Errorf("query decision records: %w", err))
	}
	defer rows.Close()

	var out []*triage.DecisionRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fail(span, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fail(span, fmt.Errorf("iterate decision records: %w", err))
	}
	return out, nil
}

// GetLatestByTicketID returns the newest live record for ticketID.
func (s *Store) GetLatestByTicketID(ctx context.Context, ticketID string) (*triage.DecisionRecord, bool, error) {
	ctx, span := startSpan(ctx, "sqlitestore.GetLatestByTicketID", "SELECT")
	defer span.End()

	row := s.db.QueryRowContext(ctx, `
		SELECT record FROM decision_records
		WHERE ticket_id = ? AND expires_at > ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, ticketID, s.now().UnixMicro())
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fail(span, err)
	}
	return rec, true, nil
}

// Sweep deletes rows whose retention deadline is at or before now.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int, error) {
	ctx, span := startSpan(ctx, "sqlitestore.Sweep", "DELETE")
	defer span.End()

	res, err := s.db.ExecContext(ctx, `DELETE FROM decision_records WHERE expires_at <= ?`, now.UnixMicro())
	if err != nil {
		return 0, fail(span, fmt.Errorf("delete expired records: %w", err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fail(span, fmt.Errorf("rows affected: %w", err))
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*triage.DecisionRecord, error) {
	var body string
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan decision record: %w", err)
	}
	var rec triage.DecisionRecord
	if err := json.Unmarshal([]byte(body), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal decision record: %w", err)
	}
	return &rec, nil
}
