// Package report stores abuse reports in PostgreSQL. A report records who
// reported whom, from which addresses, and for chat rooms the transcript up to
// the moment of the report.
package report

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/whisper/strangers/internal/chat"
)

// ErrNotFound is returned when no report has the requested id.
var ErrNotFound = errors.New("report: not found")

// Report is immutable once created.
type Report struct {
	ID           string
	ReporterID   string
	ReportedID   string
	Kind         string
	RoomID       string
	ReporterAddr string
	ReportedAddr string
	Reason       string
	CallDuration *float64
	Transcript   []chat.Entry
	CreatedAt    time.Time
}

// Store manages reports in PostgreSQL.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create inserts r, assigning ID and CreatedAt when they are empty.
func (s *Store) Create(ctx context.Context, r *Report) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}

	var transcript []byte
	if len(r.Transcript) > 0 {
		var err error
		transcript, err = json.Marshal(r.Transcript)
		if err != nil {
			return fmt.Errorf("report: marshal transcript: %w", err)
		}
	}

	const query = `
		INSERT INTO reports (id, reporter_id, reported_id, kind, room_id,
			reporter_addr, reported_addr, reason, call_duration, transcript, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

	_, err := s.db.ExecContext(ctx, query,
		r.ID, r.ReporterID, r.ReportedID, r.Kind, r.RoomID,
		r.ReporterAddr, r.ReportedAddr, r.Reason,
		nullFloat(r.CallDuration), nullJSON(transcript), r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("report: insert: %w", err)
	}
	return nil
}

const selectColumns = `id, reporter_id, reported_id, kind, room_id, reporter_addr,
	reported_addr, reason, call_duration, transcript, created_at`

// Get loads one report.
func (s *Store) Get(ctx context.Context, id string) (*Report, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM reports WHERE id = $1`, id)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("report: get: %w", err)
	}
	return r, nil
}

// List returns reports newest first.
func (s *Store) List(ctx context.Context, limit, offset int) ([]*Report, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+selectColumns+` FROM reports ORDER BY created_at DESC LIMIT $1 OFFSET $2`,
		limit, offset)
	if err != nil {
		return nil, fmt.Errorf("report: list: %w", err)
	}
	defer rows.Close()

	var out []*Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("report: scan: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("report: list: %w", err)
	}
	return out, nil
}

// Count returns the number of stored reports.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM reports`).Scan(&n); err != nil {
		return 0, fmt.Errorf("report: count: %w", err)
	}
	return n, nil
}

// Delete removes a report.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM reports WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("report: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("report: delete: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanReport(sc scanner) (*Report, error) {
	var (
		r          Report
		duration   sql.NullFloat64
		transcript []byte
	)
	err := sc.Scan(&r.ID, &r.ReporterID, &r.ReportedID, &r.Kind, &r.RoomID,
		&r.ReporterAddr, &r.ReportedAddr, &r.Reason, &duration, &transcript, &r.CreatedAt)
	if err != nil {
		return nil, err
	}
	if duration.Valid {
		d := duration.Float64
		r.CallDuration = &d
	}
	if len(transcript) > 0 {
		if err := json.Unmarshal(transcript, &r.Transcript); err != nil {
			return nil, fmt.Errorf("unmarshal transcript: %w", err)
		}
	}
	return &r, nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullJSON(b []byte) interface{} {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
