// Package ban manages address bans. Bans are created only by an admin; the
// PostgreSQL table is the source of truth and Redis caches lookups for the
// admission gate:
//
//	Key:   ban:<address>
//	Value: "1" banned, "0" not banned
//	TTL:   positive and negative entries expire independently
package ban

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when an address has no ban.
	ErrNotFound = errors.New("ban: not found")

	// ErrAlreadyBanned is returned by SaveBan when the address is banned.
	ErrAlreadyBanned = errors.New("ban: address already banned")
)

// uniqueViolation is the PostgreSQL SQLSTATE for a unique constraint failure.
const uniqueViolation = "23505"

// Ban is a permanent block on one network address.
type Ban struct {
	ID        int64
	Address   string
	Reason    string
	CreatedAt time.Time
}

// Store manages bans in PostgreSQL.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// FindBan returns the ban for addr or ErrNotFound.
func (s *Store) FindBan(ctx context.Context, addr string) (*Ban, error) {
	var b Ban
	err := s.db.QueryRowContext(ctx,
		`SELECT id, address, reason, created_at FROM bans WHERE address = $1`, addr,
	).Scan(&b.ID, &b.Address, &b.Reason, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ban: find: %w", err)
	}
	return &b, nil
}

// SaveBan inserts b and fills its ID and CreatedAt.
func (s *Store) SaveBan(ctx context.Context, b *Ban) error {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO bans (address, reason, created_at) VALUES ($1, $2, $3) RETURNING id`,
		b.Address, b.Reason, b.CreatedAt,
	).Scan(&b.ID)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return ErrAlreadyBanned
		}
		return fmt.Errorf("ban: save: %w", err)
	}
	return nil
}

// DeleteBan lifts the ban on addr.
func (s *Store) DeleteBan(ctx context.Context, addr string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM bans WHERE address = $1`, addr)
	if err != nil {
		return fmt.Errorf("ban: delete: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("ban: delete: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns every ban, newest first.
func (s *Store) List(ctx context.Context) ([]*Ban, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, address, reason, created_at FROM bans ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("ban: list: %w", err)
	}
	defer rows.Close()

	var out []*Ban
	for rows.Next() {
		var b Ban
		if err := rows.Scan(&b.ID, &b.Address, &b.Reason, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("ban: scan: %w", err)
		}
		out = append(out, &b)
	}
	return out, rows.Err()
}
