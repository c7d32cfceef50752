// Package admin stores moderator credentials. There is no login flow; the
// admin CLI verifies its operator against these records.
package admin

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrExists             = errors.New("admin: username already exists")
	ErrInvalidCredentials = errors.New("admin: invalid username or password")
)

// Cost matches the bcrypt work factor used for every stored hash.
const Cost = 10

// HashPassword returns the bcrypt hash of password.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("admin: password is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), Cost)
	if err != nil {
		return "", fmt.Errorf("admin: hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Store manages the admins table.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Create adds an admin with a freshly hashed password.
func (s *Store) Create(ctx context.Context, username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		return errors.New("admin: username is empty")
	}
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO admins (username, password_hash) VALUES ($1, $2)`, username, hash)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrExists
		}
		return fmt.Errorf("admin: insert: %w", err)
	}
	return nil
}

// Verify checks a username and password pair.
func (s *Store) Verify(ctx context.Context, username, password string) error {
	var hash string
	err := s.db.QueryRowContext(ctx,
		`SELECT password_hash FROM admins WHERE username = $1`, username).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrInvalidCredentials
	}
	if err != nil {
		return fmt.Errorf("admin: lookup: %w", err)
	}
	if !CheckPassword(hash, password) {
		return ErrInvalidCredentials
	}
	return nil
}
