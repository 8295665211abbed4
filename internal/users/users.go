// Package users stores the Google accounts that have connected their
// calendars, along with their OAuth tokens.
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when no user matches the lookup.
var ErrNotFound = errors.New("user not found")

// User is a connected calendar account.
type User struct {
	ID           string
	Email        string
	AccessToken  string
	RefreshToken string
	TokenExpiry  time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Store persists users in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore opens (or creates) the user database at path.
func NewStore(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("user store migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id            TEXT PRIMARY KEY,
			email         TEXT NOT NULL UNIQUE,
			access_token  TEXT NOT NULL,
			refresh_token TEXT,
			token_expiry  TEXT,
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_users_email ON users(email);
	`)
	return err
}

// Upsert creates the user keyed by email or refreshes their tokens.
// A re-consent that arrives without a refresh token keeps the stored
// one, since Google only issues it on the first authorization.
func (s *Store) Upsert(ctx context.Context, u *User) (*User, error) {
	if u.Email == "" {
		return nil, fmt.Errorf("email is required")
	}

	existing, err := s.GetByEmail(ctx, u.Email)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	now := time.Now().UTC()
	if existing != nil {
		refresh := u.RefreshToken
		if refresh == "" {
			refresh = existing.RefreshToken
		}
		_, err := s.db.ExecContext(ctx, `
			UPDATE users SET access_token = ?, refresh_token = ?, token_expiry = ?, updated_at = ?
			WHERE id = ?`,
			u.AccessToken, refresh, u.TokenExpiry.Format(time.RFC3339Nano),
			now.Format(time.RFC3339Nano), existing.ID)
		if err != nil {
			return nil, fmt.Errorf("update user: %w", err)
		}
		s.logger.Info("user tokens refreshed", "user_id", existing.ID, "email", u.Email)
		return s.GetByEmail(ctx, u.Email)
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, access_token, refresh_token, token_expiry, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		id, u.Email, u.AccessToken, u.RefreshToken,
		u.TokenExpiry.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	s.logger.Info("user connected", "user_id", id, "email", u.Email)
	return s.GetByEmail(ctx, u.Email)
}

// Get looks a user up by ID.
func (s *Store) Get(ctx context.Context, id string) (*User, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, `
		SELECT id, email, access_token, refresh_token, token_expiry, created_at, updated_at
		FROM users WHERE id = ?`, id))
}

// GetByEmail looks a user up by email.
func (s *Store) GetByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, `
		SELECT id, email, access_token, refresh_token, token_expiry, created_at, updated_at
		FROM users WHERE email = ?`, email))
}

// Latest returns the most recently updated user, the account chat
// requests act on when no user is named.
func (s *Store) Latest(ctx context.Context) (*User, error) {
	return s.scanOne(s.db.QueryRowContext(ctx, `
		SELECT id, email, access_token, refresh_token, token_expiry, created_at, updated_at
		FROM users ORDER BY updated_at DESC LIMIT 1`))
}

// UpdateTokens writes a refreshed token pair back to the store.
func (s *Store) UpdateTokens(ctx context.Context, id, accessToken, refreshToken string, expiry time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET access_token = ?, refresh_token = ?, token_expiry = ?, updated_at = ?
		WHERE id = ?`,
		accessToken, refreshToken, expiry.Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) scanOne(row *sql.Row) (*User, error) {
	var u User
	var refreshToken, tokenExpiry sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&u.ID, &u.Email, &u.AccessToken, &refreshToken, &tokenExpiry, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}

	u.RefreshToken = refreshToken.String
	if tokenExpiry.Valid {
		u.TokenExpiry, _ = time.Parse(time.RFC3339Nano, tokenExpiry.String)
	}
	u.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	u.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &u, nil
}
