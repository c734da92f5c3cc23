package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS user_sessions (
	id          TEXT PRIMARY KEY,
	username    TEXT NOT NULL,
	root_folder TEXT NOT NULL,
	locale      TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_user_sessions_expires ON user_sessions (expires_at);
`

// PostgresStore keeps sessions in the user_sessions table.
type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects to databaseURL and ensures the session table exists.
func OpenPostgres(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := NewPostgresStore(db)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the session table if missing.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sessionSchema); err != nil {
		return fmt.Errorf("create session schema: %w", err)
	}
	return nil
}

// Get loads an unexpired session.
func (s *PostgresStore) Get(ctx context.Context, id string) (*UserInfo, error) {
	var info UserInfo
	err := s.db.QueryRowContext(ctx,
		`SELECT username, root_folder, locale, created_at, expires_at
		 FROM user_sessions WHERE id = $1 AND expires_at > NOW()`, id).
		Scan(&info.Username, &info.RootFolder, &info.Locale, &info.CreatedAt, &info.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query session: %w", err)
	}
	return &info, nil
}

// Save upserts a session expiring after ttl.
func (s *PostgresStore) Save(ctx context.Context, id string, info *UserInfo, ttl time.Duration) error {
	created := info.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	expires := info.ExpiresAt
	if ttl > 0 {
		expires = time.Now().Add(ttl)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO user_sessions (id, username, root_folder, locale, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   username = EXCLUDED.username,
		   root_folder = EXCLUDED.root_folder,
		   locale = EXCLUDED.locale,
		   expires_at = EXCLUDED.expires_at`,
		id, info.Username, info.RootFolder, info.Locale, created, expires)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Delete removes a session. Deleting a missing session is not an error.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM user_sessions WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// CleanupExpired deletes expired rows and returns how many were removed.
func (s *PostgresStore) CleanupExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM user_sessions WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("cleanup sessions: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
