// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides user and document persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/profilesync/internal/provider"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed. ":memory:" opens a private
// in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases
	// shared across queries.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			uid TEXT PRIMARY KEY,
			email TEXT,
			anonymous INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_users_email
			ON users(email) WHERE email IS NOT NULL;

		CREATE TABLE IF NOT EXISTS documents (
			path TEXT PRIMARY KEY,
			body BLOB NOT NULL,
			version INTEGER NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
	`
	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies additive column changes to existing databases.
// SQLite doesn't support ADD COLUMN IF NOT EXISTS, so each one checks first.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		table  string
		column string
		apply  string
	}{
		{
			table:  "users",
			column: "last_sign_in_at",
			apply:  `ALTER TABLE users ADD COLUMN last_sign_in_at DATETIME`,
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(`SELECT 1 FROM pragma_table_info(?) WHERE name = ?`, m.table, m.column).Scan(&exists)
		if err == nil {
			continue
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("checking %s.%s: %w", m.table, m.column, err)
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateUser inserts a new user
func (s *SQLiteStore) CreateUser(ctx context.Context, user *User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (uid, email, anonymous, created_at, last_sign_in_at)
		VALUES (?, ?, ?, ?, ?)
	`, user.UID, nullString(user.Email), user.Anonymous, user.CreatedAt.UTC(), nullTime(user.LastSignInAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateUser
		}
		return fmt.Errorf("inserting user: %w", err)
	}
	return nil
}

// GetUser retrieves a user by uid
func (s *SQLiteStore) GetUser(ctx context.Context, uid string) (*User, error) {
	var (
		u        User
		email    sql.NullString
		lastSeen sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT uid, email, anonymous, created_at, last_sign_in_at
		FROM users WHERE uid = ?
	`, uid).Scan(&u.UID, &email, &u.Anonymous, &u.CreatedAt, &lastSeen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}
	u.Email = email.String
	if lastSeen.Valid {
		u.LastSignInAt = lastSeen.Time
	}
	return &u, nil
}

// TouchUser records a sign-in time
func (s *SQLiteStore) TouchUser(ctx context.Context, uid string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET last_sign_in_at = ? WHERE uid = ?`, at.UTC(), uid)
	if err != nil {
		return fmt.Errorf("updating user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetDocument retrieves a document by path
func (s *SQLiteStore) GetDocument(ctx context.Context, path string) (*Document, error) {
	return s.getDocument(ctx, s.db, path)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) getDocument(ctx context.Context, q queryRower, path string) (*Document, error) {
	var (
		doc  Document
		body []byte
	)
	err := q.QueryRowContext(ctx, `
		SELECT path, body, version, created_at, updated_at
		FROM documents WHERE path = ?
	`, path).Scan(&doc.Path, &body, &doc.Version, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying document: %w", err)
	}
	doc.Data, err = decodeData(body)
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// SetDocument writes a document, merging into the stored body when merge is set
func (s *SQLiteStore) SetDocument(ctx context.Context, path string, data map[string]any, merge bool, now time.Time) (*Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := s.getDocument(ctx, tx, path)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	next := nextDocument(existing, path, data, merge, now)
	body, err := encodeData(next.Data)
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (path, body, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			body = excluded.body,
			version = excluded.version,
			updated_at = excluded.updated_at
	`, next.Path, body, next.Version, next.CreatedAt, next.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("writing document: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing document: %w", err)
	}
	return next, nil
}

// nextDocument computes the stored state after a write. Shared with MockStore.
func nextDocument(existing *Document, path string, data map[string]any, merge bool, now time.Time) *Document {
	now = now.UTC()
	resolved := provider.ResolveServerTimestamps(data, now)
	if resolved == nil {
		resolved = map[string]any{}
	}

	if existing == nil {
		return &Document{Path: path, Data: resolved, Version: 1, CreatedAt: now, UpdatedAt: now}
	}

	body := resolved
	if merge {
		body = provider.MergeData(existing.Data, resolved)
	}
	return &Document{
		Path:      path,
		Data:      body,
		Version:   existing.Version + 1,
		CreatedAt: existing.CreatedAt,
		UpdatedAt: now,
	}
}

// isConstraintViolation checks if an error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "PRIMARY KEY constraint failed") ||
		strings.Contains(msg, "constraint failed")
}

// nullString converts an empty string to nil for nullable columns
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullTime converts a zero time to nil for nullable columns
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}
