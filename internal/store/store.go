// Package store provides persistent hub state backed by an embedded SQLite
// database. It owns the database lifecycle and exposes the minimal schema
// the Credential Store needs: users and their bearer-token sessions. Rooms
// and port allocations are intentionally absent here — they are
// memory-only and rebuilt on each startup.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNameTaken is returned by CreateUser when the login name already exists.
var ErrNameTaken = errors.New("username already taken")

// ErrUserNotFound is returned when a user id has no matching row.
var ErrUserNotFound = errors.New("user not found")

// ErrSessionNotFound is returned when a token has no matching session.
var ErrSessionNotFound = errors.New("session not found")

// User is one row of the users table.
type User struct {
	ID                int64
	Name              string
	Digest            []byte
	CreatedAt         time.Time
	IsOwner           bool
	HasPatchbayAccess bool
}

// Session is one row of the sessions table, keyed by the SHA-256 digest of
// the bearer token rather than the token itself.
type Session struct {
	TokenHash string
	UserID    int64
	CreatedAt time.Time
}

// Store wraps a SQLite database and exposes credential-store operations.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path and applies migrations.
// Use ":memory:" for ephemeral in-process storage (tests).
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY under concurrent writes;
	// reads are cheap enough not to need a larger pool.
	db.SetMaxOpenConns(1)

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("credential store opened", "path", path)
	return st, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;

CREATE TABLE IF NOT EXISTS users (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	name                 TEXT NOT NULL UNIQUE,
	digest               BLOB NOT NULL,
	created_at_unix_ms   INTEGER NOT NULL,
	is_owner             INTEGER NOT NULL DEFAULT 0,
	has_patchbay_access  INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS sessions (
	token_hash         TEXT PRIMARY KEY,
	user_id            INTEGER NOT NULL REFERENCES users(id),
	created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	return nil
}

// HashToken returns the hex-encoded SHA-256 digest of a bearer token, used
// as the session lookup key so that neither the query plan nor the
// comparison cost depends on the raw token's length or content.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// CreateUser inserts a new user row. If this is the first user ever created,
// it atomically becomes the owner with patchbay access. The "is there
// already a user" check and the insert happen inside one transaction,
// serialized against every other transaction, so concurrent
// first-registrations elect exactly one owner.
func (s *Store) CreateUser(ctx context.Context, name string, digest []byte, now time.Time) (User, error) {
	// The Store opens its database with a single connection
	// (SetMaxOpenConns(1)), so database/sql itself serializes concurrent
	// transactions on that connection: a second BeginTx call blocks until
	// the first commits or rolls back. That is sufficient to make the
	// "count users, then insert" sequence below atomic across concurrent
	// first-registrations without relying on a driver-specific BEGIN
	// IMMEDIATE.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return User{}, fmt.Errorf("count users: %w", err)
	}
	isOwner := count == 0

	res, err := tx.ExecContext(ctx,
		`INSERT INTO users(name, digest, created_at_unix_ms, is_owner, has_patchbay_access) VALUES (?, ?, ?, ?, ?)`,
		name, digest, now.UnixMilli(), boolInt(isOwner), boolInt(isOwner),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrNameTaken
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return User{}, fmt.Errorf("read inserted user id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return User{}, fmt.Errorf("commit user creation: %w", err)
	}

	return User{
		ID:                id,
		Name:              name,
		Digest:            digest,
		CreatedAt:         now,
		IsOwner:           isOwner,
		HasPatchbayAccess: isOwner,
	}, nil
}

// UserByName looks up a user by login name.
func (s *Store) UserByName(ctx context.Context, name string) (User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, digest, created_at_unix_ms, is_owner, has_patchbay_access FROM users WHERE name = ?`, name)
	return scanUser(row)
}

// UserByID looks up a user by id.
func (s *Store) UserByID(ctx context.Context, id int64) (User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, digest, created_at_unix_ms, is_owner, has_patchbay_access FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// Users returns every user, ordered by id.
func (s *Store) Users(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, digest, created_at_unix_ms, is_owner, has_patchbay_access FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		u, err := scanUserRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// SetPatchbayAccess updates has_patchbay_access for a non-owner user.
// It is a no-op (returns nil, false) if the target is the owner.
func (s *Store) SetPatchbayAccess(ctx context.Context, userID int64, value bool) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET has_patchbay_access = ? WHERE id = ? AND is_owner = 0`,
		boolInt(value), userID,
	)
	if err != nil {
		return false, fmt.Errorf("update patchbay access: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("read rows affected: %w", err)
	}
	return n > 0, nil
}

// CreateSession inserts a session row keyed by the token's hash.
func (s *Store) CreateSession(ctx context.Context, tokenHash string, userID int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(token_hash, user_id, created_at_unix_ms) VALUES (?, ?, ?)`,
		tokenHash, userID, now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// SessionUser resolves a token hash to its owning user in one query.
func (s *Store) SessionUser(ctx context.Context, tokenHash string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.name, u.digest, u.created_at_unix_ms, u.is_owner, u.has_patchbay_access
		FROM sessions s JOIN users u ON u.id = s.user_id
		WHERE s.token_hash = ?`, tokenHash)
	u, err := scanUser(row)
	if errors.Is(err, ErrUserNotFound) {
		return User{}, ErrSessionNotFound
	}
	return u, err
}

func scanUser(row *sql.Row) (User, error) {
	var u User
	var createdMs int64
	var isOwner, hasAccess int
	err := row.Scan(&u.ID, &u.Name, &u.Digest, &createdMs, &isOwner, &hasAccess)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrUserNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	u.CreatedAt = time.UnixMilli(createdMs).UTC()
	u.IsOwner = isOwner != 0
	u.HasPatchbayAccess = hasAccess != 0
	return u, nil
}

func scanUserRows(rows *sql.Rows) (User, error) {
	var u User
	var createdMs int64
	var isOwner, hasAccess int
	if err := rows.Scan(&u.ID, &u.Name, &u.Digest, &createdMs, &isOwner, &hasAccess); err != nil {
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	u.CreatedAt = time.UnixMilli(createdMs).UTC()
	u.IsOwner = isOwner != 0
	u.HasPatchbayAccess = hasAccess != 0
	return u, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
