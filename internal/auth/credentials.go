// Package auth implements the Credential Store: user registration, login,
// token resolution, and owner-granted patchbay permission changes, layered
// on top of internal/store's SQLite persistence.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"audiohub/server/internal/store"
)

// bcryptCost is the work factor for password digests.
const bcryptCost = 12

// tokenBytes is the amount of entropy minted per bearer token (160 bits).
const tokenBytes = 20

var (
	// ErrNameTaken mirrors store.ErrNameTaken at the auth layer.
	ErrNameTaken = store.ErrNameTaken
	// ErrBadCredentials is returned by Login on unknown name or wrong password.
	ErrBadCredentials = errors.New("bad credentials")
	// ErrUnknownToken is returned by Resolve when no session matches.
	ErrUnknownToken = errors.New("unknown token")
	// ErrNotOwner is returned when a non-owner caller attempts an owner-only action.
	ErrNotOwner = errors.New("caller is not the owner")
	// ErrUsernameRequired is returned by Register when name is blank.
	ErrUsernameRequired = errors.New("username is required")
	// ErrPasswordRequired is returned by Register when password is blank.
	ErrPasswordRequired = errors.New("password is required")
)

// User is the public view of a credential-store user.
type User struct {
	ID                int64
	Name              string
	CreatedAt         time.Time
	IsOwner           bool
	HasPatchbayAccess bool
}

// Store is the Credential Store. It never logs or returns plaintext
// passwords.
type Store struct {
	db *store.Store
}

// New wraps a persistence layer into a Credential Store.
func New(db *store.Store) *Store {
	return &Store{db: db}
}

// Register creates a new user and mints a session for it. The first
// successful registration becomes the deployment owner.
func (s *Store) Register(ctx context.Context, name, password string) (User, string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return User{}, "", ErrUsernameRequired
	}
	if password == "" {
		return User{}, "", ErrPasswordRequired
	}

	digest, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return User{}, "", fmt.Errorf("hash password: %w", err)
	}

	now := time.Now()
	row, err := s.db.CreateUser(ctx, name, digest, now)
	if err != nil {
		if errors.Is(err, store.ErrNameTaken) {
			return User{}, "", ErrNameTaken
		}
		return User{}, "", err
	}

	token, err := s.mintSession(ctx, row.ID, now)
	if err != nil {
		return User{}, "", err
	}

	slog.Info("user registered", "user_id", row.ID, "is_owner", row.IsOwner)
	return toUser(row), token, nil
}

// Login verifies a password and mints a new session on success.
func (s *Store) Login(ctx context.Context, name, password string) (User, string, error) {
	row, err := s.db.UserByName(ctx, strings.TrimSpace(name))
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			return User{}, "", ErrBadCredentials
		}
		return User{}, "", err
	}
	if err := bcrypt.CompareHashAndPassword(row.Digest, []byte(password)); err != nil {
		return User{}, "", ErrBadCredentials
	}

	token, err := s.mintSession(ctx, row.ID, time.Now())
	if err != nil {
		return User{}, "", err
	}
	slog.Info("user logged in", "user_id", row.ID)
	return toUser(row), token, nil
}

// Resolve looks up the user owning a bearer token.
func (s *Store) Resolve(ctx context.Context, token string) (User, error) {
	if token == "" {
		return User{}, ErrUnknownToken
	}
	row, err := s.db.SessionUser(ctx, store.HashToken(token))
	if err != nil {
		if errors.Is(err, store.ErrSessionNotFound) {
			return User{}, ErrUnknownToken
		}
		return User{}, err
	}
	return toUser(row), nil
}

// Users returns every registered user, for owner-only listing.
func (s *Store) Users(ctx context.Context) ([]User, error) {
	rows, err := s.db.Users(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]User, 0, len(rows))
	for _, r := range rows {
		out = append(out, toUser(r))
	}
	return out, nil
}

// Grant sets has_patchbay_access on targetUserID. Only the owner may call
// this; granting to the owner itself is a no-op (the owner's access can
// never be revoked).
func (s *Store) Grant(ctx context.Context, caller User, targetUserID int64, value bool) error {
	if !caller.IsOwner {
		return ErrNotOwner
	}
	changed, err := s.db.SetPatchbayAccess(ctx, targetUserID, value)
	if err != nil {
		return err
	}
	slog.Info("patchbay access updated", "target_user_id", targetUserID, "value", value, "changed", changed)
	return nil
}

func (s *Store) mintSession(ctx context.Context, userID int64, now time.Time) (string, error) {
	token, err := newToken()
	if err != nil {
		return "", fmt.Errorf("mint session token: %w", err)
	}
	if err := s.db.CreateSession(ctx, store.HashToken(token), userID, now); err != nil {
		return "", err
	}
	return token, nil
}

func newToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func toUser(r store.User) User {
	return User{
		ID:                r.ID,
		Name:              r.Name,
		CreatedAt:         r.CreatedAt,
		IsOwner:           r.IsOwner,
		HasPatchbayAccess: r.HasPatchbayAccess,
	}
}
