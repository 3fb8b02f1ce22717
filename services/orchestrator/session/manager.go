// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package session issues, validates and revokes login sessions.
//
// # Description
//
// A session lives twice: as a record in the store (expiring through the
// store TTL) and as an HS256 token carried in the session cookie. The
// token's "sid" claim names the record. A token is accepted only when its
// signature and expiry check out and the record it names still exists and
// has not expired, so logging out invalidates a token before its expiry.
//
// Manager implements extensions.AuthProvider; the auth middleware uses it
// for both HTTP requests and WebSocket upgrades.
package session

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/counsel/pkg/extensions"
	"github.com/AleutianAI/counsel/services/orchestrator/datatypes"
	"github.com/AleutianAI/counsel/services/orchestrator/storage"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// =============================================================================
// Errors
// =============================================================================

var (
	// ErrInvalidCredentials is returned by Login for an unknown user or a
	// wrong password. The two cases are not distinguished.
	ErrInvalidCredentials = errors.New("session: invalid username or password")

	// ErrUsernameTaken is returned by Register for a duplicate username.
	ErrUsernameTaken = errors.New("session: username already taken")
)

const issuer = "counsel"

// Store is the persistence the Manager needs.
type Store interface {
	CreateUser(ctx context.Context, u datatypes.User) (datatypes.User, error)
	GetUser(ctx context.Context, id string) (datatypes.User, error)
	GetUserByUsername(ctx context.Context, username string) (datatypes.User, error)
	CreateSession(ctx context.Context, sess datatypes.Session) error
	GetSession(ctx context.Context, id string) (datatypes.Session, error)
	DeleteSession(ctx context.Context, id string) error
}

// Config configures a Manager.
type Config struct {
	// Secret signs session tokens. When empty a random secret is
	// generated, which invalidates every session on restart.
	Secret []byte
	// TTL is the lifetime of a session.
	TTL time.Duration
	// BcryptCost is the password hashing cost. Zero means bcrypt.DefaultCost.
	BcryptCost int
}

// claims is the token payload.
type claims struct {
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

// Manager is the session authority.
type Manager struct {
	store  Store
	secret []byte
	ttl    time.Duration
	cost   int
	logger *slog.Logger
	now    func() time.Time
}

// Issued is a freshly created session and its signed token.
type Issued struct {
	User    datatypes.User
	Session datatypes.Session
	Token   string
}

// NewManager creates a Manager.
func NewManager(store Store, cfg Config, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("session ttl must be positive, got %s", cfg.TTL)
	}
	secret := cfg.Secret
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("generate session secret: %w", err)
		}
		logger.Warn("no session secret configured, using a random one; sessions will not survive a restart")
	}
	cost := cfg.BcryptCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &Manager{
		store:  store,
		secret: secret,
		ttl:    cfg.TTL,
		cost:   cost,
		logger: logger,
		now:    time.Now,
	}, nil
}

// TTL returns the session lifetime, used for the cookie Max-Age.
func (m *Manager) TTL() time.Duration { return m.ttl }

// =============================================================================
// Issuance
// =============================================================================

// Register creates an account and logs it in. The first account created
// becomes an administrator.
func (m *Manager) Register(ctx context.Context, req datatypes.RegisterRequest) (Issued, error) {
	if err := req.Validate(); err != nil {
		return Issued{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), m.cost)
	if err != nil {
		return Issued{}, fmt.Errorf("hash password: %w", err)
	}
	u, err := m.store.CreateUser(ctx, datatypes.User{
		Username:     req.Username,
		PasswordHash: hash,
		Domain:       req.Domain,
		PracticeArea: req.PracticeArea,
	})
	if errors.Is(err, storage.ErrUsernameTaken) {
		return Issued{}, ErrUsernameTaken
	}
	if err != nil {
		return Issued{}, fmt.Errorf("create user: %w", err)
	}
	m.logger.Info("user registered", "user_id", u.ID, "is_admin", u.IsAdmin)
	return m.issue(ctx, u)
}

// Login checks a username and password and starts a session.
func (m *Manager) Login(ctx context.Context, req datatypes.LoginRequest) (Issued, error) {
	if err := req.Validate(); err != nil {
		return Issued{}, err
	}
	u, err := m.store.GetUserByUsername(ctx, req.Username)
	if errors.Is(err, storage.ErrNotFound) {
		return Issued{}, ErrInvalidCredentials
	}
	if err != nil {
		return Issued{}, fmt.Errorf("look up user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(req.Password)); err != nil {
		return Issued{}, ErrInvalidCredentials
	}
	return m.issue(ctx, u)
}

func (m *Manager) issue(ctx context.Context, u datatypes.User) (Issued, error) {
	now := m.now()
	sess := datatypes.Session{
		ID:        uuid.NewString(),
		UserID:    u.ID,
		CreatedAt: now.UTC(),
		ExpiresAt: now.Add(m.ttl).UTC(),
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return Issued{}, fmt.Errorf("create session: %w", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims{
		SessionID: sess.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return Issued{}, fmt.Errorf("sign session token: %w", err)
	}
	return Issued{User: u, Session: sess, Token: signed}, nil
}

// =============================================================================
// Validation
// =============================================================================

// Validate implements extensions.AuthProvider.
//
// # Description
//
// Verifies the token signature and expiry, then loads the session it
// names and the session's user. Any authentication failure wraps
// extensions.ErrUnauthorized; store failures are returned as-is and are
// also treated as failures by callers.
func (m *Manager) Validate(ctx context.Context, token string) (*extensions.AuthInfo, error) {
	c, err := m.parse(token)
	if err != nil {
		return nil, err
	}

	sess, err := m.store.GetSession(ctx, c.SessionID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: session not found", extensions.ErrUnauthorized)
	}
	if err != nil {
		return nil, fmt.Errorf("look up session: %w", err)
	}
	if sess.Expired(m.now()) {
		return nil, fmt.Errorf("%w: session expired", extensions.ErrUnauthorized)
	}
	if sess.UserID != c.Subject {
		return nil, fmt.Errorf("%w: session subject mismatch", extensions.ErrUnauthorized)
	}

	u, err := m.store.GetUser(ctx, sess.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: user not found", extensions.ErrUnauthorized)
	}
	if err != nil {
		return nil, fmt.Errorf("look up user: %w", err)
	}
	return AuthInfoFor(u, sess.ID), nil
}

// parse verifies signature, algorithm, issuer and expiry.
func (m *Manager) parse(token string) (*claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: no session", extensions.ErrUnauthorized)
	}
	var c claims
	_, err := jwt.ParseWithClaims(token, &c,
		func(*jwt.Token) (any, error) { return m.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", extensions.ErrUnauthorized, err)
	}
	if c.SessionID == "" {
		return nil, fmt.Errorf("%w: token has no session id", extensions.ErrUnauthorized)
	}
	return &c, nil
}

// AuthInfoFor builds the request identity of u.
func AuthInfoFor(u datatypes.User, sessionID string) *extensions.AuthInfo {
	info := &extensions.AuthInfo{
		UserID:    u.ID,
		Username:  u.Username,
		SessionID: sessionID,
		Domain:    string(u.Domain),
	}
	if u.IsAdmin {
		info.Roles = []string{extensions.RoleAdmin}
	}
	return info
}

// =============================================================================
// Revocation
// =============================================================================

// Revoke deletes the session named by token. Invalid or already revoked
// tokens are not an error; logout always succeeds from the client's view.
func (m *Manager) Revoke(ctx context.Context, token string) error {
	c, err := m.parse(token)
	if err != nil {
		return nil
	}
	if err := m.store.DeleteSession(ctx, c.SessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	m.logger.Info("session revoked", "user_id", c.Subject)
	return nil
}

var _ extensions.AuthProvider = (*Manager)(nil)
