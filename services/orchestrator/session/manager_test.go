// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/AleutianAI/counsel/pkg/extensions"
	"github.com/AleutianAI/counsel/services/orchestrator/datatypes"
	"github.com/AleutianAI/counsel/services/orchestrator/storage"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func createTestManager(t *testing.T) (*Manager, *storage.Store) {
	t.Helper()
	store, err := storage.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	m, err := NewManager(store, Config{
		Secret:     []byte("0123456789abcdef0123456789abcdef"),
		TTL:        time.Hour,
		BcryptCost: bcrypt.MinCost,
	}, nil)
	require.NoError(t, err)
	return m, store
}

func register(t *testing.T, m *Manager, username string) Issued {
	t.Helper()
	iss, err := m.Register(context.Background(), datatypes.RegisterRequest{
		Username: username, Password: "hunter22", Domain: datatypes.DomainLaw,
	})
	require.NoError(t, err)
	return iss
}

func TestRegister_FirstUserIsAdmin(t *testing.T) {
	m, _ := createTestManager(t)
	ctx := context.Background()

	first := register(t, m, "alice")
	second := register(t, m, "bob")

	info, err := m.Validate(ctx, first.Token)
	require.NoError(t, err)
	assert.True(t, info.HasRole(extensions.RoleAdmin))
	assert.Equal(t, "alice", info.Username)
	assert.Equal(t, first.Session.ID, info.SessionID)
	assert.Equal(t, "law", info.Domain)

	info, err = m.Validate(ctx, second.Token)
	require.NoError(t, err)
	assert.False(t, info.HasRole(extensions.RoleAdmin))
}

func TestRegister_Errors(t *testing.T) {
	m, _ := createTestManager(t)
	register(t, m, "alice")

	_, err := m.Register(context.Background(), datatypes.RegisterRequest{Username: "ALICE", Password: "hunter22"})
	assert.ErrorIs(t, err, ErrUsernameTaken)

	_, err = m.Register(context.Background(), datatypes.RegisterRequest{Username: "carol", Password: "x"})
	assert.Error(t, err, "short password is rejected")
}

func TestLogin(t *testing.T) {
	m, _ := createTestManager(t)
	ctx := context.Background()
	register(t, m, "alice")

	iss, err := m.Login(ctx, datatypes.LoginRequest{Username: "alice", Password: "hunter22"})
	require.NoError(t, err)
	info, err := m.Validate(ctx, iss.Token)
	require.NoError(t, err)
	assert.Equal(t, iss.User.ID, info.UserID)

	_, err = m.Login(ctx, datatypes.LoginRequest{Username: "alice", Password: "wrong-pass"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = m.Login(ctx, datatypes.LoginRequest{Username: "nobody", Password: "hunter22"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestValidate_Rejections(t *testing.T) {
	m, _ := createTestManager(t)
	ctx := context.Background()
	iss := register(t, m, "alice")

	other, err := NewManager(nil, Config{Secret: []byte("another-secret-another-secret-xx"), TTL: time.Hour}, nil)
	require.NoError(t, err)
	forged, err := other.sign(iss.Session.ID, iss.User.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)

	noSession, err := m.sign("missing-session", iss.User.ID, time.Now().Add(time.Hour))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"garbage", "not-a-token"},
		{"wrong signature", forged},
		{"unknown session", noSession},
		{"tampered", iss.Token + "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, err := m.Validate(ctx, tt.token)
			assert.Nil(t, info)
			assert.ErrorIs(t, err, extensions.ErrUnauthorized)
		})
	}
}

func TestValidate_Expired(t *testing.T) {
	m, _ := createTestManager(t)
	iss := register(t, m, "alice")

	m.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err := m.Validate(context.Background(), iss.Token)
	assert.ErrorIs(t, err, extensions.ErrUnauthorized)
}

func TestValidate_StoreErrorFails(t *testing.T) {
	m, store := createTestManager(t)
	iss := register(t, m, "alice")
	require.NoError(t, store.Close())

	_, err := m.Validate(context.Background(), iss.Token)
	assert.Error(t, err)
}

func TestRevoke(t *testing.T) {
	m, _ := createTestManager(t)
	ctx := context.Background()
	iss := register(t, m, "alice")

	require.NoError(t, m.Revoke(ctx, iss.Token))
	_, err := m.Validate(ctx, iss.Token)
	assert.ErrorIs(t, err, extensions.ErrUnauthorized)

	assert.NoError(t, m.Revoke(ctx, iss.Token), "revoking twice is fine")
	assert.NoError(t, m.Revoke(ctx, "garbage"))
}

func TestNewManager_RandomSecret(t *testing.T) {
	m, err := NewManager(nil, Config{TTL: time.Minute}, nil)
	require.NoError(t, err)
	assert.Len(t, m.secret, 32)

	_, err = NewManager(nil, Config{}, nil)
	assert.Error(t, err)
}

// sign builds a token for arbitrary claims.
func (m *Manager) sign(sid, sub string, exp time.Time) (string, error) {
	if m == nil {
		return "", errors.New("nil manager")
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims{
		SessionID: sid,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub,
			Issuer:    issuer,
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	})
	return tok.SignedString(m.secret)
}
