// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned when authentication or authorization fails.
// Implementations should wrap this error with additional context.
//
// Example:
//
//	if !validSession {
//	    return nil, fmt.Errorf("session expired: %w", extensions.ErrUnauthorized)
//	}
var ErrUnauthorized = errors.New("unauthorized")

// RoleAdmin is granted to users allowed to manage system prompts and
// admin-only knowledge files.
const RoleAdmin = "admin"

// AuthInfo contains identity information returned after successful authentication.
//
// Required fields (always populated):
//   - UserID: Unique identifier for the user
//
// Optional fields (may be empty):
//   - Username: Display name used at sign-in
//   - SessionID: Identifier of the session the request was authenticated with
//   - Roles: List of roles the user holds
//   - Domain: The user's default assistant domain, if chosen
//
// Example:
//
//	info := &AuthInfo{
//	    UserID:    "42",
//	    Username:  "alice",
//	    SessionID: "3f0c...",
//	    Roles:     []string{"admin"},
//	}
type AuthInfo struct {
	// UserID is the unique identifier for the authenticated user.
	// This is the only required field and must never be empty.
	UserID string

	// Username is the name the user signed in with.
	Username string

	// SessionID identifies the server-side session backing this identity.
	SessionID string

	// Roles contains the user's role memberships for authorization decisions.
	Roles []string

	// Domain is the user's preferred assistant domain (law, finance, medicine).
	Domain string
}

// HasRole checks if the user has a specific role.
//
// Example:
//
//	if !authInfo.HasRole(extensions.RoleAdmin) {
//	    return ErrForbidden
//	}
func (a *AuthInfo) HasRole(role string) bool {
	if a == nil {
		return false
	}
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates credentials and returns user identity.
//
// The session validator is the production implementation: the token it
// receives is the raw session cookie value.
//
// Example implementation:
//
//	func (p *StaticProvider) Validate(ctx context.Context, token string) (*AuthInfo, error) {
//	    if token != p.token {
//	        return nil, extensions.ErrUnauthorized
//	    }
//	    return &AuthInfo{UserID: "local-user"}, nil
//	}
type AuthProvider interface {
	// Validate checks if the token is valid and returns the user's identity.
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout control
	//   - token: The credential presented by the caller
	//
	// Returns:
	//   - *AuthInfo: User identity information if valid
	//   - error: ErrUnauthorized (or wrapped) if invalid, other errors for failures
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts every token and returns a fixed local user.
//
// Intended for single-user local runs and tests. Never use it on a
// network-exposed deployment.
type NopAuthProvider struct{}

// Validate always succeeds with the local user identity.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID:   "local-user",
		Username: "local-user",
		Roles:    []string{RoleAdmin},
	}, nil
}

var _ AuthProvider = (*NopAuthProvider)(nil)
