// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// User is a registered account. PasswordHash never leaves the server.
type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	PasswordHash []byte    `json:"-"`
	IsAdmin      bool      `json:"isAdmin"`
	CreatedAt    time.Time `json:"createdAt"`
	Domain       Domain    `json:"domain,omitempty"`
	PracticeArea string    `json:"practiceArea,omitempty"`
}

// Session is a server-side login session.
type Session struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// RegisterRequest is the body of POST /api/register.
type RegisterRequest struct {
	Username     string `json:"username" validate:"required,min=3,max=64,alphanumunicode"`
	Password     string `json:"password" validate:"required,min=6,max=128"`
	Domain       Domain `json:"domain,omitempty" validate:"omitempty,domain"`
	PracticeArea string `json:"practiceArea,omitempty" validate:"omitempty,max=64"`
}

// Validate validates the RegisterRequest fields.
func (r *RegisterRequest) Validate() error {
	return validate.Struct(r)
}

// LoginRequest is the body of POST /api/login.
type LoginRequest struct {
	Username string `json:"username" validate:"required,max=64"`
	Password string `json:"password" validate:"required,max=128"`
}

// Validate validates the LoginRequest fields.
func (r *LoginRequest) Validate() error {
	return validate.Struct(r)
}
