// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/AleutianAI/counsel/pkg/extensions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

const testCookie = "connect.sid"

// mockAuthProvider accepts exactly one token.
type mockAuthProvider struct {
	token    string
	authInfo *extensions.AuthInfo
	err      error
	calls    int
}

func (m *mockAuthProvider) Validate(_ context.Context, token string) (*extensions.AuthInfo, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	if token != m.token {
		return nil, extensions.ErrUnauthorized
	}
	return m.authInfo, nil
}

func createTestRouter(t *testing.T, provider extensions.AuthProvider, extra ...gin.HandlerFunc) (*gin.Engine, *bool) {
	t.Helper()
	reached := false
	router := gin.New()
	router.Use(RequestID(), SessionAuth(provider, testCookie, nil))
	handlers := append(extra, func(c *gin.Context) {
		reached = true
		c.JSON(http.StatusOK, gin.H{"user_id": GetAuthInfo(c).UserID})
	})
	router.GET("/test", handlers...)
	return router, &reached
}

// =============================================================================
// extractBearerToken Tests
// =============================================================================

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"valid", "Bearer abc123", "abc123"},
		{"lowercase", "bearer abc123", "abc123"},
		{"mixed case", "BeArEr abc123", "abc123"},
		{"missing", "", ""},
		{"no bearer prefix", "abc123", ""},
		{"basic auth", "Basic abc123", ""},
		{"empty bearer", "Bearer ", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				c.Request.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, extractBearerToken(c))
		})
	}
}

// =============================================================================
// SessionAuth Tests
// =============================================================================

func TestSessionAuth_Cookie(t *testing.T) {
	provider := &mockAuthProvider{token: "good", authInfo: &extensions.AuthInfo{UserID: "7"}}
	router, reached := createTestRouter(t, provider)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/test", nil)
	req.AddCookie(&http.Cookie{Name: testCookie, Value: "good"})
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.True(t, *reached)
	assert.JSONEq(t, `{"user_id":"7"}`, w.Body.String())
}

func TestSessionAuth_BearerFallback(t *testing.T) {
	provider := &mockAuthProvider{token: "good", authInfo: &extensions.AuthInfo{UserID: "7"}}
	router, _ := createTestRouter(t, provider)

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/test", nil)
	req.Header.Set("Authorization", "Bearer good")
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSessionAuth_Rejections(t *testing.T) {
	tests := []struct {
		name      string
		cookie    string
		err       error
		wantBody  string
		wantCalls int
	}{
		{"missing cookie", "", nil, `{"error":"unauthorized"}`, 0},
		{"invalid token", "bad", nil, `{"error":"unauthorized"}`, 1},
		{"provider failure", "good", errors.New("badger closed"), `{"error":"authentication failed"}`, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &mockAuthProvider{token: "good", authInfo: &extensions.AuthInfo{UserID: "7"}, err: tt.err}
			router, reached := createTestRouter(t, provider)

			w := httptest.NewRecorder()
			req := httptest.NewRequest("GET", "/test", nil)
			if tt.cookie != "" {
				req.AddCookie(&http.Cookie{Name: testCookie, Value: tt.cookie})
			}
			router.ServeHTTP(w, req)

			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.JSONEq(t, tt.wantBody, w.Body.String())
			assert.False(t, *reached, "handler must not run")
			assert.Equal(t, tt.wantCalls, provider.calls)
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	tests := []struct {
		name  string
		roles []string
		want  int
	}{
		{"admin", []string{extensions.RoleAdmin}, http.StatusOK},
		{"member", nil, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider := &mockAuthProvider{token: "good", authInfo: &extensions.AuthInfo{UserID: "1", Roles: tt.roles}}
			router, _ := createTestRouter(t, provider, RequireAdmin())

			w := httptest.NewRecorder()
			req := httptest.NewRequest("GET", "/test", nil)
			req.AddCookie(&http.Cookie{Name: testCookie, Value: "good"})
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

// =============================================================================
// Context Helper Tests
// =============================================================================

func TestSetAndGetAuthInfo(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())

	expected := &extensions.AuthInfo{UserID: "test-user", Username: "tess", Roles: []string{"viewer"}}
	SetAuthInfo(c, expected)

	assert.Same(t, expected, GetAuthInfo(c))
}

func TestGetAuthInfo_WrongType(t *testing.T) {
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	assert.Nil(t, GetAuthInfo(c))

	c.Set(authInfoKey, "not an AuthInfo")
	assert.Nil(t, GetAuthInfo(c))
}

// =============================================================================
// Rate limit and request id
// =============================================================================

func TestUserRateLimiter(t *testing.T) {
	l := NewUserRateLimiter(60, 2)
	now := time.Unix(0, 0)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"), "burst exhausted")
	assert.True(t, l.Allow("b"), "buckets are per user")

	now = now.Add(time.Second)
	assert.True(t, l.Allow("a"), "one token per second refills")

	now = now.Add(time.Hour)
	assert.Equal(t, 2, l.Sweep())
}

func TestUserRateLimiter_Middleware(t *testing.T) {
	provider := &mockAuthProvider{token: "good", authInfo: &extensions.AuthInfo{UserID: "7"}}
	limiter := NewUserRateLimiter(1, 1)
	router, _ := createTestRouter(t, provider, limiter.Middleware())

	codes := make([]int, 0, 2)
	for range 2 {
		w := httptest.NewRecorder()
		req := httptest.NewRequest("GET", "/test", nil)
		req.AddCookie(&http.Cookie{Name: testCookie, Value: "good"})
		router.ServeHTTP(w, req)
		codes = append(codes, w.Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestUserRateLimiter_Disabled(t *testing.T) {
	l := NewUserRateLimiter(0, 0)
	for range 100 {
		require.True(t, l.Allow("a"))
	}
}

func TestRequestID(t *testing.T) {
	router := gin.New()
	router.Use(RequestID())
	router.GET("/id", func(c *gin.Context) { c.String(http.StatusOK, RequestIDFrom(c)) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/id", nil))
	_, err := uuid.Parse(w.Body.String())
	require.NoError(t, err)
	assert.Equal(t, w.Body.String(), w.Header().Get(RequestIDHeader))

	given := uuid.NewString()
	w = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/id", nil)
	req.Header.Set(RequestIDHeader, given)
	router.ServeHTTP(w, req)
	assert.Equal(t, given, w.Body.String())
}
