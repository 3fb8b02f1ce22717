// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the orchestrator service.
//
// # Authentication Flow
//
// SessionAuth reads the session token from the session cookie, validates
// it with the configured AuthProvider and stores the resulting AuthInfo in
// the Gin context for downstream handlers.
//
//	Request / WebSocket handshake
//	   │
//	   ▼
//	SessionAuth
//	   │
//	   ├─► Read cookie (or "Authorization: Bearer <token>" for tools)
//	   │
//	   ├─► provider.Validate(ctx, token) ──fail──► 401, chain aborted
//	   │
//	   └─► Store AuthInfo in context
//	           │
//	           ▼
//	       Handler / upgrade (retrieves via GetAuthInfo)
//
// Because the chain is aborted on failure, a WebSocket route behind
// SessionAuth never reaches the upgrader for an unauthenticated handshake.
package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/AleutianAI/counsel/pkg/extensions"
	"github.com/gin-gonic/gin"
)

// =============================================================================
// Context Keys
// =============================================================================

const authInfoKey = "counsel_auth_info"

// =============================================================================
// Context Helpers
// =============================================================================

// SetAuthInfo stores the authenticated user info in the Gin context.
func SetAuthInfo(c *gin.Context, info *extensions.AuthInfo) {
	c.Set(authInfoKey, info)
}

// GetAuthInfo retrieves the authenticated user info from the Gin context.
//
// # Outputs
//
//   - *extensions.AuthInfo: User info, or nil if the request did not pass
//     through SessionAuth.
//
// # Examples
//
//	func (h *handler) HandleRequest(c *gin.Context) {
//	    caller := middleware.GetAuthInfo(c)
//	    if caller == nil {
//	        c.JSON(401, gin.H{"error": "unauthorized"})
//	        return
//	    }
//	}
func GetAuthInfo(c *gin.Context) *extensions.AuthInfo {
	if info, exists := c.Get(authInfoKey); exists {
		if authInfo, ok := info.(*extensions.AuthInfo); ok {
			return authInfo
		}
	}
	return nil
}

// =============================================================================
// Session Auth
// =============================================================================

// SessionAuth creates a Gin middleware that authenticates requests by
// session cookie.
//
// # Description
//
// The token is read from the cookie named cookieName. When the cookie is
// absent a bearer token in the Authorization header is accepted instead,
// which lets scripted clients reuse a token returned by /api/login.
//
// Any validation failure aborts the chain with 401 {"error": ...}.
// Provider errors other than extensions.ErrUnauthorized are logged; the
// client only sees a generic message.
//
// # Inputs
//
//   - provider: AuthProvider to validate tokens. Must not be nil.
//   - cookieName: Session cookie name.
//   - logger: May be nil.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func SessionAuth(provider extensions.AuthProvider, cookieName string, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		token := SessionToken(c, cookieName)
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		authInfo, err := provider.Validate(c.Request.Context(), token)
		if err != nil {
			if errors.Is(err, extensions.ErrUnauthorized) {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
				return
			}
			logger.Error("session validation failed",
				"requestId", RequestIDFrom(c), "path", c.FullPath(), "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
			return
		}

		SetAuthInfo(c, authInfo)
		c.Next()
	}
}

// RequireAdmin aborts with 403 unless the caller has the admin role. It
// must run after SessionAuth.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !GetAuthInfo(c).HasRole(extensions.RoleAdmin) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "admin access required"})
			return
		}
		c.Next()
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// SessionToken returns the session token of the request, preferring the
// cookie over the Authorization header. Empty when neither is present.
func SessionToken(c *gin.Context, cookieName string) string {
	if v, err := c.Cookie(cookieName); err == nil && v != "" {
		return v
	}
	return extractBearerToken(c)
}

// extractBearerToken extracts the token from "Authorization: Bearer <token>".
// The scheme is matched case-insensitively per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
