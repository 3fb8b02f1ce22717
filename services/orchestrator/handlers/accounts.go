// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/AleutianAI/counsel/services/orchestrator/datatypes"
	"github.com/AleutianAI/counsel/services/orchestrator/middleware"
	"github.com/AleutianAI/counsel/services/orchestrator/session"
	"github.com/AleutianAI/counsel/services/orchestrator/storage"
	"github.com/gin-gonic/gin"
)

// UserGetter loads a user record.
type UserGetter interface {
	GetUser(ctx context.Context, id string) (datatypes.User, error)
}

// CookieConfig shapes the session cookie.
type CookieConfig struct {
	Name   string
	Secure bool
}

// AccountHandler serves registration, login, logout and the current user.
type AccountHandler struct {
	sessions *session.Manager
	users    UserGetter
	cookie   CookieConfig
	logger   *slog.Logger
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(sessions *session.Manager, users UserGetter, cookie CookieConfig, logger *slog.Logger) *AccountHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &AccountHandler{sessions: sessions, users: users, cookie: cookie, logger: logger}
}

// HandleRegister handles POST /api/register.
func (h *AccountHandler) HandleRegister(c *gin.Context) {
	var req datatypes.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body"})
		return
	}
	iss, err := h.sessions.Register(c.Request.Context(), req)
	switch {
	case errors.Is(err, session.ErrUsernameTaken):
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "Username already exists"})
		return
	case isValidationError(err):
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request: validation failed"})
		return
	case err != nil:
		h.logger.Error("registration failed", "requestId", middleware.RequestIDFrom(c), "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "Registration failed"})
		return
	}
	h.setCookie(c, iss.Token, h.sessions.TTL())
	c.JSON(http.StatusCreated, iss.User)
}

// HandleLogin handles POST /api/login.
func (h *AccountHandler) HandleLogin(c *gin.Context) {
	var req datatypes.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body"})
		return
	}
	iss, err := h.sessions.Login(c.Request.Context(), req)
	switch {
	case errors.Is(err, session.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, datatypes.ErrorResponse{Error: "Invalid username or password"})
		return
	case isValidationError(err):
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request: validation failed"})
		return
	case err != nil:
		h.logger.Error("login failed", "requestId", middleware.RequestIDFrom(c), "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "Login failed"})
		return
	}
	h.logger.Info("user logged in", "user_id", iss.User.ID, "requestId", middleware.RequestIDFrom(c))
	h.setCookie(c, iss.Token, h.sessions.TTL())
	c.JSON(http.StatusOK, iss.User)
}

// HandleLogout handles POST /api/logout. It always clears the cookie.
func (h *AccountHandler) HandleLogout(c *gin.Context) {
	token := middleware.SessionToken(c, h.cookie.Name)
	if err := h.sessions.Revoke(c.Request.Context(), token); err != nil {
		h.logger.Error("logout failed", "requestId", middleware.RequestIDFrom(c), "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "Logout failed"})
		return
	}
	h.setCookie(c, "", -1)
	c.Status(http.StatusOK)
}

// HandleCurrentUser handles GET /api/user.
func (h *AccountHandler) HandleCurrentUser(c *gin.Context) {
	caller := middleware.GetAuthInfo(c)
	if caller == nil {
		c.JSON(http.StatusUnauthorized, datatypes.ErrorResponse{Error: "unauthorized"})
		return
	}
	u, err := h.users.GetUser(c.Request.Context(), caller.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusUnauthorized, datatypes.ErrorResponse{Error: "unauthorized"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load user", "requestId", middleware.RequestIDFrom(c), "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "Failed to load user"})
		return
	}
	c.JSON(http.StatusOK, u)
}

// setCookie writes the session cookie. A negative ttl deletes it.
func (h *AccountHandler) setCookie(c *gin.Context, token string, ttl time.Duration) {
	maxAge := int(ttl / time.Second)
	if ttl < 0 {
		maxAge = -1
	}
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(h.cookie.Name, token, maxAge, "/", "", h.cookie.Secure, true)
}
