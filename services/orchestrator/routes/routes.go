// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes registers the orchestrator's HTTP surface.
//
//	GET  /health                         liveness and store health
//	GET  /metrics                        Prometheus (when enabled)
//	GET  /avatars/*                      domain avatars
//	GET  /api/domains                    domain catalogue
//	POST /api/register|login|logout      session issuance and revocation
//	GET  /api/user                       session required
//	POST /api/chat                       session required, rate limited, SSE
//	GET  /api/messages/:threadId         session required
//	GET  /ws                             session required, presence channel
//	POST /api/files ...                  session required
//	/api/system-prompts ...              admin
//	POST /api/domains/:domain/avatar     admin
package routes

import (
	"net/http"

	"github.com/AleutianAI/counsel/services/orchestrator/handlers"
	"github.com/AleutianAI/counsel/services/orchestrator/middleware"
	"github.com/gin-gonic/gin"
)

// Dependencies holds the handlers and middleware to mount.
type Dependencies struct {
	// Auth authenticates a request; it must abort unauthenticated ones.
	Auth gin.HandlerFunc
	// ChatLimit rate-limits POST /api/chat. Optional.
	ChatLimit gin.HandlerFunc

	Chat     *handlers.ChatHandler
	Presence *handlers.PresenceHandler
	Accounts *handlers.AccountHandler
	Prompts  *handlers.PromptHandler
	Files    *handlers.FileHandler
	Health   gin.HandlerFunc

	// Metrics serves /metrics when non-nil.
	Metrics http.Handler
	// AvatarDir is served under /avatars.
	AvatarDir string
}

// SetupRoutes registers every route on router. It panics when a required
// dependency is missing, which is a wiring bug.
func SetupRoutes(router *gin.Engine, deps Dependencies) {
	if deps.Auth == nil || deps.Chat == nil || deps.Presence == nil || deps.Accounts == nil ||
		deps.Prompts == nil || deps.Files == nil || deps.Health == nil {
		panic("routes.SetupRoutes: missing required dependency")
	}

	router.GET("/health", deps.Health)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics))
	}
	if deps.AvatarDir != "" {
		router.Static("/avatars", deps.AvatarDir)
	}

	api := router.Group("/api")
	{
		api.GET("/domains", handlers.HandleListDomains)
		api.POST("/register", deps.Accounts.HandleRegister)
		api.POST("/login", deps.Accounts.HandleLogin)
		api.POST("/logout", deps.Accounts.HandleLogout)
	}

	authed := api.Group("", deps.Auth)
	{
		authed.GET("/user", deps.Accounts.HandleCurrentUser)

		chat := []gin.HandlerFunc{}
		if deps.ChatLimit != nil {
			chat = append(chat, deps.ChatLimit)
		}
		authed.POST("/chat", append(chat, deps.Chat.HandleChatStream)...)
		authed.GET("/messages/:threadId", deps.Chat.HandleListMessages)

		authed.POST("/files", deps.Files.HandleUpload)
		authed.GET("/files/:domain", deps.Files.HandleListFiles)
		authed.GET("/file/:id", deps.Files.HandleGetFile)
	}

	admin := authed.Group("", middleware.RequireAdmin())
	{
		admin.GET("/system-prompts", deps.Prompts.HandleListPrompts)
		admin.POST("/system-prompts", deps.Prompts.HandleSetPrompt)
		admin.GET("/system-prompts/effective", deps.Prompts.HandleEffectivePrompt)
		admin.POST("/system-prompts/reload", deps.Prompts.HandleReloadCatalog)
		admin.POST("/domains/:domain/avatar", deps.Files.HandleAvatarUpload)
	}

	// The presence channel authenticates the handshake before upgrading.
	router.GET("/ws", deps.Auth, deps.Presence.HandleWebSocket)
}
