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
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/AleutianAI/counsel/services/orchestrator/middleware"
	"github.com/AleutianAI/counsel/services/orchestrator/presence"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// PresenceHandler upgrades GET /ws to a presence channel.
type PresenceHandler struct {
	broadcaster *presence.Broadcaster
	upgrader    websocket.Upgrader
	cfg         presence.ChannelConfig
	logger      *slog.Logger
}

// NewPresenceHandler creates a PresenceHandler.
//
// # Inputs
//
//   - allowedOrigins: Browser origins allowed to open channels. When empty
//     only same-host origins are accepted. Requests without an Origin
//     header (non-browser clients) are always accepted.
func NewPresenceHandler(b *presence.Broadcaster, cfg presence.ChannelConfig, allowedOrigins []string, logger *slog.Logger) *PresenceHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PresenceHandler{
		broadcaster: b,
		cfg:         cfg,
		logger:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// HandleWebSocket handles GET /ws. It must run behind SessionAuth, which
// refuses unauthenticated handshakes before this handler is reached.
func (h *PresenceHandler) HandleWebSocket(c *gin.Context) {
	caller := middleware.GetAuthInfo(c)
	if caller == nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		h.logger.Warn("presence upgrade failed", "requestId", middleware.RequestIDFrom(c), "error", err)
		return
	}
	h.broadcaster.ServeConn(ws, caller, h.cfg)
}

func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(o), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if len(set) == 0 {
			u, err := url.Parse(origin)
			return err == nil && strings.EqualFold(u.Host, r.Host)
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}
