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
	"log/slog"
	"net/http"

	"github.com/AleutianAI/counsel/services/orchestrator/datatypes"
	"github.com/AleutianAI/counsel/services/orchestrator/middleware"
	"github.com/AleutianAI/counsel/services/orchestrator/prompts"
	"github.com/gin-gonic/gin"
)

// PromptStore persists system prompt overrides.
type PromptStore interface {
	SetPromptOverride(ctx context.Context, o datatypes.PromptOverride) (datatypes.PromptOverride, error)
	ListPromptOverrides(ctx context.Context) ([]datatypes.PromptOverride, error)
}

// PromptHandler serves the admin system prompt endpoints and the public
// domain catalogue.
type PromptHandler struct {
	store    PromptStore
	resolver *prompts.Resolver
	source   *prompts.Source
	logger   *slog.Logger
}

// NewPromptHandler creates a PromptHandler.
func NewPromptHandler(store PromptStore, resolver *prompts.Resolver, source *prompts.Source, logger *slog.Logger) *PromptHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &PromptHandler{store: store, resolver: resolver, source: source, logger: logger}
}

// HandleListPrompts handles GET /api/system-prompts.
func (h *PromptHandler) HandleListPrompts(c *gin.Context) {
	list, err := h.store.ListPromptOverrides(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list prompt overrides", "requestId", middleware.RequestIDFrom(c), "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "Failed to fetch system prompts"})
		return
	}
	c.JSON(http.StatusOK, list)
}

// HandleSetPrompt handles POST /api/system-prompts. A request with
// isGlobal set replaces the global override and ignores domain and
// sub-feature; otherwise it replaces the domain or sub-feature override.
func (h *PromptHandler) HandleSetPrompt(c *gin.Context) {
	var req datatypes.SetSystemPromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request: validation failed"})
		return
	}

	saved, err := h.store.SetPromptOverride(c.Request.Context(), datatypes.PromptOverride{
		Domain:       req.Domain,
		SubFeatureID: req.SubFeatureID,
		Prompt:       req.Prompt,
		IsGlobal:     req.IsGlobal,
	})
	if err != nil {
		h.logger.Error("failed to save prompt override", "requestId", middleware.RequestIDFrom(c), "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "Failed to save system prompt"})
		return
	}
	h.logger.Info("system prompt updated",
		"domain", saved.Domain, "sub_feature", saved.SubFeatureID, "global", saved.IsGlobal,
		"user_id", middleware.GetAuthInfo(c).UserID)
	c.JSON(http.StatusOK, saved)
}

// HandleEffectivePrompt handles GET /api/system-prompts/effective and
// reports which prompt a turn for ?domain=&subFeature= would receive.
func (h *PromptHandler) HandleEffectivePrompt(c *gin.Context) {
	domain := datatypes.Domain(c.Query("domain"))
	if !domain.Valid() {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "unknown domain"})
		return
	}
	res := h.resolver.Resolve(c.Request.Context(), domain, c.Query("subFeature"))
	c.JSON(http.StatusOK, gin.H{"prompt": res.Prompt, "origin": res.Origin})
}

// HandleReloadCatalog handles POST /api/system-prompts/reload. A bad
// catalog file leaves the current catalog in place.
func (h *PromptHandler) HandleReloadCatalog(c *gin.Context) {
	if err := h.source.Reload(); err != nil {
		h.logger.Warn("prompt catalog reload failed", "requestId", middleware.RequestIDFrom(c), "error", err)
		c.JSON(http.StatusUnprocessableEntity, datatypes.ErrorResponse{Error: "catalog file is invalid; previous catalog kept"})
		return
	}
	c.Status(http.StatusNoContent)
}

// HandleListDomains handles GET /api/domains.
func HandleListDomains(c *gin.Context) {
	c.JSON(http.StatusOK, datatypes.DomainCatalog)
}
