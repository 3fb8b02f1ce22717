// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers contains the HTTP and WebSocket handlers of the
// orchestrator. Handlers parse and authorize requests, delegate to the
// relay, presence, session, prompts and storage packages, and map their
// errors to status codes. Internal error text is never sent to clients.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/counsel/services/orchestrator/datatypes"
	"github.com/AleutianAI/counsel/services/orchestrator/middleware"
	"github.com/AleutianAI/counsel/services/orchestrator/observability"
	"github.com/AleutianAI/counsel/services/orchestrator/relay"
	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("counsel.handlers")

// maxChatBodyBytes bounds the POST /api/chat body. Content itself is
// capped at datatypes.MaxMessageContentBytes by validation.
const maxChatBodyBytes = 2 * datatypes.MaxMessageContentBytes

// TurnLister lists the stored turns of a thread.
type TurnLister interface {
	ListTurns(ctx context.Context, threadID string) ([]datatypes.Turn, error)
}

// ChatHandler serves the chat endpoints.
type ChatHandler struct {
	relay   *relay.Relay
	turns   TurnLister
	metrics *observability.StreamingMetrics
	logger  *slog.Logger
}

// NewChatHandler creates a ChatHandler. metrics and logger may be nil.
func NewChatHandler(r *relay.Relay, turns TurnLister, metrics *observability.StreamingMetrics, logger *slog.Logger) *ChatHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatHandler{relay: r, turns: turns, metrics: metrics, logger: logger}
}

// HandleChatStream handles POST /api/chat.
//
// # Description
//
// Runs one chat exchange and streams the assistant reply as SSE.
// Validation and persistence of the user turn happen before the event
// stream opens, so those failures are ordinary JSON error responses:
//
//   - 400 malformed body or invalid fields
//   - 401 no authenticated caller
//   - 500 the user turn could not be stored
//
// After the headers are sent every outcome is reported in-stream: content
// events then exactly one done or error event. A client disconnect cancels
// the upstream completion.
func (h *ChatHandler) HandleChatStream(c *gin.Context) {
	ctx, span := tracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()

	requestID := middleware.RequestIDFrom(c)
	caller := middleware.GetAuthInfo(c)

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxChatBodyBytes)
	var req datatypes.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		h.metrics.RecordRequest("rejected")
		h.logger.Warn("chat request body rejected", "requestId", requestID, "error", err)
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body"})
		return
	}
	span.SetAttributes(
		attribute.String("thread.id", req.ThreadID),
		attribute.String("domain", string(req.Domain)),
	)

	stream, err := h.relay.Begin(ctx, caller, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "begin failed")
		h.metrics.RecordRequest("rejected")
		switch {
		case errors.Is(err, relay.ErrInvalidRequest):
			h.logger.Warn("chat request invalid", "requestId", requestID, "error", err)
			c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request: validation failed"})
		case errors.Is(err, relay.ErrUnauthenticated):
			c.JSON(http.StatusUnauthorized, datatypes.ErrorResponse{Error: "unauthorized"})
		default:
			h.metrics.RecordError(observability.ErrorCodeInternal)
			h.logger.Error("chat request failed before streaming", "requestId", requestID, "threadId", req.ThreadID, "error", err)
			c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "Failed to save message"})
		}
		return
	}

	SetSSEHeaders(c.Writer)
	c.Status(http.StatusOK)
	sink, err := NewSSEWriter(c.Writer)
	if err != nil {
		h.logger.Error("response writer cannot stream", "requestId", requestID, "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "streaming not supported"})
		return
	}
	c.Writer.Flush()

	res := stream.Run(ctx, sink)
	span.SetAttributes(attribute.String("outcome", string(res.Outcome)))
	if res.Err != nil && res.Outcome == relay.OutcomeFailed {
		span.SetStatus(codes.Error, "stream failed")
	}
}

// HandleListMessages handles GET /api/messages/:threadId. It returns the
// caller's own turns of the thread in order; turns written by other users
// are never included.
func (h *ChatHandler) HandleListMessages(c *gin.Context) {
	caller := middleware.GetAuthInfo(c)
	if caller == nil {
		c.JSON(http.StatusUnauthorized, datatypes.ErrorResponse{Error: "unauthorized"})
		return
	}
	threadID := c.Param("threadId")
	if threadID == "" || len(threadID) > datatypes.MaxThreadIDBytes {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid thread id"})
		return
	}

	turns, err := h.turns.ListTurns(c.Request.Context(), threadID)
	if err != nil {
		h.logger.Error("failed to list messages", "requestId", middleware.RequestIDFrom(c), "threadId", threadID, "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "Failed to fetch messages"})
		return
	}
	own := lo.Filter(turns, func(t datatypes.Turn, _ int) bool { return t.UserID == caller.UserID })
	c.JSON(http.StatusOK, own)
}
