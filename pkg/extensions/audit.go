// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"log/slog"
	"time"
)

// AuditEvent represents a security-relevant action for compliance logging.
//
// Example:
//
//	event := AuditEvent{
//	    EventType:    "chat.stream",
//	    Timestamp:    time.Now().UTC(),
//	    UserID:       authInfo.UserID,
//	    Action:       "stream",
//	    ResourceType: "thread",
//	    ResourceID:   threadID,
//	    Outcome:      "success",
//	    Metadata: map[string]any{
//	        "message_id": messageID,
//	    },
//	}
type AuditEvent struct {
	// EventType categorizes the event for filtering and alerting.
	// Format: "category.action" (e.g., "auth.login", "chat.stream")
	EventType string

	// Timestamp is when the event occurred (always use UTC).
	// If zero, implementations should set to time.Now().UTC().
	Timestamp time.Time

	// UserID identifies who performed the action.
	// Use "system" for automated actions, "anonymous" if unknown.
	UserID string

	// Action describes what operation was attempted.
	Action string

	// ResourceType is the category of resource involved.
	// Examples: "thread", "session", "system_prompt", "file"
	ResourceType string

	// ResourceID is the specific resource instance (optional).
	ResourceID string

	// Outcome indicates the result of the action.
	// Values: "success", "failure", "cancelled", "error"
	Outcome string

	// Metadata holds additional event-specific data.
	Metadata map[string]any
}

// AuditLogger records security-relevant events.
//
// Implementations must be safe for concurrent use and should return
// quickly; streaming handlers call Log on their completion path.
type AuditLogger interface {
	// Log records a security-relevant event.
	Log(ctx context.Context, event AuditEvent) error

	// Flush ensures all buffered events are persisted.
	// Call this before application shutdown to prevent event loss.
	Flush(ctx context.Context) error
}

// NopAuditLogger discards all events without recording them.
//
// Thread-safe: This implementation has no mutable state.
type NopAuditLogger struct{}

// Log discards the event.
func (l *NopAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	return nil
}

// Flush is a no-op since nothing is buffered.
func (l *NopAuditLogger) Flush(ctx context.Context) error {
	return nil
}

// SlogAuditLogger writes audit events as structured log records.
//
// Each event becomes one record at Info level under the "audit" group so
// log pipelines can route it separately from operational logs.
//
// Example:
//
//	auditor := extensions.NewSlogAuditLogger(slog.Default())
//	_ = auditor.Log(ctx, event)
type SlogAuditLogger struct {
	logger *slog.Logger
}

// NewSlogAuditLogger creates an audit logger writing through logger.
// A nil logger falls back to slog.Default().
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditLogger{logger: logger}
}

// Log writes the event. The timestamp is filled in when zero.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	attrs := []any{
		slog.String("event_type", event.EventType),
		slog.Time("timestamp", event.Timestamp),
		slog.String("user_id", event.UserID),
		slog.String("action", event.Action),
		slog.String("resource_type", event.ResourceType),
		slog.String("resource_id", event.ResourceID),
		slog.String("outcome", event.Outcome),
	}
	if len(event.Metadata) > 0 {
		attrs = append(attrs, slog.Any("metadata", event.Metadata))
	}
	l.logger.InfoContext(ctx, "audit", slog.Group("audit", attrs...))
	return nil
}

// Flush is a no-op; slog handlers write synchronously.
func (l *SlogAuditLogger) Flush(ctx context.Context) error {
	return nil
}

// Compile-time interface compliance checks.
var (
	_ AuditLogger = (*NopAuditLogger)(nil)
	_ AuditLogger = (*SlogAuditLogger)(nil)
)
