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
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/AleutianAI/counsel/services/orchestrator/datatypes"
	"github.com/AleutianAI/counsel/services/orchestrator/relay"
)

// =============================================================================
// SSE Writer
// =============================================================================

// sseWriter writes relay events as data-only Server-Sent Events.
//
// # Description
//
// Every event is one frame of the form "data: <json>\n\n", flushed
// immediately:
//
//	data: {"content":"Based "}
//	data: {"done":true,"messageId":42,"contentHash":"..."}
//	data: {"error":"Failed to generate response"}
//
// Keepalives are SSE comments (": ping\n\n") that clients ignore.
//
// # Thread Safety
//
// Safe for concurrent use. The relay heartbeat writes keepalives from its
// own goroutine.
type sseWriter struct {
	writer  http.ResponseWriter
	flusher http.Flusher
	mu      sync.Mutex
}

// NewSSEWriter creates a relay.Sink over w.
//
// # Outputs
//
//   - relay.Sink: Ready to receive events.
//   - error: Non-nil if w cannot flush.
func NewSSEWriter(w http.ResponseWriter) (relay.Sink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{writer: w, flusher: flusher}, nil
}

func (w *sseWriter) Content(fragment string) error {
	return w.writeData(datatypes.StreamContent{Content: fragment})
}

func (w *sseWriter) Done(messageID uint64, contentHash string) error {
	return w.writeData(datatypes.StreamDone{Done: true, MessageID: messageID, ContentHash: contentHash})
}

// Error writes a sanitized failure message. Callers never pass internal
// error text.
func (w *sseWriter) Error(message string) error {
	return w.writeData(datatypes.StreamError{Error: message})
}

func (w *sseWriter) KeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprint(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

func (w *sseWriter) writeData(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprintf(w.writer, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// SetSSEHeaders sets the headers of an event stream response. Call it
// before the first write.
//
// X-Accel-Buffering disables proxy buffering in nginx.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

var _ relay.Sink = (*sseWriter)(nil)
