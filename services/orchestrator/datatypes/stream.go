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

// =============================================================================
// SSE Payloads
// =============================================================================

// StreamContent is a text fragment event: data: {"content":"..."}
type StreamContent struct {
	Content string `json:"content"`
}

// StreamDone is the success terminal event:
// data: {"done":true,"messageId":42,"contentHash":"..."}
type StreamDone struct {
	Done        bool   `json:"done"`
	MessageID   uint64 `json:"messageId"`
	ContentHash string `json:"contentHash,omitempty"`
}

// StreamError is the failure terminal event: data: {"error":"..."}
type StreamError struct {
	Error string `json:"error"`
}

// ErrorResponse is the JSON body of every non-streaming error response.
type ErrorResponse struct {
	Error string `json:"error"`
}
