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

// TurnRole is the author of a persisted turn.
type TurnRole string

const (
	TurnRoleUser      TurnRole = "user"
	TurnRoleAssistant TurnRole = "assistant"
)

// ContentTypeText is the only content type produced by the relay.
const ContentTypeText = "text"

// TurnMetadata carries optional selectors and the integrity hash of
// assistant turns.
type TurnMetadata struct {
	PracticeAreaID string `json:"practiceAreaId,omitempty"`
	FocusAreaID    string `json:"focusAreaId,omitempty"`
	// ContentHash is the hex SHA-256 of Content, set on assistant turns.
	ContentHash string `json:"contentHash,omitempty"`
}

// Turn is one persisted conversation message.
//
// IDs are assigned by the store and increase monotonically. Timestamp is
// unix seconds.
type Turn struct {
	ID           uint64        `json:"id"`
	ThreadID     string        `json:"threadId"`
	Domain       Domain        `json:"domain"`
	Role         TurnRole      `json:"role"`
	Content      string        `json:"content"`
	ContentType  string        `json:"contentType"`
	SubFeatureID string        `json:"subFeatureId,omitempty"`
	Metadata     *TurnMetadata `json:"metadata,omitempty"`
	Timestamp    int64         `json:"timestamp"`
	UserID       string        `json:"userId"`
}
