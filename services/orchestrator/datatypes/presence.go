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

import (
	"encoding/json"
	"fmt"
)

// PresenceEventType is the "type" discriminator of presence frames.
type PresenceEventType string

const (
	// Client to server.
	PresenceJoin   PresenceEventType = "join"
	PresenceTyping PresenceEventType = "typing"
	PresenceLeave  PresenceEventType = "leave"

	// Server to client.
	PresenceConnection PresenceEventType = "connection"
	PresenceUserJoined PresenceEventType = "user_joined"
	PresenceUserLeft   PresenceEventType = "user_left"
)

// PresenceInbound is a frame sent by a client on the presence channel.
//
// UserID here is the per-tab connection identity generated by the client,
// not the authenticated account id.
type PresenceInbound struct {
	Type     PresenceEventType `json:"type" validate:"required,oneof=join typing leave"`
	UserID   string            `json:"userId" validate:"required,max=128,opaqueid"`
	ThreadID string            `json:"threadId" validate:"required,max=128,opaqueid"`
	Domain   Domain            `json:"domain,omitempty" validate:"omitempty,domain"`
	IsTyping bool              `json:"isTyping,omitempty"`
}

// ParsePresenceInbound decodes and validates one inbound frame.
func ParsePresenceInbound(data []byte) (PresenceInbound, error) {
	var ev PresenceInbound
	if err := json.Unmarshal(data, &ev); err != nil {
		return PresenceInbound{}, fmt.Errorf("malformed presence frame: %w", err)
	}
	if err := validate.Struct(&ev); err != nil {
		return PresenceInbound{}, fmt.Errorf("invalid presence frame: %w", err)
	}
	return ev, nil
}

// PresenceOutbound is a frame sent by the server on the presence channel.
//
// Only the fields relevant to Type are set:
//
//	{"type":"connection","status":"connected"}
//	{"type":"user_joined","userId":"...","timestamp":1700000000000}
//	{"type":"user_left","userId":"...","timestamp":1700000000000}
//	{"type":"typing","userId":"...","isTyping":true}
type PresenceOutbound struct {
	Type      PresenceEventType `json:"type"`
	Status    string            `json:"status,omitempty"`
	UserID    string            `json:"userId,omitempty"`
	Timestamp int64             `json:"timestamp,omitempty"`
	IsTyping  *bool             `json:"isTyping,omitempty"`
}

// ConnectedAck is the first frame on every presence channel.
func ConnectedAck() PresenceOutbound {
	return PresenceOutbound{Type: PresenceConnection, Status: "connected"}
}

// UserJoined builds a user_joined frame; tsMillis is unix milliseconds.
func UserJoined(userID string, tsMillis int64) PresenceOutbound {
	return PresenceOutbound{Type: PresenceUserJoined, UserID: userID, Timestamp: tsMillis}
}

// UserLeft builds a user_left frame; tsMillis is unix milliseconds.
func UserLeft(userID string, tsMillis int64) PresenceOutbound {
	return PresenceOutbound{Type: PresenceUserLeft, UserID: userID, Timestamp: tsMillis}
}

// Typing builds a typing frame. isTyping is always serialized.
func Typing(userID string, isTyping bool) PresenceOutbound {
	return PresenceOutbound{Type: PresenceTyping, UserID: userID, IsTyping: &isTyping}
}
