// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides data structures for the orchestrator service.
//
// This file contains the chat request accepted by the completion relay and
// the shared validator instance. Persisted turns live in turn.go, presence
// frames in presence.go and SSE payloads in stream.go.
package datatypes

import (
	"unicode"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxThreadIDBytes bounds the opaque conversation thread identifier.
	MaxThreadIDBytes = 128

	// MaxSelectorBytes bounds sub-feature, practice area and focus area ids.
	MaxSelectorBytes = 64
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// validate is the validator instance for every datatype in this package.
// Initialized in init() with custom validators.
var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())

	_ = validate.RegisterValidation("maxbytes", validateMaxBytes)
	_ = validate.RegisterValidation("opaqueid", validateOpaqueID)
	_ = validate.RegisterValidation("domain", validateDomain)
}

// validateMaxBytes checks byte length (not rune count) against
// MaxMessageContentBytes.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// validateOpaqueID rejects control characters. Length is checked by the
// companion max tag.
func validateOpaqueID(fl validator.FieldLevel) bool {
	for _, r := range fl.Field().String() {
		if unicode.IsControl(r) {
			return false
		}
	}
	return true
}

func validateDomain(fl validator.FieldLevel) bool {
	return Domain(fl.Field().String()).Valid()
}

// =============================================================================
// Chat Request
// =============================================================================

// ChatRequest is the body of POST /api/chat.
//
// # Description
//
// One user turn to relay to the completion backend. The server assigns the
// persisted timestamp; Timestamp is accepted from clients for compatibility
// but not trusted.
//
// # Fields
//
//   - Content: The user's message. Required, at most 32KB.
//   - Domain: law, finance or medicine.
//   - ThreadID: Opaque conversation identifier chosen by the client.
//   - Role: Must be "user" when present.
//   - SubFeature: Selects a sub-feature system prompt (e.g. "contracts").
//   - PracticeArea: Recorded in turn metadata.
//   - FocusArea: Recorded in turn metadata; also selects the sub-feature
//     prompt when SubFeature is absent.
//
// # Examples
//
//	req := ChatRequest{
//	    Content:  "Summarize this contract",
//	    Domain:   DomainLaw,
//	    ThreadID: "t1",
//	    Role:     "user",
//	}
type ChatRequest struct {
	Content      string `json:"content" validate:"required,maxbytes"`
	Domain       Domain `json:"domain" validate:"required,domain"`
	ThreadID     string `json:"threadId" validate:"required,max=128,opaqueid"`
	Role         string `json:"role" validate:"omitempty,eq=user"`
	SubFeature   string `json:"subFeature,omitempty" validate:"omitempty,max=64,opaqueid"`
	PracticeArea string `json:"practiceArea,omitempty" validate:"omitempty,max=64,opaqueid"`
	FocusArea    string `json:"focusArea,omitempty" validate:"omitempty,max=64,opaqueid"`
	Timestamp    any    `json:"timestamp,omitempty"`
}

// Validate validates the ChatRequest fields.
func (r *ChatRequest) Validate() error {
	return validate.Struct(r)
}

// SubFeatureID returns the sub-feature selector: SubFeature when set,
// otherwise FocusArea, otherwise "".
func (r *ChatRequest) SubFeatureID() string {
	if r.SubFeature != "" {
		return r.SubFeature
	}
	return r.FocusArea
}
