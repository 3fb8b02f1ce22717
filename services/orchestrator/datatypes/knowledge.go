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
	"errors"
	"time"
)

// =============================================================================
// System Prompt Overrides
// =============================================================================

// PromptOverride replaces a built-in system prompt.
//
// SubFeatureID empty means the domain default. IsGlobal marks the override
// of the cross-domain global prompt; Domain is ignored for it.
type PromptOverride struct {
	Domain       Domain    `json:"domain"`
	SubFeatureID string    `json:"subFeatureId,omitempty"`
	Prompt       string    `json:"prompt"`
	IsGlobal     bool      `json:"isGlobal"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// SetSystemPromptRequest is the body of POST /api/system-prompts.
type SetSystemPromptRequest struct {
	Domain       Domain `json:"domain" validate:"omitempty,domain"`
	SubFeatureID string `json:"subFeatureId,omitempty" validate:"omitempty,max=64,opaqueid"`
	Prompt       string `json:"prompt" validate:"required,maxbytes"`
	IsGlobal     bool   `json:"isGlobal"`
}

// ErrPromptDomainRequired is returned when a non-global override omits
// its domain.
var ErrPromptDomainRequired = errors.New("domain is required unless isGlobal is set")

// Validate validates the SetSystemPromptRequest fields.
func (r *SetSystemPromptRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return err
	}
	if !r.IsGlobal && r.Domain == "" {
		return ErrPromptDomainRequired
	}
	return nil
}

// =============================================================================
// Knowledge Files
// =============================================================================

// KnowledgeFile is an uploaded reference document attached to a domain.
type KnowledgeFile struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Content      string    `json:"content"`
	FileType     string    `json:"fileType"`
	Domain       Domain    `json:"domain"`
	SubFeatureID string    `json:"subFeatureId,omitempty"`
	Size         int       `json:"size"`
	IsAdminOnly  bool      `json:"isAdminOnly"`
	UploadedBy   string    `json:"uploadedBy"`
	CreatedAt    time.Time `json:"createdAt"`
}

// UploadFileRequest is the body of POST /api/files. Content is base64.
type UploadFileRequest struct {
	Name         string `json:"name" validate:"required,max=255,opaqueid"`
	Content      string `json:"content" validate:"required,base64"`
	FileType     string `json:"fileType,omitempty" validate:"omitempty,max=127"`
	Domain       Domain `json:"domain" validate:"required,domain"`
	SubFeatureID string `json:"subFeatureId,omitempty" validate:"omitempty,max=64,opaqueid"`
	IsAdminOnly  bool   `json:"isAdminOnly"`
}

// Validate validates the UploadFileRequest fields.
func (r *UploadFileRequest) Validate() error {
	return validate.Struct(r)
}

// AvatarUploadRequest is the body of POST /api/domains/:domain/avatar.
// Avatar is base64 image data.
type AvatarUploadRequest struct {
	Avatar string `json:"avatar" validate:"required,base64"`
	Type   string `json:"type,omitempty" validate:"omitempty,max=127"`
}

// Validate validates the AvatarUploadRequest fields.
func (r *AvatarUploadRequest) Validate() error {
	return validate.Struct(r)
}
