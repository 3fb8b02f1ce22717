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
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/AleutianAI/counsel/pkg/extensions"
	"github.com/AleutianAI/counsel/services/orchestrator/datatypes"
	"github.com/AleutianAI/counsel/services/orchestrator/middleware"
	"github.com/AleutianAI/counsel/services/orchestrator/storage"
	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/samber/lo"
)

// FileStore persists knowledge files.
type FileStore interface {
	CreateFile(ctx context.Context, f datatypes.KnowledgeFile) (datatypes.KnowledgeFile, error)
	GetFile(ctx context.Context, id string) (datatypes.KnowledgeFile, error)
	ListFiles(ctx context.Context, domain datatypes.Domain, includeAdminOnly bool) ([]datatypes.KnowledgeFile, error)
}

// errUnsupportedType marks uploads whose sniffed type is not accepted.
var errUnsupportedType = errors.New("unsupported media type")

// FileHandler serves knowledge file uploads and domain avatars.
type FileHandler struct {
	store     FileStore
	maxBytes  int64
	avatarDir string
	logger    *slog.Logger
}

// NewFileHandler creates a FileHandler. maxBytes caps decoded uploads.
func NewFileHandler(store FileStore, maxBytes int64, avatarDir string, logger *slog.Logger) *FileHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FileHandler{store: store, maxBytes: maxBytes, avatarDir: avatarDir, logger: logger}
}

// HandleUpload handles POST /api/files.
//
// # Description
//
// The body carries the file base64-encoded. The type is sniffed from the
// decoded bytes, not taken from the client: only text formats are
// stored (415 otherwise). Only admins may mark a file admin-only.
func (h *FileHandler) HandleUpload(c *gin.Context) {
	caller := middleware.GetAuthInfo(c)
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, int64(base64.StdEncoding.EncodedLen(int(h.maxBytes))+4096))

	var req datatypes.UploadFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request: validation failed"})
		return
	}
	if req.IsAdminOnly && !caller.HasRole(extensions.RoleAdmin) {
		c.JSON(http.StatusForbidden, datatypes.ErrorResponse{Error: "admin access required"})
		return
	}

	data, mtype, err := h.decode(req.Content, isText)
	if err != nil {
		h.rejectUpload(c, err)
		return
	}

	f, err := h.store.CreateFile(c.Request.Context(), datatypes.KnowledgeFile{
		Name:         filepath.Base(req.Name),
		Content:      string(data),
		FileType:     mtype.String(),
		Domain:       req.Domain,
		SubFeatureID: req.SubFeatureID,
		Size:         len(data),
		IsAdminOnly:  req.IsAdminOnly,
		UploadedBy:   caller.UserID,
	})
	if err != nil {
		h.logger.Error("failed to store file", "requestId", middleware.RequestIDFrom(c), "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "Failed to upload file"})
		return
	}
	h.logger.Info("knowledge file uploaded",
		"file_id", f.ID, "domain", f.Domain, "type", f.FileType, "size", f.Size, "user_id", caller.UserID)
	c.JSON(http.StatusCreated, f)
}

// HandleListFiles handles GET /api/files/:domain. Admin-only files are
// listed only for admins passing ?admin=true.
func (h *FileHandler) HandleListFiles(c *gin.Context) {
	domain := datatypes.Domain(c.Param("domain"))
	if !domain.Valid() {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "unknown domain"})
		return
	}
	includeAdmin := c.Query("admin") == "true" && middleware.GetAuthInfo(c).HasRole(extensions.RoleAdmin)

	files, err := h.store.ListFiles(c.Request.Context(), domain, includeAdmin)
	if err != nil {
		h.logger.Error("failed to list files", "requestId", middleware.RequestIDFrom(c), "domain", domain, "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "Failed to fetch files"})
		return
	}
	c.JSON(http.StatusOK, files)
}

// HandleGetFile handles GET /api/file/:id. Admin-only files are reported
// as missing to other callers.
func (h *FileHandler) HandleGetFile(c *gin.Context) {
	f, err := h.store.GetFile(c.Request.Context(), c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) ||
		(err == nil && f.IsAdminOnly && !middleware.GetAuthInfo(c).HasRole(extensions.RoleAdmin)) {
		c.JSON(http.StatusNotFound, datatypes.ErrorResponse{Error: "File not found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load file", "requestId", middleware.RequestIDFrom(c), "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "Failed to fetch file"})
		return
	}
	c.JSON(http.StatusOK, f)
}

// HandleAvatarUpload handles POST /api/domains/:domain/avatar (admin).
// The image replaces any earlier avatar of the domain and is served from
// /avatars/<domain><ext>.
func (h *FileHandler) HandleAvatarUpload(c *gin.Context) {
	domain := datatypes.Domain(c.Param("domain"))
	if !domain.Valid() {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "unknown domain"})
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, int64(base64.StdEncoding.EncodedLen(int(h.maxBytes))+4096))

	var req datatypes.AvatarUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request body"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid request: validation failed"})
		return
	}

	data, mtype, err := h.decode(req.Avatar, isImage)
	if err != nil {
		h.rejectUpload(c, err)
		return
	}

	name := string(domain) + mtype.Extension()
	if err := h.writeAvatar(domain, name, data); err != nil {
		h.logger.Error("failed to write avatar", "requestId", middleware.RequestIDFrom(c), "domain", domain, "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: "Failed to upload avatar"})
		return
	}
	h.logger.Info("domain avatar updated", "domain", domain, "type", mtype.String())
	c.JSON(http.StatusOK, gin.H{"url": "/avatars/" + name})
}

// writeAvatar stores data as name, replacing any earlier avatar of the
// domain with a different extension. The file is renamed into place.
func (h *FileHandler) writeAvatar(domain datatypes.Domain, name string, data []byte) error {
	if err := os.MkdirAll(h.avatarDir, 0o750); err != nil {
		return fmt.Errorf("create avatar dir: %w", err)
	}
	tmp, err := os.CreateTemp(h.avatarDir, ".upload-*")
	if err != nil {
		return fmt.Errorf("create temp avatar: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write avatar: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close avatar: %w", err)
	}

	old, _ := filepath.Glob(filepath.Join(h.avatarDir, string(domain)+".*"))
	for _, p := range old {
		if filepath.Base(p) != name {
			_ = os.Remove(p)
		}
	}
	return os.Rename(tmp.Name(), filepath.Join(h.avatarDir, name))
}

// decode base64-decodes content, enforces the size cap and sniffs the
// type, rejecting anything accept refuses.
func (h *FileHandler) decode(content string, accept func(*mimetype.MIME) bool) ([]byte, *mimetype.MIME, error) {
	data, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, nil, fmt.Errorf("decode upload: %w", err)
	}
	if int64(len(data)) > h.maxBytes {
		return nil, nil, fmt.Errorf("upload of %d bytes exceeds limit of %d", len(data), h.maxBytes)
	}
	mtype := mimetype.Detect(data)
	if !accept(mtype) {
		return nil, nil, fmt.Errorf("%w: %s", errUnsupportedType, mtype.String())
	}
	return data, mtype, nil
}

func (h *FileHandler) rejectUpload(c *gin.Context, err error) {
	h.logger.Warn("upload rejected", "requestId", middleware.RequestIDFrom(c), "error", err)
	if errors.Is(err, errUnsupportedType) {
		c.JSON(http.StatusUnsupportedMediaType, datatypes.ErrorResponse{Error: "Unsupported file type"})
		return
	}
	c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "invalid upload"})
}

// isText accepts every type derived from text/plain (plain text, CSV,
// JSON, HTML and the like).
func isText(m *mimetype.MIME) bool {
	for ; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

// avatarTypes are the raster formats served from /avatars. SVG is left out
// because it can carry script.
var avatarTypes = []string{"image/png", "image/jpeg", "image/webp", "image/gif"}

func isImage(m *mimetype.MIME) bool {
	return lo.ContainsBy(avatarTypes, m.Is)
}
