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
	"net/http"

	"github.com/gin-gonic/gin"
)

// Pinger reports dependency health.
type Pinger interface {
	Ping() error
}

// HandleHealth handles GET /health. It reports 503 when the store is
// unavailable.
func HandleHealth(store Pinger, version string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := store.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "version": version})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "version": version})
	}
}
