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
	"errors"

	"github.com/AleutianAI/counsel/services/orchestrator/datatypes"
	"github.com/go-playground/validator/v10"
)

// isValidationError reports whether err came from request validation.
func isValidationError(err error) bool {
	if err == nil {
		return false
	}
	var ve validator.ValidationErrors
	return errors.As(err, &ve) || errors.Is(err, datatypes.ErrPromptDomainRequired)
}
