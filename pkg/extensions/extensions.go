// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines pluggable interfaces for Counsel.
//
// Services accept a ServiceOptions value so deployments can swap in their
// own identity and audit implementations without modifying the core code.
//
// # Extension Categories
//
//   - auth.go: Authentication (AuthProvider, AuthInfo)
//   - audit.go: Compliance audit logging (AuditLogger)
//
// # Usage
//
//	opts := extensions.DefaultOptions().
//	    WithAuth(sessionValidator).
//	    WithAudit(extensions.NewSlogAuditLogger(logger))
//	svc, err := orchestrator.New(cfg, &opts)
//
// # Thread Safety
//
// All interface implementations must be safe for concurrent use.
package extensions

// ServiceOptions groups all extension points for service configuration.
//
// All fields are optional; nil values are replaced with defaults by
// DefaultOptions() or by the consuming service.
type ServiceOptions struct {
	// AuthProvider validates session credentials.
	// Default: NopAuthProvider (always returns the local user)
	AuthProvider AuthProvider

	// AuditLogger records security-relevant events.
	// Default: NopAuditLogger (discards all events)
	AuditLogger AuditLogger
}

// DefaultOptions returns ServiceOptions with no-op defaults.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider: &NopAuthProvider{},
		AuditLogger:  &NopAuditLogger{},
	}
}

// WithAuth returns a copy of opts with the given AuthProvider.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAudit returns a copy of opts with the given AuditLogger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}

// Normalized returns a copy of opts where every nil field is replaced by
// its no-op default.
func (opts ServiceOptions) Normalized() ServiceOptions {
	if opts.AuthProvider == nil {
		opts.AuthProvider = &NopAuthProvider{}
	}
	if opts.AuditLogger == nil {
		opts.AuditLogger = &NopAuditLogger{}
	}
	return opts
}
