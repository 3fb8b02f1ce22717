// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package prompts

import (
	"context"
	"errors"
	"log/slog"

	"github.com/AleutianAI/counsel/services/orchestrator/datatypes"
	"github.com/AleutianAI/counsel/services/orchestrator/storage"
)

// OverrideStore reads administrator prompt overrides. Missing entries are
// reported as storage.ErrNotFound.
type OverrideStore interface {
	GetPromptOverride(ctx context.Context, domain datatypes.Domain, subFeatureID string) (datatypes.PromptOverride, error)
	GetGlobalPromptOverride(ctx context.Context) (datatypes.PromptOverride, error)
}

// Origin names where a resolved prompt came from.
type Origin string

const (
	OriginSubFeatureOverride Origin = "override:sub_feature"
	OriginSubFeatureCatalog  Origin = "catalog:sub_feature"
	OriginDomainOverride     Origin = "override:domain"
	OriginDomainCatalog      Origin = "catalog:domain"
	OriginGlobalOverride     Origin = "override:global"
	OriginGlobalCatalog      Origin = "catalog:global"
)

// Resolution is a resolved system instruction.
type Resolution struct {
	Prompt string
	Origin Origin
}

// Resolver picks the system instruction for a (domain, sub-feature) pair.
type Resolver struct {
	source    *Source
	overrides OverrideStore
	logger    *slog.Logger
}

// NewResolver creates a Resolver. overrides may be nil.
func NewResolver(source *Source, overrides OverrideStore, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{source: source, overrides: overrides, logger: logger}
}

// Resolve returns the most specific prompt available, in this order:
//
//  1. stored override for (domain, subFeatureID)
//  2. catalog entry for (domain, subFeatureID)
//  3. stored override for the domain
//  4. catalog default for the domain
//  5. stored global override
//  6. catalog global prompt
//
// Steps 1 and 2 are skipped when subFeatureID is empty. Unknown
// sub-features fall through to the domain. A failing override lookup is
// logged and treated as absent, so Resolve always produces a prompt.
func (r *Resolver) Resolve(ctx context.Context, domain datatypes.Domain, subFeatureID string) Resolution {
	cat := r.source.Catalog()

	if subFeatureID != "" {
		if p, ok := r.override(ctx, domain, subFeatureID); ok {
			return Resolution{Prompt: p, Origin: OriginSubFeatureOverride}
		}
		if p, ok := cat.SubFeature(domain, subFeatureID); ok {
			return Resolution{Prompt: p, Origin: OriginSubFeatureCatalog}
		}
	}
	if p, ok := r.override(ctx, domain, ""); ok {
		return Resolution{Prompt: p, Origin: OriginDomainOverride}
	}
	if p, ok := cat.DomainDefault(domain); ok {
		return Resolution{Prompt: p, Origin: OriginDomainCatalog}
	}
	if r.overrides != nil {
		o, err := r.overrides.GetGlobalPromptOverride(ctx)
		if err == nil && o.Prompt != "" {
			return Resolution{Prompt: o.Prompt, Origin: OriginGlobalOverride}
		}
		r.logLookupError(err, domain, "")
	}
	return Resolution{Prompt: cat.Global, Origin: OriginGlobalCatalog}
}

func (r *Resolver) override(ctx context.Context, domain datatypes.Domain, sub string) (string, bool) {
	if r.overrides == nil {
		return "", false
	}
	o, err := r.overrides.GetPromptOverride(ctx, domain, sub)
	if err != nil {
		r.logLookupError(err, domain, sub)
		return "", false
	}
	return o.Prompt, o.Prompt != ""
}

func (r *Resolver) logLookupError(err error, domain datatypes.Domain, sub string) {
	if err == nil || errors.Is(err, storage.ErrNotFound) {
		return
	}
	r.logger.Warn("prompt override lookup failed, using fallback",
		"domain", domain, "sub_feature", sub, "error", err)
}
