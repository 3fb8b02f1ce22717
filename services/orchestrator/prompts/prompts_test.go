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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/AleutianAI/counsel/services/orchestrator/datatypes"
	"github.com/AleutianAI/counsel/services/orchestrator/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOverrides struct {
	byKey  map[string]string
	global string
	err    error
}

func (f *fakeOverrides) GetPromptOverride(_ context.Context, d datatypes.Domain, sub string) (datatypes.PromptOverride, error) {
	if f.err != nil {
		return datatypes.PromptOverride{}, f.err
	}
	p, ok := f.byKey[string(d)+"/"+sub]
	if !ok {
		return datatypes.PromptOverride{}, storage.ErrNotFound
	}
	return datatypes.PromptOverride{Domain: d, SubFeatureID: sub, Prompt: p}, nil
}

func (f *fakeOverrides) GetGlobalPromptOverride(context.Context) (datatypes.PromptOverride, error) {
	if f.err != nil {
		return datatypes.PromptOverride{}, f.err
	}
	if f.global == "" {
		return datatypes.PromptOverride{}, storage.ErrNotFound
	}
	return datatypes.PromptOverride{IsGlobal: true, Prompt: f.global}, nil
}

func createTestResolver(t *testing.T, overrides OverrideStore) *Resolver {
	t.Helper()
	src, err := NewSource("", nil)
	require.NoError(t, err)
	return NewResolver(src, overrides, nil)
}

// =============================================================================
// Resolution Order
// =============================================================================

func TestResolve_Precedence(t *testing.T) {
	ctx := context.Background()
	builtin := Builtin()

	tests := []struct {
		name       string
		overrides  *fakeOverrides
		domain     datatypes.Domain
		sub        string
		wantPrompt string
		wantOrigin Origin
	}{
		{
			name:       "sub-feature override wins",
			overrides:  &fakeOverrides{byKey: map[string]string{"law/contracts": "X", "law/": "Y"}, global: "G"},
			domain:     datatypes.DomainLaw,
			sub:        "contracts",
			wantPrompt: "X",
			wantOrigin: OriginSubFeatureOverride,
		},
		{
			name:       "catalog sub-feature beats domain override",
			overrides:  &fakeOverrides{byKey: map[string]string{"law/": "Y"}},
			domain:     datatypes.DomainLaw,
			sub:        "contracts",
			wantPrompt: builtin.Domains[datatypes.DomainLaw].SubFeatures["contracts"],
			wantOrigin: OriginSubFeatureCatalog,
		},
		{
			name:       "unknown sub-feature falls to domain override",
			overrides:  &fakeOverrides{byKey: map[string]string{"law/": "Y"}},
			domain:     datatypes.DomainLaw,
			sub:        "maritime",
			wantPrompt: "Y",
			wantOrigin: OriginDomainOverride,
		},
		{
			name:       "no sub-feature uses domain default",
			overrides:  &fakeOverrides{},
			domain:     datatypes.DomainMedicine,
			wantPrompt: builtin.Domains[datatypes.DomainMedicine].Default,
			wantOrigin: OriginDomainCatalog,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := createTestResolver(t, tt.overrides)
			got := r.Resolve(ctx, tt.domain, tt.sub)
			assert.Equal(t, tt.wantPrompt, got.Prompt)
			assert.Equal(t, tt.wantOrigin, got.Origin)
		})
	}
}

func TestResolve_GlobalFallbacks(t *testing.T) {
	ctx := context.Background()
	src, err := NewSource("", nil)
	require.NoError(t, err)

	// Drop the domain default so resolution reaches the global level.
	cat := Builtin()
	delete(cat.Domains, datatypes.DomainFinance)
	src.current.Store(cat)

	r := NewResolver(src, &fakeOverrides{global: "G"}, nil)
	got := r.Resolve(ctx, datatypes.DomainFinance, "")
	assert.Equal(t, Resolution{Prompt: "G", Origin: OriginGlobalOverride}, got)

	r = NewResolver(src, nil, nil)
	got = r.Resolve(ctx, datatypes.DomainFinance, "")
	assert.Equal(t, OriginGlobalCatalog, got.Origin)
	assert.Equal(t, cat.Global, got.Prompt)
}

func TestResolve_StoreErrorFallsBack(t *testing.T) {
	r := createTestResolver(t, &fakeOverrides{err: errors.New("disk on fire")})

	got := r.Resolve(context.Background(), datatypes.DomainLaw, "contracts")
	assert.Equal(t, OriginSubFeatureCatalog, got.Origin)
	assert.NotEmpty(t, got.Prompt)
}

// =============================================================================
// Catalog File
// =============================================================================

func TestNewSource_MergesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
global: custom global
domains:
  law:
    sub_features:
      contracts: custom contracts
      maritime: ahoy
`), 0o600))

	src, err := NewSource(path, nil)
	require.NoError(t, err)

	cat := src.Catalog()
	assert.Equal(t, "custom global", cat.Global)
	p, ok := cat.SubFeature(datatypes.DomainLaw, "contracts")
	require.True(t, ok)
	assert.Equal(t, "custom contracts", p)
	p, ok = cat.SubFeature(datatypes.DomainLaw, "maritime")
	require.True(t, ok)
	assert.Equal(t, "ahoy", p)

	def, ok := cat.DomainDefault(datatypes.DomainLaw)
	require.True(t, ok)
	assert.Equal(t, Builtin().Domains[datatypes.DomainLaw].Default, def, "unspecified entries keep built-in text")
}

func TestNewSource_RejectsBadFile(t *testing.T) {
	dir := t.TempDir()

	_, err := NewSource(filepath.Join(dir, "missing.yaml"), nil)
	assert.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("domains:\n  astrology:\n    default: no\n"), 0o600))
	_, err = NewSource(bad, nil)
	assert.ErrorContains(t, err, "unknown domain")
}

func TestReload_KeepsPreviousOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("global: first\n"), 0o600))
	src, err := NewSource(path, nil)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("global: [unterminated\n"), 0o600))
	assert.Error(t, src.Reload())
	assert.Equal(t, "first", src.Catalog().Global)
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("global: before\n"), 0o600))
	src, err := NewSource(path, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Watch(ctx) }()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("global: after\n"), 0o600))

	assert.Eventually(t, func() bool {
		return src.Catalog().Global == "after"
	}, 3*time.Second, 20*time.Millisecond)
}

func TestBuiltin_CoversCatalogDomains(t *testing.T) {
	cat := Builtin()
	for _, info := range datatypes.DomainCatalog {
		_, ok := cat.DomainDefault(info.ID)
		assert.True(t, ok, "missing default for %s", info.ID)
		for _, sf := range info.SubFeatures {
			_, ok := cat.SubFeature(info.ID, sf.ID)
			assert.True(t, ok, "missing prompt for %s/%s", info.ID, sf.ID)
		}
	}
}
