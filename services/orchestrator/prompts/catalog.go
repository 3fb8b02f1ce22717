// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package prompts resolves the system instruction for a chat turn.
//
// Built-in prompts cover every domain and sub-feature. An optional YAML
// catalog file can replace any of them and is reloaded when it changes on
// disk. Administrators can further override entries at runtime; those
// overrides live in the store and take precedence over the catalog.
package prompts

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/AleutianAI/counsel/services/orchestrator/datatypes"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Catalog
// =============================================================================

// DomainPrompts holds the prompts of one domain.
type DomainPrompts struct {
	Default     string            `yaml:"default"`
	SubFeatures map[string]string `yaml:"sub_features"`
}

// Catalog is an immutable set of system prompts.
//
// Example file:
//
//	global: "I am a professional AI assistant..."
//	domains:
//	  law:
//	    default: "I am Lexie..."
//	    sub_features:
//	      contracts: "I am Lexie, focusing on contract law..."
type Catalog struct {
	Global  string                             `yaml:"global"`
	Domains map[datatypes.Domain]DomainPrompts `yaml:"domains"`
}

// SubFeature returns the prompt for (domain, id) if the catalog has one.
func (c *Catalog) SubFeature(domain datatypes.Domain, id string) (string, bool) {
	if id == "" {
		return "", false
	}
	p, ok := c.Domains[domain].SubFeatures[id]
	return p, ok && p != ""
}

// DomainDefault returns the default prompt of domain if the catalog has one.
func (c *Catalog) DomainDefault(domain datatypes.Domain) (string, bool) {
	p := c.Domains[domain].Default
	return p, p != ""
}

// merge returns a copy of c with every non-empty entry of other applied.
func (c *Catalog) merge(other *Catalog) *Catalog {
	out := &Catalog{Global: c.Global, Domains: make(map[datatypes.Domain]DomainPrompts, len(c.Domains))}
	for d, dp := range c.Domains {
		subs := make(map[string]string, len(dp.SubFeatures))
		for k, v := range dp.SubFeatures {
			subs[k] = v
		}
		out.Domains[d] = DomainPrompts{Default: dp.Default, SubFeatures: subs}
	}
	if other == nil {
		return out
	}
	if other.Global != "" {
		out.Global = other.Global
	}
	for d, dp := range other.Domains {
		cur := out.Domains[d]
		if cur.SubFeatures == nil {
			cur.SubFeatures = map[string]string{}
		}
		if dp.Default != "" {
			cur.Default = dp.Default
		}
		for k, v := range dp.SubFeatures {
			if v != "" {
				cur.SubFeatures[k] = v
			}
		}
		out.Domains[d] = cur
	}
	return out
}

// ParseCatalog decodes a YAML catalog and rejects unknown domains.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse prompt catalog: %w", err)
	}
	for d := range c.Domains {
		if !d.Valid() {
			return nil, fmt.Errorf("prompt catalog: unknown domain %q", d)
		}
	}
	return &c, nil
}

// =============================================================================
// Source
// =============================================================================

// Source holds the current catalog: built-ins merged with the optional
// catalog file. Reads are lock-free.
type Source struct {
	path    string
	current atomic.Pointer[Catalog]
	logger  *slog.Logger
}

// NewSource loads the built-in catalog and, when path is non-empty, the
// file at path on top of it. A file that cannot be read or parsed is an
// error at construction.
func NewSource(path string, logger *slog.Logger) (*Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Source{path: path, logger: logger}
	s.current.Store(Builtin())
	if path != "" {
		if err := s.Reload(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Catalog returns the current catalog. Callers must not modify it.
func (s *Source) Catalog() *Catalog {
	return s.current.Load()
}

// Reload re-reads the catalog file. On error the previous catalog stays
// in effect.
func (s *Source) Reload() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read prompt catalog: %w", err)
	}
	file, err := ParseCatalog(data)
	if err != nil {
		return err
	}
	s.current.Store(Builtin().merge(file))
	return nil
}

// Watch reloads the catalog whenever its file is written, created or
// renamed into place, until ctx is done.
//
// The parent directory is watched rather than the file so that editors
// which replace the file atomically are handled.
func (s *Source) Watch(ctx context.Context) error {
	if s.path == "" {
		<-ctx.Done()
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create catalog watcher: %w", err)
	}
	defer w.Close()

	target := filepath.Clean(s.path)
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}
	s.logger.Info("watching prompt catalog", "path", target)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Warn("prompt catalog reload failed, keeping previous", "path", target, "error", err)
				continue
			}
			s.logger.Info("prompt catalog reloaded", "path", target)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("prompt catalog watcher error", "error", err)
		}
	}
}
