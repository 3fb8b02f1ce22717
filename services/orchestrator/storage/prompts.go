// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/counsel/services/orchestrator/datatypes"
	"github.com/dgraph-io/badger/v4"
)

const globalPromptKey = "prompt/global"

func promptKey(domain datatypes.Domain, subFeatureID string) []byte {
	return []byte("prompt/d/" + string(domain) + "/" + subFeatureID)
}

// SetPromptOverride upserts a system prompt override. UpdatedAt is set to
// the current time.
func (s *Store) SetPromptOverride(ctx context.Context, o datatypes.PromptOverride) (datatypes.PromptOverride, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.PromptOverride{}, err
	}
	o.UpdatedAt = time.Now().UTC()
	key := promptKey(o.Domain, o.SubFeatureID)
	if o.IsGlobal {
		o.Domain = ""
		o.SubFeatureID = ""
		key = []byte(globalPromptKey)
	}
	data, err := json.Marshal(o)
	if err != nil {
		return datatypes.PromptOverride{}, fmt.Errorf("encode prompt override: %w", err)
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	}); err != nil {
		return datatypes.PromptOverride{}, fmt.Errorf("write prompt override: %w", err)
	}
	return o, nil
}

// GetPromptOverride returns the override for (domain, subFeatureID).
// An empty subFeatureID addresses the domain default. Returns ErrNotFound
// when no override is stored.
func (s *Store) GetPromptOverride(ctx context.Context, domain datatypes.Domain, subFeatureID string) (datatypes.PromptOverride, error) {
	return s.getPrompt(ctx, promptKey(domain, subFeatureID))
}

// GetGlobalPromptOverride returns the global override or ErrNotFound.
func (s *Store) GetGlobalPromptOverride(ctx context.Context) (datatypes.PromptOverride, error) {
	return s.getPrompt(ctx, []byte(globalPromptKey))
}

func (s *Store) getPrompt(ctx context.Context, key []byte) (datatypes.PromptOverride, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.PromptOverride{}, err
	}
	var o datatypes.PromptOverride
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &o) })
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return datatypes.PromptOverride{}, ErrNotFound
	}
	if err != nil {
		return datatypes.PromptOverride{}, fmt.Errorf("read prompt override: %w", err)
	}
	return o, nil
}

// ListPromptOverrides returns every stored override, global first.
func (s *Store) ListPromptOverrides(ctx context.Context) ([]datatypes.PromptOverride, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []datatypes.PromptOverride
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: true, Prefix: []byte("prompt/")})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var o datatypes.PromptOverride
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &o) }); err != nil {
				return fmt.Errorf("decode prompt override: %w", err)
			}
			if o.IsGlobal {
				out = append([]datatypes.PromptOverride{o}, out...)
			} else {
				out = append(out, o)
			}
		}
		return nil
	})
	return out, err
}
