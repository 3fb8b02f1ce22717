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
	"slices"
	"time"

	"github.com/AleutianAI/counsel/services/orchestrator/datatypes"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

func fileKey(id string) []byte { return []byte("file/" + id) }

func fileDomainPrefix(d datatypes.Domain) []byte {
	return []byte("filedomain/" + string(d) + "/")
}

// CreateFile stores a knowledge file, assigning ID and CreatedAt.
func (s *Store) CreateFile(ctx context.Context, f datatypes.KnowledgeFile) (datatypes.KnowledgeFile, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.KnowledgeFile{}, err
	}
	f.ID = uuid.NewString()
	f.CreatedAt = time.Now().UTC()
	data, err := json.Marshal(f)
	if err != nil {
		return datatypes.KnowledgeFile{}, fmt.Errorf("encode file: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(fileKey(f.ID), data); err != nil {
			return err
		}
		return txn.Set(append(fileDomainPrefix(f.Domain), f.ID...), nil)
	})
	if err != nil {
		return datatypes.KnowledgeFile{}, fmt.Errorf("write file: %w", err)
	}
	return f, nil
}

// GetFile returns the file with id or ErrNotFound.
func (s *Store) GetFile(ctx context.Context, id string) (datatypes.KnowledgeFile, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.KnowledgeFile{}, err
	}
	var f datatypes.KnowledgeFile
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		f, err = readFile(txn, id)
		return err
	})
	return f, err
}

// ListFiles returns the files of domain ordered by creation time.
// Admin-only files are included only when includeAdminOnly is set.
func (s *Store) ListFiles(ctx context.Context, domain datatypes.Domain, includeAdminOnly bool) ([]datatypes.KnowledgeFile, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := fileDomainPrefix(domain)
	out := []datatypes.KnowledgeFile{}
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			id := string(it.Item().Key()[len(prefix):])
			f, err := readFile(txn, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if f.IsAdminOnly && !includeAdminOnly {
				continue
			}
			out = append(out, f)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortStableFunc(out, func(a, b datatypes.KnowledgeFile) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return out, nil
}

func readFile(txn *badger.Txn, id string) (datatypes.KnowledgeFile, error) {
	item, err := txn.Get(fileKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return datatypes.KnowledgeFile{}, ErrNotFound
	}
	if err != nil {
		return datatypes.KnowledgeFile{}, fmt.Errorf("read file: %w", err)
	}
	var f datatypes.KnowledgeFile
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &f) }); err != nil {
		return datatypes.KnowledgeFile{}, fmt.Errorf("decode file: %w", err)
	}
	return f, nil
}
