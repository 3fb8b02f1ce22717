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
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/AleutianAI/counsel/services/orchestrator/datatypes"
	"github.com/dgraph-io/badger/v4"
)

func turnPrefix(threadID string) []byte {
	return []byte("turn/" + hex.EncodeToString([]byte(threadID)) + "/")
}

func turnKey(threadID string, id uint64) []byte {
	return binary.BigEndian.AppendUint64(turnPrefix(threadID), id)
}

// AppendTurn persists turn, assigning its ID and, when zero, its
// timestamp. The stored copy is returned.
//
// # Description
//
// IDs come from a badger sequence and increase monotonically across the
// whole store, so turns of a thread iterate in append order.
//
// # Outputs
//
//   - datatypes.Turn: The turn as stored, with ID set.
//   - error: Non-nil if the sequence or the write fails; nothing is stored then.
func (s *Store) AppendTurn(ctx context.Context, turn datatypes.Turn) (datatypes.Turn, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.Turn{}, err
	}
	id, err := nextID(s.turnSeq)
	if err != nil {
		return datatypes.Turn{}, fmt.Errorf("allocate turn id: %w", err)
	}
	turn.ID = id
	if turn.Timestamp == 0 {
		turn.Timestamp = time.Now().Unix()
	}
	if turn.ContentType == "" {
		turn.ContentType = datatypes.ContentTypeText
	}

	data, err := json.Marshal(turn)
	if err != nil {
		return datatypes.Turn{}, fmt.Errorf("encode turn: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(turnKey(turn.ThreadID, id), data)
	})
	if err != nil {
		return datatypes.Turn{}, fmt.Errorf("write turn: %w", err)
	}
	return turn, nil
}

// ListTurns returns every turn of threadID, oldest first.
func (s *Store) ListTurns(ctx context.Context, threadID string) ([]datatypes.Turn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var turns []datatypes.Turn
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{
			PrefetchValues: true,
			PrefetchSize:   64,
			Prefix:         turnPrefix(threadID),
		})
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var t datatypes.Turn
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &t)
			}); err != nil {
				return fmt.Errorf("decode turn: %w", err)
			}
			turns = append(turns, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return turns, nil
}
