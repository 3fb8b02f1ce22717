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
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/counsel/services/orchestrator/datatypes"
	"github.com/dgraph-io/badger/v4"
)

// storedUser is the on-disk user record; datatypes.User hides the hash
// from JSON so it cannot be stored directly.
type storedUser struct {
	datatypes.User
	PasswordHash []byte `json:"passwordHash"`
}

func userKey(id string) []byte       { return []byte("user/" + id) }
func usernameKey(name string) []byte { return []byte("username/" + strings.ToLower(name)) }
func sessionKey(id string) []byte    { return []byte("session/" + id) }

// =============================================================================
// Users
// =============================================================================

// CreateUser stores a new user and assigns its ID and CreatedAt. The
// first user ever created is made an administrator. Usernames are unique
// case-insensitively; a duplicate returns ErrUsernameTaken.
func (s *Store) CreateUser(ctx context.Context, u datatypes.User) (datatypes.User, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.User{}, err
	}
	n, err := nextID(s.userSeq)
	if err != nil {
		return datatypes.User{}, fmt.Errorf("allocate user id: %w", err)
	}
	u.ID = strconv.FormatUint(n, 10)
	u.CreatedAt = time.Now().UTC()
	if n == 1 {
		u.IsAdmin = true
	}

	data, err := json.Marshal(storedUser{User: u, PasswordHash: u.PasswordHash})
	if err != nil {
		return datatypes.User{}, fmt.Errorf("encode user: %w", err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(usernameKey(u.Username))
		if err == nil {
			return ErrUsernameTaken
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(usernameKey(u.Username), []byte(u.ID)); err != nil {
			return err
		}
		return txn.Set(userKey(u.ID), data)
	})
	if errors.Is(err, ErrUsernameTaken) {
		return datatypes.User{}, ErrUsernameTaken
	}
	if err != nil {
		return datatypes.User{}, fmt.Errorf("write user: %w", err)
	}
	return u, nil
}

// GetUser returns the user with id or ErrNotFound.
func (s *Store) GetUser(ctx context.Context, id string) (datatypes.User, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.User{}, err
	}
	var u datatypes.User
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		u, err = readUser(txn, id)
		return err
	})
	return u, err
}

// GetUserByUsername returns the user named username (case-insensitive)
// or ErrNotFound.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (datatypes.User, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.User{}, err
	}
	var u datatypes.User
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(usernameKey(username))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		id, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		u, err = readUser(txn, string(id))
		return err
	})
	return u, err
}

func readUser(txn *badger.Txn, id string) (datatypes.User, error) {
	item, err := txn.Get(userKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return datatypes.User{}, ErrNotFound
	}
	if err != nil {
		return datatypes.User{}, fmt.Errorf("read user: %w", err)
	}
	var su storedUser
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &su) }); err != nil {
		return datatypes.User{}, fmt.Errorf("decode user: %w", err)
	}
	u := su.User
	u.PasswordHash = su.PasswordHash
	return u, nil
}

// =============================================================================
// Sessions
// =============================================================================

// CreateSession stores sess until its ExpiresAt. Badger drops the key
// once the TTL elapses.
func (s *Store) CreateSession(ctx context.Context, sess datatypes.Session) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ttl := time.Until(sess.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session %s already expired", sess.ID)
	}
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.SetEntry(badger.NewEntry(sessionKey(sess.ID), data).WithTTL(ttl))
	})
}

// GetSession returns the session with id or ErrNotFound. Sessions past
// their TTL are not found.
func (s *Store) GetSession(ctx context.Context, id string) (datatypes.Session, error) {
	if err := ctx.Err(); err != nil {
		return datatypes.Session{}, err
	}
	var sess datatypes.Session
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error { return json.Unmarshal(v, &sess) })
	})
	return sess, err
}

// DeleteSession removes the session. Deleting a missing session is not
// an error.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sessionKey(id))
	})
}
