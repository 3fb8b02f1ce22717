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
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/counsel/services/orchestrator/datatypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
}

func TestOpen_PersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	first, err := s.AppendTurn(ctx, datatypes.Turn{ThreadID: "t1", Role: datatypes.TurnRoleUser, Content: "hi"})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close(), "second Close must be a no-op")

	s2, err := Open(DefaultConfig(dir))
	require.NoError(t, err)
	defer s2.Close()

	turns, err := s2.ListTurns(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, turns, 1)
	assert.Equal(t, "hi", turns[0].Content)

	second, err := s2.AppendTurn(ctx, datatypes.Turn{ThreadID: "t1", Content: "again"})
	require.NoError(t, err)
	assert.Greater(t, second.ID, first.ID, "ids must keep increasing after reopen")
}

func TestPing(t *testing.T) {
	s, err := OpenInMemory()
	require.NoError(t, err)
	require.NoError(t, s.Ping())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Ping(), ErrClosed)
}

// =============================================================================
// Turns
// =============================================================================

func TestAppendTurn_AssignsIDAndDefaults(t *testing.T) {
	s := createTestStore(t)

	turn, err := s.AppendTurn(context.Background(), datatypes.Turn{
		ThreadID: "t1", Domain: datatypes.DomainLaw, Role: datatypes.TurnRoleUser,
		Content: "Summarize this contract", UserID: "7",
	})
	require.NoError(t, err)
	assert.NotZero(t, turn.ID)
	assert.NotZero(t, turn.Timestamp)
	assert.Equal(t, datatypes.ContentTypeText, turn.ContentType)
}

func TestListTurns_OrderedAndThreadScoped(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	for _, c := range []string{"one", "two", "three"} {
		_, err := s.AppendTurn(ctx, datatypes.Turn{ThreadID: "a", Content: c})
		require.NoError(t, err)
		_, err = s.AppendTurn(ctx, datatypes.Turn{ThreadID: "ab", Content: "other-" + c})
		require.NoError(t, err)
	}

	turns, err := s.ListTurns(ctx, "a")
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "one", turns[0].Content)
	assert.Equal(t, "three", turns[2].Content)
	assert.Less(t, turns[0].ID, turns[1].ID)

	empty, err := s.ListTurns(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestAppendTurn_ConcurrentIDsUnique(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	const n = 50
	ids := make(chan uint64, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			turn, err := s.AppendTurn(ctx, datatypes.Turn{ThreadID: "t", Content: "x"})
			assert.NoError(t, err)
			ids <- turn.ID
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[uint64]bool{}
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
}

func TestAppendTurn_CancelledContext(t *testing.T) {
	s := createTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.AppendTurn(ctx, datatypes.Turn{ThreadID: "t"})
	require.ErrorIs(t, err, context.Canceled)

	turns, err := s.ListTurns(context.Background(), "t")
	require.NoError(t, err)
	assert.Empty(t, turns)
}

// =============================================================================
// Prompt Overrides
// =============================================================================

func TestPromptOverrides(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.GetPromptOverride(ctx, datatypes.DomainLaw, "contracts")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.SetPromptOverride(ctx, datatypes.PromptOverride{
		Domain: datatypes.DomainLaw, SubFeatureID: "contracts", Prompt: "custom contracts",
	})
	require.NoError(t, err)
	_, err = s.SetPromptOverride(ctx, datatypes.PromptOverride{
		Domain: datatypes.DomainLaw, Prompt: "custom law",
	})
	require.NoError(t, err)
	_, err = s.SetPromptOverride(ctx, datatypes.PromptOverride{IsGlobal: true, Prompt: "custom global"})
	require.NoError(t, err)

	got, err := s.GetPromptOverride(ctx, datatypes.DomainLaw, "contracts")
	require.NoError(t, err)
	assert.Equal(t, "custom contracts", got.Prompt)
	assert.False(t, got.UpdatedAt.IsZero())

	def, err := s.GetPromptOverride(ctx, datatypes.DomainLaw, "")
	require.NoError(t, err)
	assert.Equal(t, "custom law", def.Prompt)

	global, err := s.GetGlobalPromptOverride(ctx)
	require.NoError(t, err)
	assert.Equal(t, "custom global", global.Prompt)

	all, err := s.ListPromptOverrides(ctx)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.True(t, all[0].IsGlobal, "global override should be listed first")
}

// =============================================================================
// Users and Sessions
// =============================================================================

func TestCreateUser(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first, err := s.CreateUser(ctx, datatypes.User{Username: "Alice", PasswordHash: []byte("h1")})
	require.NoError(t, err)
	assert.True(t, first.IsAdmin, "first user bootstraps as admin")

	second, err := s.CreateUser(ctx, datatypes.User{Username: "bob", PasswordHash: []byte("h2")})
	require.NoError(t, err)
	assert.False(t, second.IsAdmin)
	assert.NotEqual(t, first.ID, second.ID)

	_, err = s.CreateUser(ctx, datatypes.User{Username: "alice"})
	assert.ErrorIs(t, err, ErrUsernameTaken)

	byName, err := s.GetUserByUsername(ctx, "ALICE")
	require.NoError(t, err)
	assert.Equal(t, first.ID, byName.ID)
	assert.Equal(t, []byte("h1"), byName.PasswordHash)

	_, err = s.GetUser(ctx, "999")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessions(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	sess := datatypes.Session{ID: "s1", UserID: "1", CreatedAt: time.Now(), ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.CreateSession(ctx, sess))

	got, err := s.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "1", got.UserID)

	require.NoError(t, s.DeleteSession(ctx, "s1"))
	_, err = s.GetSession(ctx, "s1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.DeleteSession(ctx, "never-existed"))

	expired := datatypes.Session{ID: "s2", ExpiresAt: time.Now().Add(-time.Second)}
	assert.Error(t, s.CreateSession(ctx, expired))
}

// =============================================================================
// Knowledge Files
// =============================================================================

func TestFiles(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	public, err := s.CreateFile(ctx, datatypes.KnowledgeFile{Name: "a.txt", Content: "a", Domain: datatypes.DomainLaw})
	require.NoError(t, err)
	_, err = s.CreateFile(ctx, datatypes.KnowledgeFile{Name: "b.txt", Content: "b", Domain: datatypes.DomainLaw, IsAdminOnly: true})
	require.NoError(t, err)
	_, err = s.CreateFile(ctx, datatypes.KnowledgeFile{Name: "c.txt", Content: "c", Domain: datatypes.DomainFinance})
	require.NoError(t, err)

	userView, err := s.ListFiles(ctx, datatypes.DomainLaw, false)
	require.NoError(t, err)
	require.Len(t, userView, 1)
	assert.Equal(t, public.ID, userView[0].ID)

	adminView, err := s.ListFiles(ctx, datatypes.DomainLaw, true)
	require.NoError(t, err)
	assert.Len(t, adminView, 2)

	got, err := s.GetFile(ctx, public.ID)
	require.NoError(t, err)
	assert.Equal(t, "a", got.Content)

	_, err = s.GetFile(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)

	empty, err := s.ListFiles(ctx, datatypes.DomainMedicine, true)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)
}
