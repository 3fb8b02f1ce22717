// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package presenceclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/counsel/pkg/extensions"
	"github.com/AleutianAI/counsel/services/orchestrator/datatypes"
	"github.com/AleutianAI/counsel/services/orchestrator/presence"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Setup
// =============================================================================

const validCookie = "connect.sid=good"

// testServer runs a presence broadcaster behind a cookie check and keeps
// the server side of every channel so tests can cut them.
type testServer struct {
	*httptest.Server
	broadcaster *presence.Broadcaster

	mu    sync.Mutex
	conns []*websocket.Conn
}

func createTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{broadcaster: presence.NewBroadcaster(nil, nil)}
	upgrader := websocket.Upgrader{}
	cfg := presence.DefaultChannelConfig()

	ts.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("connect.sid"); err != nil || c.Value != "good" {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conns = append(ts.conns, conn)
		ts.mu.Unlock()
		ts.broadcaster.ServeConn(conn, &extensions.AuthInfo{UserID: "u1", Username: "alice"}, cfg)
	}))
	t.Cleanup(func() {
		ts.broadcaster.Shutdown()
		ts.Close()
	})
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.URL, "http")
}

// dropAll cuts every server-side connection without a close frame.
func (ts *testServer) dropAll() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, c := range ts.conns {
		_ = c.UnderlyingConn().Close()
	}
	ts.conns = nil
}

func dialTestClient(t *testing.T, ts *testServer, thread string) *Client {
	t.Helper()
	c, err := Dial(context.Background(), Config{
		URL:            ts.wsURL(),
		ThreadID:       thread,
		Domain:         datatypes.DomainLaw,
		Header:         http.Header{"Cookie": {validCookie}},
		ReconnectDelay: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// waitFor reads events until one matches.
func waitFor(t *testing.T, c *Client, typ datatypes.PresenceEventType, userID string) datatypes.PresenceOutbound {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-c.Events():
			require.True(t, ok, "events closed while waiting for %s", typ)
			if ev.Type == typ && (userID == "" || ev.UserID == userID) {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s from %q", typ, userID)
		}
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestDial_AckAndSelfJoin(t *testing.T) {
	ts := createTestServer(t)
	c := dialTestClient(t, ts, "thread-1")

	ack := waitFor(t, c, datatypes.PresenceConnection, "")
	assert.Equal(t, "connected", ack.Status)

	joined := waitFor(t, c, datatypes.PresenceUserJoined, c.Identity())
	assert.NotZero(t, joined.Timestamp)
	assert.Equal(t, []string{c.Identity()}, ts.broadcaster.Members("thread-1"))
}

func TestDial_Validation(t *testing.T) {
	_, err := Dial(context.Background(), Config{ThreadID: "t"})
	assert.Error(t, err)
	_, err = Dial(context.Background(), Config{URL: "ws://x"})
	assert.Error(t, err)
}

func TestDial_Rejected(t *testing.T) {
	ts := createTestServer(t)
	_, err := Dial(context.Background(), Config{URL: ts.wsURL(), ThreadID: "t"})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestTypingAndLeave(t *testing.T) {
	ts := createTestServer(t)
	a := dialTestClient(t, ts, "thread-1")
	b := dialTestClient(t, ts, "thread-1")
	waitFor(t, a, datatypes.PresenceUserJoined, b.Identity())

	require.NoError(t, b.SetTyping(true))
	ev := waitFor(t, a, datatypes.PresenceTyping, b.Identity())
	require.NotNil(t, ev.IsTyping)
	assert.True(t, *ev.IsTyping)

	require.NoError(t, b.Close())
	waitFor(t, a, datatypes.PresenceUserLeft, b.Identity())
	assert.Equal(t, []string{a.Identity()}, ts.broadcaster.Members("thread-1"))

	assert.NoError(t, b.Close(), "second Close is a no-op")
	assert.ErrorIs(t, b.SetTyping(false), ErrClosed)
	for range b.Events() {
	}
	select {
	case <-b.Done():
	default:
		t.Fatal("Done not closed after Close")
	}
}

func TestThreadsAreIsolated(t *testing.T) {
	ts := createTestServer(t)
	a := dialTestClient(t, ts, "thread-1")
	waitFor(t, a, datatypes.PresenceUserJoined, a.Identity())

	other := dialTestClient(t, ts, "thread-2")
	waitFor(t, other, datatypes.PresenceUserJoined, other.Identity())
	require.NoError(t, other.SetTyping(true))
	waitFor(t, other, datatypes.PresenceTyping, other.Identity())

	select {
	case ev := <-a.Events():
		t.Fatalf("unexpected cross-thread event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReconnect_RejoinsWithSameIdentity(t *testing.T) {
	ts := createTestServer(t)
	c := dialTestClient(t, ts, "thread-1")
	waitFor(t, c, datatypes.PresenceUserJoined, c.Identity())

	ts.dropAll()

	waitFor(t, c, datatypes.PresenceConnection, "")
	waitFor(t, c, datatypes.PresenceUserJoined, c.Identity())
	require.Eventually(t, func() bool {
		m := ts.broadcaster.Members("thread-1")
		return len(m) == 1 && m[0] == c.Identity()
	}, 3*time.Second, 10*time.Millisecond)
	assert.NoError(t, c.SetTyping(true))
}

func TestReconnect_GivesUpWhenExhausted(t *testing.T) {
	ts := createTestServer(t)
	c, err := Dial(context.Background(), Config{
		URL:            ts.wsURL(),
		ThreadID:       "thread-1",
		Header:         http.Header{"Cookie": {validCookie}},
		ReconnectDelay: 10 * time.Millisecond,
		MaxReconnects:  2,
	})
	require.NoError(t, err)
	waitFor(t, c, datatypes.PresenceUserJoined, c.Identity())

	ts.Server.Close()
	ts.dropAll()

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("client kept reconnecting")
	}
	assert.NoError(t, c.Close())
}
