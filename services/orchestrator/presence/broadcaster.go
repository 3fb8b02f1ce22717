// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package presence tracks who is viewing which conversation thread and
// relays join, leave and typing notifications between them.
//
// # Description
//
// Every open channel gets a Connection driven by an explicit state
// machine (CONNECTING, JOINED, TYPING, IDLE, LEFT). A join registers the
// connection under its client-generated identity and thread; events are
// then fanned out to every connection of the same thread, the sender
// included. user_left is sent after removal, so it reaches only the
// remaining peers.
//
// Each peer has a bounded outbound queue. When a queue is full the event
// is not delivered to that peer and the peer is disconnected; its close
// runs the normal leave handling.
//
// # Thread Safety
//
// Broadcaster is safe for concurrent use. The events of one Connection
// must be delivered from a single goroutine.
package presence

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AleutianAI/counsel/pkg/extensions"
	"github.com/AleutianAI/counsel/services/orchestrator/datatypes"
	"github.com/AleutianAI/counsel/services/orchestrator/observability"
	"github.com/google/uuid"
)

// Peer is the outbound side of one channel.
type Peer interface {
	// Send enqueues ev without blocking. It returns false when the
	// outbound queue is full.
	Send(ev datatypes.PresenceOutbound) bool
	// Close disconnects the channel. It must not block and must be safe
	// to call more than once.
	Close()
}

// Broadcaster owns the presence registry.
type Broadcaster struct {
	mu         sync.Mutex
	byIdentity map[string]*Connection
	byThread   map[string]map[*Connection]struct{}
	open       map[*Connection]struct{}
	closed     bool

	logger  *slog.Logger
	metrics *observability.PresenceMetrics
	now     func() time.Time
}

// NewBroadcaster creates an empty registry. metrics may be nil.
func NewBroadcaster(logger *slog.Logger, metrics *observability.PresenceMetrics) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		byIdentity: make(map[string]*Connection),
		byThread:   make(map[string]map[*Connection]struct{}),
		open:       make(map[*Connection]struct{}),
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
	}
}

// Connection is the server side of one presence channel.
type Connection struct {
	id     string
	b      *Broadcaster
	peer   Peer
	caller *extensions.AuthInfo

	// Guarded by b.mu.
	state    State
	identity string
	threadID string
	domain   datatypes.Domain
}

// ID returns the server-assigned channel id used in logs.
func (c *Connection) ID() string { return c.id }

// State returns the current state.
func (c *Connection) State() State {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return c.state
}

// Open registers a new channel in CONNECTING state and sends the
// connection ack. After Shutdown the peer is closed immediately and the
// returned Connection is already LEFT.
func (b *Broadcaster) Open(peer Peer, caller *extensions.AuthInfo) *Connection {
	c := &Connection{id: uuid.NewString(), b: b, peer: peer, caller: caller}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		c.state = StateLeft
		peer.Close()
		return c
	}
	b.open[c] = struct{}{}
	b.mu.Unlock()

	b.metrics.ConnectionOpened()
	b.logger.Debug("presence channel opened", "connection_id", c.id, "user_id", callerID(caller))
	if !peer.Send(datatypes.ConnectedAck()) {
		b.disconnectSlow(c)
	}
	return c
}

// Handle applies one inbound frame.
//
// # Description
//
// Invalid frames (malformed JSON, unknown type, wrong state, identity or
// thread mismatch) are dropped: the error is logged, counted and returned,
// and the channel stays open.
func (c *Connection) Handle(data []byte) error {
	ev, err := datatypes.ParsePresenceInbound(data)
	if err != nil {
		return c.drop(fmt.Errorf("%w: %w", ErrMalformed, err), "")
	}

	b := c.b
	b.mu.Lock()
	defer b.mu.Unlock()

	next, err := c.state.Next(ev.Type, ev.IsTyping)
	if err != nil {
		return c.drop(err, ev.Type)
	}
	if ev.Type != datatypes.PresenceJoin {
		if ev.UserID != c.identity {
			return c.drop(ErrIdentityMismatch, ev.Type)
		}
		if ev.ThreadID != c.threadID {
			return c.drop(ErrThreadMismatch, ev.Type)
		}
	} else if err := b.evictLocked(ev.UserID, c); err != nil {
		return c.drop(err, ev.Type)
	}
	b.metrics.RecordEvent(string(ev.Type))

	switch ev.Type {
	case datatypes.PresenceJoin:
		c.identity = ev.UserID
		c.threadID = ev.ThreadID
		c.domain = ev.Domain
		c.state = next
		b.byIdentity[c.identity] = c
		members := b.byThread[c.threadID]
		if members == nil {
			members = make(map[*Connection]struct{})
			b.byThread[c.threadID] = members
		}
		members[c] = struct{}{}
		b.logger.Info("presence join",
			"connection_id", c.id, "identity", c.identity, "threadId", c.threadID,
			"domain", c.domain, "user_id", callerID(c.caller))
		b.fanOutLocked(c.threadID, datatypes.UserJoined(c.identity, b.now().UnixMilli()))

	case datatypes.PresenceTyping:
		c.state = next
		b.fanOutLocked(c.threadID, datatypes.Typing(c.identity, ev.IsTyping))

	case datatypes.PresenceLeave:
		b.leaveLocked(c)
	}
	return nil
}

// Close runs leave handling for a closed channel. It is idempotent: a
// channel that already left broadcasts nothing.
func (c *Connection) Close() {
	b := c.b
	b.mu.Lock()
	_, wasOpen := b.open[c]
	delete(b.open, c)
	if c.state.Active() {
		b.leaveLocked(c)
	}
	c.state = StateLeft
	b.mu.Unlock()

	c.peer.Close()
	if wasOpen {
		b.metrics.ConnectionClosed()
		b.logger.Debug("presence channel closed", "connection_id", c.id)
	}
}

// Members returns the identities joined to threadID.
func (b *Broadcaster) Members(threadID string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.byThread[threadID]))
	for c := range b.byThread[threadID] {
		out = append(out, c.identity)
	}
	return out
}

// Shutdown closes every channel. Later Open calls are refused.
func (b *Broadcaster) Shutdown() {
	b.mu.Lock()
	b.closed = true
	peers := make([]Peer, 0, len(b.open))
	for c := range b.open {
		peers = append(peers, c.peer)
	}
	b.mu.Unlock()

	for _, p := range peers {
		p.Close()
	}
	b.logger.Info("presence broadcaster shut down", "channels", len(peers))
}

// =============================================================================
// Registry helpers (b.mu held)
// =============================================================================

// leaveLocked removes c and tells the remaining peers.
func (b *Broadcaster) leaveLocked(c *Connection) {
	if !b.removeLocked(c) {
		c.state = StateLeft
		return
	}
	c.state = StateLeft
	b.logger.Info("presence leave", "connection_id", c.id, "identity", c.identity, "threadId", c.threadID)
	b.fanOutLocked(c.threadID, datatypes.UserLeft(c.identity, b.now().UnixMilli()))
}

// removeLocked drops c from the registry and reports whether it was there.
func (b *Broadcaster) removeLocked(c *Connection) bool {
	if b.byIdentity[c.identity] != c {
		return false
	}
	delete(b.byIdentity, c.identity)
	if members := b.byThread[c.threadID]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(b.byThread, c.threadID)
		}
	}
	return true
}

// evictLocked removes a stale record holding identity on another channel
// and disconnects that channel. No user_left is sent: the identity is
// about to rejoin. Only the account that owns the stale record may take
// the identity over; anyone else gets ErrIdentityInUse.
func (b *Broadcaster) evictLocked(identity string, replacement *Connection) error {
	stale := b.byIdentity[identity]
	if stale == nil || stale == replacement {
		return nil
	}
	if callerID(stale.caller) != callerID(replacement.caller) {
		return ErrIdentityInUse
	}
	b.removeLocked(stale)
	stale.state = StateLeft
	b.logger.Info("presence identity reconnected, evicting stale channel",
		"identity", identity, "stale_connection_id", stale.id, "connection_id", replacement.id)
	stale.peer.Close()
	return nil
}

// fanOutLocked enqueues ev to every connection of threadID.
func (b *Broadcaster) fanOutLocked(threadID string, ev datatypes.PresenceOutbound) {
	var slow []*Connection
	for c := range b.byThread[threadID] {
		if !c.peer.Send(ev) {
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		b.metrics.RecordSlowConsumer()
		b.logger.Warn("presence peer too slow, disconnecting",
			"connection_id", c.id, "identity", c.identity, "threadId", threadID)
		c.peer.Close()
	}
}

func (b *Broadcaster) disconnectSlow(c *Connection) {
	b.metrics.RecordSlowConsumer()
	b.logger.Warn("presence peer too slow, disconnecting", "connection_id", c.id)
	c.peer.Close()
}

// drop logs and counts a rejected frame. Called with or without b.mu.
func (c *Connection) drop(err error, t datatypes.PresenceEventType) error {
	c.b.metrics.RecordDropped(dropReason(err))
	c.b.logger.Warn("presence frame dropped",
		"connection_id", c.id, "type", t, "error", err)
	return err
}

func callerID(a *extensions.AuthInfo) string {
	if a == nil {
		return ""
	}
	return a.UserID
}
