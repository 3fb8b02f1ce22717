// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package presenceclient is a Go client for the counsel presence channel.
//
// A Client stands for one open conversation view. It joins the thread on
// connect, rejoins with the same identity after an unexpected close, and
// sends leave when closed:
//
//	c, err := presenceclient.Dial(ctx, presenceclient.Config{
//	    URL:      "ws://localhost:12210/ws",
//	    ThreadID: "thread-1",
//	    Domain:   datatypes.DomainLaw,
//	    Header:   http.Header{"Cookie": {"connect.sid=" + token}},
//	})
//	if err != nil {
//	    return err
//	}
//	defer c.Close()
//	for ev := range c.Events() {
//	    fmt.Println(ev.Type, ev.UserID)
//	}
package presenceclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/AleutianAI/counsel/services/orchestrator/datatypes"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// DefaultReconnectDelay is the pause before each reconnect attempt.
const DefaultReconnectDelay = 3 * time.Second

var (
	// ErrRejected means the server refused the handshake (401 or 403).
	// The client does not retry it.
	ErrRejected = errors.New("presence handshake rejected")

	// ErrNotConnected is returned by SetTyping while reconnecting.
	ErrNotConnected = errors.New("presence channel not connected")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("presence client closed")
)

// Config configures a Client.
type Config struct {
	// URL of the presence endpoint, e.g. ws://host:12210/ws.
	URL      string
	ThreadID string
	Domain   datatypes.Domain

	// Header is sent on every handshake. It must carry the session
	// cookie (or an Authorization header).
	Header http.Header

	// ReconnectDelay defaults to DefaultReconnectDelay.
	ReconnectDelay time.Duration
	// MaxReconnects bounds consecutive failed reconnects. Zero retries
	// until Close.
	MaxReconnects uint64

	// EventBuffer sizes the Events channel. Default 64. Events that do not
	// fit are dropped.
	EventBuffer int

	Dialer *websocket.Dialer
	Logger *slog.Logger
}

// Client is one presence channel with automatic rejoin.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Client struct {
	cfg      Config
	identity string
	events   chan datatypes.PresenceOutbound
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex // guards conn, closed and writes
	conn   *websocket.Conn
	closed bool
}

// Dial connects, sends join and starts the receive loop.
//
// The first connection is made synchronously so that a bad URL or a
// rejected session is reported to the caller. ctx bounds only that first
// handshake; the client then lives until Close.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.URL == "" || cfg.ThreadID == "" {
		return nil, errors.New("presenceclient: URL and ThreadID are required")
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	c := &Client{
		cfg:      cfg,
		identity: uuid.NewString(),
		events:   make(chan datatypes.PresenceOutbound, cfg.EventBuffer),
		done:     make(chan struct{}),
	}
	c.logger = cfg.Logger.With("identity", c.identity, "threadId", cfg.ThreadID)
	c.ctx, c.cancel = context.WithCancel(context.Background())

	conn, err := c.connect(ctx)
	if err != nil {
		c.cancel()
		return nil, err
	}
	c.conn = conn

	go c.run(conn)
	return c, nil
}

// Identity returns the per-client identity sent as userId.
func (c *Client) Identity() string { return c.identity }

// Events delivers server frames, including the connection ack of every
// (re)connect. The channel is closed when the client stops.
func (c *Client) Events() <-chan datatypes.PresenceOutbound { return c.events }

// Done is closed when the client has stopped, either by Close or because
// reconnecting gave up.
func (c *Client) Done() <-chan struct{} { return c.done }

// SetTyping reports the local typing state to the thread.
func (c *Client) SetTyping(isTyping bool) error {
	return c.send(datatypes.PresenceInbound{
		Type:     datatypes.PresenceTyping,
		UserID:   c.identity,
		ThreadID: c.cfg.ThreadID,
		IsTyping: isTyping,
	})
}

// Close sends leave, closes the channel and waits for the receive loop to
// exit. Calling Close again returns nil.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.done
		return nil
	}
	c.closed = true
	conn := c.conn
	var err error
	if conn != nil {
		err = c.writeLocked(conn, datatypes.PresenceInbound{
			Type:     datatypes.PresenceLeave,
			UserID:   c.identity,
			ThreadID: c.cfg.ThreadID,
		})
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	c.mu.Unlock()

	c.cancel()
	<-c.done
	return err
}

// =============================================================================
// Internals
// =============================================================================

// connect dials and joins.
func (c *Client) connect(ctx context.Context) (*websocket.Conn, error) {
	conn, resp, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, c.cfg.Header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: status %d", ErrRejected, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial presence channel: %w", err)
	}
	join := datatypes.PresenceInbound{
		Type:     datatypes.PresenceJoin,
		UserID:   c.identity,
		ThreadID: c.cfg.ThreadID,
		Domain:   c.cfg.Domain,
	}
	if err := conn.WriteJSON(join); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send join: %w", err)
	}
	return conn, nil
}

// run reads until the connection drops, then reconnects until Close or
// until reconnecting gives up.
func (c *Client) run(conn *websocket.Conn) {
	defer close(c.done)
	defer close(c.events)

	for {
		c.readLoop(conn)

		c.mu.Lock()
		c.conn = nil
		closed := c.closed
		c.mu.Unlock()
		if closed {
			return
		}

		c.logger.Info("presence channel lost, reconnecting", "delay", c.cfg.ReconnectDelay)
		next, err := c.reconnect()
		if err != nil {
			c.logger.Warn("presence reconnect abandoned", "error", err)
			return
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = next.Close()
			return
		}
		c.conn = next
		c.mu.Unlock()
		conn = next
	}
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var ev datatypes.PresenceOutbound
		if err := conn.ReadJSON(&ev); err != nil {
			var closeErr *websocket.CloseError
			if !errors.As(err, &closeErr) {
				c.logger.Debug("presence read failed", "error", err)
			}
			return
		}
		select {
		case c.events <- ev:
		default:
			c.logger.Debug("presence event dropped, consumer too slow", "type", ev.Type)
		}
	}
}

// reconnect waits ReconnectDelay before every attempt. A rejected
// handshake is final.
func (c *Client) reconnect() (*websocket.Conn, error) {
	var policy backoff.BackOff = backoff.NewConstantBackOff(c.cfg.ReconnectDelay)
	if c.cfg.MaxReconnects > 0 {
		policy = backoff.WithMaxRetries(policy, c.cfg.MaxReconnects)
	}
	policy = backoff.WithContext(policy, c.ctx)

	for {
		delay := policy.NextBackOff()
		if delay == backoff.Stop {
			if err := c.ctx.Err(); err != nil {
				return nil, ErrClosed
			}
			return nil, errors.New("reconnect attempts exhausted")
		}
		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return nil, ErrClosed
		case <-timer.C:
		}

		conn, err := c.connect(c.ctx)
		if err == nil {
			c.logger.Info("presence channel rejoined")
			return conn, nil
		}
		if errors.Is(err, ErrRejected) {
			return nil, err
		}
		c.logger.Debug("presence reconnect failed", "error", err)
	}
}

func (c *Client) send(ev datatypes.PresenceInbound) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.writeLocked(c.conn, ev)
}

func (c *Client) writeLocked(conn *websocket.Conn, ev datatypes.PresenceInbound) error {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteJSON(ev); err != nil {
		return fmt.Errorf("send %s: %w", ev.Type, err)
	}
	return nil
}
