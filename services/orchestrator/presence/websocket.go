// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package presence

import (
	"sync"
	"time"

	"github.com/AleutianAI/counsel/pkg/extensions"
	"github.com/AleutianAI/counsel/services/orchestrator/datatypes"
	"github.com/gorilla/websocket"
)

// ChannelConfig tunes one WebSocket channel.
type ChannelConfig struct {
	// QueueSize bounds the outbound queue of each peer.
	QueueSize int
	// WriteWait is the deadline for one outbound frame.
	WriteWait time.Duration
	// PongWait is how long the peer may stay silent. Must exceed PingPeriod.
	PongWait   time.Duration
	PingPeriod time.Duration
	// MaxMessageBytes caps inbound frames.
	MaxMessageBytes int64
}

// DefaultChannelConfig returns the production defaults.
func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		QueueSize:       64,
		WriteWait:       10 * time.Second,
		PongWait:        60 * time.Second,
		PingPeriod:      54 * time.Second,
		MaxMessageBytes: 4096,
	}
}

// ServeConn runs one presence channel over an upgraded WebSocket and
// blocks until the channel closes. The caller must already be
// authenticated.
func (b *Broadcaster) ServeConn(conn *websocket.Conn, caller *extensions.AuthInfo, cfg ChannelConfig) {
	peer := newWSPeer(conn, cfg)
	go peer.writePump()

	c := b.Open(peer, caller)
	defer c.Close()

	conn.SetReadLimit(cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				b.logger.Debug("presence channel read error", "connection_id", c.ID(), "error", err)
			}
			return
		}
		if mt != websocket.TextMessage {
			continue
		}
		// Handle logs and counts rejected frames; the channel stays open.
		_ = c.Handle(data)
	}
}

// wsPeer queues outbound frames for one WebSocket and writes them from a
// single goroutine.
type wsPeer struct {
	conn *websocket.Conn
	cfg  ChannelConfig
	send chan datatypes.PresenceOutbound
	done chan struct{}
	once sync.Once
}

func newWSPeer(conn *websocket.Conn, cfg ChannelConfig) *wsPeer {
	return &wsPeer{
		conn: conn,
		cfg:  cfg,
		send: make(chan datatypes.PresenceOutbound, cfg.QueueSize),
		done: make(chan struct{}),
	}
}

func (p *wsPeer) Send(ev datatypes.PresenceOutbound) bool {
	select {
	case <-p.done:
		return true
	default:
	}
	select {
	case p.send <- ev:
		return true
	default:
		return false
	}
}

// Close stops the write pump and tears the socket down in the background
// so callers holding the registry lock never wait on the network.
func (p *wsPeer) Close() {
	p.once.Do(func() {
		close(p.done)
		go func() {
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = p.conn.Close()
		}()
	})
}

func (p *wsPeer) writePump() {
	ticker := time.NewTicker(p.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case ev := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteWait))
			if err := p.conn.WriteJSON(ev); err != nil {
				p.Close()
				return
			}
		case <-ticker.C:
			if err := p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(p.cfg.WriteWait)); err != nil {
				p.Close()
				return
			}
		}
	}
}
