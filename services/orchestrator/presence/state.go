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
	"errors"

	"github.com/AleutianAI/counsel/services/orchestrator/datatypes"
)

// State is the lifecycle position of one presence channel.
type State int

const (
	StateConnecting State = iota
	StateJoined
	StateTyping
	StateIdle
	StateLeft
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateJoined:
		return "JOINED"
	case StateTyping:
		return "TYPING"
	case StateIdle:
		return "IDLE"
	case StateLeft:
		return "LEFT"
	}
	return "UNKNOWN"
}

// Active reports whether the channel holds a registry record.
func (s State) Active() bool {
	return s == StateJoined || s == StateTyping || s == StateIdle
}

var (
	// ErrNotJoined: typing or leave before join.
	ErrNotJoined = errors.New("presence: not joined")
	// ErrAlreadyJoined: a second join on the same channel.
	ErrAlreadyJoined = errors.New("presence: already joined")
	// ErrLeft: any event after leave.
	ErrLeft = errors.New("presence: channel has left")
	// ErrIdentityMismatch: event userId differs from the joined identity.
	ErrIdentityMismatch = errors.New("presence: userId does not match joined identity")
	// ErrThreadMismatch: event threadId differs from the joined thread.
	ErrThreadMismatch = errors.New("presence: threadId does not match joined thread")
	// ErrIdentityInUse: join with an identity held by another account.
	ErrIdentityInUse = errors.New("presence: identity held by another account")
	// ErrMalformed: the frame is not a valid presence event.
	ErrMalformed = errors.New("presence: malformed frame")
)

// Next returns the state after applying an inbound event of type t.
func (s State) Next(t datatypes.PresenceEventType, isTyping bool) (State, error) {
	if s == StateLeft {
		return s, ErrLeft
	}
	switch t {
	case datatypes.PresenceJoin:
		if s != StateConnecting {
			return s, ErrAlreadyJoined
		}
		return StateJoined, nil
	case datatypes.PresenceTyping:
		if s == StateConnecting {
			return s, ErrNotJoined
		}
		if isTyping {
			return StateTyping, nil
		}
		return StateIdle, nil
	case datatypes.PresenceLeave:
		if s == StateConnecting {
			return s, ErrNotJoined
		}
		return StateLeft, nil
	}
	return s, ErrMalformed
}

// dropReason names the metric label for a rejected frame.
func dropReason(err error) string {
	switch {
	case errors.Is(err, ErrNotJoined):
		return "not_joined"
	case errors.Is(err, ErrAlreadyJoined):
		return "already_joined"
	case errors.Is(err, ErrLeft):
		return "left"
	case errors.Is(err, ErrIdentityMismatch):
		return "identity_mismatch"
	case errors.Is(err, ErrThreadMismatch):
		return "thread_mismatch"
	case errors.Is(err, ErrIdentityInUse):
		return "identity_in_use"
	}
	return "malformed"
}
