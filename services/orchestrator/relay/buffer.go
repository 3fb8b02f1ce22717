// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package relay

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxTurnBytes bounds one assistant turn. 512 KiB is roughly 130k
	// tokens at four bytes per token.
	MaxTurnBytes = 512 * 1024

	// minMlockLimitKB is the RLIMIT_MEMLOCK needed to lock one turn buffer.
	minMlockLimitKB = MaxTurnBytes / 1024

	// mlockReserveBytes is left for memguard's own key and enclave pages.
	mlockReserveBytes = 64 * 1024
)

var (
	// ErrBufferOverflow is returned once a turn exceeds MaxTurnBytes.
	ErrBufferOverflow = errors.New("response exceeds maximum turn size")

	// ErrBufferClosed is returned after Finalize or Destroy.
	ErrBufferClosed = errors.New("turn buffer already closed")

	// ErrInsufficientMlock is returned when locked memory is unavailable and
	// the insecure fallback is not allowed.
	ErrInsufficientMlock = errors.New("mlock limit insufficient for secure turn buffer")
)

var (
	memguardInitOnce sync.Once
	mlockSufficient  bool
	mlockLimitKB     int64

	// lockedCapacity is how many turn buffers fit under RLIMIT_MEMLOCK at
	// once; -1 when unlimited. lockedInUse counts live locked buffers.
	lockedCapacity int64
	lockedInUse    atomic.Int64
)

// =============================================================================
// Interface
// =============================================================================

// TurnBuffer accumulates the fragments of one streaming turn and hashes
// them as they arrive.
//
// # Description
//
// The buffer is single use: after Finalize or Destroy every call fails
// with ErrBufferClosed. Destroy is idempotent so it can be deferred on
// every path.
type TurnBuffer interface {
	// Write appends a fragment. Returns ErrBufferOverflow when the turn
	// would exceed MaxTurnBytes; the buffer is unusable afterwards.
	Write(fragment string) error

	// Finalize returns the full text and its hex SHA-256 and wipes the
	// buffer.
	Finalize() (text string, contentHash string, err error)

	// Destroy wipes the buffer without returning data.
	Destroy()

	// Len reports the number of bytes written so far.
	Len() int
}

// NewTurnBuffer returns a buffer backed by locked memory.
//
// # Description
//
// Every concurrent stream locks its own buffer. When RLIMIT_MEMLOCK has
// no room for another one (or is too small for any), an ordinary heap
// buffer is returned if allowInsecure is set, and ErrInsufficientMlock
// otherwise.
func NewTurnBuffer(allowInsecure bool) (TurnBuffer, error) {
	initMemguard()
	if !mlockSufficient || !reserveLocked() {
		if !allowInsecure {
			return nil, fmt.Errorf("%w: limit %d KB, %d of %d locked buffers in use",
				ErrInsufficientMlock, mlockLimitKB, lockedInUse.Load(), lockedCapacity)
		}
		return newHeapBuffer(), nil
	}
	buf := memguard.NewBuffer(MaxTurnBytes)
	if buf == nil {
		lockedInUse.Add(-1)
		return nil, fmt.Errorf("failed to allocate secure buffer of %d bytes", MaxTurnBytes)
	}
	buf.Melt()
	return &lockedBuffer{buf: buf, hasher: sha256.New()}, nil
}

// reserveLocked claims one locked-buffer slot.
func reserveLocked() bool {
	for {
		n := lockedInUse.Load()
		if lockedCapacity >= 0 && n >= lockedCapacity {
			return false
		}
		if lockedInUse.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// =============================================================================
// Locked implementation
// =============================================================================

type lockedBuffer struct {
	mu       sync.Mutex
	buf      *memguard.LockedBuffer
	offset   int
	hasher   hash.Hash
	overflow bool
	closed   bool
}

func (b *lockedBuffer) Write(fragment string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed || !b.buf.IsAlive() {
		return ErrBufferClosed
	}
	if b.overflow || b.offset+len(fragment) > MaxTurnBytes {
		b.overflow = true
		return ErrBufferOverflow
	}
	copy(b.buf.Bytes()[b.offset:], fragment)
	b.offset += len(fragment)
	b.hasher.Write([]byte(fragment))
	return nil
}

func (b *lockedBuffer) Finalize() (string, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", "", ErrBufferClosed
	}
	defer b.wipe()
	if !b.buf.IsAlive() {
		return "", "", ErrBufferClosed
	}
	if b.overflow {
		return "", "", ErrBufferOverflow
	}
	text := string(b.buf.Bytes()[:b.offset])
	return text, hex.EncodeToString(b.hasher.Sum(nil)), nil
}

func (b *lockedBuffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.wipe()
	}
}

func (b *lockedBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.offset
}

func (b *lockedBuffer) wipe() {
	b.buf.Destroy()
	b.closed = true
	lockedInUse.Add(-1)
}

// =============================================================================
// Heap implementation
// =============================================================================

type heapBuffer struct {
	mu       sync.Mutex
	data     []byte
	hasher   hash.Hash
	overflow bool
	closed   bool
}

func newHeapBuffer() *heapBuffer {
	return &heapBuffer{data: make([]byte, 0, 4096), hasher: sha256.New()}
}

func (b *heapBuffer) Write(fragment string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBufferClosed
	}
	if b.overflow || len(b.data)+len(fragment) > MaxTurnBytes {
		b.overflow = true
		return ErrBufferOverflow
	}
	b.data = append(b.data, fragment...)
	b.hasher.Write([]byte(fragment))
	return nil
}

func (b *heapBuffer) Finalize() (string, string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return "", "", ErrBufferClosed
	}
	defer b.wipe()
	if b.overflow {
		return "", "", ErrBufferOverflow
	}
	return string(b.data), hex.EncodeToString(b.hasher.Sum(nil)), nil
}

func (b *heapBuffer) Destroy() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.wipe()
	}
}

func (b *heapBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

func (b *heapBuffer) wipe() {
	clear(b.data)
	b.data = nil
	b.closed = true
}

// =============================================================================
// mlock probe
// =============================================================================

func initMemguard() {
	// No memguard.CatchInterrupt here: it exits the process on SIGINT and
	// would pre-empt graceful shutdown, which calls PurgeSecureMemory.
	memguardInitOnce.Do(func() {
		mlockSufficient, mlockLimitKB = checkMlockLimit()
		lockedCapacity = lockedBufferCapacity(mlockLimitKB)
		if mlockSufficient {
			slog.Info("Secure memory initialized", "mlock_limit_kb", mlockLimitKB,
				"required_kb", minMlockLimitKB, "locked_buffers", lockedCapacity)
		} else {
			slog.Warn("mlock limit insufficient for secure turn buffers",
				"current_limit_kb", mlockLimitKB,
				"required_kb", minMlockLimitKB,
				"help", "raise RLIMIT_MEMLOCK or set relay.insecure_memory",
			)
		}
	})
}

func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return lockedBufferCapacity(limitKB) > 0, limitKB
}

// lockedBufferCapacity is the number of turn buffers that fit in limitKB
// of locked memory. Each buffer costs its data pages plus memguard's
// canary and guard pages. -1 means unlimited.
func lockedBufferCapacity(limitKB int64) int64 {
	if limitKB < 0 {
		return -1
	}
	page := int64(os.Getpagesize())
	perBuffer := int64(MaxTurnBytes) + 2*page
	avail := limitKB*1024 - mlockReserveBytes
	if avail < perBuffer {
		return 0
	}
	return avail / perBuffer
}

// MlockAvailable reports whether turn buffers can use locked memory and
// the current limit in KB (-1 when unlimited or unknown).
func MlockAvailable() (bool, int64) {
	initMemguard()
	return mlockSufficient, mlockLimitKB
}

// PurgeSecureMemory wipes every memguard buffer. Call on shutdown.
func PurgeSecureMemory() {
	memguard.Purge()
}
