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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buffers returns both implementations so each test covers them.
func buffers(t *testing.T) map[string]TurnBuffer {
	t.Helper()
	out := map[string]TurnBuffer{"heap": newHeapBuffer()}
	if ok, _ := MlockAvailable(); ok {
		b, err := NewTurnBuffer(false)
		require.NoError(t, err)
		out["locked"] = b
	}
	return out
}

func TestTurnBuffer_WriteFinalize(t *testing.T) {
	for name, b := range buffers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Write("Based "))
			require.NoError(t, b.Write("on the contract..."))
			assert.Equal(t, len("Based on the contract..."), b.Len())

			text, hash, err := b.Finalize()
			require.NoError(t, err)
			assert.Equal(t, "Based on the contract...", text)
			assert.Equal(t, sha("Based on the contract..."), hash)

			assert.ErrorIs(t, b.Write("more"), ErrBufferClosed)
			_, _, err = b.Finalize()
			assert.ErrorIs(t, err, ErrBufferClosed)
			b.Destroy()
		})
	}
}

func TestTurnBuffer_Overflow(t *testing.T) {
	for name, b := range buffers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Write(strings.Repeat("a", MaxTurnBytes)))
			assert.ErrorIs(t, b.Write("b"), ErrBufferOverflow)
			assert.ErrorIs(t, b.Write(""), ErrBufferOverflow, "overflow is sticky")

			_, _, err := b.Finalize()
			assert.ErrorIs(t, err, ErrBufferOverflow)
		})
	}
}

func TestTurnBuffer_DestroyIdempotent(t *testing.T) {
	for name, b := range buffers(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, b.Write("secret"))
			b.Destroy()
			b.Destroy()
			assert.ErrorIs(t, b.Write("x"), ErrBufferClosed)
		})
	}
}

func TestNewTurnBuffer_InsecureFallback(t *testing.T) {
	b, err := NewTurnBuffer(true)
	require.NoError(t, err)
	defer b.Destroy()
	require.NoError(t, b.Write("x"))
}

func TestLockedBuffer_PurgedMemoryIsClosed(t *testing.T) {
	if ok, _ := MlockAvailable(); !ok {
		t.Skip("locked memory unavailable")
	}
	b, err := NewTurnBuffer(false)
	require.NoError(t, err)
	require.NoError(t, b.Write("Based "))

	PurgeSecureMemory()

	assert.ErrorIs(t, b.Write("on "), ErrBufferClosed)
	_, _, err = b.Finalize()
	assert.ErrorIs(t, err, ErrBufferClosed)
	b.Destroy()
}

func TestNewTurnBuffer_LockedCapacityExhausted(t *testing.T) {
	MlockAvailable()
	saved := lockedCapacity
	lockedCapacity = 0
	t.Cleanup(func() { lockedCapacity = saved })

	_, err := NewTurnBuffer(false)
	assert.ErrorIs(t, err, ErrInsufficientMlock)

	b, err := NewTurnBuffer(true)
	require.NoError(t, err)
	defer b.Destroy()
	assert.IsType(t, &heapBuffer{}, b, "falls back to the heap when no locked slot is free")
}

func TestLockedBufferCapacity(t *testing.T) {
	assert.Equal(t, int64(-1), lockedBufferCapacity(-1))
	assert.Equal(t, int64(0), lockedBufferCapacity(64))
	assert.Equal(t, int64(0), lockedBufferCapacity(MaxTurnBytes/1024), "one buffer also needs guard pages")
	assert.GreaterOrEqual(t, lockedBufferCapacity(8*1024), int64(12))
}
