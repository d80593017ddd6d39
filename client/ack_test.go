// SPDX-FileCopyrightText: © 2024 The fluentpost authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gopkg.in/op/go-logging.v1"

	"github.com/fluentpost/fluentpost/core/log"
)

func testLogger(t *testing.T) *logging.Logger {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	return backend.GetLogger("test")
}

func chunkWithResults(id string, n int) *pendingChunk {
	c := &pendingChunk{id: id, tag: "a"}
	for i := 0; i < n; i++ {
		c.entries = append(c.entries, queuedEntry{res: newResult()})
	}
	return c
}

func TestAckResolve(t *testing.T) {
	tr := newAckTracker(testLogger(t), time.Minute)
	defer tr.Halt()

	c := chunkWithResults("chunk-1", 3)
	tr.register(c)
	require.Equal(t, 1, tr.pendingLen())

	require.True(t, tr.resolve("chunk-1"))
	require.Zero(t, tr.pendingLen())
	for _, e := range c.entries {
		select {
		case <-e.res.Done():
			require.NoError(t, e.res.Err())
		case <-time.After(time.Second):
			t.Fatal("result not settled")
		}
	}

	require.False(t, tr.resolve("chunk-1"))
}

func TestAckTimeout(t *testing.T) {
	tr := newAckTracker(testLogger(t), 50*time.Millisecond)
	defer tr.Halt()

	c := chunkWithResults("chunk-1", 1)
	tr.register(c)

	select {
	case <-c.entries[0].res.Done():
		require.ErrorIs(t, c.entries[0].res.Err(), ErrAckTimeout)
	case <-time.After(time.Second):
		t.Fatal("chunk did not time out")
	}
	require.Zero(t, tr.pendingLen())
}

func TestAckTimeoutOrdering(t *testing.T) {
	tr := newAckTracker(testLogger(t), 40*time.Millisecond)
	defer tr.Halt()

	first := chunkWithResults("chunk-1", 1)
	tr.register(first)
	time.Sleep(10 * time.Millisecond)
	second := chunkWithResults("chunk-2", 1)
	tr.register(second)

	// Resolving the second chunk must not disturb the first's deadline.
	require.True(t, tr.resolve("chunk-2"))
	select {
	case <-first.entries[0].res.Done():
		require.ErrorIs(t, first.entries[0].res.Err(), ErrAckTimeout)
	case <-time.After(time.Second):
		t.Fatal("first chunk did not time out")
	}
}

func TestAckUnregister(t *testing.T) {
	tr := newAckTracker(testLogger(t), time.Minute)
	defer tr.Halt()

	c := chunkWithResults("chunk-1", 1)
	tr.register(c)

	require.True(t, tr.unregister("chunk-1"))
	require.Zero(t, tr.pendingLen())
	select {
	case <-c.entries[0].res.Done():
		t.Fatal("unregister must not settle the chunk")
	default:
	}

	require.False(t, tr.unregister("chunk-1"))
	require.False(t, tr.resolve("chunk-1"))
}

func TestAckCancelAll(t *testing.T) {
	tr := newAckTracker(testLogger(t), time.Minute)
	defer tr.Halt()

	chunks := []*pendingChunk{
		chunkWithResults("chunk-1", 2),
		chunkWithResults("chunk-2", 1),
	}
	for _, c := range chunks {
		tr.register(c)
	}
	tr.cancelAll(ErrAckShutdown)
	require.Zero(t, tr.pendingLen())

	for _, c := range chunks {
		for _, e := range c.entries {
			select {
			case <-e.res.Done():
				require.ErrorIs(t, e.res.Err(), ErrAckShutdown)
			case <-time.After(time.Second):
				t.Fatal("result not settled")
			}
		}
	}
}
