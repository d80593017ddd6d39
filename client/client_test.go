// SPDX-FileCopyrightText: © 2024 The fluentpost authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/fluentpost/fluentpost/core/wire"
)

// testCollector is an in-process peer speaking the server side of the
// protocol over net.Pipe, reachable through the client's DialContext seam.
// While the gate is closed, dials fail and the socket stays unwritable.
type testCollector struct {
	mu     sync.Mutex
	frames []*wire.EventFrame

	autoAck   bool
	dropNoAck bool
	gate      chan struct{}
	gateOnce  sync.Once
	frameCh   chan *wire.EventFrame
	failWrite int32
}

func newTestCollector(open bool) *testCollector {
	tc := &testCollector{
		gate:    make(chan struct{}),
		frameCh: make(chan *wire.EventFrame, 64),
	}
	if open {
		tc.open()
	}
	return tc
}

func (tc *testCollector) open() {
	tc.gateOnce.Do(func() { close(tc.gate) })
}

func (tc *testCollector) dial(ctx context.Context, network, address string) (net.Conn, error) {
	select {
	case <-tc.gate:
	default:
		return nil, errors.New("collector unavailable")
	}
	cp, sp := net.Pipe()
	go tc.serve(sp)
	return &flakyConn{Conn: cp, fails: &tc.failWrite}, nil
}

func (tc *testCollector) serve(conn net.Conn) {
	defer conn.Close()
	dec := wire.NewDecoder(conn)
	for {
		v, err := dec.Decode()
		if err != nil {
			return
		}
		frame, err := wire.ParseEventFrame(v)
		if err != nil {
			return
		}
		tc.mu.Lock()
		tc.frames = append(tc.frames, frame)
		tc.mu.Unlock()
		select {
		case tc.frameCh <- frame:
		default:
		}
		if tc.dropNoAck {
			// Hang up without acking the batch.
			return
		}
		if tc.autoAck && frame.Chunk != "" {
			b, err := wire.EncodeAck(frame.Chunk)
			if err != nil {
				return
			}
			if _, err = conn.Write(b); err != nil {
				return
			}
		}
	}
}

func (tc *testCollector) frameCount() int {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return len(tc.frames)
}

func (tc *testCollector) allFrames() []*wire.EventFrame {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return append([]*wire.EventFrame{}, tc.frames...)
}

// flakyConn fails Write while its counter is positive.
type flakyConn struct {
	net.Conn
	fails *int32
}

func (f *flakyConn) Write(b []byte) (int, error) {
	if atomic.AddInt32(f.fails, -1) >= 0 {
		return 0, errors.New("injected write failure")
	}
	return f.Conn.Write(b)
}

func testConfig(tc *testCollector) *Config {
	return &Config{
		TagPrefix: "test",
		EventMode: "Forward",
		Address:   "test:24224",
		ConnectionRetry: RetryConfig{
			Backoff:    2 * time.Millisecond,
			MaxBackoff: 10 * time.Millisecond,
		},
		DialContext: tc.dial,
	}
}

func newTestClient(t *testing.T, cfg *Config) *Client {
	c, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(c.Shutdown)
	return c
}

func waitResult(t *testing.T, res *Result) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := res.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}

func TestConfigValidation(t *testing.T) {
	_, err := New(&Config{})
	require.IsType(t, &ConfigError{}, err)

	_, err = New(&Config{TagPrefix: "test", EventMode: "Telegram"})
	require.IsType(t, &ConfigError{}, err)
}

func TestBasicEmit(t *testing.T) {
	tc := newTestCollector(true)
	c := newTestClient(t, testConfig(tc))

	res := c.Emit("foo", map[string]interface{}{"event": "foo"})
	require.NoError(t, waitResult(t, res))

	frames := tc.allFrames()
	require.Len(t, frames, 1)
	require.Equal(t, "test.foo", frames[0].Tag)
	require.Len(t, frames[0].Entries, 1)
	require.Equal(t, "foo", frames[0].Entries[0].Record["event"])
}

func TestEmitWithoutSuffix(t *testing.T) {
	tc := newTestCollector(true)
	c := newTestClient(t, testConfig(tc))

	require.NoError(t, waitResult(t, c.Emit("", map[string]interface{}{"event": "x"})))
	require.Equal(t, "test", tc.allFrames()[0].Tag)
}

func TestEmitNilRecord(t *testing.T) {
	tc := newTestCollector(true)
	c := newTestClient(t, testConfig(tc))

	res := c.Emit("foo", nil)
	err := waitResult(t, res)
	require.IsType(t, &wire.DataTypeError{}, err)
	require.Zero(t, c.PendingLength())
}

func TestEmitTimestampMilliseconds(t *testing.T) {
	tc := newTestCollector(true)
	cfg := testConfig(tc)
	cfg.Milliseconds = true
	c := newTestClient(t, cfg)

	res := c.EmitTimestamp("foo", map[string]interface{}{"event": "x"}, 1609459200123)
	require.NoError(t, waitResult(t, res))

	e := tc.allFrames()[0].Entries[0]
	require.Equal(t, uint32(1609459200), e.Time.Seconds)
	require.Equal(t, uint32(123000000), e.Time.Nanos)
}

func TestQueueSizeCap(t *testing.T) {
	tc := newTestCollector(false)
	cfg := testConfig(tc)
	cfg.SendQueueMaxLimit = &QueueLimit{Size: 20}
	c := newTestClient(t, cfg)

	res := c.Emit("a", map[string]interface{}{"event": "foo bar"})
	err := waitResult(t, res)
	require.IsType(t, &DroppedError{}, err)

	accepted := c.Emit("b", map[string]interface{}{"event": "lorem"})
	select {
	case <-accepted.Done():
		t.Fatal("queued emit settled while unwritable")
	case <-time.After(50 * time.Millisecond):
	}

	tc.open()
	require.NoError(t, waitResult(t, accepted))
	frames := tc.allFrames()
	require.Len(t, frames, 1)
	require.Equal(t, "test.b", frames[0].Tag)
}

func TestFlushIntervalCoalescing(t *testing.T) {
	tc := newTestCollector(true)
	cfg := testConfig(tc)
	cfg.FlushInterval = 100 * time.Millisecond
	c := newTestClient(t, cfg)

	// Let the connection establish so the connect-time writable edge is
	// consumed before the emits below.
	require.Eventually(t, c.conn.isWritable, time.Second, time.Millisecond)

	res1 := c.Emit("foo", map[string]interface{}{"event": "one"})
	res2 := c.Emit("foo", map[string]interface{}{"event": "two"})

	require.NoError(t, waitResult(t, res1))
	require.NoError(t, waitResult(t, res2))

	// Both events coalesced into a single frame by the one flush timer.
	frames := tc.allFrames()
	require.Len(t, frames, 1)
	require.Len(t, frames[0].Entries, 2)
	require.Equal(t, "one", frames[0].Entries[0].Record["event"])
	require.Equal(t, "two", frames[0].Entries[1].Record["event"])
}

func TestAckSuccess(t *testing.T) {
	tc := newTestCollector(true)
	tc.autoAck = true
	cfg := testConfig(tc)
	cfg.Ack = &AckConfig{Timeout: 2 * time.Second}
	c := newTestClient(t, cfg)

	res := c.Emit("foo", map[string]interface{}{"event": "x"})
	require.NoError(t, waitResult(t, res))

	frames := tc.allFrames()
	require.Len(t, frames, 1)
	require.NotEmpty(t, frames[0].Chunk)
	require.Zero(t, c.tracker.pendingLen())
}

func TestAckTimeoutViaClient(t *testing.T) {
	tc := newTestCollector(true)
	cfg := testConfig(tc)
	cfg.Ack = &AckConfig{Timeout: 50 * time.Millisecond}
	c := newTestClient(t, cfg)

	res := c.Emit("foo", map[string]interface{}{"event": "x"})
	require.ErrorIs(t, waitResult(t, res), ErrAckTimeout)
}

func TestAckShutdownOnDisconnect(t *testing.T) {
	tc := newTestCollector(true)
	tc.dropNoAck = true
	cfg := testConfig(tc)
	// The timeout is far beyond the wait below: the settlement must come
	// from the connection teardown, not the deadline.
	cfg.Ack = &AckConfig{Timeout: time.Minute}
	c := newTestClient(t, cfg)

	res := c.Emit("foo", map[string]interface{}{"event": "x"})
	require.ErrorIs(t, waitResult(t, res), ErrAckShutdown)
	require.Zero(t, c.tracker.pendingLen())
}

func TestGracefulDisconnect(t *testing.T) {
	tc := newTestCollector(false)
	cfg := testConfig(tc)
	cfg.Disconnect.WaitForPending = true
	c := newTestClient(t, cfg)

	res := c.Emit("a", map[string]interface{}{"event": "foo bar"})

	disconnectErr := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		disconnectErr <- c.Disconnect(ctx)
	}()

	select {
	case err := <-disconnectErr:
		t.Fatalf("disconnect returned while queue pending: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	tc.open()
	require.NoError(t, waitResult(t, res))
	select {
	case err := <-disconnectErr:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("disconnect did not resolve")
	}
	require.Equal(t, 1, tc.frameCount())
	require.Equal(t, StateClosing, c.conn.getState())
}

func TestShutdownRejectsPending(t *testing.T) {
	tc := newTestCollector(false)
	c := newTestClient(t, testConfig(tc))

	res := c.Emit("a", map[string]interface{}{"event": "x"})
	c.Shutdown()

	select {
	case <-res.Done():
		require.IsType(t, &DroppedError{}, res.Err())
	case <-time.After(time.Second):
		t.Fatal("pending emit not settled by shutdown")
	}
}

func TestRetryOnWriteError(t *testing.T) {
	tc := newTestCollector(true)
	atomic.StoreInt32(&tc.failWrite, 1)

	var onErrorCalls int32
	cfg := testConfig(tc)
	cfg.EventRetry = &RetryConfig{
		Backoff: 5 * time.Millisecond,
		OnError: func(err error, attempt int) {
			atomic.AddInt32(&onErrorCalls, 1)
		},
	}
	c := newTestClient(t, cfg)

	res := c.Emit("foo", map[string]interface{}{"event": "x"})
	require.NoError(t, waitResult(t, res))
	require.Equal(t, int32(1), atomic.LoadInt32(&onErrorCalls))
	require.Equal(t, 1, tc.frameCount())
}

func TestPerTagOrdering(t *testing.T) {
	tc := newTestCollector(true)
	cfg := testConfig(tc)
	cfg.ChunkLengthLimit = 7
	c := newTestClient(t, cfg)

	const n = 50
	results := make([]*Result, 0, n)
	for i := 0; i < n; i++ {
		results = append(results, c.Emit("seq", map[string]interface{}{"i": int64(i)}))
	}
	for _, res := range results {
		require.NoError(t, waitResult(t, res))
	}

	var got []int64
	for _, frame := range tc.allFrames() {
		require.Equal(t, "test.seq", frame.Tag)
		for _, e := range frame.Entries {
			i, ok := e.Record["i"].(int64)
			if !ok {
				u := e.Record["i"].(uint64)
				i = int64(u)
			}
			got = append(got, i)
		}
	}
	require.Len(t, got, n)
	for i, v := range got {
		require.Equal(t, int64(i), v)
	}
}

func TestSocketSignals(t *testing.T) {
	tc := newTestCollector(true)
	cfg := testConfig(tc)
	c := newTestClient(t, cfg)

	connected := make(chan struct{}, 1)
	c.SocketOn(SignalConnected, func(interface{}) {
		select {
		case connected <- struct{}{}:
		default:
		}
	})

	require.NoError(t, waitResult(t, c.Emit("x", map[string]interface{}{"event": "x"})))
	select {
	case <-connected:
	case <-time.After(time.Second):
		t.Fatal("CONNECTED signal not observed")
	}
}

func TestReconnectExhaustionIsFatal(t *testing.T) {
	tc := newTestCollector(false)
	cfg := testConfig(tc)
	cfg.ConnectionRetry = RetryConfig{
		Backoff:     time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
		MaxAttempts: 2,
	}
	c := newTestClient(t, cfg)

	errCh := make(chan struct{}, 1)
	c.SocketOn(SignalError, func(interface{}) {
		select {
		case errCh <- struct{}{}:
		default:
		}
	})

	require.Eventually(t, func() bool {
		return c.conn.getState() == StateFatal
	}, 2*time.Second, 5*time.Millisecond)
	select {
	case <-errCh:
	case <-time.After(time.Second):
		t.Fatal("ERROR signal not observed")
	}
}

func TestMessageModeOneEntryPerFrame(t *testing.T) {
	tc := newTestCollector(true)
	cfg := testConfig(tc)
	cfg.EventMode = "Message"
	c := newTestClient(t, cfg)

	var results []*Result
	for i := 0; i < 3; i++ {
		results = append(results, c.Emit("m", map[string]interface{}{"i": fmt.Sprintf("%d", i)}))
	}
	for _, res := range results {
		require.NoError(t, waitResult(t, res))
	}
	for _, frame := range tc.allFrames() {
		require.Len(t, frame.Entries, 1)
	}
	require.Equal(t, 3, tc.frameCount())
}

func TestCompressedPackedForwardDelivery(t *testing.T) {
	tc := newTestCollector(true)
	cfg := testConfig(tc)
	cfg.EventMode = "CompressedPackedForward"
	c := newTestClient(t, cfg)

	res := c.Emit("z", map[string]interface{}{"event": "compressed payload"})
	require.NoError(t, waitResult(t, res))

	frames := tc.allFrames()
	require.Len(t, frames, 1)
	require.Equal(t, "compressed payload", frames[0].Entries[0].Record["event"])
}
