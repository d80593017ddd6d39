// SPDX-FileCopyrightText: © 2024 The fluentpost authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package client implements the producer side of the Fluentd forward
// protocol: a bounded per-tag event queue feeding framed MessagePack chunks
// through a managed, reconnecting socket, with optional per-chunk
// acknowledgement tracking.
package client

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/op/go-logging.v1"

	"github.com/fluentpost/fluentpost/core/wire"
	"github.com/fluentpost/fluentpost/core/worker"
)

// Client ships structured log events to a forward protocol collector.
type Client struct {
	worker.Worker

	log  *logging.Logger
	cfg  *Config
	mode wire.Mode

	bus     *eventBus
	conn    *conn
	queue   *sendQueue
	tracker *ackTracker

	// flushMu makes flush passes single flight; retryChunk and retryAt
	// are owned by whoever holds it.
	flushMu    sync.Mutex
	retryChunk *pendingChunk
	retryAt    time.Time

	timerMu    sync.Mutex
	flushTimer *time.Timer

	flushCh chan struct{}
	emptyCh chan struct{}

	shutdownOnce sync.Once
}

// New builds a Client and starts its socket. Events may be emitted
// immediately; they queue until the connection is established.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}

	c := &Client{
		log:     cfg.LogBackend.GetLogger("client"),
		cfg:     cfg,
		mode:    cfg.mode,
		bus:     newEventBus(),
		queue:   newSendQueue(cfg),
		flushCh: make(chan struct{}, 1),
		emptyCh: make(chan struct{}, 1),
	}
	c.conn = newConn(cfg, c.bus)
	if cfg.Ack != nil {
		c.tracker = newAckTracker(cfg.LogBackend.GetLogger("client/ack"), cfg.Ack.Timeout)
	}

	c.bus.subscribe(SignalWritable, func(interface{}) {
		c.pokeFlush()
	})
	if c.tracker != nil {
		// Both run synchronously on the connection's goroutines, so
		// resolution of a delivered ack always precedes the teardown
		// cancellation, and cancellation never races the reconnected
		// socket's state. SignalAck stays purely observational.
		c.conn.onAck = func(id string) {
			c.tracker.resolve(id)
		}
		c.conn.onDown = func() {
			c.tracker.cancelAll(ErrAckShutdown)
		}
	}

	c.bus.start()
	c.conn.start()
	c.Go(c.flushWorker)
	return c, nil
}

// SocketOn registers a handler for a managed socket signal. Handlers run on
// the event dispatch goroutine and must not block.
func (c *Client) SocketOn(sig Signal, fn func(interface{})) {
	c.bus.subscribe(sig, fn)
}

// Emit queues a record under TagPrefix.suffix, stamped with the current
// time.
func (c *Client) Emit(suffix string, record map[string]interface{}) *Result {
	return c.emit(suffix, record, wire.EventTimeNow())
}

// EmitTime queues a record with an explicit event time.
func (c *Client) EmitTime(suffix string, record map[string]interface{}, t wire.EventTime) *Result {
	return c.emit(suffix, record, t)
}

// EmitTimestamp queues a record with a numeric timestamp, interpreted as
// epoch milliseconds when the Milliseconds option is set, epoch seconds
// otherwise.
func (c *Client) EmitTimestamp(suffix string, record map[string]interface{}, ts int64) *Result {
	var et wire.EventTime
	var err error
	if c.cfg.Milliseconds {
		et, err = wire.EventTimeFromMillis(ts)
	} else {
		et, err = wire.NewEventTime(ts, 0)
	}
	if err != nil {
		res := newResult()
		res.settle(err)
		return res
	}
	return c.emit(suffix, record, et)
}

func (c *Client) emit(suffix string, record map[string]interface{}, et wire.EventTime) *Result {
	res := newResult()
	if record == nil {
		res.settle(&wire.DataTypeError{Msg: "record must be a non-nil map"})
		return res
	}
	select {
	case <-c.HaltCh():
		res.settle(&DroppedError{Reason: "client is shut down"})
		return res
	default:
	}

	tag := c.cfg.TagPrefix
	if suffix != "" {
		tag = tag + "." + suffix
	}
	e := queuedEntry{
		time:   et,
		record: record,
		res:    res,
		cost:   estimateCost(record),
	}
	trigger, err := c.queue.push(tag, e, c.conn.isWritable())
	if err != nil {
		res.settle(err)
		return res
	}

	switch trigger {
	case triggerSync:
		c.SyncFlush()
	case triggerInterval:
		c.cancelFlushTimer()
		c.pokeFlush()
	default:
		c.scheduleFlush()
	}
	return res
}

// Flush schedules a flush, honoring FlushInterval.
func (c *Client) Flush() {
	c.scheduleFlush()
}

// SyncFlush drains the queue in-line until it is empty or the socket
// refuses more bytes. Cancels any pending scheduled flush.
func (c *Client) SyncFlush() {
	c.cancelFlushTimer()
	c.flushOnce()
}

// Disconnect closes the client gracefully: optionally waits for the queue
// to drain, performs a final flush, waits out in-flight acks, then closes
// the socket. It returns once the socket has closed.
func (c *Client) Disconnect(ctx context.Context) error {
	if c.cfg.Disconnect.WaitForPending {
		for c.queue.hasPending() || c.hasRetryChunk() {
			select {
			case <-c.emptyCh:
			case <-ctx.Done():
				return ctx.Err()
			case <-c.HaltCh():
				return ErrShutdown
			}
		}
	}
	c.SyncFlush()
	if c.tracker != nil {
		if err := c.tracker.waitIdle(ctx); err != nil {
			return err
		}
	}
	c.conn.halt()
	return nil
}

// Shutdown tears the client down immediately: the flush timer is cancelled,
// every queued event drops, every in-flight chunk settles with
// ErrAckShutdown, and the socket closes. Safe to call more than once.
func (c *Client) Shutdown() {
	c.shutdownOnce.Do(func() {
		c.cancelFlushTimer()
		c.Halt()

		c.flushMu.Lock()
		retry := c.retryChunk
		c.retryChunk = nil
		c.flushMu.Unlock()
		dropped := &DroppedError{Reason: "client is shut down"}
		if retry != nil {
			retry.settle(dropped)
		}
		c.queue.dropAll(dropped)

		if c.tracker != nil {
			c.tracker.cancelAll(ErrAckShutdown)
			c.tracker.Halt()
		}
		c.conn.halt()
		c.bus.halt()
	})
}

// PendingLength is the number of queued entries not yet written.
func (c *Client) PendingLength() int {
	return c.queue.totalLength()
}

// PendingSize is the approximate queued byte size not yet written.
func (c *Client) PendingSize() int {
	return c.queue.totalSize()
}

func (c *Client) pokeFlush() {
	select {
	case c.flushCh <- struct{}{}:
	default:
	}
}

func (c *Client) notifyEmpty() {
	select {
	case c.emptyCh <- struct{}{}:
	default:
	}
}

func (c *Client) hasRetryChunk() bool {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	return c.retryChunk != nil
}

func (c *Client) scheduleFlush() {
	if c.cfg.FlushInterval <= 0 {
		c.pokeFlush()
		return
	}
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.flushTimer != nil {
		// A flush is already scheduled; coalesce.
		return
	}
	c.flushTimer = time.AfterFunc(c.cfg.FlushInterval, func() {
		c.timerMu.Lock()
		c.flushTimer = nil
		c.timerMu.Unlock()
		c.pokeFlush()
	})
}

func (c *Client) cancelFlushTimer() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.flushTimer != nil {
		c.flushTimer.Stop()
		c.flushTimer = nil
	}
}

func (c *Client) flushWorker() {
	for {
		select {
		case <-c.flushCh:
			c.flushOnce()
		case <-c.HaltCh():
			return
		}
	}
}

// flushOnce runs one flush pass: pop, frame, write, hand off to the ack
// tracker or settle, until the queue empties or the socket stops accepting.
func (c *Client) flushOnce() {
	// A scheduled flush owns the queued entries until its interval
	// elapses; the timer pokes the worker again when it fires.
	c.timerMu.Lock()
	scheduled := c.flushTimer != nil
	c.timerMu.Unlock()
	if scheduled {
		return
	}

	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	for c.conn.isWritable() {
		chunk := c.nextChunk()
		if chunk == nil {
			break
		}
		if c.tracker != nil && chunk.id == "" {
			chunk.id = newChunkID()
		}
		payload, err := wire.EncodeEventFrame(c.mode, chunk.tag, chunk.wireEntries(), chunk.id)
		if err != nil {
			c.log.Errorf("Failed to encode chunk for tag %v: %v", chunk.tag, err)
			chunk.settle(err)
			continue
		}
		// Ownership of the result handles passes to the tracker before
		// the bytes go out: the server may ack the instant the write
		// lands, and the resolve must find the chunk tracked.
		if c.tracker != nil {
			c.tracker.register(chunk)
		}
		if err = c.conn.write(payload); err != nil {
			if c.tracker != nil && !c.tracker.unregister(chunk.id) {
				// An ack or a disconnect cancellation settled the
				// chunk while the write was failing; nothing left
				// to retry.
				continue
			}
			if c.handleWriteFailure(chunk, err) {
				break
			}
			continue
		}
		// Without acks, a flushed write is delivery.
		if c.tracker == nil {
			chunk.settle(nil)
		}
	}

	if !c.queue.hasPending() && c.retryChunk == nil {
		c.notifyEmpty()
	}
}

// nextChunk prefers a chunk awaiting resend; while one exists nothing else
// pops, preserving per-tag order. Returns nil when there is nothing ready.
func (c *Client) nextChunk() *pendingChunk {
	if c.retryChunk != nil {
		if time.Now().Before(c.retryAt) {
			// The retry timer will poke the flush worker.
			return nil
		}
		chunk := c.retryChunk
		c.retryChunk = nil
		return chunk
	}
	return c.queue.popChunk(c.mode, c.cfg.ChunkSizeLimit, c.cfg.ChunkLengthLimit)
}

// handleWriteFailure applies the event retry policy to a failed chunk
// write. Returns true when the flush pass should stop because a resend was
// scheduled.
func (c *Client) handleWriteFailure(chunk *pendingChunk, err error) bool {
	if _, ok := err.(*WriteError); !ok && err != ErrShutdown && err != ErrNotConnected {
		err = &WriteError{Err: err}
	}
	retry := c.cfg.EventRetry
	if retry == nil {
		c.log.Warningf("Chunk write for tag %v failed: %v", chunk.tag, err)
		chunk.settle(err)
		return false
	}

	attempt := chunk.retries
	chunk.retries++
	if retry.OnError != nil {
		retry.OnError(err, chunk.retries)
	}
	delay, ok := retry.delayFor(attempt)
	if !ok {
		c.log.Warningf("Chunk write for tag %v failed after %d attempts: %v", chunk.tag, chunk.retries, err)
		chunk.settle(err)
		return false
	}
	c.log.Debugf("Scheduling chunk resend for tag %v in %v.", chunk.tag, delay)
	c.retryChunk = chunk
	c.retryAt = time.Now().Add(delay)
	time.AfterFunc(delay, c.pokeFlush)
	return true
}

func newChunkID() string {
	u := uuid.New()
	return base64.StdEncoding.EncodeToString(u[:])
}
