// SPDX-FileCopyrightText: © 2024 The fluentpost authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"sync"
	"time"

	"github.com/fluentpost/fluentpost/core/wire"
)

// QueueLimit bounds the send queue by approximate byte size and/or entry
// count. A zero field leaves that dimension unbounded.
type QueueLimit struct {
	Size   int
	Length int
}

func (l *QueueLimit) exceeded(size, length int) bool {
	if l == nil {
		return false
	}
	if l.Size > 0 && size > l.Size {
		return true
	}
	if l.Length > 0 && length > l.Length {
		return true
	}
	return false
}

// flushTrigger reports which queue limit, if any, an accepted push crossed.
type flushTrigger int

const (
	triggerNone flushTrigger = iota
	triggerInterval
	triggerSync
)

type queuedEntry struct {
	time   wire.EventTime
	record map[string]interface{}
	res    *Result
	cost   int
}

// pendingChunk is a batch popped from the queue, on its way to one wire
// frame. Its result handles belong to the chunk until either the ack tracker
// takes them over or the chunk settles.
type pendingChunk struct {
	id      string
	tag     string
	entries []queuedEntry
	size    int
	retries int

	// deadline is set when the chunk is registered with the ack tracker.
	deadline time.Time
}

func (c *pendingChunk) wireEntries() []wire.Entry {
	out := make([]wire.Entry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, wire.Entry{Time: e.time, Record: e.record})
	}
	return out
}

func (c *pendingChunk) results() []*Result {
	out := make([]*Result, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.res)
	}
	return out
}

func (c *pendingChunk) settle(err error) {
	settleAll(c.results(), err)
}

type tagQueue struct {
	entries []queuedEntry
	size    int
}

// sendQueue is the per-tag bounded event queue. Entries for one tag keep
// their push order; across tags the oldest tag drains first.
type sendQueue struct {
	sync.Mutex

	order []string
	byTag map[string]*tagQueue

	length int
	size   int

	maxLimit           *QueueLimit
	notFlushableLimit  *QueueLimit
	intervalFlushLimit *QueueLimit
	syncFlushLimit     *QueueLimit
}

func newSendQueue(cfg *Config) *sendQueue {
	return &sendQueue{
		byTag:              make(map[string]*tagQueue),
		maxLimit:           cfg.SendQueueMaxLimit,
		notFlushableLimit:  cfg.SendQueueNotFlushableLimit,
		intervalFlushLimit: cfg.SendQueueIntervalFlushLimit,
		syncFlushLimit:     cfg.SendQueueSyncFlushLimit,
	}
}

// push appends an entry for tag, enforcing the hard limits. writable tells
// the queue whether the socket currently accepts bytes, which arms the
// not-flushable limit.
func (q *sendQueue) push(tag string, e queuedEntry, writable bool) (flushTrigger, error) {
	q.Lock()
	defer q.Unlock()

	newSize, newLength := q.size+e.cost, q.length+1
	if q.maxLimit.exceeded(newSize, newLength) {
		return triggerNone, &DroppedError{Reason: "send queue limit exceeded"}
	}
	if !writable && q.notFlushableLimit.exceeded(newSize, newLength) {
		return triggerNone, &DroppedError{Reason: "send queue not-flushable limit exceeded"}
	}

	tq, ok := q.byTag[tag]
	if !ok {
		tq = &tagQueue{}
		q.byTag[tag] = tq
		q.order = append(q.order, tag)
	}
	tq.entries = append(tq.entries, e)
	tq.size += e.cost
	q.size = newSize
	q.length = newLength

	switch {
	case q.syncFlushLimit.exceeded(q.size, q.length):
		return triggerSync, nil
	case q.intervalFlushLimit.exceeded(q.size, q.length):
		return triggerInterval, nil
	}
	return triggerNone, nil
}

// popChunk removes the next batch: oldest tag first, then as many of its
// entries as fit under maxSize and maxLength. Zero bounds are unlimited. The
// first entry is always taken, so an oversized single entry still drains.
// Returns nil when the queue is empty.
func (q *sendQueue) popChunk(mode wire.Mode, maxSize, maxLength int) *pendingChunk {
	if mode == wire.ModeMessage {
		maxLength = 1
	}

	q.Lock()
	defer q.Unlock()

	if len(q.order) == 0 {
		return nil
	}
	tag := q.order[0]
	tq := q.byTag[tag]

	n, size := 0, 0
	for n < len(tq.entries) {
		if maxLength > 0 && n >= maxLength {
			break
		}
		cost := tq.entries[n].cost
		if n > 0 && maxSize > 0 && size+cost > maxSize {
			break
		}
		size += cost
		n++
	}

	chunk := &pendingChunk{
		tag:     tag,
		entries: append([]queuedEntry{}, tq.entries[:n]...),
		size:    size,
	}
	tq.entries = tq.entries[n:]
	tq.size -= size
	q.size -= size
	q.length -= n
	if len(tq.entries) == 0 {
		delete(q.byTag, tag)
		q.order = q.order[1:]
	}
	return chunk
}

// requeue puts a chunk's entries back at the head of the queue, ahead of
// everything else, preserving their relative order.
func (q *sendQueue) requeue(c *pendingChunk) {
	q.Lock()
	defer q.Unlock()

	tq, ok := q.byTag[c.tag]
	if !ok {
		tq = &tagQueue{}
		q.byTag[c.tag] = tq
	} else {
		for i, t := range q.order {
			if t == c.tag {
				q.order = append(q.order[:i], q.order[i+1:]...)
				break
			}
		}
	}
	q.order = append([]string{c.tag}, q.order...)

	tq.entries = append(append([]queuedEntry{}, c.entries...), tq.entries...)
	tq.size += c.size
	q.size += c.size
	q.length += len(c.entries)
}

// dropAll empties the queue, settling every held result with err.
func (q *sendQueue) dropAll(err error) {
	q.Lock()
	dropped := make([]*Result, 0, q.length)
	for _, tq := range q.byTag {
		for _, e := range tq.entries {
			dropped = append(dropped, e.res)
		}
	}
	q.order = nil
	q.byTag = make(map[string]*tagQueue)
	q.size, q.length = 0, 0
	q.Unlock()

	settleAll(dropped, err)
}

func (q *sendQueue) totalLength() int {
	q.Lock()
	defer q.Unlock()
	return q.length
}

func (q *sendQueue) totalSize() int {
	q.Lock()
	defer q.Unlock()
	return q.size
}

func (q *sendQueue) hasPending() bool {
	return q.totalLength() > 0
}

// entryOverhead is the flat per-entry cost covering the timestamp and frame
// framing in the size estimate.
const entryOverhead = 10

// estimateCost approximates the serialized size of a record. The estimate is
// not the exact wire size; it only needs to grow monotonically with it so
// that the queue size limits track real memory use.
func estimateCost(record map[string]interface{}) int {
	return entryOverhead + valueCost(record)
}

func valueCost(v interface{}) int {
	switch t := v.(type) {
	case nil:
		return 1
	case bool:
		return 1
	case string:
		return len(t)
	case []byte:
		return len(t)
	case map[string]interface{}:
		n := 0
		for k, e := range t {
			n += len(k) + valueCost(e)
		}
		return n
	case []interface{}:
		n := 2
		for _, e := range t {
			n += valueCost(e)
		}
		return n
	}
	// Numeric and anything exotic.
	return 8
}
