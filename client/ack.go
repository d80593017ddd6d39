// SPDX-FileCopyrightText: © 2024 The fluentpost authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"container/list"
	"context"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/fluentpost/fluentpost/core/worker"
)

// ackTracker maps in-flight chunk ids to their pending results. Chunks leave
// the tracker on ack receipt, deadline expiry, socket loss, or shutdown, and
// their results settle exactly once on the way out.
type ackTracker struct {
	worker.Worker

	log     *logging.Logger
	timeout time.Duration

	sync.Mutex
	inflight map[string]*list.Element
	order    *list.List // *pendingChunk in deadline order
	wakeCh   chan struct{}
	idleCh   chan struct{}
}

func newAckTracker(log *logging.Logger, timeout time.Duration) *ackTracker {
	t := &ackTracker{
		log:      log,
		timeout:  timeout,
		inflight: make(map[string]*list.Element),
		order:    list.New(),
		wakeCh:   make(chan struct{}, 1),
		idleCh:   make(chan struct{}, 1),
	}
	t.Go(t.timeoutWorker)
	return t
}

func (t *ackTracker) wake() {
	select {
	case t.wakeCh <- struct{}{}:
	default:
	}
}

// notifyIdle must be called after removals; locked section not required.
func (t *ackTracker) notifyIdle() {
	if t.pendingLen() != 0 {
		return
	}
	select {
	case t.idleCh <- struct{}{}:
	default:
	}
}

// waitIdle blocks until no chunks are in flight or ctx expires.
func (t *ackTracker) waitIdle(ctx context.Context) error {
	for t.pendingLen() > 0 {
		select {
		case <-t.idleCh:
		case <-ctx.Done():
			return ctx.Err()
		case <-t.HaltCh():
			return nil
		}
	}
	return nil
}

// register takes ownership of the chunk's result handles and arms its
// deadline. Registration happens before the chunk's bytes go out, so an ack
// can never arrive for an untracked chunk.
func (t *ackTracker) register(c *pendingChunk) {
	c.deadline = time.Now().Add(t.timeout)

	t.Lock()
	t.inflight[c.id] = t.order.PushBack(c)
	t.Unlock()
	t.wake()
}

// unregister removes a chunk without settling it, for a write that failed
// after registration. Returns false when the chunk is gone already, meaning
// an ack or a cancellation settled it in the meantime.
func (t *ackTracker) unregister(id string) bool {
	t.Lock()
	e, ok := t.inflight[id]
	if ok {
		delete(t.inflight, id)
		t.order.Remove(e)
	}
	t.Unlock()

	if ok {
		t.notifyIdle()
	}
	return ok
}

// resolve settles a chunk as delivered. Unknown ids are ignored: the chunk
// may have timed out just before its ack arrived.
func (t *ackTracker) resolve(id string) bool {
	t.Lock()
	e, ok := t.inflight[id]
	if ok {
		delete(t.inflight, id)
		t.order.Remove(e)
	}
	t.Unlock()

	if !ok {
		t.log.Debugf("Ack for unknown chunk %v.", id)
		return false
	}
	e.Value.(*pendingChunk).settle(nil)
	t.notifyIdle()
	return true
}

// cancelAll rejects every in-flight chunk with err.
func (t *ackTracker) cancelAll(err error) {
	t.Lock()
	chunks := make([]*pendingChunk, 0, len(t.inflight))
	for e := t.order.Front(); e != nil; e = e.Next() {
		chunks = append(chunks, e.Value.(*pendingChunk))
	}
	t.inflight = make(map[string]*list.Element)
	t.order.Init()
	t.Unlock()

	for _, c := range chunks {
		c.settle(err)
	}
	t.notifyIdle()
}

func (t *ackTracker) pendingLen() int {
	t.Lock()
	defer t.Unlock()
	return len(t.inflight)
}

func (t *ackTracker) timeoutWorker() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		t.Lock()
		var wait time.Duration = -1
		if front := t.order.Front(); front != nil {
			wait = time.Until(front.Value.(*pendingChunk).deadline)
		}
		t.Unlock()

		if wait >= 0 {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(wait)
			select {
			case <-timer.C:
				t.expire(time.Now())
			case <-t.wakeCh:
			case <-t.HaltCh():
				return
			}
		} else {
			select {
			case <-t.wakeCh:
			case <-t.HaltCh():
				return
			}
		}
	}
}

func (t *ackTracker) expire(now time.Time) {
	t.Lock()
	var due []*pendingChunk
	for {
		front := t.order.Front()
		if front == nil {
			break
		}
		c := front.Value.(*pendingChunk)
		if c.deadline.After(now) {
			break
		}
		t.order.Remove(front)
		delete(t.inflight, c.id)
		due = append(due, c)
	}
	t.Unlock()

	for _, c := range due {
		t.log.Warningf("Chunk %v timed out waiting for ack.", c.id)
		c.settle(ErrAckTimeout)
	}
	t.notifyIdle()
}
