// SPDX-FileCopyrightText: © 2024 The fluentpost authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"sync"

	"gopkg.in/eapache/channels.v1"

	"github.com/fluentpost/fluentpost/core/worker"
)

// Signal names an observable managed socket event. The signal space is
// fixed; there is no dynamic event registration.
type Signal string

const (
	// SignalConnected fires once per successful connect and handshake.
	SignalConnected Signal = "CONNECTED"

	// SignalWritable fires on the edge of the socket becoming writable
	// after having been unwritable.
	SignalWritable Signal = "WRITABLE"

	// SignalAck fires per received ack; the payload is the chunk id.
	SignalAck Signal = "ACK"

	// SignalError fires on transport and protocol errors; the payload is
	// the error.
	SignalError Signal = "ERROR"

	// SignalEnd fires when the peer closes the stream.
	SignalEnd Signal = "END"
)

type busEvent struct {
	sig     Signal
	payload interface{}
}

// eventBus fans socket signals out to subscribers. Events pass through an
// unbounded channel so the connection's reader goroutine never blocks on a
// slow handler; one dispatch worker serializes handler invocation.
type eventBus struct {
	worker.Worker

	sync.Mutex
	handlers map[Signal][]func(interface{})
	halted   bool

	ch *channels.InfiniteChannel
}

func newEventBus() *eventBus {
	return &eventBus{
		handlers: make(map[Signal][]func(interface{})),
		ch:       channels.NewInfiniteChannel(),
	}
}

func (b *eventBus) start() {
	b.Go(b.dispatchWorker)
}

func (b *eventBus) subscribe(sig Signal, fn func(interface{})) {
	b.Lock()
	defer b.Unlock()
	b.handlers[sig] = append(b.handlers[sig], fn)
}

func (b *eventBus) publish(sig Signal, payload interface{}) {
	b.Lock()
	defer b.Unlock()
	if b.halted {
		return
	}
	b.ch.In() <- busEvent{sig: sig, payload: payload}
}

func (b *eventBus) dispatchWorker() {
	for {
		select {
		case raw, ok := <-b.ch.Out():
			if !ok {
				return
			}
			ev := raw.(busEvent)
			b.Lock()
			fns := append([]func(interface{}){}, b.handlers[ev.sig]...)
			b.Unlock()
			for _, fn := range fns {
				fn(ev.payload)
			}
		case <-b.HaltCh():
			return
		}
	}
}

func (b *eventBus) halt() {
	b.Lock()
	b.halted = true
	b.Unlock()
	b.Halt()
	b.ch.Close()
}
