// SPDX-FileCopyrightText: © 2024 The fluentpost authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/fluentpost/fluentpost/core/auth"
	"github.com/fluentpost/fluentpost/core/wire"
	"github.com/fluentpost/fluentpost/core/worker"
)

// State is the managed socket state.
type State int

const (
	// StateDisconnected means no transport; a reconnect may be pending.
	StateDisconnected State = iota

	// StateConnecting means a dial is in progress.
	StateConnecting

	// StateHandshaking means the transport is open and the HELO/PING/PONG
	// exchange is running.
	StateHandshaking

	// StateEstablished means the socket accepts writes.
	StateEstablished

	// StateClosing is the terminal state reached through shutdown.
	StateClosing

	// StateFatal is the terminal state reached through an unrecoverable
	// handshake failure or reconnect exhaustion.
	StateFatal
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateHandshaking:
		return "HANDSHAKING"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosing:
		return "CLOSING"
	case StateFatal:
		return "FATAL"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type connSendCtx struct {
	b      []byte
	doneFn func(error)
}

// conn is the managed socket: it owns the transport, drives connect and
// reconnect with backoff, runs the client side of the handshake, serializes
// writes, and surfaces acks and state changes as signals on the event bus.
type conn struct {
	sync.Mutex
	worker.Worker

	log *logging.Logger
	cfg *Config
	bus *eventBus

	state     State
	keepalive bool

	// onAck, when set, is invoked synchronously on the reader goroutine
	// for every received ack, ahead of the SignalAck publication.
	onAck func(chunk string)

	// onDown, when set, is invoked synchronously on the connect worker
	// each time an established connection tears down, before any
	// reconnect attempt. Acks outstanding on the dead transport are
	// unrecoverable at that point regardless of how fast a new
	// connection comes up. The reader drains in order, so every ack the
	// transport delivered has passed through onAck first.
	onDown func()

	sendCh  chan *connSendCtx
	closeCh chan struct{}
}

func newConn(cfg *Config, bus *eventBus) *conn {
	return &conn{
		log:       cfg.LogBackend.GetLogger("client/conn"),
		cfg:       cfg,
		bus:       bus,
		state:     StateDisconnected,
		keepalive: true,
		sendCh:    make(chan *connSendCtx),
	}
}

func (c *conn) start() {
	c.Go(c.connectWorker)
}

// halt transitions to CLOSING and tears the socket down. Terminal.
func (c *conn) halt() {
	c.setState(StateClosing)
	c.Halt()
}

func (c *conn) getState() State {
	c.Lock()
	defer c.Unlock()
	return c.state
}

// isWritable reports whether the socket currently accepts bytes.
func (c *conn) isWritable() bool {
	return c.getState() == StateEstablished
}

func (c *conn) setState(s State) {
	c.Lock()
	prev := c.state
	if prev == StateClosing || prev == StateFatal {
		// Terminal states never regress; reconnect is disabled there.
		c.Unlock()
		return
	}
	c.state = s
	c.Unlock()

	if s == StateEstablished && prev != StateEstablished {
		c.bus.publish(SignalConnected, nil)
		c.bus.publish(SignalWritable, nil)
	}
}

// write sends b over the established socket, returning once the bytes are
// flushed to the transport. Only legal in ESTABLISHED.
func (c *conn) write(b []byte) error {
	c.Lock()
	if c.state != StateEstablished {
		c.Unlock()
		return ErrNotConnected
	}
	closeCh := c.closeCh
	c.Unlock()

	errCh := make(chan error, 1)
	ctx := &connSendCtx{b: b, doneFn: func(err error) { errCh <- err }}
	select {
	case c.sendCh <- ctx:
	case <-closeCh:
		return ErrNotConnected
	case <-c.HaltCh():
		return ErrShutdown
	}
	select {
	case err := <-errCh:
		return err
	case <-c.HaltCh():
		return ErrShutdown
	}
}

func (c *conn) connectWorker() {
	defer c.log.Debugf("Terminating connect worker.")

	dialCtx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()
	go func() {
		select {
		case <-c.HaltCh():
			cancelFn()
		case <-dialCtx.Done():
		}
	}()

	attempts := 0
	for {
		if attempts > 0 {
			delay, ok := c.cfg.ConnectionRetry.delayFor(attempts - 1)
			if !ok {
				c.log.Errorf("Exceeded %d reconnect attempts, giving up.", c.cfg.ConnectionRetry.MaxAttempts)
				c.bus.publish(SignalError, &ConnectError{Err: errors.New("too many reconnect attempts")})
				c.setState(StateFatal)
				return
			}
			c.log.Debugf("Waiting %v before reconnecting.", delay)
			select {
			case <-time.After(delay):
			case <-c.HaltCh():
				return
			}
		}
		select {
		case <-c.HaltCh():
			return
		default:
		}

		c.setState(StateConnecting)
		c.log.Debugf("Dialing: %v", c.cfg.Address)
		nc, err := c.dial(dialCtx)
		if err != nil {
			c.log.Warningf("Failed to connect to %v: %v", c.cfg.Address, err)
			c.bus.publish(SignalError, &ConnectError{Err: err})
			c.setState(StateDisconnected)
			attempts++
			continue
		}
		c.log.Debugf("Transport connection established.")

		dec := wire.NewDecoder(nc)
		c.setState(StateHandshaking)
		if err = c.handshake(nc, dec); err != nil {
			nc.Close()
			c.bus.publish(SignalError, err)
			var hsErr *wire.HandshakeError
			if errors.As(err, &hsErr) {
				c.log.Errorf("Handshake failed: %v", err)
				c.setState(StateFatal)
				return
			}
			c.log.Warningf("Handshake aborted: %v", err)
			c.setState(StateDisconnected)
			attempts++
			continue
		}

		attempts = 0
		closeCh := make(chan struct{})
		c.Lock()
		c.closeCh = closeCh
		c.Unlock()
		c.setState(StateEstablished)

		err = c.onEstablished(nc, dec)
		close(closeCh)
		nc.Close()
		if c.onDown != nil {
			c.onDown()
		}

		select {
		case <-c.HaltCh():
			return
		default:
		}
		if c.getState() == StateClosing || c.getState() == StateFatal {
			return
		}

		// Leave ESTABLISHED before the signals go out so subscribers
		// observe an unwritable socket.
		c.setState(StateDisconnected)
		switch {
		case errors.Is(err, io.EOF) && !c.isKeepalive():
			// Expected for single-use connections; reconnect without
			// backoff.
			c.log.Debugf("Server closed non-keepalive connection.")
			c.bus.publish(SignalEnd, nil)
		case errors.Is(err, io.EOF):
			c.log.Debugf("Connection closed by peer.")
			c.bus.publish(SignalEnd, nil)
			attempts = 1
		default:
			c.log.Warningf("Connection terminated: %v", err)
			c.bus.publish(SignalError, err)
			attempts = 1
		}
	}
}

func (c *conn) dial(ctx context.Context) (net.Conn, error) {
	dialFn := c.cfg.DialContext
	if dialFn == nil {
		d := &net.Dialer{Timeout: c.cfg.ConnectTimeout}
		dialFn = d.DialContext
	}
	nc, err := dialFn(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return nil, err
	}
	if c.cfg.TLSConfig == nil {
		return nc, nil
	}

	tc := tls.Client(nc, c.cfg.TLSConfig)
	tc.SetDeadline(time.Now().Add(c.cfg.ConnectTimeout))
	if err = tc.Handshake(); err != nil {
		tc.Close()
		return nil, err
	}
	tc.SetDeadline(time.Time{})
	return tc, nil
}

func (c *conn) isKeepalive() bool {
	c.Lock()
	defer c.Unlock()
	return c.keepalive
}

// handshake runs the client side of the HELO/PING/PONG exchange. An empty
// SharedKey selects the protocol's unauthenticated mode and skips the
// exchange entirely.
func (c *conn) handshake(nc net.Conn, dec *wire.Decoder) error {
	if c.cfg.SharedKey == "" {
		return nil
	}

	nc.SetDeadline(time.Now().Add(c.cfg.HandshakeTimeout))
	defer nc.SetDeadline(time.Time{})

	v, err := dec.Decode()
	if err != nil {
		return fmt.Errorf("client/conn: failed to read HELO: %w", err)
	}
	helo, err := wire.ParseHelo(v)
	if err != nil {
		return &wire.HandshakeError{Err: err}
	}
	c.Lock()
	c.keepalive = helo.Keepalive
	c.Unlock()

	salt, err := auth.NewSalt()
	if err != nil {
		return err
	}
	ping := &wire.PingCommand{
		Hostname:        c.cfg.Hostname,
		SharedKeySalt:   salt,
		SharedKeyDigest: auth.PingDigest(salt, c.cfg.Hostname, helo.Nonce, c.cfg.SharedKey),
	}
	if len(helo.Auth) != 0 {
		ping.Username = c.cfg.Username
		ping.PasswordDigest = auth.PasswordDigest(helo.Auth, c.cfg.Username, c.cfg.Password)
	}
	b, err := wire.EncodePing(ping)
	if err != nil {
		return err
	}
	if _, err = nc.Write(b); err != nil {
		return fmt.Errorf("client/conn: failed to send PING: %w", err)
	}

	if v, err = dec.Decode(); err != nil {
		return fmt.Errorf("client/conn: failed to read PONG: %w", err)
	}
	pong, err := wire.ParsePong(v)
	if err != nil {
		return &wire.HandshakeError{Err: err}
	}
	if !pong.AuthResult {
		return &wire.HandshakeError{Err: fmt.Errorf("server refused authentication: %v", pong.Reason)}
	}
	want := auth.PongDigest(helo.Nonce, pong.ServerHostname, salt, c.cfg.SharedKey)
	if !auth.Verify(want, pong.SharedKeyDigest) {
		return &wire.HandshakeError{Err: errors.New("shared key digest mismatch")}
	}
	c.log.Debugf("Handshake completed.")
	return nil
}

// onEstablished serializes writes and pumps inbound acks until the
// connection dies or the socket halts.
func (c *conn) onEstablished(nc net.Conn, dec *wire.Decoder) error {
	readErrCh := make(chan error, 1)
	go func() {
		for {
			v, err := dec.Decode()
			if err != nil {
				readErrCh <- err
				return
			}
			ack, err := wire.ParseAck(v)
			if err != nil {
				readErrCh <- err
				return
			}
			c.log.Debugf("Received ack for chunk %v.", ack.Chunk)
			if c.onAck != nil {
				c.onAck(ack.Chunk)
			}
			c.bus.publish(SignalAck, ack.Chunk)
		}
	}()

	for {
		select {
		case ctx := <-c.sendCh:
			nc.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			_, err := nc.Write(ctx.b)
			nc.SetWriteDeadline(time.Time{})
			if err != nil {
				werr := &WriteError{Err: err}
				ctx.doneFn(werr)
				return werr
			}
			ctx.doneFn(nil)
		case err := <-readErrCh:
			return err
		case <-c.HaltCh():
			return ErrShutdown
		}
	}
}
