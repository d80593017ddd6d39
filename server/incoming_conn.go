// SPDX-FileCopyrightText: © 2024 The fluentpost authors
// SPDX-License-Identifier: AGPL-3.0-only

package server

import (
	"container/list"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/fluentpost/fluentpost/core/auth"
	"github.com/fluentpost/fluentpost/core/wire"
)

// incomingConn runs the per-connection state machine: handshake, then a
// frame loop dispatching entries and emitting acks.
type incomingConn struct {
	log  *logging.Logger
	s    *Server
	conn net.Conn
	dec  *wire.Decoder
	e    *list.Element
}

func newIncomingConn(s *Server, conn net.Conn) *incomingConn {
	c := &incomingConn{
		log:  s.cfg.LogBackend.GetLogger(fmt.Sprintf("server/conn:%v", conn.RemoteAddr())),
		s:    s,
		conn: conn,
		dec:  wire.NewDecoder(conn),
	}
	c.log.Debugf("New incoming connection.")
	return c
}

func (c *incomingConn) worker() {
	defer func() {
		c.log.Debugf("Closing.")
		c.conn.Close()
		c.s.onClosedConn(c)
	}()

	keepalive := !c.s.cfg.DisableKeepalive
	if c.s.cfg.Security != nil {
		if err := c.handshake(keepalive); err != nil {
			c.log.Warningf("Handshake failed: %v", err)
			protocolErrorsTotal.Inc()
			return
		}
	}

	for {
		v, err := c.dec.Decode()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.log.Warningf("Failed to decode frame: %v", err)
			}
			return
		}
		frame, err := wire.ParseEventFrame(v)
		if err != nil {
			c.log.Errorf("Dropping connection: %v", err)
			protocolErrorsTotal.Inc()
			return
		}

		if err = c.s.cfg.OnEntries(frame.Tag, frame.Entries); err != nil {
			c.log.Errorf("Entry handler failed for tag %v: %v", frame.Tag, err)
			return
		}
		entriesTotal.Add(float64(len(frame.Entries)))

		// The ack only goes out once the handler has accepted the batch.
		if frame.Chunk != "" {
			if err = c.writeAck(frame.Chunk); err != nil {
				c.log.Warningf("Failed to send ack: %v", err)
				return
			}
			acksTotal.Inc()
		}

		if !keepalive {
			c.log.Debugf("Closing non-keepalive connection after batch.")
			return
		}
	}
}

func (c *incomingConn) writeAck(chunk string) error {
	b, err := wire.EncodeAck(chunk)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(c.s.cfg.WriteTimeout))
	defer c.conn.SetWriteDeadline(time.Time{})
	_, err = c.conn.Write(b)
	return err
}

// handshake runs the server side of the HELO/PING/PONG exchange.
func (c *incomingConn) handshake(keepalive bool) error {
	sec := c.s.cfg.Security

	c.conn.SetDeadline(time.Now().Add(c.s.cfg.HandshakeTimeout))
	defer c.conn.SetDeadline(time.Time{})

	nonce, err := auth.NewNonce()
	if err != nil {
		return err
	}
	var authSalt []byte
	if sec.wantsUserAuth() {
		if authSalt, err = auth.NewSalt(); err != nil {
			return err
		}
	}

	b, err := wire.EncodeHelo(&wire.HeloCommand{
		Nonce:     nonce,
		Auth:      authSalt,
		Keepalive: keepalive,
	})
	if err != nil {
		return err
	}
	if _, err = c.conn.Write(b); err != nil {
		return fmt.Errorf("failed to send HELO: %w", err)
	}

	v, err := c.dec.Decode()
	if err != nil {
		return fmt.Errorf("failed to read PING: %w", err)
	}
	ping, err := wire.ParsePing(v)
	if err != nil {
		return err
	}

	want := auth.PingDigest(ping.SharedKeySalt, ping.Hostname, nonce, sec.SharedKey)
	if !auth.Verify(want, ping.SharedKeyDigest) {
		c.writePong(false, "shared_key mismatch", nil, nil)
		return &wire.HandshakeError{Err: errors.New("shared key digest mismatch")}
	}
	if sec.wantsUserAuth() {
		password, ok := sec.lookupPassword(ping.Username)
		if !ok || !auth.Verify(auth.PasswordDigest(authSalt, ping.Username, password), ping.PasswordDigest) {
			c.writePong(false, "username/password mismatch", nil, nil)
			return &wire.HandshakeError{Err: fmt.Errorf("user authentication failed for '%v'", ping.Username)}
		}
	}

	if err = c.writePong(true, "", nonce, ping.SharedKeySalt); err != nil {
		return fmt.Errorf("failed to send PONG: %w", err)
	}
	c.log.Debugf("Handshake completed for %v.", ping.Hostname)
	return nil
}

func (c *incomingConn) writePong(ok bool, reason string, nonce, salt []byte) error {
	sec := c.s.cfg.Security
	pong := &wire.PongCommand{
		AuthResult:     ok,
		Reason:         reason,
		ServerHostname: sec.ServerHostname,
	}
	if ok {
		pong.SharedKeyDigest = auth.PongDigest(nonce, sec.ServerHostname, salt, sec.SharedKey)
	}
	b, err := wire.EncodePong(pong)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(b)
	return err
}
