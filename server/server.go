// SPDX-FileCopyrightText: © 2024 The fluentpost authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package server implements the collector side of the Fluentd forward
// protocol: an accept loop, the server half of the HELO/PING/PONG
// handshake, inbound frame parsing, entry dispatch, and ack emission.
package server

import (
	"container/list"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/fluentpost/fluentpost/core/log"
	"github.com/fluentpost/fluentpost/core/wire"
	"github.com/fluentpost/fluentpost/core/worker"
)

const (
	// DefaultAddress is the standard forward protocol listen endpoint.
	DefaultAddress = ":24224"

	defaultHandshakeTimeout = 30 * time.Second
	defaultWriteTimeout     = 30 * time.Second
)

// Security enables the handshake and shapes authentication.
type Security struct {
	// ServerHostname is this collector's name, echoed in the PONG and
	// bound into its digest.
	ServerHostname string

	// SharedKey authenticates both sides of the connection.
	SharedKey string

	// UserDict maps usernames to passwords. Together with Authenticate,
	// a non-empty value demands user authentication from every client.
	UserDict map[string]string

	// Authenticate, when set, resolves a username to its password for
	// programmatic user databases.
	Authenticate func(username string) (password string, ok bool)
}

func (s *Security) wantsUserAuth() bool {
	return len(s.UserDict) > 0 || s.Authenticate != nil
}

func (s *Security) lookupPassword(username string) (string, bool) {
	if pw, ok := s.UserDict[username]; ok {
		return pw, true
	}
	if s.Authenticate != nil {
		return s.Authenticate(username)
	}
	return "", false
}

// Config is the server configuration.
type Config struct {
	// Address is the listen endpoint, host:port.
	Address string

	// TLSConfig, when non-nil, wraps the listener in TLS.
	TLSConfig *tls.Config

	// Security, when non-nil, demands the HELO/PING/PONG handshake from
	// every connection. Nil accepts unauthenticated producers.
	Security *Security

	// DisableKeepalive advertises keepalive=false in the HELO and closes
	// each connection after one successful batch.
	DisableKeepalive bool

	// OnEntries receives every decoded batch. A non-nil error closes the
	// connection without acking the batch.
	OnEntries func(tag string, entries []wire.Entry) error

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// LogBackend supplies the logging sink. A disabled backend is
	// created when nil.
	LogBackend *log.Backend
}

// FixupAndValidate applies defaults and checks the configuration.
func (c *Config) FixupAndValidate() error {
	if c.Address == "" {
		c.Address = DefaultAddress
	}
	if c.OnEntries == nil {
		return fmt.Errorf("server: config: OnEntries is required")
	}
	if c.Security != nil {
		if c.Security.ServerHostname == "" {
			return fmt.Errorf("server: config: Security.ServerHostname is required")
		}
		if c.Security.SharedKey == "" {
			return fmt.Errorf("server: config: Security.SharedKey is required")
		}
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.LogBackend == nil {
		backend, err := log.New("", "NOTICE", true)
		if err != nil {
			return err
		}
		c.LogBackend = backend
	}
	return nil
}

// Server accepts forward protocol connections and dispatches their entries.
type Server struct {
	worker.Worker

	cfg *Config
	log *logging.Logger

	listener net.Listener

	connLock sync.Mutex
	conns    *list.List
}

// New builds a Server from the validated configuration.
func New(cfg *Config) (*Server, error) {
	if err := cfg.FixupAndValidate(); err != nil {
		return nil, err
	}
	return &Server{
		cfg:   cfg,
		log:   cfg.LogBackend.GetLogger("server"),
		conns: list.New(),
	}, nil
}

// Start binds the listen endpoint and begins accepting connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}
	s.listener = ln
	s.log.Noticef("Listening on: %v", ln.Addr())

	s.Go(s.acceptWorker)
	s.Go(func() {
		<-s.HaltCh()
		s.listener.Close()
		s.closeAllConns()
	})
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) acceptWorker() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.HaltCh():
			default:
				s.log.Errorf("Accept failed: %v", err)
			}
			return
		}
		s.onNewConn(conn)
	}
}

func (s *Server) onNewConn(conn net.Conn) {
	c := newIncomingConn(s, conn)

	s.connLock.Lock()
	c.e = s.conns.PushBack(c)
	s.connLock.Unlock()

	connectionsTotal.Inc()
	activeConnections.Inc()

	// The worker is spawned only after the conn is on the list so that
	// closeAllConns always sees it.
	s.Go(c.worker)
}

func (s *Server) onClosedConn(c *incomingConn) {
	s.connLock.Lock()
	if c.e != nil {
		s.conns.Remove(c.e)
		c.e = nil
	}
	s.connLock.Unlock()

	activeConnections.Dec()
}

func (s *Server) closeAllConns() {
	s.connLock.Lock()
	defer s.connLock.Unlock()
	for e := s.conns.Front(); e != nil; e = e.Next() {
		e.Value.(*incomingConn).conn.Close()
	}
}
