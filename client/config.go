// SPDX-FileCopyrightText: © 2024 The fluentpost authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"context"
	"crypto/tls"
	"net"
	"os"
	"time"

	"github.com/fluentpost/fluentpost/core/log"
	"github.com/fluentpost/fluentpost/core/wire"
)

const (
	// DefaultAddress is the standard forward protocol endpoint.
	DefaultAddress = "127.0.0.1:24224"

	defaultConnectTimeout   = 30 * time.Second
	defaultHandshakeTimeout = 30 * time.Second
	defaultWriteTimeout     = 30 * time.Second
	defaultAckTimeout       = 10 * time.Second

	// defaultChunkSize bounds how much one flush pass packs into a single
	// frame.
	defaultChunkSize = 1 << 20
)

// AckConfig enables chunk acknowledgements.
type AckConfig struct {
	// Timeout is how long a written chunk may await its ack.
	Timeout time.Duration
}

// DisconnectConfig shapes graceful disconnection.
type DisconnectConfig struct {
	// WaitForPending makes Disconnect block until the send queue has
	// drained before closing the socket.
	WaitForPending bool
}

// Config is the client configuration. The zero value of every optional field
// selects a sensible default via FixupAndValidate.
type Config struct {
	// TagPrefix is prepended (dot separated) to the suffix of every
	// emitted event. Required.
	TagPrefix string

	// EventMode is one of Message, Forward, PackedForward,
	// CompressedPackedForward. Defaults to PackedForward.
	EventMode string

	// Milliseconds treats numeric timestamps passed to EmitTimestamp as
	// epoch milliseconds rather than seconds.
	Milliseconds bool

	// Ack, when non-nil, requests per-chunk acknowledgements.
	Ack *AckConfig

	// FlushInterval delays flushing after an emit so that consecutive
	// events coalesce into one chunk. Zero flushes immediately.
	FlushInterval time.Duration

	// Queue limits, all optional. See QueueLimit.
	SendQueueMaxLimit           *QueueLimit
	SendQueueNotFlushableLimit  *QueueLimit
	SendQueueIntervalFlushLimit *QueueLimit
	SendQueueSyncFlushLimit     *QueueLimit

	// EventRetry, when non-nil, retries failed chunk writes.
	EventRetry *RetryConfig

	// Disconnect shapes graceful disconnection.
	Disconnect DisconnectConfig

	// ChunkSizeLimit and ChunkLengthLimit bound one chunk. Zero size
	// defaults to 1 MiB, zero length is unbounded (Message mode always
	// sends one entry per frame).
	ChunkSizeLimit   int
	ChunkLengthLimit int

	// Address is the collector endpoint, host:port.
	Address string

	// TLSConfig, when non-nil, wraps the transport in TLS.
	TLSConfig *tls.Config

	// ConnectionRetry is the reconnect backoff policy. Exceeding its
	// MaxAttempts is fatal to the socket.
	ConnectionRetry RetryConfig

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration

	// SharedKey enables the handshake. Empty key skips HELO/PING/PONG
	// entirely (the protocol's unauthenticated mode).
	SharedKey string

	// Username and Password are presented when the server demands user
	// authentication.
	Username string
	Password string

	// Hostname identifies this client in the handshake digest. Defaults
	// to os.Hostname.
	Hostname string

	// DialContext overrides the transport dialer.
	DialContext func(ctx context.Context, network, address string) (net.Conn, error)

	// LogBackend supplies the logging sink. A disabled backend is created
	// when nil.
	LogBackend *log.Backend

	mode wire.Mode
}

// FixupAndValidate applies defaults and checks the configuration.
func (c *Config) FixupAndValidate() error {
	if c.TagPrefix == "" {
		return newConfigError("TagPrefix is required")
	}
	if c.EventMode == "" {
		c.EventMode = "PackedForward"
	}
	mode, err := wire.ParseMode(c.EventMode)
	if err != nil {
		return newConfigError("%v", err)
	}
	c.mode = mode

	if c.Ack != nil && c.Ack.Timeout <= 0 {
		c.Ack.Timeout = defaultAckTimeout
	}
	for _, l := range []*QueueLimit{
		c.SendQueueMaxLimit,
		c.SendQueueNotFlushableLimit,
		c.SendQueueIntervalFlushLimit,
		c.SendQueueSyncFlushLimit,
	} {
		if l != nil && (l.Size < 0 || l.Length < 0) {
			return newConfigError("negative queue limit")
		}
	}
	if c.FlushInterval < 0 {
		return newConfigError("negative FlushInterval")
	}
	if c.ChunkSizeLimit <= 0 {
		c.ChunkSizeLimit = defaultChunkSize
	}
	if c.ChunkLengthLimit < 0 {
		return newConfigError("negative ChunkLengthLimit")
	}

	if c.Address == "" {
		c.Address = DefaultAddress
	}
	c.ConnectionRetry.fixup()
	if c.EventRetry != nil {
		c.EventRetry.fixup()
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = defaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}

	if c.Hostname == "" {
		name, err := os.Hostname()
		if err != nil {
			return newConfigError("failed to resolve hostname: %v", err)
		}
		c.Hostname = name
	}

	if c.LogBackend == nil {
		backend, err := log.New("", "NOTICE", true)
		if err != nil {
			return newConfigError("failed to initialize logging: %v", err)
		}
		c.LogBackend = backend
	}
	return nil
}
