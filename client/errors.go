// SPDX-FileCopyrightText: © 2024 The fluentpost authors
// SPDX-License-Identifier: AGPL-3.0-only

package client

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when an operation requires an
	// established connection to the collector and there is none.
	ErrNotConnected = errors.New("client: not connected to the collector")

	// ErrShutdown is returned when the client is torn down by Shutdown.
	ErrShutdown = errors.New("client: shutdown requested")

	// ErrAckTimeout settles a chunk whose acknowledgement deadline passed.
	ErrAckTimeout = errors.New("client: ack timeout")

	// ErrAckShutdown settles chunks that were in flight when the socket
	// or the client went away.
	ErrAckShutdown = errors.New("client: connection closed with acks in flight")
)

// ConfigError indicates an invalid construction option. It is never
// recoverable; fix the configuration.
type ConfigError struct {
	Msg string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("client: config error: %s", e.Msg)
}

func newConfigError(f string, a ...interface{}) error {
	return &ConfigError{Msg: fmt.Sprintf(f, a...)}
}

// DroppedError settles an event that was rejected by queue policy or
// discarded by Shutdown. The queue itself remains healthy.
type DroppedError struct {
	Reason string
}

// Error implements the error interface.
func (e *DroppedError) Error() string {
	return fmt.Sprintf("client: event dropped: %s", e.Reason)
}

// ConnectError indicates a failed connect attempt.
type ConnectError struct {
	Err error
}

// Error implements the error interface.
func (e *ConnectError) Error() string {
	return fmt.Sprintf("client: connect error: %v", e.Err)
}

// WriteError indicates a transport level write failure. Retried per the
// event retry policy when one is configured, surfaced otherwise.
type WriteError struct {
	Err error
}

// Error implements the error interface.
func (e *WriteError) Error() string {
	return fmt.Sprintf("client: write error: %v", e.Err)
}
