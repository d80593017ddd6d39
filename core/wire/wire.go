// SPDX-FileCopyrightText: © 2024 The fluentpost authors
// SPDX-License-Identifier: AGPL-3.0-only

// Package wire implements the Fluentd forward protocol codec: MessagePack
// framing for the four event modes, the HELO/PING/PONG handshake commands,
// ack frames, and the EventTime extension value.
package wire

import (
	"io"
	"reflect"
	"sync"

	"github.com/ugorji/go/codec"
)

var (
	handleOnce sync.Once
	handle     *codec.MsgpackHandle
)

// Handle returns the process wide MessagePack handle. Record maps decode as
// map[string]interface{} and extension type 0 round trips as EventTime.
func Handle() *codec.MsgpackHandle {
	handleOnce.Do(func() {
		handle = new(codec.MsgpackHandle)
		handle.WriteExt = true
		handle.RawToString = true
		handle.MapType = reflect.TypeOf(map[string]interface{}(nil))
		if err := handle.SetBytesExt(reflect.TypeOf(EventTime{}), EventTimeExtTag, eventTimeExt{}); err != nil {
			panic(err)
		}
	})
	return handle
}

// EncodeValue encodes a single value to MessagePack.
func EncodeValue(v interface{}) ([]byte, error) {
	var b []byte
	enc := codec.NewEncoderBytes(&b, Handle())
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return b, nil
}

// Decoder is a streaming MessagePack decoder over a byte stream. Each call
// consumes exactly one top level value; a partially received value stays
// buffered until the remainder arrives.
type Decoder struct {
	dec *codec.Decoder
}

// NewDecoder builds a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: codec.NewDecoder(r, Handle())}
}

// Decode reads the next top level value.
func (d *Decoder) Decode() (interface{}, error) {
	var v interface{}
	if err := d.dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
