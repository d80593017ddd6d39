// SPDX-FileCopyrightText: © 2024 The fluentpost authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"encoding/binary"
	"fmt"
	"time"
)

// EventTimeLength is the wire size of an encoded EventTime.
const EventTimeLength = 8

// EventTimeExtTag is the MessagePack extension type carrying an EventTime.
const EventTimeExtTag = 0

// EventTime is the forward protocol timestamp: seconds since the epoch plus
// a nanosecond component, each an unsigned 32 bit value.
type EventTime struct {
	Seconds uint32
	Nanos   uint32
}

// NewEventTime builds an EventTime from an epoch second count and nanoseconds.
func NewEventTime(sec int64, nanos uint32) (EventTime, error) {
	if sec < 0 || sec > 0xffffffff {
		return EventTime{}, &DataTypeError{Msg: fmt.Sprintf("event time seconds out of range: %d", sec)}
	}
	if nanos > 999999999 {
		return EventTime{}, &DataTypeError{Msg: fmt.Sprintf("event time nanoseconds out of range: %d", nanos)}
	}
	return EventTime{Seconds: uint32(sec), Nanos: nanos}, nil
}

// EventTimeFromMillis builds an EventTime from a millisecond epoch timestamp.
func EventTimeFromMillis(ms int64) (EventTime, error) {
	if ms < 0 {
		return EventTime{}, &DataTypeError{Msg: fmt.Sprintf("negative millisecond timestamp: %d", ms)}
	}
	return NewEventTime(ms/1000, uint32(ms%1000)*1000000)
}

// EventTimeFromTime builds an EventTime from a wall clock value.
func EventTimeFromTime(t time.Time) (EventTime, error) {
	return NewEventTime(t.Unix(), uint32(t.Nanosecond()))
}

// EventTimeNow returns the current wall clock time as an EventTime.
func EventTimeNow() EventTime {
	now := time.Now()
	et, err := EventTimeFromTime(now)
	if err != nil {
		// Unreachable until 2106.
		panic(err)
	}
	return et
}

// Time converts back to a wall clock value.
func (t EventTime) Time() time.Time {
	return time.Unix(int64(t.Seconds), int64(t.Nanos))
}

// Before reports whether t orders strictly before u.
func (t EventTime) Before(u EventTime) bool {
	if t.Seconds != u.Seconds {
		return t.Seconds < u.Seconds
	}
	return t.Nanos < u.Nanos
}

// Bytes returns the 8 byte big endian wire encoding.
func (t EventTime) Bytes() []byte {
	b := make([]byte, EventTimeLength)
	binary.BigEndian.PutUint32(b[0:4], t.Seconds)
	binary.BigEndian.PutUint32(b[4:8], t.Nanos)
	return b
}

// ParseEventTime decodes the 8 byte wire encoding.
func ParseEventTime(b []byte) (EventTime, error) {
	if len(b) != EventTimeLength {
		return EventTime{}, &DataTypeError{Msg: fmt.Sprintf("event time payload is %d bytes, want %d", len(b), EventTimeLength)}
	}
	return EventTime{
		Seconds: binary.BigEndian.Uint32(b[0:4]),
		Nanos:   binary.BigEndian.Uint32(b[4:8]),
	}, nil
}

// eventTimeExt glues EventTime to the msgpack extension mechanism.
type eventTimeExt struct{}

func (eventTimeExt) WriteExt(v interface{}) []byte {
	switch t := v.(type) {
	case EventTime:
		return t.Bytes()
	case *EventTime:
		return t.Bytes()
	}
	panic(fmt.Sprintf("wire: cannot encode %T as event time", v))
}

func (eventTimeExt) ReadExt(dst interface{}, src []byte) {
	t, err := ParseEventTime(src)
	if err != nil {
		panic(err)
	}
	*(dst.(*EventTime)) = t
}
