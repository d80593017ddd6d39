// SPDX-FileCopyrightText: © 2024 The fluentpost authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEventTimeRoundTrip(t *testing.T) {
	cases := []EventTime{
		{Seconds: 0, Nanos: 0},
		{Seconds: 1, Nanos: 1},
		{Seconds: 1609459200, Nanos: 999999999},
		{Seconds: 0xffffffff, Nanos: 0},
	}
	for _, want := range cases {
		b := want.Bytes()
		require.Len(t, b, EventTimeLength)
		got, err := ParseEventTime(b)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
}

func TestEventTimeBigEndian(t *testing.T) {
	et := EventTime{Seconds: 0x01020304, Nanos: 0x05060708}
	require.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, et.Bytes())
}

func TestParseEventTimeBadLength(t *testing.T) {
	_, err := ParseEventTime([]byte{1, 2, 3})
	require.Error(t, err)
	require.IsType(t, &DataTypeError{}, err)
}

func TestNewEventTimeRange(t *testing.T) {
	_, err := NewEventTime(1<<32, 0)
	require.IsType(t, &DataTypeError{}, err)

	_, err = NewEventTime(-1, 0)
	require.IsType(t, &DataTypeError{}, err)

	et, err := NewEventTime(42, 7)
	require.NoError(t, err)
	require.Equal(t, EventTime{Seconds: 42, Nanos: 7}, et)
}

func TestEventTimeFromMillis(t *testing.T) {
	et, err := EventTimeFromMillis(1609459200123)
	require.NoError(t, err)
	require.Equal(t, uint32(1609459200), et.Seconds)
	require.Equal(t, uint32(123000000), et.Nanos)
}

func TestEventTimeFromTime(t *testing.T) {
	now := time.Unix(1700000000, 123456789)
	et, err := EventTimeFromTime(now)
	require.NoError(t, err)
	require.Equal(t, now, et.Time())
}

func TestEventTimeOrdering(t *testing.T) {
	a := EventTime{Seconds: 1, Nanos: 5}
	b := EventTime{Seconds: 1, Nanos: 6}
	c := EventTime{Seconds: 2, Nanos: 0}
	require.True(t, a.Before(b))
	require.True(t, b.Before(c))
	require.False(t, c.Before(a))
	require.False(t, a.Before(a))
}

func TestEventTimeMsgpackExt(t *testing.T) {
	want := EventTime{Seconds: 1234567890, Nanos: 42}
	b, err := EncodeValue(want)
	require.NoError(t, err)

	var v interface{}
	dec := NewDecoder(bytes.NewReader(b))
	v, err = dec.Decode()
	require.NoError(t, err)
	got, err := asEventTime(v)
	require.NoError(t, err)
	require.Equal(t, want, got)
}
