// SPDX-FileCopyrightText: © 2024 The fluentpost authors
// SPDX-License-Identifier: AGPL-3.0-only

package wire

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/ugorji/go/codec"
)

// Mode selects the client to server event frame shape.
type Mode int

const (
	// ModeMessage sends one entry per frame: [tag, time, record, option?].
	ModeMessage Mode = iota

	// ModeForward batches entries: [tag, [[time, record], ...], option?].
	ModeForward

	// ModePackedForward batches pre-encoded entries:
	// [tag, raw, option?] where raw concatenates [time, record] encodings.
	ModePackedForward

	// ModeCompressedPackedForward is ModePackedForward with a gzip
	// compressed payload and option.compressed = "gzip".
	ModeCompressedPackedForward
)

// ParseMode maps a configuration string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "Message":
		return ModeMessage, nil
	case "Forward":
		return ModeForward, nil
	case "PackedForward":
		return ModePackedForward, nil
	case "CompressedPackedForward":
		return ModeCompressedPackedForward, nil
	}
	return 0, fmt.Errorf("wire: unknown event mode: '%v'", s)
}

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeMessage:
		return "Message"
	case ModeForward:
		return "Forward"
	case ModePackedForward:
		return "PackedForward"
	case ModeCompressedPackedForward:
		return "CompressedPackedForward"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// Entry is a single timestamped record.
type Entry struct {
	Time   EventTime
	Record map[string]interface{}
}

const (
	optionChunk      = "chunk"
	optionSize       = "size"
	optionCompressed = "compressed"

	compressedGzip = "gzip"
)

func optionMap(chunk string, size int, compressed string) map[string]interface{} {
	opt := make(map[string]interface{})
	if chunk != "" {
		opt[optionChunk] = chunk
	}
	if size > 0 {
		opt[optionSize] = size
	}
	if compressed != "" {
		opt[optionCompressed] = compressed
	}
	return opt
}

// PackEntries concatenates the MessagePack encodings of [time, record] pairs,
// the payload format of the packed event modes.
func PackEntries(entries []Entry) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, Handle())
	for _, e := range entries {
		if err := enc.Encode([]interface{}{e.Time, e.Record}); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func gzipBytes(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func gunzipBytes(raw []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// EncodeEventFrame encodes one chunk of entries for the given mode. The chunk
// id is empty when acknowledgements are disabled. ModeMessage requires
// exactly one entry.
func EncodeEventFrame(mode Mode, tag string, entries []Entry, chunk string) ([]byte, error) {
	switch mode {
	case ModeMessage:
		if len(entries) != 1 {
			return nil, fmt.Errorf("wire: Message frame carries exactly one entry, got %d", len(entries))
		}
		frame := []interface{}{tag, entries[0].Time, entries[0].Record}
		if opt := optionMap(chunk, 0, ""); len(opt) != 0 {
			frame = append(frame, opt)
		}
		return EncodeValue(frame)

	case ModeForward:
		batch := make([]interface{}, 0, len(entries))
		for _, e := range entries {
			batch = append(batch, []interface{}{e.Time, e.Record})
		}
		return EncodeValue([]interface{}{tag, batch, optionMap(chunk, len(entries), "")})

	case ModePackedForward, ModeCompressedPackedForward:
		raw, err := PackEntries(entries)
		if err != nil {
			return nil, err
		}
		compressed := ""
		if mode == ModeCompressedPackedForward {
			if raw, err = gzipBytes(raw); err != nil {
				return nil, err
			}
			compressed = compressedGzip
		}
		return EncodeValue([]interface{}{tag, raw, optionMap(chunk, len(entries), compressed)})
	}
	return nil, fmt.Errorf("wire: unknown event mode: %v", mode)
}

// HeloCommand is the server greeting opening the handshake.
type HeloCommand struct {
	Nonce     []byte
	Auth      []byte
	Keepalive bool
}

// PingCommand is the client's authentication response to a HELO. Hostname is
// the client's own name; the digest binds it together with the salt, the
// HELO nonce, and the shared key, so the server can recompute it.
type PingCommand struct {
	Hostname        string
	SharedKeySalt   []byte
	SharedKeyDigest string
	Username        string
	PasswordDigest  string
}

// PongCommand concludes the handshake, carrying the server's verdict and its
// own digest for mutual authentication.
type PongCommand struct {
	AuthResult      bool
	Reason          string
	ServerHostname  string
	SharedKeyDigest string
}

// AckFrame acknowledges receipt of one chunk.
type AckFrame struct {
	Chunk string
}

// EncodeHelo encodes a HELO command.
func EncodeHelo(c *HeloCommand) ([]byte, error) {
	opts := map[string]interface{}{
		"nonce":     c.Nonce,
		"auth":      c.Auth,
		"keepalive": c.Keepalive,
	}
	return EncodeValue([]interface{}{"HELO", opts})
}

// EncodePing encodes a PING command.
func EncodePing(c *PingCommand) ([]byte, error) {
	return EncodeValue([]interface{}{
		"PING",
		c.Hostname,
		c.SharedKeySalt,
		c.SharedKeyDigest,
		c.Username,
		c.PasswordDigest,
	})
}

// EncodePong encodes a PONG command.
func EncodePong(c *PongCommand) ([]byte, error) {
	return EncodeValue([]interface{}{
		"PONG",
		c.AuthResult,
		c.Reason,
		c.ServerHostname,
		c.SharedKeyDigest,
	})
}

// EncodeAck encodes an ack frame for the given chunk id.
func EncodeAck(chunk string) ([]byte, error) {
	return EncodeValue(map[string]interface{}{"ack": chunk})
}

func asString(v interface{}) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	}
	return "", false
}

func asBytes(v interface{}) ([]byte, bool) {
	switch b := v.(type) {
	case []byte:
		return b, true
	case string:
		return []byte(b), true
	}
	return nil, false
}

func asBool(v interface{}) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case uint32:
		return int64(n), true
	}
	return 0, false
}

func asEventTime(v interface{}) (EventTime, error) {
	switch t := v.(type) {
	case EventTime:
		return t, nil
	case *EventTime:
		return *t, nil
	}
	if sec, ok := asInt(v); ok {
		return NewEventTime(sec, 0)
	}
	return EventTime{}, newUnexpectedMessage("bad event time of type %T", v)
}

func asRecord(v interface{}) (map[string]interface{}, error) {
	if m, ok := v.(map[string]interface{}); ok {
		return m, nil
	}
	return nil, newUnexpectedMessage("record is %T, want a map", v)
}

// ParseHelo interprets a decoded top level value as a HELO command.
func ParseHelo(v interface{}) (*HeloCommand, error) {
	arr, ok := v.([]interface{})
	if !ok || len(arr) != 2 {
		return nil, newUnexpectedMessage("malformed HELO")
	}
	if name, _ := asString(arr[0]); name != "HELO" {
		return nil, newUnexpectedMessage("expected HELO, got %v", arr[0])
	}
	opts, ok := arr[1].(map[string]interface{})
	if !ok {
		return nil, newUnexpectedMessage("HELO options are %T, want a map", arr[1])
	}
	c := &HeloCommand{Keepalive: true}
	if raw, present := opts["nonce"]; present {
		c.Nonce, _ = asBytes(raw)
	}
	if raw, present := opts["auth"]; present {
		c.Auth, _ = asBytes(raw)
	}
	if raw, present := opts["keepalive"]; present {
		if b, ok := asBool(raw); ok {
			c.Keepalive = b
		}
	}
	return c, nil
}

// ParsePing interprets a decoded top level value as a PING command.
func ParsePing(v interface{}) (*PingCommand, error) {
	arr, ok := v.([]interface{})
	if !ok || len(arr) != 6 {
		return nil, newUnexpectedMessage("malformed PING")
	}
	if name, _ := asString(arr[0]); name != "PING" {
		return nil, newUnexpectedMessage("expected PING, got %v", arr[0])
	}
	c := &PingCommand{}
	var ok2 bool
	if c.Hostname, ok2 = asString(arr[1]); !ok2 {
		return nil, newUnexpectedMessage("bad PING hostname")
	}
	if c.SharedKeySalt, ok2 = asBytes(arr[2]); !ok2 {
		return nil, newUnexpectedMessage("bad PING shared key salt")
	}
	if c.SharedKeyDigest, ok2 = asString(arr[3]); !ok2 {
		return nil, newUnexpectedMessage("bad PING shared key digest")
	}
	if c.Username, ok2 = asString(arr[4]); !ok2 {
		return nil, newUnexpectedMessage("bad PING username")
	}
	if c.PasswordDigest, ok2 = asString(arr[5]); !ok2 {
		return nil, newUnexpectedMessage("bad PING password digest")
	}
	return c, nil
}

// ParsePong interprets a decoded top level value as a PONG command.
func ParsePong(v interface{}) (*PongCommand, error) {
	arr, ok := v.([]interface{})
	if !ok || len(arr) != 5 {
		return nil, newUnexpectedMessage("malformed PONG")
	}
	if name, _ := asString(arr[0]); name != "PONG" {
		return nil, newUnexpectedMessage("expected PONG, got %v", arr[0])
	}
	c := &PongCommand{}
	var ok2 bool
	if c.AuthResult, ok2 = asBool(arr[1]); !ok2 {
		return nil, newUnexpectedMessage("bad PONG auth result")
	}
	if c.Reason, ok2 = asString(arr[2]); !ok2 {
		return nil, newUnexpectedMessage("bad PONG reason")
	}
	if c.ServerHostname, ok2 = asString(arr[3]); !ok2 {
		return nil, newUnexpectedMessage("bad PONG hostname")
	}
	if c.SharedKeyDigest, ok2 = asString(arr[4]); !ok2 {
		return nil, newUnexpectedMessage("bad PONG shared key digest")
	}
	return c, nil
}

// ParseAck interprets a decoded top level value as an ack frame.
func ParseAck(v interface{}) (*AckFrame, error) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, newUnexpectedMessage("ack frame is %T, want a map", v)
	}
	raw, present := m["ack"]
	if !present {
		return nil, newUnexpectedMessage("ack frame without ack key")
	}
	chunk, ok := asString(raw)
	if !ok {
		return nil, newUnexpectedMessage("ack chunk id is %T", raw)
	}
	return &AckFrame{Chunk: chunk}, nil
}

// EventFrame is a decoded client to server event frame, normalized across
// the four event modes.
type EventFrame struct {
	Tag     string
	Entries []Entry
	Chunk   string
}

type frameOption struct {
	chunk      string
	compressed string
	size       int
}

func parseOption(v interface{}) (*frameOption, error) {
	opt := &frameOption{}
	if v == nil {
		return opt, nil
	}
	m, ok := v.(map[string]interface{})
	if !ok {
		return nil, newUnexpectedMessage("frame option is %T, want a map", v)
	}
	if raw, present := m[optionChunk]; present {
		opt.chunk, _ = asString(raw)
	}
	if raw, present := m[optionCompressed]; present {
		opt.compressed, _ = asString(raw)
	}
	if raw, present := m[optionSize]; present {
		if n, ok := asInt(raw); ok {
			opt.size = int(n)
		}
	}
	return opt, nil
}

func parseEntryPair(v interface{}) (Entry, error) {
	arr, ok := v.([]interface{})
	if !ok || len(arr) != 2 {
		return Entry{}, newUnexpectedMessage("malformed entry")
	}
	t, err := asEventTime(arr[0])
	if err != nil {
		return Entry{}, err
	}
	rec, err := asRecord(arr[1])
	if err != nil {
		return Entry{}, err
	}
	return Entry{Time: t, Record: rec}, nil
}

func unpackEntries(raw []byte) ([]Entry, error) {
	var entries []Entry
	dec := codec.NewDecoderBytes(raw, Handle())
	for {
		var v interface{}
		err := dec.Decode(&v)
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, newUnexpectedMessage("bad packed payload: %v", err)
		}
		e, err := parseEntryPair(v)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
}

// ParseEventFrame interprets a decoded top level value as an event frame of
// any mode. Unknown shapes yield an UnexpectedMessageError; the connection
// that produced one must be closed.
func ParseEventFrame(v interface{}) (*EventFrame, error) {
	arr, ok := v.([]interface{})
	if !ok || len(arr) < 2 || len(arr) > 4 {
		return nil, newUnexpectedMessage("top level frame is %T", v)
	}
	tag, ok := asString(arr[0])
	if !ok || tag == "" {
		return nil, newUnexpectedMessage("bad tag of type %T", arr[0])
	}

	frame := &EventFrame{Tag: tag}
	switch payload := arr[1].(type) {
	case []interface{}:
		// Forward mode.
		opt, err := optionAt(arr, 2)
		if err != nil {
			return nil, err
		}
		for _, raw := range payload {
			e, err := parseEntryPair(raw)
			if err != nil {
				return nil, err
			}
			frame.Entries = append(frame.Entries, e)
		}
		frame.Chunk = opt.chunk

	case []byte, string:
		// PackedForward, possibly compressed.
		raw, _ := asBytes(arr[1])
		opt, err := optionAt(arr, 2)
		if err != nil {
			return nil, err
		}
		if opt.compressed == compressedGzip {
			if raw, err = gunzipBytes(raw); err != nil {
				return nil, newUnexpectedMessage("bad compressed payload: %v", err)
			}
		} else if opt.compressed != "" {
			return nil, newUnexpectedMessage("unknown compression '%v'", opt.compressed)
		}
		if frame.Entries, err = unpackEntries(raw); err != nil {
			return nil, err
		}
		frame.Chunk = opt.chunk

	default:
		// Message mode: [tag, time, record, option?].
		if len(arr) < 3 {
			return nil, newUnexpectedMessage("truncated Message frame")
		}
		t, err := asEventTime(arr[1])
		if err != nil {
			return nil, err
		}
		rec, err := asRecord(arr[2])
		if err != nil {
			return nil, err
		}
		opt, err := optionAt(arr, 3)
		if err != nil {
			return nil, err
		}
		frame.Entries = []Entry{{Time: t, Record: rec}}
		frame.Chunk = opt.chunk
	}
	return frame, nil
}

func optionAt(arr []interface{}, idx int) (*frameOption, error) {
	if len(arr) <= idx {
		return &frameOption{}, nil
	}
	return parseOption(arr[idx])
}
