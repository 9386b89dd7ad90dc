package wire

import (
	"encoding/binary"
	"fmt"
)

// This file contains the payload encoders and decoders for the operational
// and handshake frames. Encoders return freshly allocated byte slices
// including the opcode byte where the frame carries one; decoders take the
// payload after the opcode byte has been stripped.

// -------------------------------------------------------------------------
// Handshake Frames
// -------------------------------------------------------------------------

// EncodeVersion builds the version handshake payload: a single big-endian
// uint64.
func EncodeVersion(v uint64) []byte {
	buf := make([]byte, VersionSize)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// DecodeVersion parses a version handshake payload. The frame must be
// exactly VersionSize bytes; anything else is a protocol violation.
func DecodeVersion(payload []byte) (uint64, error) {
	if len(payload) != VersionSize {
		return 0, fmt.Errorf("version frame of %d bytes: %w", len(payload), ErrProtocolViolation)
	}
	return binary.BigEndian.Uint64(payload), nil
}

// EncodeRange builds the range assignment payload: start and end as
// big-endian uint64 values. The range is half-open: [start, end).
func EncodeRange(start, end uint64) []byte {
	buf := make([]byte, RangeFrameSize)
	binary.BigEndian.PutUint64(buf[:8], start)
	binary.BigEndian.PutUint64(buf[8:], end)
	return buf
}

// DecodeRange parses a range assignment payload.
func DecodeRange(payload []byte) (start, end uint64, err error) {
	if len(payload) != RangeFrameSize {
		return 0, 0, fmt.Errorf("range frame of %d bytes: %w", len(payload), ErrProtocolViolation)
	}
	start = binary.BigEndian.Uint64(payload[:8])
	end = binary.BigEndian.Uint64(payload[8:])
	return start, end, nil
}

// -------------------------------------------------------------------------
// Operational Frames
// -------------------------------------------------------------------------

// AppendRID appends a request id in wire encoding (big-endian uint32).
func AppendRID(b []byte, rid uint32) []byte {
	return binary.BigEndian.AppendUint32(b, rid)
}

// SplitRID splits a payload into its leading request id and the remaining
// bytes.
func SplitRID(payload []byte) (rid uint32, rest []byte, err error) {
	if len(payload) < RIDSize {
		return 0, nil, fmt.Errorf("payload of %d bytes, want request id: %w", len(payload), ErrShortFrame)
	}
	return binary.BigEndian.Uint32(payload[:RIDSize]), payload[RIDSize:], nil
}

// EncodeGet builds a GET frame payload: opcode, request id, key.
func EncodeGet(rid uint32, key []byte) []byte {
	buf := make([]byte, 0, 1+RIDSize+len(key))
	buf = append(buf, byte(OpGet))
	buf = AppendRID(buf, rid)
	return append(buf, key...)
}

// EncodeSet builds a SET frame payload: opcode, key length, key, value.
func EncodeSet(key, value []byte) []byte {
	buf := make([]byte, 0, 1+KeyLenSize+len(key)+len(value))
	buf = append(buf, byte(OpSet))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(key)))
	buf = append(buf, key...)
	return append(buf, value...)
}

// DecodeSet parses a SET payload into its key and value. The key and value
// alias the payload; callers that retain them past the frame's lifetime
// must copy.
func DecodeSet(payload []byte) (key, value []byte, err error) {
	if len(payload) < KeyLenSize {
		return nil, nil, fmt.Errorf("SET payload of %d bytes: %w", len(payload), ErrShortFrame)
	}
	keyLen := binary.BigEndian.Uint32(payload[:KeyLenSize])
	rest := payload[KeyLenSize:]
	if uint64(keyLen) > uint64(len(rest)) {
		return nil, nil, fmt.Errorf("SET key length %d exceeds payload: %w", keyLen, ErrShortFrame)
	}
	return rest[:keyLen], rest[keyLen:], nil
}

// EncodeDel builds a DEL frame payload: opcode, key.
func EncodeDel(key []byte) []byte {
	buf := make([]byte, 0, 1+len(key))
	buf = append(buf, byte(OpDel))
	return append(buf, key...)
}

// EncodeGetKeys builds a GETKEYS frame payload: opcode, request id.
func EncodeGetKeys(rid uint32) []byte {
	buf := make([]byte, 0, 1+RIDSize)
	buf = append(buf, byte(OpGetKeys))
	return AppendRID(buf, rid)
}

// EncodeAnswer builds an ANSWER frame payload: opcode, request id, value.
func EncodeAnswer(rid uint32, value []byte) []byte {
	buf := make([]byte, 0, 1+RIDSize+len(value))
	buf = append(buf, byte(OpAnswer))
	buf = AppendRID(buf, rid)
	return append(buf, value...)
}

// EncodeNotFound builds a NOTFOUND frame payload: opcode, request id.
func EncodeNotFound(rid uint32) []byte {
	buf := make([]byte, 0, 1+RIDSize)
	buf = append(buf, byte(OpNotFound))
	return AppendRID(buf, rid)
}

// EncodeAllKeys builds an ALLKEYS frame payload: opcode, request id,
// key-list bytes.
func EncodeAllKeys(rid uint32, keylist []byte) []byte {
	buf := make([]byte, 0, 1+RIDSize+len(keylist))
	buf = append(buf, byte(OpAllKeys))
	buf = AppendRID(buf, rid)
	return append(buf, keylist...)
}

// EncodeSwitch builds a SWITCH frame payload: the bare opcode.
func EncodeSwitch() []byte {
	return []byte{byte(OpSwitch)}
}

// -------------------------------------------------------------------------
// Key List Encoding
// -------------------------------------------------------------------------

// EncodeKeyList encodes keys as a concatenation of (u32 length, key bytes)
// tuples. The empty list encodes as zero bytes.
func EncodeKeyList(keys [][]byte) []byte {
	size := 0
	for _, k := range keys {
		size += KeyLenSize + len(k)
	}

	buf := make([]byte, 0, size)
	for _, k := range keys {
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(k)))
		buf = append(buf, k...)
	}
	return buf
}

// DecodeKeyList decodes a key-list payload back into keys. Each returned
// key is a fresh copy. Zero bytes decode as the empty list.
func DecodeKeyList(b []byte) ([][]byte, error) {
	keys := make([][]byte, 0, 8)
	for len(b) > 0 {
		if len(b) < KeyLenSize {
			return nil, fmt.Errorf("key list truncated at length field: %w", ErrShortFrame)
		}
		keyLen := binary.BigEndian.Uint32(b[:KeyLenSize])
		b = b[KeyLenSize:]
		if uint64(keyLen) > uint64(len(b)) {
			return nil, fmt.Errorf("key list entry of %d bytes exceeds payload: %w", keyLen, ErrShortFrame)
		}
		key := make([]byte, keyLen)
		copy(key, b[:keyLen])
		keys = append(keys, key)
		b = b[keyLen:]
	}
	return keys, nil
}
