package wire_test

import (
	"bytes"
	"errors"
	"testing"

	"github.com/dantte-lp/gokvdb/internal/wire"
)

func TestVersionRoundTrip(t *testing.T) {
	t.Parallel()

	payload := wire.EncodeVersion(wire.Version)
	if len(payload) != wire.VersionSize {
		t.Fatalf("EncodeVersion() length = %d, want %d", len(payload), wire.VersionSize)
	}

	v, err := wire.DecodeVersion(payload)
	if err != nil {
		t.Fatalf("DecodeVersion() error: %v", err)
	}
	if v != wire.Version {
		t.Errorf("DecodeVersion() = %d, want %d", v, wire.Version)
	}
}

func TestDecodeVersionWrongLength(t *testing.T) {
	t.Parallel()

	for _, n := range []int{0, 4, 7, 9} {
		if _, err := wire.DecodeVersion(make([]byte, n)); !errors.Is(err, wire.ErrProtocolViolation) {
			t.Errorf("DecodeVersion(%d bytes) error = %v, want ErrProtocolViolation", n, err)
		}
	}
}

func TestRangeRoundTrip(t *testing.T) {
	t.Parallel()

	start, end := uint64(3*wire.RangeSize), uint64(4*wire.RangeSize)
	gotStart, gotEnd, err := wire.DecodeRange(wire.EncodeRange(start, end))
	if err != nil {
		t.Fatalf("DecodeRange() error: %v", err)
	}
	if gotStart != start || gotEnd != end {
		t.Errorf("DecodeRange() = [%d, %d), want [%d, %d)", gotStart, gotEnd, start, end)
	}
}

func TestSetRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		key   []byte
		value []byte
	}{
		{"plain", []byte("foo"), []byte("bar")},
		{"empty value", []byte("k"), []byte{}},
		{"empty key", []byte{}, []byte("v")},
		{"binary", []byte{0x00, 0x01}, []byte{0xff, 0x00, 0xfe}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			payload := wire.EncodeSet(tt.key, tt.value)
			if wire.Opcode(payload[0]) != wire.OpSet {
				t.Fatalf("opcode = %v, want SET", wire.Opcode(payload[0]))
			}

			key, value, err := wire.DecodeSet(payload[1:])
			if err != nil {
				t.Fatalf("DecodeSet() error: %v", err)
			}
			if !bytes.Equal(key, tt.key) || !bytes.Equal(value, tt.value) {
				t.Errorf("DecodeSet() = (%q, %q), want (%q, %q)", key, value, tt.key, tt.value)
			}
		})
	}
}

func TestDecodeSetTruncated(t *testing.T) {
	t.Parallel()

	// Key length claims 100 bytes but only 3 follow.
	payload := wire.EncodeSet([]byte("abc"), nil)[1:]
	payload[3] = 100
	if _, _, err := wire.DecodeSet(payload); !errors.Is(err, wire.ErrShortFrame) {
		t.Errorf("DecodeSet() error = %v, want ErrShortFrame", err)
	}

	if _, _, err := wire.DecodeSet([]byte{0x00}); !errors.Is(err, wire.ErrShortFrame) {
		t.Errorf("DecodeSet(short) error = %v, want ErrShortFrame", err)
	}
}

func TestGetRoundTrip(t *testing.T) {
	t.Parallel()

	payload := wire.EncodeGet(42, []byte("key"))
	if wire.Opcode(payload[0]) != wire.OpGet {
		t.Fatalf("opcode = %v, want GET", wire.Opcode(payload[0]))
	}

	rid, key, err := wire.SplitRID(payload[1:])
	if err != nil {
		t.Fatalf("SplitRID() error: %v", err)
	}
	if rid != 42 || !bytes.Equal(key, []byte("key")) {
		t.Errorf("SplitRID() = (%d, %q), want (42, \"key\")", rid, key)
	}
}

func TestSplitRIDShort(t *testing.T) {
	t.Parallel()

	if _, _, err := wire.SplitRID([]byte{0x01, 0x02}); !errors.Is(err, wire.ErrShortFrame) {
		t.Errorf("SplitRID(2 bytes) error = %v, want ErrShortFrame", err)
	}
}

func TestKeyListRoundTrip(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		keys [][]byte
	}{
		{"empty list", [][]byte{}},
		{"single key", [][]byte{[]byte("a")}},
		{"several keys", [][]byte{[]byte("alpha"), []byte("b"), []byte("gamma")}},
		{"empty key entry", [][]byte{[]byte(""), []byte("x")}},
		{"binary keys", [][]byte{{0x00}, {0xff, 0x00, 0x01}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			encoded := wire.EncodeKeyList(tt.keys)
			if len(tt.keys) == 0 && len(encoded) != 0 {
				t.Fatalf("EncodeKeyList(empty) = %d bytes, want 0", len(encoded))
			}

			decoded, err := wire.DecodeKeyList(encoded)
			if err != nil {
				t.Fatalf("DecodeKeyList() error: %v", err)
			}
			if len(decoded) != len(tt.keys) {
				t.Fatalf("DecodeKeyList() returned %d keys, want %d", len(decoded), len(tt.keys))
			}
			for i := range tt.keys {
				if !bytes.Equal(decoded[i], tt.keys[i]) {
					t.Errorf("key[%d] = %q, want %q", i, decoded[i], tt.keys[i])
				}
			}
		})
	}
}

func TestDecodeKeyListTruncated(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		b    []byte
	}{
		{"short length field", []byte{0x00, 0x00}},
		{"entry exceeds payload", []byte{0x00, 0x00, 0x00, 0x05, 'a', 'b'}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if _, err := wire.DecodeKeyList(tt.b); !errors.Is(err, wire.ErrShortFrame) {
				t.Errorf("DecodeKeyList() error = %v, want ErrShortFrame", err)
			}
		})
	}
}

func TestAnswerEncoding(t *testing.T) {
	t.Parallel()

	payload := wire.EncodeAnswer(7, []byte("value"))
	if wire.Opcode(payload[0]) != wire.OpAnswer {
		t.Fatalf("opcode = %v, want ANSWER", wire.Opcode(payload[0]))
	}
	rid, value, err := wire.SplitRID(payload[1:])
	if err != nil {
		t.Fatalf("SplitRID() error: %v", err)
	}
	if rid != 7 || !bytes.Equal(value, []byte("value")) {
		t.Errorf("answer = (%d, %q), want (7, \"value\")", rid, value)
	}

	nf := wire.EncodeNotFound(9)
	if wire.Opcode(nf[0]) != wire.OpNotFound || len(nf) != 1+wire.RIDSize {
		t.Errorf("EncodeNotFound() = %x", nf)
	}

	sw := wire.EncodeSwitch()
	if len(sw) != 1 || wire.Opcode(sw[0]) != wire.OpSwitch {
		t.Errorf("EncodeSwitch() = %x", sw)
	}
}

func TestOpcodeStrings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		op   wire.Opcode
		want string
	}{
		{wire.OpGet, "GET"},
		{wire.OpSet, "SET"},
		{wire.OpDel, "DEL"},
		{wire.OpGetKeys, "GETKEYS"},
		{wire.OpAnswer, "ANSWER"},
		{wire.OpNotFound, "NOTFOUND"},
		{wire.OpAllKeys, "ALLKEYS"},
		{wire.OpSwitch, "SWITCH"},
		{wire.Opcode(0xAA), "Unknown(0xaa)"},
	}

	for _, tt := range tests {
		if got := tt.op.String(); got != tt.want {
			t.Errorf("Opcode(%#x).String() = %q, want %q", byte(tt.op), got, tt.want)
		}
	}
}
