package validate

import (
	"bytes"
	"testing"

	"github.com/SasataniLab/miniscope-io/header"
	"github.com/SasataniLab/miniscope-io/types"
)

var testLayout = header.Layout{
	MagicWord:      0xA5A5,
	MagicBits:      16,
	FrameIDBits:    10,
	BlockIndexBits: 6,
	BlockCountBits: 6,
	PayloadLenBits: 12,
	TimestampBits:  20,
}

// makeBuffer encodes a header and appends payload bytes.
func makeBuffer(h header.Header, payload []byte) types.RawBuffer {
	return types.RawBuffer{Data: append(header.Encode(testLayout, h), payload...)}
}

func TestCheck_Accept(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	h := header.Header{
		Magic:      0xA5A5,
		FrameID:    7,
		BlockIndex: 0,
		BlockCount: 3,
		PayloadLen: uint32(len(payload)),
	}
	raw := makeBuffer(h, payload)
	raw.Seq = 42

	v := New(testLayout, 0)
	acc, err := v.Check(raw, h)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}

	if !bytes.Equal(acc.Payload, payload) {
		t.Errorf("Payload = %v, want %v", acc.Payload, payload)
	}
	if acc.Header != h {
		t.Errorf("Header = %+v, want %+v", acc.Header, h)
	}
	if acc.Seq != 42 {
		t.Errorf("Seq = %d, want 42", acc.Seq)
	}
}

func TestCheck_AcceptShortPayloadDeclaration(t *testing.T) {
	// Declared length may be less than bytes present (trailing padding from
	// the transport); only the declared bytes are carried forward.
	h := header.Header{Magic: 0xA5A5, FrameID: 1, BlockCount: 1, PayloadLen: 2}
	raw := makeBuffer(h, []byte{9, 8, 0, 0, 0})

	acc, err := New(testLayout, 0).Check(raw, h)
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !bytes.Equal(acc.Payload, []byte{9, 8}) {
		t.Errorf("Payload = %v, want [9 8]", acc.Payload)
	}
}

func TestCheck_BadMagic(t *testing.T) {
	h := header.Header{Magic: 0xFFFF, FrameID: 7, BlockCount: 3}
	raw := makeBuffer(h, nil)

	_, err := New(testLayout, 0).Check(raw, h)
	re, ok := AsReject(err)
	if !ok {
		t.Fatalf("expected RejectError, got %v", err)
	}
	if re.Reason != ReasonBadMagic {
		t.Errorf("Reason = %s, want %s", re.Reason, ReasonBadMagic)
	}
}

func TestCheck_BadMagic_AnyFlippedByte(t *testing.T) {
	// Flipping any single byte of the magic word must always reject.
	h := header.Header{Magic: 0xA5A5, FrameID: 1, BlockCount: 1, PayloadLen: 0}
	base := makeBuffer(h, nil)

	v := New(testLayout, 0)
	for i := 0; i < 2; i++ { // magic occupies the first two wire bytes
		data := append([]byte(nil), base.Data...)
		data[i] ^= 0xFF
		decoded, err := header.Decode(testLayout, data)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}

		_, err = v.Check(types.RawBuffer{Data: data}, decoded)
		re, ok := AsReject(err)
		if !ok || re.Reason != ReasonBadMagic {
			t.Errorf("byte %d flipped: got %v, want BadMagic reject", i, err)
		}
	}
}

func TestCheck_TruncatedPayload(t *testing.T) {
	h := header.Header{Magic: 0xA5A5, FrameID: 7, BlockCount: 3, PayloadLen: 10}
	raw := makeBuffer(h, []byte{1, 2, 3}) // only 3 of declared 10 present

	_, err := New(testLayout, 0).Check(raw, h)
	re, ok := AsReject(err)
	if !ok {
		t.Fatalf("expected RejectError, got %v", err)
	}
	if re.Reason != ReasonTruncatedPayload {
		t.Errorf("Reason = %s, want %s", re.Reason, ReasonTruncatedPayload)
	}
}

func TestCheck_BlockIndexOutOfRange(t *testing.T) {
	tests := []struct {
		name       string
		index      uint32
		count      uint32
		wantReject bool
	}{
		{"index below count", 2, 3, false},
		{"index equals count", 3, 3, true},
		{"index above count", 40, 3, true},
		{"count unknown permits index below ceiling", 40, 0, false},
	}

	v := New(testLayout, 0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := header.Header{Magic: 0xA5A5, FrameID: 1, BlockIndex: tt.index, BlockCount: tt.count}
			raw := makeBuffer(h, nil)

			_, err := v.Check(raw, h)
			if tt.wantReject {
				re, ok := AsReject(err)
				if !ok || re.Reason != ReasonBlockIndexOutOfRange {
					t.Errorf("got %v, want BlockIndexOutOfRange reject", err)
				}
			} else if err != nil {
				t.Errorf("unexpected reject: %v", err)
			}
		})
	}
}

// wideLayout carries 32-bit index and count fields, wide enough to express
// the corrupt declarations the ceiling exists to stop.
var wideLayout = header.Layout{
	MagicWord:      0xA5A5,
	MagicBits:      16,
	FrameIDBits:    16,
	BlockIndexBits: 32,
	BlockCountBits: 32,
	PayloadLenBits: 16,
	TimestampBits:  32,
}

func TestCheck_BlockCountCeiling(t *testing.T) {
	// One accepted buffer with a corrupt count field would otherwise size
	// the frame accumulator's bookkeeping at abandonment.
	tests := []struct {
		name       string
		index      uint32
		count      uint32
		wantReason Reason
	}{
		{"count at ceiling accepted", 0, 64, ""},
		{"count past ceiling rejected", 0, 65, ReasonBlockCountOutOfRange},
		{"corrupt count rejected", 0, 100_000_000, ReasonBlockCountOutOfRange},
		{"unknown count caps the index", 64, 0, ReasonBlockIndexOutOfRange},
		{"unknown count index below ceiling accepted", 63, 0, ""},
	}

	v := New(wideLayout, 64)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := header.Header{Magic: 0xA5A5, FrameID: 1, BlockIndex: tt.index, BlockCount: tt.count}
			raw := types.RawBuffer{Data: header.Encode(wideLayout, h)}

			_, err := v.Check(raw, h)
			if tt.wantReason == "" {
				if err != nil {
					t.Errorf("unexpected reject: %v", err)
				}
				return
			}
			re, ok := AsReject(err)
			if !ok || re.Reason != tt.wantReason {
				t.Errorf("got %v, want %s reject", err, tt.wantReason)
			}
		})
	}
}

func TestCheck_DefaultCeilingApplies(t *testing.T) {
	h := header.Header{Magic: 0xA5A5, FrameID: 1, BlockIndex: 0, BlockCount: DefaultMaxBlockCount + 1}
	raw := types.RawBuffer{Data: header.Encode(wideLayout, h)}

	_, err := New(wideLayout, 0).Check(raw, h)
	re, ok := AsReject(err)
	if !ok || re.Reason != ReasonBlockCountOutOfRange {
		t.Errorf("got %v, want BlockCountOutOfRange reject", err)
	}
}

func TestCheck_OrderShortCircuits(t *testing.T) {
	// Bad magic wins over a simultaneously truncated payload.
	h := header.Header{Magic: 0xFFFF, FrameID: 1, BlockCount: 1, PayloadLen: 99}
	raw := makeBuffer(h, nil)

	_, err := New(testLayout, 0).Check(raw, h)
	re, ok := AsReject(err)
	if !ok || re.Reason != ReasonBadMagic {
		t.Errorf("got %v, want BadMagic (first check wins)", err)
	}
}
